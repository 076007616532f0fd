package system

import (
	"sort"
	"time"
)

// Runner drives the server frame: input, then the resource manager and
// event queue, then output. Systems sharing a phase keep their registration
// order.
type Runner struct {
	systems []System
	sorted  bool
}

func NewRunner() *Runner {
	return &Runner{
		systems: make([]System, 0, 8),
	}
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Tick runs one full frame.
func (r *Runner) Tick(dt time.Duration) {
	r.run(dt, func(Phase) bool { return true })
}

// Flush runs only the output systems, pushing out whatever peers still have
// queued. Used on shutdown after resources have stopped and their final
// events were sent.
func (r *Runner) Flush(dt time.Duration) {
	r.run(dt, func(p Phase) bool { return p == PhaseOutput })
}

func (r *Runner) Len() int { return len(r.systems) }

func (r *Runner) run(dt time.Duration, include func(Phase) bool) {
	if !r.sorted {
		sort.SliceStable(r.systems, func(i, j int) bool {
			return r.systems[i].Phase() < r.systems[j].Phase()
		})
		r.sorted = true
	}
	for _, s := range r.systems {
		if include(s.Phase()) {
			s.Update(dt)
		}
	}
}
