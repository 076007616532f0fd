package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput   Phase = iota // 0: drain datagrams, sweep idle peers
	PhaseUpdate               // 1: resource manager tick, queued events
	PhaseOutput               // 2: flush peer output queues
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseUpdate:
		return "update"
	case PhaseOutput:
		return "output"
	}
	return "unknown"
}

// System is a unit of per-tick work.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
