package system

import (
	"time"

	coresys "github.com/citizenfx/fxcore/internal/core/system"
	"github.com/citizenfx/fxcore/internal/resource"
)

// ResourceSystem ticks the resource manager: posted callbacks, started
// resources, then the manager hooks that drain the event queue.
// Phase 1 (Update).
type ResourceSystem struct {
	mgr *resource.Manager
}

func NewResourceSystem(mgr *resource.Manager) *ResourceSystem {
	return &ResourceSystem{mgr: mgr}
}

func (s *ResourceSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *ResourceSystem) Update(_ time.Duration) {
	s.mgr.Tick()
}
