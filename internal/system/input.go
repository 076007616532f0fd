package system

import (
	"time"

	coresys "github.com/citizenfx/fxcore/internal/core/system"
	gonet "github.com/citizenfx/fxcore/internal/net"
)

// InputSystem drops peers that went quiet or closed since the last tick.
// Datagrams themselves arrive on the endpoint's read goroutine and reach the
// tick through the event queue. Phase 0 (Input).
type InputSystem struct {
	endpoint *gonet.Endpoint
	now      func() time.Time
}

func NewInputSystem(endpoint *gonet.Endpoint) *InputSystem {
	return &InputSystem{endpoint: endpoint, now: time.Now}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	s.endpoint.SweepIdle(s.now())
}
