package system

import (
	"time"

	coresys "github.com/citizenfx/fxcore/internal/core/system"
	gonet "github.com/citizenfx/fxcore/internal/net"
)

// OutputSystem flushes what the tick queued for each peer. Phase 2 (Output).
type OutputSystem struct {
	endpoint *gonet.Endpoint
}

func NewOutputSystem(endpoint *gonet.Endpoint) *OutputSystem {
	return &OutputSystem{endpoint: endpoint}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	s.endpoint.Flush()
}
