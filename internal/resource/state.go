package resource

import "fmt"

// State is a resource's lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing        // component factories running
	StateLoaded              // created and loaded, never started
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateError // load failed; Start refuses
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateLoaded:
		return "loaded"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
