package scripting

import (
	"errors"

	"github.com/citizenfx/fxcore/internal/event"
	"github.com/citizenfx/fxcore/internal/resource"
)

// SourceInternal is the event source of events triggered by scripts.
const SourceInternal = "internal"

// ClientSender delivers events to remote peers; target -1 broadcasts.
type ClientSender interface {
	SendEvent(target int, name string, payload []byte) error
}

var errNoRuntime = errors.New("called outside a script runtime")

// RegisterCoreNatives installs the resource and event natives. sender may
// be nil when no endpoint is running.
func RegisterCoreNatives(reg *NativeRegistry, mgr *resource.Manager, bus *event.Bus, sender ClientSender) {
	reg.Register("GET_CURRENT_RESOURCE_NAME", func(ctx *NativeContext) error {
		r := ctx.Resource()
		if r == nil {
			return errNoRuntime
		}
		ctx.Result = r.Name()
		return nil
	})

	reg.Register("GET_NUM_RESOURCES", func(ctx *NativeContext) error {
		ctx.Result = len(mgr.Resources())
		return nil
	})

	reg.Register("GET_RESOURCE_BY_FIND_INDEX", func(ctx *NativeContext) error {
		i, err := ctx.Int(0)
		if err != nil {
			return err
		}
		ctx.Result = ""
		if list := mgr.Resources(); i >= 0 && i < len(list) {
			ctx.Result = list[i].Name()
		}
		return nil
	})

	reg.Register("GET_RESOURCE_STATE", func(ctx *NativeContext) error {
		name, err := ctx.String(0)
		if err != nil {
			return err
		}
		ctx.Result = "missing"
		if r := mgr.GetResource(name); r != nil {
			ctx.Result = r.State().String()
		}
		return nil
	})

	reg.Register("START_RESOURCE", func(ctx *NativeContext) error {
		return withResource(ctx, mgr, func(r *resource.Resource) error { return r.Start() })
	})

	reg.Register("STOP_RESOURCE", func(ctx *NativeContext) error {
		return withResource(ctx, mgr, func(r *resource.Resource) error { return r.Stop() })
	})

	reg.Register("TRIGGER_EVENT_INTERNAL", func(ctx *NativeContext) error {
		name, err := ctx.String(0)
		if err != nil {
			return err
		}
		payload, _ := ctx.String(1)
		ctx.Result = bus.TriggerEvent(name, []byte(payload), SourceInternal)
		return nil
	})

	reg.Register("TRIGGER_CLIENT_EVENT_INTERNAL", func(ctx *NativeContext) error {
		if sender == nil {
			return errors.New("no network endpoint")
		}
		name, err := ctx.String(0)
		if err != nil {
			return err
		}
		target, err := ctx.Int(1)
		if err != nil {
			return err
		}
		payload, _ := ctx.String(2)
		return sender.SendEvent(target, name, []byte(payload))
	})

	reg.Register("CANCEL_EVENT", func(ctx *NativeContext) error {
		bus.CancelEvent()
		return nil
	})

	reg.Register("WAS_EVENT_CANCELED", func(ctx *NativeContext) error {
		ctx.Result = bus.WasLastEventCanceled()
		return nil
	})
}

// withResource runs fn on the named resource and reports success as the
// result. Lifecycle failures are logged by the resource itself. A resource
// in the middle of a transition holds its lifecycle lock, so the call is
// deferred to the next tick instead.
func withResource(ctx *NativeContext, mgr *resource.Manager, fn func(*resource.Resource) error) error {
	name, err := ctx.String(0)
	if err != nil {
		return err
	}
	r := mgr.GetResource(name)
	if r == nil {
		ctx.Result = false
		return nil
	}
	switch r.State() {
	case resource.StateStarting, resource.StateStopping:
		mgr.Post(func() { fn(r) })
		ctx.Result = true
		return nil
	}
	ctx.Result = fn(r) == nil
	return nil
}
