package scripting

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/citizenfx/fxcore/internal/event"
	gonet "github.com/citizenfx/fxcore/internal/net"
	"github.com/citizenfx/fxcore/internal/resource"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var errRuntimeStopped = errors.New("script runtime is not running")

// FunctionRefs hands out references to script functions that can be
// invoked across resources with serialized arguments.
type FunctionRefs interface {
	CreateCallback(r *resource.Resource, fn func(args []byte) ([]byte, error)) string
	Invoke(ref string, args []byte) ([]byte, error)
}

// LuaOptions configures the Lua runtimes of a manager.
type LuaOptions struct {
	Side    string // "server" or "client"; picks the manifest script key
	Natives *NativeRegistry
	Sender  ClientSender // may be nil
	Refs    FunctionRefs // may be nil
}

// LuaRuntime runs a resource's scripts in its own gopher-lua VM. The VM
// exists while the resource is started and is only touched from the tick
// goroutine. Script errors are caught by protected calls and logged; they
// never reach the event bus.
type LuaRuntime struct {
	res  *resource.Resource
	bus  *event.Bus
	opts LuaOptions
	refs FunctionRefs

	vm         *lua.LState
	retired    []*lua.LState // stopped while a call was on the stack
	depth      int
	disconnect func()

	handlers     map[string][]*lua.LFunction
	netEvents    map[string]bool
	tickHandlers []*lua.LFunction

	log *zap.Logger
}

// InstallLuaRuntime gives every resource mgr creates a Lua runtime that
// loads its scripts on start and discards them on stop. The bus must be
// created before this is called.
func InstallLuaRuntime(mgr *resource.Manager, bus *event.Bus, opts LuaOptions, log *zap.Logger) {
	if opts.Side == "" {
		opts.Side = "server"
	}
	mgr.OnInitializeInstance(func(r *resource.Resource) error {
		rt := &LuaRuntime{
			res:  r,
			bus:  bus,
			opts: opts,
			refs: opts.Refs,
			log:  log.With(zap.String("resource", r.Name())),
		}
		if err := resource.SetComponent(r, rt); err != nil {
			return err
		}
		r.OnStart(rt.start)
		r.OnStop(rt.stop)
		r.OnTick(rt.tick)
		return nil
	})
}

// LuaRuntimeOf returns the Lua runtime of r, or nil.
func LuaRuntimeOf(r *resource.Resource) *LuaRuntime {
	rt, _ := resource.GetComponent[*LuaRuntime](r)
	return rt
}

func (rt *LuaRuntime) ParentObject() *resource.Resource { return rt.res }

// Running reports whether the VM is up.
func (rt *LuaRuntime) Running() bool { return rt.vm != nil }

func (rt *LuaRuntime) start() {
	rt.handlers = make(map[string][]*lua.LFunction)
	rt.netEvents = make(map[string]bool)
	rt.tickHandlers = nil

	vm := lua.NewState()
	rt.vm = vm
	rt.registerAPI(vm)
	if rc := event.ComponentOf(rt.res); rc != nil {
		rt.disconnect = rc.Connect(rt)
	}

	md := resource.MetadataOf(rt.res)
	scripts := append([]string(nil), md.Entries(resource.MetaSharedScripts)...)
	scripts = append(scripts, md.Entries(rt.opts.Side+"_scripts")...)
	for _, s := range scripts {
		path := filepath.Join(rt.res.Path(), filepath.FromSlash(s))
		rt.depth++
		err := vm.DoFile(path)
		rt.depth--
		if err != nil {
			rt.log.Error("script error", zap.String("file", s), zap.Error(err))
			continue
		}
		rt.log.Debug("loaded lua script", zap.String("file", s))
	}
	rt.release()
}

func (rt *LuaRuntime) stop() error {
	if rt.disconnect != nil {
		rt.disconnect()
		rt.disconnect = nil
	}
	if rt.vm == nil {
		return nil
	}
	rt.retired = append(rt.retired, rt.vm)
	rt.vm = nil
	rt.handlers = nil
	rt.netEvents = nil
	rt.tickHandlers = nil
	rt.release()
	return nil
}

// release closes stopped VMs once no call into them is on the stack.
func (rt *LuaRuntime) release() {
	if rt.depth > 0 {
		return
	}
	for _, vm := range rt.retired {
		vm.Close()
	}
	rt.retired = nil
}

// pcall runs fn in protected mode and returns its results.
func (rt *LuaRuntime) pcall(L *lua.LState, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	base := L.GetTop()
	rt.depth++
	err := L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	rt.depth--

	var rets []lua.LValue
	if err == nil {
		for i := base + 1; i <= L.GetTop(); i++ {
			rets = append(rets, L.Get(i))
		}
	}
	L.SetTop(base)
	rt.release()
	return rets, err
}

// HandleEvent delivers a bus event to the handlers registered for name.
// Events from peers only reach names registered with RegisterNetEvent.
func (rt *LuaRuntime) HandleEvent(name string, payload []byte, source string) {
	vm := rt.vm
	if vm == nil {
		return
	}
	fns := rt.handlers[name]
	if len(fns) == 0 {
		return
	}
	if strings.HasPrefix(source, "net:") && !rt.netEvents[name] {
		rt.log.Debug("net event not registered", zap.String("event", name), zap.String("source", source))
		return
	}
	args, err := rt.decodePayload(vm, payload)
	if err != nil {
		rt.log.Warn("bad event payload", zap.String("event", name), zap.Error(err))
		return
	}

	rt.depth++
	prev := vm.GetGlobal("source")
	vm.SetGlobal("source", sourceValue(source))
	for _, fn := range append([]*lua.LFunction(nil), fns...) {
		if _, err := rt.pcall(vm, fn, 0, args...); err != nil {
			rt.log.Error("script error", zap.String("event", name), zap.Error(err))
		}
		if rt.vm != vm {
			break
		}
	}
	vm.SetGlobal("source", prev)
	rt.depth--
	rt.release()
}

func (rt *LuaRuntime) tick() {
	vm := rt.vm
	if vm == nil {
		return
	}
	for _, fn := range append([]*lua.LFunction(nil), rt.tickHandlers...) {
		if _, err := rt.pcall(vm, fn, 0); err != nil {
			rt.log.Error("script error", zap.String("in", "tick handler"), zap.Error(err))
		}
		if rt.vm != vm {
			return
		}
	}
}

// sourceValue maps an event source to the script-visible source: a peer id
// for network events, the raw string otherwise.
func sourceValue(source string) lua.LValue {
	if id, ok := gonet.ParseNetSource(source); ok {
		return lua.LNumber(id)
	}
	return lua.LString(source)
}

func (rt *LuaRuntime) registerAPI(L *lua.LState) {
	api := map[string]lua.LGFunction{
		"AddEventHandler":         rt.luaAddEventHandler,
		"RegisterNetEvent":        rt.luaRegisterNetEvent,
		"TriggerEvent":            rt.luaTriggerEvent,
		"TriggerClientEvent":      rt.luaTriggerClientEvent,
		"CancelEvent":             rt.luaCancelEvent,
		"WasEventCanceled":        rt.luaWasEventCanceled,
		"GetCurrentResourceName":  rt.luaGetCurrentResourceName,
		"InvokeNative":            rt.luaInvokeNative,
		"AddTickHandler":          rt.luaAddTickHandler,
		"CreateFunctionReference": rt.luaCreateFunctionReference,
		"InvokeFunctionReference": rt.luaInvokeFunctionReference,
	}
	for name, fn := range api {
		L.SetGlobal(name, L.NewFunction(fn))
	}
	L.SetGlobal("source", lua.LNil)
}

func (rt *LuaRuntime) luaAddEventHandler(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	if rt.handlers != nil {
		rt.handlers[name] = append(rt.handlers[name], fn)
	}
	return 0
}

func (rt *LuaRuntime) luaRegisterNetEvent(L *lua.LState) int {
	name := L.CheckString(1)
	if rt.netEvents == nil {
		return 0
	}
	rt.netEvents[name] = true
	if L.GetTop() >= 2 {
		rt.handlers[name] = append(rt.handlers[name], L.CheckFunction(2))
	}
	return 0
}

func (rt *LuaRuntime) luaTriggerEvent(L *lua.LState) int {
	name := L.CheckString(1)
	payload, err := rt.encodeArgs(L, 2)
	if err != nil {
		L.RaiseError("TriggerEvent %s: %v", name, err)
		return 0
	}
	L.Push(lua.LBool(rt.bus.TriggerEvent(name, payload, SourceInternal)))
	return 1
}

func (rt *LuaRuntime) luaTriggerClientEvent(L *lua.LState) int {
	name := L.CheckString(1)
	target := L.CheckInt(2)
	payload, err := rt.encodeArgs(L, 3)
	if err != nil {
		L.RaiseError("TriggerClientEvent %s: %v", name, err)
		return 0
	}
	if rt.opts.Sender == nil {
		L.RaiseError("TriggerClientEvent %s: no network endpoint", name)
		return 0
	}
	if err := rt.opts.Sender.SendEvent(target, name, payload); err != nil {
		L.RaiseError("TriggerClientEvent %s: %v", name, err)
	}
	return 0
}

func (rt *LuaRuntime) luaCancelEvent(L *lua.LState) int {
	rt.bus.CancelEvent()
	return 0
}

func (rt *LuaRuntime) luaWasEventCanceled(L *lua.LState) int {
	L.Push(lua.LBool(rt.bus.WasLastEventCanceled()))
	return 1
}

func (rt *LuaRuntime) luaGetCurrentResourceName(L *lua.LState) int {
	L.Push(lua.LString(rt.res.Name()))
	return 1
}

func (rt *LuaRuntime) luaInvokeNative(L *lua.LState) int {
	if rt.opts.Natives == nil {
		L.RaiseError("InvokeNative: no native registry")
		return 0
	}
	var hash uint64
	switch v := L.Get(1).(type) {
	case lua.LString:
		hash = HashNative(string(v))
	case lua.LNumber:
		hash = uint64(v)
	default:
		L.ArgError(1, "native name or hash expected")
		return 0
	}

	ctx := &NativeContext{Runtime: rt}
	for i := 2; i <= L.GetTop(); i++ {
		arg, err := rt.fromLua(L.Get(i), 0)
		if err != nil {
			L.ArgError(i, err.Error())
			return 0
		}
		ctx.Args = append(ctx.Args, arg)
	}
	if err := rt.opts.Natives.Invoke(hash, ctx); err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(rt.toLuaResult(L, ctx.Result))
	return 1
}

func (rt *LuaRuntime) luaAddTickHandler(L *lua.LState) int {
	fn := L.CheckFunction(1)
	if rt.vm != nil {
		rt.tickHandlers = append(rt.tickHandlers, fn)
	}
	return 0
}

func (rt *LuaRuntime) luaCreateFunctionReference(L *lua.LState) int {
	fn := L.CheckFunction(1)
	if rt.refs == nil {
		L.RaiseError("CreateFunctionReference: references unavailable")
		return 0
	}
	L.Push(lua.LString(rt.refFor(fn)))
	return 1
}

func (rt *LuaRuntime) luaInvokeFunctionReference(L *lua.LState) int {
	return rt.invokeRef(L, L.CheckString(1), 2)
}

// invokeRef calls ref with the stack values from start and pushes its
// results.
func (rt *LuaRuntime) invokeRef(L *lua.LState, ref string, start int) int {
	if rt.refs == nil {
		L.RaiseError("function references unavailable")
		return 0
	}
	payload, err := rt.encodeArgs(L, start)
	if err != nil {
		L.RaiseError("invoke %s: %v", ref, err)
		return 0
	}
	out, err := rt.refs.Invoke(ref, payload)
	if err != nil {
		L.RaiseError("invoke %s: %v", ref, err)
		return 0
	}
	vals, err := rt.decodePayload(L, out)
	if err != nil {
		L.RaiseError("invoke %s: %v", ref, err)
		return 0
	}
	for _, v := range vals {
		L.Push(v)
	}
	return len(vals)
}

// refFor registers fn as a callback owned by this resource.
func (rt *LuaRuntime) refFor(fn *lua.LFunction) string {
	return rt.refs.CreateCallback(rt.res, func(args []byte) ([]byte, error) {
		vm := rt.vm
		if vm == nil {
			return nil, errRuntimeStopped
		}
		vals, err := rt.decodePayload(vm, args)
		if err != nil {
			return nil, err
		}
		rets, err := rt.pcall(vm, fn, lua.MultRet, vals...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rt.res.Name(), err)
		}
		return rt.encodeValues(rets)
	})
}
