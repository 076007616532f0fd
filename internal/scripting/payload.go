package scripting

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// funcRefKey marks a serialized function reference inside a payload.
const funcRefKey = "__cfx_functionReference"

const maxPayloadDepth = 32

var errPayloadDepth = errors.New("payload nested too deeply")

// encodeArgs serializes the Lua values from stack index start onwards as a
// JSON array.
func (rt *LuaRuntime) encodeArgs(L *lua.LState, start int) ([]byte, error) {
	var vals []lua.LValue
	for i := start; i <= L.GetTop(); i++ {
		vals = append(vals, L.Get(i))
	}
	return rt.encodeValues(vals)
}

func (rt *LuaRuntime) encodeValues(vals []lua.LValue) ([]byte, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		g, err := rt.fromLua(v, 0)
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return json.Marshal(out)
}

// decodePayload parses a JSON array payload into Lua values. An empty
// payload carries no arguments.
func (rt *LuaRuntime) decodePayload(L *lua.LState, payload []byte) ([]lua.LValue, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	vals := make([]lua.LValue, len(args))
	for i, a := range args {
		vals[i] = rt.toLua(L, a)
	}
	return vals, nil
}

// fromLua converts a Lua value to its JSON model. Functions become
// function references when the runtime has a reference table.
func (rt *LuaRuntime) fromLua(v lua.LValue, depth int) (any, error) {
	if depth > maxPayloadDepth {
		return nil, errPayloadDepth
	}
	switch v := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LFunction:
		if rt.refs == nil {
			return nil, nil
		}
		return map[string]any{funcRefKey: rt.refFor(v)}, nil
	case *lua.LTable:
		return rt.tableFromLua(v, depth)
	}
	return nil, fmt.Errorf("cannot serialize %s", v.Type())
}

func (rt *LuaRuntime) tableFromLua(t *lua.LTable, depth int) (any, error) {
	if n := t.Len(); n > 0 {
		count := 0
		t.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if count == n {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				g, err := rt.fromLua(t.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr[i-1] = g
			}
			return arr, nil
		}
	}

	obj := make(map[string]any)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var g any
		if g, err = rt.fromLua(v, depth+1); err == nil {
			obj[k.String()] = g
		}
	})
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 {
		return []any{}, nil
	}
	return obj, nil
}

// toLua converts a decoded JSON value into L's value space.
func (rt *LuaRuntime) toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			t.Append(rt.toLua(L, item))
		}
		return t
	case map[string]any:
		if ref, ok := v[funcRefKey].(string); ok && len(v) == 1 && rt.refs != nil {
			return rt.proxyFor(L, ref)
		}
		t := L.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if n, err := strconv.Atoi(k); err == nil {
				t.RawSetInt(n, rt.toLua(L, v[k]))
				continue
			}
			t.RawSetString(k, rt.toLua(L, v[k]))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}

// toLuaResult converts a native result for return to a script.
func (rt *LuaRuntime) toLuaResult(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case int64:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	}
	return rt.toLua(L, v)
}

// proxyFor wraps a function reference as a callable Lua function.
func (rt *LuaRuntime) proxyFor(L *lua.LState, ref string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		return rt.invokeRef(L, ref, 1)
	})
}
