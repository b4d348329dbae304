// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// KindLua is the third sandbox tier. A pure-Go Lua VM sits between
// Starlark's restricted expression language and full WASM: scripts can
// hold loops and mutable state but never touch the filesystem or
// network directly, same isolation story as Starlark.
const KindLua Kind = "lua"

// LuaEngine loads plugin code as a Lua chunk via gopher-lua.
type LuaEngine struct {
	logger *zap.Logger
}

func NewLuaEngine(logger *zap.Logger) *LuaEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LuaEngine{logger: logger}
}

func (e *LuaEngine) Kind() Kind { return KindLua }

func (e *LuaEngine) Load(ctx context.Context, pluginID string, code []byte, host HostCapabilityProvider) (Instance, error) {
	state := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := state.CallByParam(lua.P{Fn: state.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			state.Close()
			return nil, err
		}
	}

	inst := &luaInstance{pluginID: pluginID, host: host, state: state, logger: e.logger}
	inst.registerHostFunctions()

	if err := state.DoString(string(code)); err != nil {
		state.Close()
		return nil, err
	}
	return inst, nil
}

type luaInstance struct {
	pluginID string
	host     HostCapabilityProvider
	state    *lua.LState
	logger   *zap.Logger
	mu       sync.Mutex
}

// registerHostFunctions binds all five host functions as globals, the
// same surface the WASM and Starlark engines expose.
func (i *luaInstance) registerHostFunctions() {
	i.state.SetGlobal("trigger_judging", i.state.NewFunction(func(L *lua.LState) int {
		submissionID := L.CheckString(1)
		status := i.host.TriggerJudging(context.Background(), i.pluginID, submissionID)
		L.Push(lua.LNumber(status))
		return 1
	}))
	i.state.SetGlobal("emit_event", i.state.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		payload := L.CheckString(2)
		status := i.host.EmitEvent(context.Background(), i.pluginID, eventType, []byte(payload))
		L.Push(lua.LNumber(status))
		return 1
	}))
	i.state.SetGlobal("execute_private_sql", i.state.NewFunction(func(L *lua.LState) int {
		sql := L.CheckString(1)
		params := L.OptString(2, "")
		_, status := i.host.ExecutePrivateSQL(context.Background(), i.pluginID, sql, []byte(params))
		L.Push(lua.LNumber(status))
		return 1
	}))
	i.state.SetGlobal("send_message", i.state.NewFunction(func(L *lua.LState) int {
		userID := L.CheckString(1)
		payload := L.CheckString(2)
		status := i.host.SendWebSocketMessage(context.Background(), i.pluginID, userID, []byte(payload))
		L.Push(lua.LNumber(status))
		return 1
	}))
	i.state.SetGlobal("log_info", i.state.NewFunction(func(L *lua.LState) int {
		message := L.CheckString(1)
		status := i.host.LogInfo(context.Background(), i.pluginID, "info", message)
		L.Push(lua.LNumber(status))
		return 1
	}))
}

func (i *luaInstance) Call(ctx context.Context, function string, arg []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fn := i.state.GetGlobal(function)
	if fn.Type() != lua.LTFunction {
		return nil, ErrFunctionNotExported
	}
	if err := i.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(arg)); err != nil {
		return nil, ErrPluginExecutionFailed
	}
	ret := i.state.Get(-1)
	i.state.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}

func (i *luaInstance) Exports() []string {
	var names []string
	for _, name := range []string{"handle_request", "get_info", "_plugin_metadata"} {
		if i.state.GetGlobal(name).Type() == lua.LTFunction {
			names = append(names, name)
		}
	}
	return names
}

func (i *luaInstance) Close() error {
	i.state.Close()
	return nil
}
