// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// StarlarkEngine is the secondary runtime backend: a trusted/low-risk
// plugin format that skips full WASM isolation but still mediates every
// host call through the same HostCapabilityProvider. Each instance gets
// its own go.starlark.net thread and globals.
type StarlarkEngine struct {
	logger *zap.Logger
}

func NewStarlarkEngine(logger *zap.Logger) *StarlarkEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StarlarkEngine{logger: logger}
}

func (e *StarlarkEngine) Kind() Kind { return KindStarlark }

func (e *StarlarkEngine) Load(ctx context.Context, pluginID string, code []byte, host HostCapabilityProvider) (Instance, error) {
	inst := &starlarkInstance{pluginID: pluginID, host: host, logger: e.logger}
	predeclared := inst.predeclared()

	globals, err := starlark.ExecFile(&starlark.Thread{Name: pluginID}, pluginID+".star", code, predeclared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginExecutionFailed, err)
	}
	inst.globals = globals
	return inst, nil
}

type starlarkInstance struct {
	pluginID string
	host     HostCapabilityProvider
	globals  starlark.StringDict
	logger   *zap.Logger
	mu       sync.Mutex
}

// predeclared builds the same five host functions as the WASM engine,
// exposed as Starlark builtins operating on Starlark bytes/string values
// instead of raw linear-memory offsets.
func (i *starlarkInstance) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"trigger_judging": starlark.NewBuiltin("trigger_judging", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var submissionID string
			if err := starlark.UnpackArgs("trigger_judging", args, kwargs, "submission_id", &submissionID); err != nil {
				return starlark.None, err
			}
			status := i.host.TriggerJudging(context.Background(), i.pluginID, submissionID)
			return starlark.MakeInt(int(status)), nil
		}),
		"emit_event": starlark.NewBuiltin("emit_event", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var eventType string
			var payload starlark.Bytes
			if err := starlark.UnpackArgs("emit_event", args, kwargs, "event_type", &eventType, "payload", &payload); err != nil {
				return starlark.None, err
			}
			status := i.host.EmitEvent(context.Background(), i.pluginID, eventType, []byte(payload))
			return starlark.MakeInt(int(status)), nil
		}),
		"execute_private_sql": starlark.NewBuiltin("execute_private_sql", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var sql string
			var params starlark.Bytes
			if err := starlark.UnpackArgs("execute_private_sql", args, kwargs, "sql", &sql, "params", &params); err != nil {
				return starlark.None, err
			}
			_, status := i.host.ExecutePrivateSQL(context.Background(), i.pluginID, sql, []byte(params))
			return starlark.MakeInt(int(status)), nil
		}),
		"send_message": starlark.NewBuiltin("send_message", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var userID string
			var payload starlark.Bytes
			if err := starlark.UnpackArgs("send_message", args, kwargs, "user_id", &userID, "payload", &payload); err != nil {
				return starlark.None, err
			}
			status := i.host.SendWebSocketMessage(context.Background(), i.pluginID, userID, []byte(payload))
			return starlark.MakeInt(int(status)), nil
		}),
		"log_info": starlark.NewBuiltin("log_info", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var level, message string
			if err := starlark.UnpackArgs("log_info", args, kwargs, "level", &level, "message", &message); err != nil {
				return starlark.None, err
			}
			status := i.host.LogInfo(context.Background(), i.pluginID, level, message)
			return starlark.MakeInt(int(status)), nil
		}),
	}
}

// Call looks up a global function by name and invokes it with a single
// Starlark bytes argument, returning its bytes result. Starlark
// execution is single-threaded per thread/globals pair, so the mutex
// keeps each instance to one in-flight call.
func (i *starlarkInstance) Call(ctx context.Context, function string, arg []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fnVal, ok := i.globals[function]
	if !ok {
		return nil, ErrFunctionNotExported
	}
	fn, ok := fnVal.(*starlark.Function)
	if !ok {
		return nil, ErrFunctionNotExported
	}

	thread := &starlark.Thread{Name: i.pluginID}
	result, err := starlark.Call(thread, fn, starlark.Tuple{starlark.Bytes(arg)}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginExecutionFailed, err)
	}
	b, ok := result.(starlark.Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: function must return bytes", ErrPluginExecutionFailed)
	}
	return []byte(b), nil
}

func (i *starlarkInstance) Exports() []string {
	names := make([]string, 0, len(i.globals))
	for name, v := range i.globals {
		if _, ok := v.(*starlark.Function); ok {
			names = append(names, name)
		}
	}
	return names
}

func (i *starlarkInstance) Close() error { return nil }
