// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"
)

// WASMEngine is the primary runtime backend: single-threaded modules
// with a deterministic host interface. Every module gets its own
// Engine/Store; imports are rebuilt per-load so each instance's host
// functions close over that instance's plugin id and capability
// provider.
type WASMEngine struct {
	logger *zap.Logger
}

func NewWASMEngine(logger *zap.Logger) *WASMEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WASMEngine{logger: logger}
}

func (e *WASMEngine) Kind() Kind { return KindWASM }

func (e *WASMEngine) Load(ctx context.Context, pluginID string, code []byte, host HostCapabilityProvider) (Instance, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	inst := &wasmInstance{
		pluginID: pluginID,
		host:     host,
		store:    store,
		logger:   e.logger,
	}

	imports := inst.buildImports(store, module)
	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}
	inst.instance = instance

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("wasm module does not export memory: %w", err)
	}
	inst.memory = mem

	return inst, nil
}

// wasmInstance serializes calls with a mutex: a WASM instance's linear
// memory is not safe for concurrent access, and the host allows exactly
// one in-flight call per plugin instance.
type wasmInstance struct {
	pluginID string
	host     HostCapabilityProvider
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory
	logger   *zap.Logger
	mu       sync.Mutex
}

// buildImports wires the five host functions under their declared
// namespaces. Every host call reads its (ptr,len) arguments out of
// guest memory and returns a status code; malformed plugin input
// (bounds violations) is reported as StatusInvalidArgument, never a
// panic.
func (i *wasmInstance) buildImports(store *wasmer.Store, module *wasmer.Module) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.I32

	triggerJudging := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			submissionID, ok := i.readString(args[0].I32(), args[1].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			status := i.host.TriggerJudging(context.Background(), i.pluginID, submissionID)
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	emitEvent := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			eventType, ok := i.readString(args[0].I32(), args[1].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			payload, ok := i.readBytes(args[2].I32(), args[3].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			status := i.host.EmitEvent(context.Background(), i.pluginID, eventType, payload)
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	executeSQL := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			sql, ok := i.readString(args[0].I32(), args[1].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			params, ok := i.readBytes(args[2].I32(), args[3].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			_, status := i.host.ExecutePrivateSQL(context.Background(), i.pluginID, sql, params)
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	sendMessage := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			userID, ok := i.readString(args[0].I32(), args[1].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			payload, ok := i.readBytes(args[2].I32(), args[3].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			status := i.host.SendWebSocketMessage(context.Background(), i.pluginID, userID, payload)
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	logInfo := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			level, ok := i.readString(args[0].I32(), args[1].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			msg, ok := i.readString(args[2].I32(), args[3].I32())
			if !ok {
				return []wasmer.Value{wasmer.NewI32(StatusInvalidArgument)}, nil
			}
			status := i.host.LogInfo(context.Background(), i.pluginID, level, msg)
			return []wasmer.Value{wasmer.NewI32(status)}, nil
		},
	)

	imports.Register("platform", map[string]wasmer.IntoExtern{
		"trigger_judging": triggerJudging,
		"emit_event":      emitEvent,
	})
	imports.Register("database", map[string]wasmer.IntoExtern{
		"execute_private_sql": executeSQL,
	})
	imports.Register("websocket", map[string]wasmer.IntoExtern{
		"send_message": sendMessage,
	})
	imports.Register("log", map[string]wasmer.IntoExtern{
		"info": logInfo,
	})

	return imports
}

func (i *wasmInstance) readBytes(ptr, length int32) ([]byte, bool) {
	if ptr < 0 || length < 0 {
		return nil, false
	}
	data := i.memory.Data()
	end := int(ptr) + int(length)
	if end > len(data) || int(ptr) > len(data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[ptr:end])
	return out, true
}

func (i *wasmInstance) readString(ptr, length int32) (string, bool) {
	b, ok := i.readBytes(ptr, length)
	return string(b), ok
}

// Call invokes an exported function of shape (ptr:i32,len:i32) ->
// (ptr:i32,len:i32). The caller's argument bytes are written into guest
// memory via the module's "alloc" export; the plugin owns the memory it
// returns (no free is issued back, arena-per-call).
func (i *wasmInstance) Call(ctx context.Context, function string, arg []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fn, err := i.instance.Exports.GetFunction(function)
	if err != nil {
		return nil, ErrFunctionNotExported
	}
	alloc, err := i.instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, fmt.Errorf("%w: module does not export alloc", ErrPluginExecutionFailed)
	}

	argPtrRaw, err := alloc(int32(len(arg)))
	if err != nil {
		return nil, fmt.Errorf("%w: alloc failed: %v", ErrPluginExecutionFailed, err)
	}
	argPtr, ok := argPtrRaw.(int32)
	if !ok {
		return nil, fmt.Errorf("%w: alloc returned non-i32", ErrPluginExecutionFailed)
	}
	data := i.memory.Data()
	if int(argPtr)+len(arg) > len(data) {
		return nil, fmt.Errorf("%w: guest memory too small for argument", ErrPluginExecutionFailed)
	}
	copy(data[argPtr:], arg)

	results, err := fn(argPtr, int32(len(arg)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginExecutionFailed, err)
	}

	resVals, ok := results.([]interface{})
	if !ok || len(resVals) != 2 {
		return nil, fmt.Errorf("%w: export must return (ptr,len)", ErrPluginExecutionFailed)
	}
	outPtr, ok1 := resVals[0].(int32)
	outLen, ok2 := resVals[1].(int32)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: export result types must be i32", ErrPluginExecutionFailed)
	}

	out, ok := i.readBytes(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%w: result pointer out of bounds", ErrPluginExecutionFailed)
	}
	return out, nil
}

// knownExports is the fixed set of export names the ABI ever calls by
// name; wasmer-go has no export-enumeration API, so presence is checked
// by probing GetFunction for each candidate.
var knownExports = []string{"handle_request", "get_info"}

func (i *wasmInstance) Exports() []string {
	names := make([]string, 0, len(knownExports))
	for _, name := range knownExports {
		if _, err := i.instance.Exports.GetFunction(name); err == nil {
			names = append(names, name)
		}
	}
	return names
}

func (i *wasmInstance) Close() error {
	return nil
}
