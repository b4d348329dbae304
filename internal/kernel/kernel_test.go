// Copyright 2025 James Ross
package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flyingrobots/judge-platform/internal/capability"
	"github.com/flyingrobots/judge-platform/internal/eventbus"
	"github.com/flyingrobots/judge-platform/internal/pluginrt"
	"github.com/flyingrobots/judge-platform/internal/policy"
	"github.com/flyingrobots/judge-platform/internal/queue"
)

type fakeInstance struct {
	exports map[string]func([]byte) ([]byte, error)
}

func (f *fakeInstance) Call(_ context.Context, function string, arg []byte) ([]byte, error) {
	fn, ok := f.exports[function]
	if !ok {
		return nil, pluginrt.ErrFunctionNotExported
	}
	return fn(arg)
}
func (f *fakeInstance) Exports() []string {
	names := make([]string, 0, len(f.exports))
	for n := range f.exports {
		names = append(names, n)
	}
	return names
}
func (f *fakeInstance) Close() error { return nil }

type fakeEngine struct {
	kind     pluginrt.Kind
	instance *fakeInstance
}

func (e *fakeEngine) Kind() pluginrt.Kind { return e.kind }
func (e *fakeEngine) Load(context.Context, string, []byte, pluginrt.HostCapabilityProvider) (pluginrt.Instance, error) {
	return e.instance, nil
}

type fakeHost struct{}

func (fakeHost) TriggerJudging(context.Context, string, string) int32       { return pluginrt.StatusOK }
func (fakeHost) EmitEvent(context.Context, string, string, []byte) int32    { return pluginrt.StatusOK }
func (fakeHost) ExecutePrivateSQL(context.Context, string, string, []byte) ([]byte, int32) {
	return nil, pluginrt.StatusOK
}
func (fakeHost) SendWebSocketMessage(context.Context, string, string, []byte) int32 {
	return pluginrt.StatusOK
}
func (fakeHost) LogInfo(context.Context, string, string, string) int32 { return pluginrt.StatusOK }

func setup(t *testing.T, handler func([]byte) ([]byte, error)) (*Kernel, string) {
	t.Helper()
	bus := eventbus.NewBus(nil)

	engine := policy.NewEngine(nil)
	engine.InstallDefaultPolicies()

	grants := capability.NewGrantStore()
	q := queue.NewMemoryJobQueue()
	provider := capability.NewProvider(nil, grants, nil, q, func(s string) queue.EvaluationJob {
		return queue.NewEvaluationJob("j1", s, "p1", "cpp17", "", 5, 1000, 65536, 1, 0)
	}, bus, nil, nil)

	fe := &fakeEngine{kind: pluginrt.KindWASM, instance: &fakeInstance{
		exports: map[string]func([]byte) ([]byte, error){"handle_request": handler},
	}}
	runtime := pluginrt.NewRuntime(nil, bus, fe)
	pluginID, err := runtime.Load(context.Background(), "greeter.wasm", pluginrt.KindWASM, nil, []pluginrt.Capability{pluginrt.CapEmitEvent}, fakeHost{})
	if err != nil {
		t.Fatal(err)
	}

	k := New(nil, q, bus, engine, provider, runtime)
	return k, pluginID
}

func TestRouteRequestPermitsAdmin(t *testing.T) {
	k, _ := setup(t, func(arg []byte) ([]byte, error) { return []byte(`{"ok":true}`), nil })

	caller := &Caller{ID: "u1", Roles: []string{"admin"}}
	resp, err := k.RouteRequest(context.Background(), caller, "/api/greeter/handle", "POST", []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("expected handler response, got %s", resp)
	}
}

func TestRouteRequestHandleAcceptsAnyMethod(t *testing.T) {
	k, _ := setup(t, func(arg []byte) ([]byte, error) { return []byte(`{"ok":true}`), nil })

	caller := &Caller{ID: "u1", Roles: []string{"admin"}}
	for _, method := range []string{"PUT", "DELETE", "GET"} {
		resp, err := k.RouteRequest(context.Background(), caller, "/api/greeter/handle", method, []byte("{}"))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != `{"ok":true}` {
			t.Fatalf("%s: expected handler response, got %s", method, resp)
		}
	}
}

func TestRouteRequestDeniesWithoutApplicablePolicy(t *testing.T) {
	k, _ := setup(t, func(arg []byte) ([]byte, error) { return []byte(`{"ok":true}`), nil })

	caller := &Caller{ID: "u2", Roles: []string{"nobody"}}
	resp, err := k.RouteRequest(context.Background(), caller, "/api/greeter/handle", "POST", []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) == `{"ok":true}` {
		t.Fatal("expected access to be denied for a role with no applicable policy")
	}
}

func TestRouteRequestUnknownRouteHandledByKernel(t *testing.T) {
	k, _ := setup(t, func(arg []byte) ([]byte, error) { return []byte(`{"ok":true}`), nil })

	resp, err := k.RouteRequest(context.Background(), nil, "/api/unknown/handle", "POST", nil)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]string
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["message"] != "handled by kernel" {
		t.Fatalf("expected kernel-handled payload, got %s", resp)
	}
}
