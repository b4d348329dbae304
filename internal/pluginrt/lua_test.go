// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"testing"
)

// recordingHost captures every host-function dispatch so tests can
// assert a Lua plugin reaches the full five-function surface.
type recordingHost struct {
	triggered []string
	events    []string
	queries   []string
	messages  []string
	logs      []string
}

func (h *recordingHost) TriggerJudging(_ context.Context, _, submissionID string) int32 {
	h.triggered = append(h.triggered, submissionID)
	return StatusOK
}
func (h *recordingHost) EmitEvent(_ context.Context, _, eventType string, _ []byte) int32 {
	h.events = append(h.events, eventType)
	return StatusOK
}
func (h *recordingHost) ExecutePrivateSQL(_ context.Context, _, sql string, _ []byte) ([]byte, int32) {
	h.queries = append(h.queries, sql)
	return []byte(`[]`), StatusOK
}
func (h *recordingHost) SendWebSocketMessage(_ context.Context, _, userID string, _ []byte) int32 {
	h.messages = append(h.messages, userID)
	return StatusOK
}
func (h *recordingHost) LogInfo(_ context.Context, _, _, message string) int32 {
	h.logs = append(h.logs, message)
	return StatusOK
}

const luaPlugin = `
function handle_request(arg)
  trigger_judging("sub-1")
  emit_event("announcement.posted", "payload")
  execute_private_sql("SELECT count(*) FROM announcements", "[]")
  send_message("user-1", "posted")
  log_info("handled")
  return arg
end
`

func TestLuaInstanceExposesAllHostFunctions(t *testing.T) {
	host := &recordingHost{}
	engine := NewLuaEngine(nil)
	inst, err := engine.Load(context.Background(), "plugin-1", []byte(luaPlugin), host)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	out, err := inst.Call(context.Background(), "handle_request", []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "ping" {
		t.Fatalf("expected argument echoed back, got %q", out)
	}
	if len(host.triggered) != 1 || host.triggered[0] != "sub-1" {
		t.Fatalf("trigger_judging not dispatched: %v", host.triggered)
	}
	if len(host.events) != 1 || host.events[0] != "announcement.posted" {
		t.Fatalf("emit_event not dispatched: %v", host.events)
	}
	if len(host.queries) != 1 {
		t.Fatalf("execute_private_sql not dispatched: %v", host.queries)
	}
	if len(host.messages) != 1 || host.messages[0] != "user-1" {
		t.Fatalf("send_message not dispatched: %v", host.messages)
	}
	if len(host.logs) != 1 {
		t.Fatalf("log_info not dispatched: %v", host.logs)
	}
}

func TestLuaInstanceMissingFunction(t *testing.T) {
	engine := NewLuaEngine(nil)
	inst, err := engine.Load(context.Background(), "plugin-1", []byte(`x = 1`), &recordingHost{})
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	if _, err := inst.Call(context.Background(), "handle_request", nil); err != ErrFunctionNotExported {
		t.Fatalf("expected ErrFunctionNotExported, got %v", err)
	}
}

func TestLuaInstanceNoFilesystemAccess(t *testing.T) {
	engine := NewLuaEngine(nil)
	// os and io are never opened, so a script reaching for them fails to
	// load rather than touching the host filesystem.
	if _, err := engine.Load(context.Background(), "plugin-1", []byte(`f = io.open("/etc/passwd")`), &recordingHost{}); err == nil {
		t.Fatal("expected load to fail for a script using the io library")
	}
}
