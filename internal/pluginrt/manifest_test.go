// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSidecarManifest(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "announcer.lua")
	if err := os.WriteFile(module, []byte("-- plugin"), 0o644); err != nil {
		t.Fatal(err)
	}
	sidecar := "name: announcer\nversion: 2.1.0\ncapabilities:\n  - emit_event\n  - log_info\n"
	if err := os.WriteFile(filepath.Join(dir, "announcer.yaml"), []byte(sidecar), 0o644); err != nil {
		t.Fatal(err)
	}

	m, ok := sidecarManifest(module)
	if !ok {
		t.Fatal("expected sidecar manifest to load")
	}
	if m.Name != "announcer" || m.Version != "2.1.0" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(m.DeclaredCapabilities) != 2 || m.DeclaredCapabilities[0] != Capability("emit_event") {
		t.Fatalf("unexpected capabilities: %v", m.DeclaredCapabilities)
	}
}

func TestSidecarManifestAbsent(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(module, []byte("-- plugin"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := sidecarManifest(module); ok {
		t.Fatal("expected no manifest without a sidecar file")
	}
}

func TestLoadDirUsesSidecarCapabilities(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "announcer.lua"), []byte("-- plugin"), 0o644); err != nil {
		t.Fatal(err)
	}
	sidecar := "name: announcer\ncapabilities:\n  - trigger_judging\n"
	if err := os.WriteFile(filepath.Join(dir, "announcer.yaml"), []byte(sidecar), 0o644); err != nil {
		t.Fatal(err)
	}
	// A stray file with an unrecognized extension must be skipped.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatal(err)
	}

	fi := &fakeInstance{exports: map[string]func([]byte) ([]byte, error){
		"handle_request": func(b []byte) ([]byte, error) { return b, nil },
	}}
	rt := NewRuntime(nil, nil, &fakeEngine{kind: KindLua, instance: fi})

	ids, err := rt.LoadDir(context.Background(), dir, &fakeHost{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 plugin loaded, got %d", len(ids))
	}
	rec, ok := rt.Record(ids[0])
	if !ok {
		t.Fatal("record missing for loaded plugin")
	}
	if rec.Name != "announcer" {
		t.Fatalf("expected sidecar name, got %q", rec.Name)
	}
	if len(rec.DeclaredCapabilities) != 1 || rec.DeclaredCapabilities[0] != CapTriggerJudging {
		t.Fatalf("expected sidecar capabilities, got %v", rec.DeclaredCapabilities)
	}
}

func TestLoadDirMissing(t *testing.T) {
	rt := NewRuntime(nil, nil, &fakeEngine{kind: KindLua, instance: &fakeInstance{}})
	if _, err := rt.LoadDir(context.Background(), "/does/not/exist", &fakeHost{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
