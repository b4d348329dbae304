// Copyright 2025 James Ross
package pluginrt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Emitter is the narrow slice of an event bus PluginRuntime needs: it
// only ever publishes plugin.loaded / plugin.error lifecycle events,
// never subscribes.
type Emitter interface {
	Publish(ctx context.Context, eventType string, attrs map[string]string)
}

// Runtime is the PluginRuntime (C5): it loads sandboxed modules via the
// registered Engine for their Kind, tracks a PluginRecord per loaded
// instance in a concurrent registry, and serializes Call per plugin
// instance.
type Runtime struct {
	logger  *zap.Logger
	events  Emitter
	engines map[Kind]Engine

	mu        sync.RWMutex
	records   map[string]*PluginRecord
	instances map[string]Instance
}

func NewRuntime(logger *zap.Logger, events Emitter, engines ...Engine) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		logger:    logger,
		events:    events,
		engines:   make(map[Kind]Engine),
		records:   make(map[string]*PluginRecord),
		instances: make(map[string]Instance),
	}
	for _, e := range engines {
		r.engines[e.Kind()] = e
	}
	return r
}

// Load reads module bytes, instantiates them with host bindings bound to
// a freshly minted plugin id, probes the metadata export (falling back
// to a filename-derived Manifest with no declared capabilities), and
// registers the result. Emits plugin.loaded on success, plugin.error on
// failure.
func (r *Runtime) Load(ctx context.Context, path string, kind Kind, code []byte, declaredCaps []Capability, host HostCapabilityProvider) (string, error) {
	engine, ok := r.engines[kind]
	if !ok {
		return "", fmt.Errorf("%w: no engine registered for kind %q", ErrSandboxUnavailable, kind)
	}

	pluginID := uuid.NewString()
	instance, err := engine.Load(ctx, pluginID, code, host)
	if err != nil {
		r.emit(ctx, "plugin.error", pluginID, err)
		return "", err
	}

	manifest := r.probeMetadata(ctx, instance, path)
	if len(declaredCaps) == 0 {
		declaredCaps = manifest.DeclaredCapabilities
	}

	rec := &PluginRecord{
		ID:                   pluginID,
		Name:                 manifest.Name,
		Version:              manifest.Version,
		ModulePath:           path,
		Kind:                 kind,
		DeclaredCapabilities: declaredCaps,
		GrantedCapabilities:  nil,
		Status:               StatusActive,
	}

	r.mu.Lock()
	r.records[pluginID] = rec
	r.instances[pluginID] = instance
	r.mu.Unlock()

	r.emit(ctx, "plugin.loaded", pluginID, nil)
	return pluginID, nil
}

// probeMetadata calls the well-known "_plugin_metadata" export if
// present, then tries the module's YAML sidecar, and finally falls back
// to a filename-derived Manifest with empty capabilities.
func (r *Runtime) probeMetadata(ctx context.Context, instance Instance, path string) Manifest {
	if raw, err := instance.Call(ctx, "_plugin_metadata", nil); err == nil {
		var m struct {
			Name         string   `json:"name"`
			Version      string   `json:"version"`
			Capabilities []string `json:"capabilities"`
		}
		if jsonErr := json.Unmarshal(raw, &m); jsonErr == nil {
			caps := make([]Capability, len(m.Capabilities))
			for i, c := range m.Capabilities {
				caps[i] = Capability(c)
			}
			return Manifest{Name: m.Name, Version: m.Version, DeclaredCapabilities: caps}
		}
	}
	if m, ok := sidecarManifest(path); ok {
		return m
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return Manifest{Name: name, Version: "0.0.0"}
}

// Call routes to the named export on an already-loaded plugin instance.
// PluginNotFound / FunctionNotExported are returned verbatim;
// PluginExecutionFailed is reported without destabilizing the runtime
// (the instance and record are left in place so the caller can decide
// whether to Unload).
func (r *Runtime) Call(ctx context.Context, pluginID, function string, arg []byte) ([]byte, error) {
	r.mu.RLock()
	instance, ok := r.instances[pluginID]
	rec := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrPluginNotFound
	}

	out, err := instance.Call(ctx, function, arg)
	if err != nil {
		r.mu.Lock()
		rec.ErrorCount++
		r.mu.Unlock()
		return nil, err
	}
	return out, nil
}

// Unload drops an instance and removes it from the registry.
func (r *Runtime) Unload(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[pluginID]
	if !ok {
		return ErrPluginNotFound
	}
	_ = instance.Close()
	delete(r.instances, pluginID)
	delete(r.records, pluginID)
	return nil
}

// Grant sets a plugin's granted capability set, intersected with its
// declared set so Granted stays a subset of Declared.
func (r *Runtime) Grant(pluginID string, caps []Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pluginID]
	if !ok {
		return ErrPluginNotFound
	}
	declared := make(map[Capability]bool, len(rec.DeclaredCapabilities))
	for _, c := range rec.DeclaredCapabilities {
		declared[c] = true
	}
	var granted []Capability
	for _, c := range caps {
		if declared[c] {
			granted = append(granted, c)
		}
	}
	rec.GrantedCapabilities = granted
	return nil
}

// Record returns a copy of a plugin's record.
func (r *Runtime) Record(pluginID string) (PluginRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pluginID]
	if !ok {
		return PluginRecord{}, false
	}
	return *rec, true
}

// Stats snapshots every plugin's record, including its lifecycle
// status and error count.
func (r *Runtime) Stats() map[string]PluginRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PluginRecord, len(r.records))
	for id, rec := range r.records {
		out[id] = *rec
	}
	return out
}

// Disable transitions a plugin to Disabled (e.g. after repeated
// execution failures); Fail transitions it to Failed.
func (r *Runtime) Disable(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[pluginID]; ok {
		rec.Status = StatusDisabled
	}
}

func (r *Runtime) Fail(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[pluginID]; ok {
		rec.Status = StatusFailed
	}
}

func (r *Runtime) emit(ctx context.Context, eventType, pluginID string, err error) {
	if r.events == nil {
		return
	}
	attrs := map[string]string{"plugin_id": pluginID}
	if err != nil {
		attrs["error"] = err.Error()
	}
	r.events.Publish(ctx, eventType, attrs)
}
