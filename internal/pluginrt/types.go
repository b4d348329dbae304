// Copyright 2025 James Ross

// Package pluginrt loads sandboxed extension modules and routes named
// export calls into them, mediating every host-function call through a
// CapabilityProvider.
package pluginrt

import (
	"context"
	"time"
)

// Kind names the sandboxed module format a plugin is packaged as.
type Kind string

const (
	KindWASM     Kind = "wasm"
	KindStarlark Kind = "starlark"
)

// Status is a PluginRecord's lifecycle state: Registered, then Active
// on load, then possibly Disabled or Failed.
type Status string

const (
	StatusRegistered Status = "Registered"
	StatusActive     Status = "Active"
	StatusDisabled   Status = "Disabled"
	StatusFailed     Status = "Failed"
)

// Capability names one of the five host-function families in the ABI.
// CapabilityProvider grants are expressed in these terms.
type Capability string

const (
	CapTriggerJudging    Capability = "trigger_judging"
	CapEmitEvent         Capability = "emit_event"
	CapDatabaseExecute   Capability = "database_execute_private_sql"
	CapWebSocketSend     Capability = "websocket_send_message"
	CapLogInfo           Capability = "log_info"
)

// Manifest is the metadata a module declares via its well-known export,
// or that is synthesized from the filename when the export is absent.
type Manifest struct {
	Name                string
	Version             string
	DeclaredCapabilities []Capability
}

// PluginRecord tracks one loaded module: id, declared name+version,
// module binary path, declared capability set, granted capability set,
// status. Granted is always a subset of Declared.
type PluginRecord struct {
	ID                   string
	Name                 string
	Version              string
	ModulePath           string
	Kind                 Kind
	DeclaredCapabilities []Capability
	GrantedCapabilities  []Capability
	Status               Status
	ErrorCount           int
	LoadedAt             time.Time
}

func (p PluginRecord) hasGranted(c Capability) bool {
	for _, g := range p.GrantedCapabilities {
		if g == c {
			return true
		}
	}
	return false
}

// Instance is a loaded, callable plugin module. A single instance
// serves one call at a time.
type Instance interface {
	// Call invokes an exported function by name with a byte-buffer
	// argument, returning its byte-buffer result.
	Call(ctx context.Context, function string, arg []byte) ([]byte, error)
	// Exports lists the function names the module exposes.
	Exports() []string
	Close() error
}

// Engine instantiates modules of one Kind, wiring the host-function
// surface through the given CapabilityProvider for that plugin id.
type Engine interface {
	Kind() Kind
	Load(ctx context.Context, pluginID string, code []byte, host HostCapabilityProvider) (Instance, error)
}
