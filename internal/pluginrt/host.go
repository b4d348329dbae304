// Copyright 2025 James Ross
package pluginrt

import "context"

// Status codes returned to plugin code across the host ABI boundary:
// 0 is success, non-zero failures carry per-function meaning.
const (
	StatusOK              int32 = 0
	StatusCapabilityDenied int32 = 1
	StatusRateLimited      int32 = 2
	StatusInvalidArgument  int32 = 3
	StatusInternalError    int32 = 4
)

// HostCapabilityProvider is the narrow surface PluginRuntime calls into
// for every host function. capability.Provider implements this;
// PluginRuntime depends only on the interface.
type HostCapabilityProvider interface {
	// TriggerJudging enqueues an evaluation for submissionID.
	TriggerJudging(ctx context.Context, pluginID, submissionID string) int32
	// EmitEvent publishes a platform event on the plugin's behalf.
	EmitEvent(ctx context.Context, pluginID, eventType string, payload []byte) int32
	// ExecutePrivateSQL runs a namespaced query; rows come back as
	// JSON bytes alongside the status code.
	ExecutePrivateSQL(ctx context.Context, pluginID, sql string, params []byte) ([]byte, int32)
	// SendWebSocketMessage pushes payload to userID's live connection.
	SendWebSocketMessage(ctx context.Context, pluginID, userID string, payload []byte) int32
	// LogInfo records a structured log line attributed to the plugin.
	LogInfo(ctx context.Context, pluginID, level, message string) int32
}
