// Copyright 2025 James Ross

// Package kernel composes the platform's core components -- the job
// queue, the event bus, the ABAC policy engine, the capability
// provider, and the plugin runtime -- behind a single request-routing
// surface. The queue is injected as an interface and the bus as a shared
// *eventbus.Bus; the route
// table is synthesized from loaded plugin names rather than persisted.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/flyingrobots/judge-platform/internal/capability"
	"github.com/flyingrobots/judge-platform/internal/eventbus"
	"github.com/flyingrobots/judge-platform/internal/pluginrt"
	"github.com/flyingrobots/judge-platform/internal/policy"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"go.uber.org/zap"
)

// Route is a resolved plugin endpoint.
type Route struct {
	PluginID            string
	PluginName          string
	HandlerFunction     string
	RequiredPermission  string
	Method              string
}

// Caller describes the principal making a request, used to build the
// policy.AccessRequest's Subject facet.
type Caller struct {
	ID          string
	Roles       []string
	Permissions []string
}

// Kernel is the composition root: every platform surface (an HTTP dev
// server, a CLI, or a test) drives the system through this type.
type Kernel struct {
	logger   *zap.Logger
	queue    queue.JobQueue
	events   *eventbus.Bus
	engine   *policy.Engine
	provider *capability.Provider
	runtime  *pluginrt.Runtime
}

func New(logger *zap.Logger, q queue.JobQueue, events *eventbus.Bus, engine *policy.Engine, provider *capability.Provider, runtime *pluginrt.Runtime) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kernel{logger: logger, queue: q, events: events, engine: engine, provider: provider, runtime: runtime}
}

func (k *Kernel) PolicyEngine() *policy.Engine         { return k.engine }
func (k *Kernel) CapabilityProvider() *capability.Provider { return k.provider }
func (k *Kernel) PluginRuntime() *pluginrt.Runtime     { return k.runtime }
func (k *Kernel) JobQueue() queue.JobQueue             { return k.queue }
func (k *Kernel) EventBus() *eventbus.Bus              { return k.events }

// routes synthesizes the two implicit routes every loaded plugin gets;
// there is no persistent route table. The handle route takes whatever
// method the request arrived with (handle_request serves the plugin's
// whole inbound surface); get_info stays GET-only.
func (k *Kernel) routes(pluginName, pluginID, method string) []Route {
	return []Route{
		{PluginID: pluginID, PluginName: pluginName, HandlerFunction: "handle_request", Method: method, RequiredPermission: "plugin_access"},
		{PluginID: pluginID, PluginName: pluginName, HandlerFunction: "get_info", Method: "GET"},
	}
}

// ResolveRoute finds the plugin route matching path/method by scanning
// loaded plugins. First exact match wins.
func (k *Kernel) ResolveRoute(path, method string) (Route, bool) {
	for _, rec := range k.runtime.Stats() {
		for _, r := range k.routes(rec.Name, rec.ID, method) {
			if r.Method == method && matchesPath(r.PluginName, r.HandlerFunction, path) {
				return r, true
			}
		}
	}
	return Route{}, false
}

func matchesPath(pluginName, handler, path string) bool {
	suffix := "info"
	if handler == "handle_request" {
		suffix = "handle"
	}
	return path == fmt.Sprintf("/api/%s/%s", pluginName, suffix)
}

// RouteRequest is the single entry point every transport (HTTP dev
// server, CLI, test) calls through. caller is nil for unauthenticated
// requests, which only route.RequiredPermission == "" handlers accept.
func (k *Kernel) RouteRequest(ctx context.Context, caller *Caller, path, method string, body []byte) ([]byte, error) {
	route, ok := k.ResolveRoute(path, method)
	if !ok {
		return kernelHandledPayload(path), nil
	}

	if route.RequiredPermission != "" {
		req := k.buildAccessRequest(caller, route, body)
		decision := k.engine.Evaluate(req)
		switch decision {
		case policy.Permit:
		case policy.Deny:
			k.logger.Warn("kernel: access denied", zap.String("plugin", route.PluginName), zap.String("handler", route.HandlerFunction))
			return errorPayload(fmt.Sprintf("access denied for plugin %s", route.PluginName)), nil
		default:
			k.logger.Warn("kernel: no applicable policy, denying by default", zap.String("plugin", route.PluginName))
			return errorPayload("no authorization policy applicable"), nil
		}
	}

	resp, err := k.runtime.Call(ctx, route.PluginID, route.HandlerFunction, body)
	if err != nil {
		k.logger.Error("kernel: plugin route execution failed", zap.String("plugin", route.PluginName), zap.Error(err))
		return errorPayload(fmt.Sprintf("plugin execution failed: %v", err)), nil
	}
	return resp, nil
}

func (k *Kernel) buildAccessRequest(caller *Caller, route Route, body []byte) policy.AccessRequest {
	subject := policy.Subject{Attributes: policy.AttributeMap{}}
	if caller != nil {
		subject.ID = caller.ID
		roles := make([]policy.AttributeValue, len(caller.Roles))
		for i, r := range caller.Roles {
			roles[i] = policy.String(r)
		}
		perms := make([]policy.AttributeValue, len(caller.Permissions))
		for i, p := range caller.Permissions {
			perms[i] = policy.String(p)
		}
		subject.Attributes["roles"] = policy.Array(roles...)
		subject.Attributes["permissions"] = policy.Array(perms...)
	}

	return policy.AccessRequest{
		Subject: subject,
		Action:  policy.Action{Name: route.HandlerFunction},
		Resource: policy.Resource{
			Type:       "plugin",
			ID:         route.PluginID,
			Attributes: bodyResourceAttributes(body),
		},
		Environment: policy.Environment{
			Timestamp: time.Now(),
		},
	}
}

// bodyResourceAttributes pulls an optional "$.resource.owner_id" field
// out of a plugin request body so a Condition can be written against
// e.g. "the caller owns this submission", without every policy author
// having to hand-roll JSON field access. Absent or malformed bodies
// yield an empty attribute set, never an error -- a route with no such
// condition simply never looks at it.
func bodyResourceAttributes(body []byte) policy.AttributeMap {
	attrs := policy.AttributeMap{}
	if len(body) == 0 {
		return attrs
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return attrs
	}
	if v, err := jsonpath.Get("$.resource.owner_id", doc); err == nil {
		if s, ok := v.(string); ok {
			attrs["owner_id"] = policy.String(s)
		}
	}
	return attrs
}

func errorPayload(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// kernelHandledPayload is returned when no plugin route matches: the
// kernel answers for itself instead of erroring, so probes against
// unclaimed paths are distinguishable from plugin failures.
func kernelHandledPayload(path string) []byte {
	b, _ := json.Marshal(map[string]string{"message": "handled by kernel", "path": path})
	return b
}
