// Copyright 2025 James Ross
package capability

import (
	"context"
	"strconv"

	"github.com/flyingrobots/judge-platform/internal/pluginrt"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"go.uber.org/zap"
)

// EventPublisher is the narrow EventBus slice CapabilityProvider
// dispatches platform.emit_event calls to. internal/eventbus.Bus
// satisfies this.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, attrs map[string]string)
}

// JobFactory builds an EvaluationJob for a submission id: problem
// config, language, and limits come from whatever store the caller
// wires in. Injected so the Kernel can supply the real lookup while
// tests use a stub.
type JobFactory func(submissionID string) queue.EvaluationJob

// SQLExecutor runs a plugin-namespaced query and returns JSON-encoded
// rows. ScopedSQL (sql.go) is the default implementation over
// database/sql + lib/pq.
type SQLExecutor interface {
	Query(ctx context.Context, namespace, sqlText string, params []byte) ([]byte, error)
}

// WebSocketSender pushes a payload to a connected user.
type WebSocketSender interface {
	Send(ctx context.Context, userID string, payload []byte) error
}

// Provider gates plugin host calls. It depends only on JobQueue and
// EventBus-shaped interfaces, and implements
// pluginrt.HostCapabilityProvider so PluginRuntime can call it
// directly.
type Provider struct {
	logger  *zap.Logger
	grants  *GrantStore
	buckets *TokenBucket

	queue      queue.JobQueue
	jobFactory JobFactory
	events     EventPublisher
	sql        SQLExecutor
	ws         WebSocketSender
}

func NewProvider(logger *zap.Logger, grants *GrantStore, buckets *TokenBucket, q queue.JobQueue, jf JobFactory, events EventPublisher, sql SQLExecutor, ws WebSocketSender) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		logger:     logger,
		grants:     grants,
		buckets:    buckets,
		queue:      q,
		jobFactory: jf,
		events:     events,
		sql:        sql,
		ws:         ws,
	}
}

// Authorize is the gate every host call passes: granted capability
// present, then rate-limit bucket has a token. Dispatch happens in the
// caller (the Host* methods below) so a denial never touches the
// underlying effect.
func (p *Provider) Authorize(ctx context.Context, pluginID string, cap pluginrt.Capability) error {
	grant, ok := p.grants.Get(pluginID, cap)
	if !ok {
		return ErrCapabilityDenied
	}
	if p.buckets != nil {
		allowed, err := p.buckets.Allow(ctx, pluginID, string(cap), grant.Limit)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	return nil
}

func (p *Provider) TriggerJudging(ctx context.Context, pluginID, submissionID string) int32 {
	if err := p.Authorize(ctx, pluginID, pluginrt.CapTriggerJudging); err != nil {
		return statusFor(err)
	}
	job := p.jobFactory(submissionID)
	if err := p.queue.SubmitJob(ctx, job); err != nil {
		p.logger.Warn("trigger_judging: submit failed", zap.String("plugin_id", pluginID), zap.Error(err))
		return pluginrt.StatusInternalError
	}
	return pluginrt.StatusOK
}

func (p *Provider) EmitEvent(ctx context.Context, pluginID, eventType string, payload []byte) int32 {
	if err := p.Authorize(ctx, pluginID, pluginrt.CapEmitEvent); err != nil {
		return statusFor(err)
	}
	if p.events != nil {
		p.events.Publish(ctx, eventType, map[string]string{"plugin_id": pluginID, "payload": string(payload), "payload_len": strconv.Itoa(len(payload))})
	}
	return pluginrt.StatusOK
}

// ExecutePrivateSQL authorizes then namespaces the query to the
// plugin's own storage before dispatching.
func (p *Provider) ExecutePrivateSQL(ctx context.Context, pluginID, sqlText string, params []byte) ([]byte, int32) {
	if err := p.Authorize(ctx, pluginID, pluginrt.CapDatabaseExecute); err != nil {
		return nil, statusFor(err)
	}
	if p.sql == nil {
		return nil, pluginrt.StatusInternalError
	}
	rows, err := p.sql.Query(ctx, namespaceFor(pluginID), sqlText, params)
	if err != nil {
		p.logger.Warn("execute_private_sql failed", zap.String("plugin_id", pluginID), zap.Error(err))
		return nil, pluginrt.StatusInternalError
	}
	return rows, pluginrt.StatusOK
}

func (p *Provider) SendWebSocketMessage(ctx context.Context, pluginID, userID string, payload []byte) int32 {
	if err := p.Authorize(ctx, pluginID, pluginrt.CapWebSocketSend); err != nil {
		return statusFor(err)
	}
	if p.ws == nil {
		return pluginrt.StatusInternalError
	}
	if err := p.ws.Send(ctx, userID, payload); err != nil {
		p.logger.Warn("send_message failed", zap.String("plugin_id", pluginID), zap.Error(err))
		return pluginrt.StatusInternalError
	}
	return pluginrt.StatusOK
}

func (p *Provider) LogInfo(ctx context.Context, pluginID, level, message string) int32 {
	if err := p.Authorize(ctx, pluginID, pluginrt.CapLogInfo); err != nil {
		return statusFor(err)
	}
	p.logger.Info("plugin log", zap.String("plugin_id", pluginID), zap.String("level", level), zap.String("message", message))
	return pluginrt.StatusOK
}

func statusFor(err error) int32 {
	switch err {
	case ErrRateLimited:
		return pluginrt.StatusRateLimited
	case ErrCapabilityDenied:
		return pluginrt.StatusCapabilityDenied
	default:
		return pluginrt.StatusInternalError
	}
}

// namespaceFor derives the storage namespace a plugin's queries are
// confined to; callers MUST NOT allow a plugin to pass its own schema.
func namespaceFor(pluginID string) string {
	return "plugin_" + pluginID
}
