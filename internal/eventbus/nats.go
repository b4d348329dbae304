// Copyright 2025 James Ross
package eventbus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSubscription configures a JetStream publish target; every event
// goes to a single platform-events subject.
type NATSSubscription struct {
	ID      string
	Subject string
	Filter  Filter
}

// NATSSubscriber forwards matching events to a NATS JetStream subject so
// external systems (dashboards, grading-report consumers) can observe
// the platform event stream without holding a Go-process subscription.
type NATSSubscriber struct {
	sub    NATSSubscription
	js     nats.JetStreamContext
	logger *zap.Logger
}

func NewNATSSubscriber(sub NATSSubscription, js nats.JetStreamContext, logger *zap.Logger) *NATSSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSubscriber{sub: sub, js: js, logger: logger}
}

func (n *NATSSubscriber) ID() string     { return n.sub.ID }
func (n *NATSSubscriber) Filter() Filter { return n.sub.Filter }

func (n *NATSSubscriber) Handle(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		n.logger.Warn("eventbus: failed to marshal event for NATS", zap.Error(err))
		return
	}
	if _, err := n.js.Publish(n.sub.Subject, body); err != nil {
		n.logger.Warn("eventbus: NATS publish failed", zap.String("subscriber", n.sub.ID), zap.Error(err))
	}
}
