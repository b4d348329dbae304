// Copyright 2025 James Ross
package eventbus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebhookSubscription configures an HTTP delivery target.
type WebhookSubscription struct {
	ID      string
	URL     string
	Secret  string
	Filter  Filter
	Timeout time.Duration
	// RateLimit is deliveries per minute; 0 disables rate limiting.
	RateLimit int
}

// WebhookSubscriber implements Subscriber by POSTing each matching
// event as an HMAC-signed JSON body.
type WebhookSubscriber struct {
	sub    WebhookSubscription
	client *http.Client
	limit  *rate.Limiter
	logger *zap.Logger

	mu      sync.Mutex
	healthy bool
}

func NewWebhookSubscriber(sub WebhookSubscription, logger *zap.Logger) *WebhookSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := sub.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if sub.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(sub.RateLimit)/60, sub.RateLimit)
	}
	return &WebhookSubscriber{
		sub:     sub,
		client:  &http.Client{Timeout: timeout},
		limit:   limiter,
		logger:  logger,
		healthy: true,
	}
}

func (w *WebhookSubscriber) ID() string     { return w.sub.ID }
func (w *WebhookSubscriber) Filter() Filter { return w.sub.Filter }

// Handle delivers e as a signed POST. Delivery failures mark the
// subscriber unhealthy but never propagate to the publisher; event
// delivery is best-effort.
func (w *WebhookSubscriber) Handle(e Event) {
	if w.limit != nil && !w.limit.Allow() {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Warn("eventbus: failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.sub.URL, bytes.NewReader(body))
	if err != nil {
		w.markUnhealthy()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.sub.Secret != "" {
		req.Header.Set("X-Judge-Signature", w.sign(body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("eventbus: webhook delivery failed", zap.String("subscriber", w.sub.ID), zap.Error(err))
		w.markUnhealthy()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.logger.Warn("eventbus: webhook rejected event", zap.String("subscriber", w.sub.ID), zap.Int("status", resp.StatusCode))
		w.markUnhealthy()
		return
	}
	w.mu.Lock()
	w.healthy = true
	w.mu.Unlock()
}

func (w *WebhookSubscriber) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.sub.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSubscriber) markUnhealthy() {
	w.mu.Lock()
	w.healthy = false
	w.mu.Unlock()
}

func (w *WebhookSubscriber) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}
