// Copyright 2025 James Ross
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus is the in-process event bus: publish fans out to every matching
// subscriber on its own buffered channel so one slow subscriber never
// blocks another.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscription
}

type subscription struct {
	sub Subscriber
	ch  chan Event
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subscribers: make(map[string]*subscription)}
}

// Subscribe registers sub and starts its delivery goroutine; Close (or
// Unsubscribe) must be called to stop it.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{sub: sub, ch: make(chan Event, 256)}
	b.subscribers[sub.ID()] = s
	go func() {
		for e := range s.ch {
			sub.Handle(e)
		}
	}()
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		close(s.ch)
		delete(b.subscribers, id)
	}
}

// Publish implements the Emitter/EventPublisher shape both pluginrt.Runtime
// and capability.Provider depend on: fire-and-forget, non-blocking for
// the caller, every subscriber sees events from this Bus in publish
// order (a per-subscriber buffered channel preserves FIFO).
func (b *Bus) Publish(ctx context.Context, eventType string, attrs map[string]string) {
	e := Event{Type: EventType(eventType), Attributes: attrs}
	e.Timestamp = time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		if !s.sub.Filter().Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("eventbus: subscriber backlog full, dropping event",
				zap.String("subscriber", s.sub.ID()), zap.String("event_type", eventType))
		}
	}
}

// PublishEvent is a typed convenience for in-process callers (Worker,
// PluginRuntime) that already have a concrete EventType.
func (b *Bus) PublishEvent(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		if !s.sub.Filter().Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("eventbus: subscriber backlog full, dropping event",
				zap.String("subscriber", s.sub.ID()), zap.String("event_type", string(e.Type)))
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
