// Copyright 2025 James Ross

// Package breaker is the circuit breaker the coordinator wraps around
// JobRunner.Run: when sandbox executions start failing in bulk (isolate
// misconfigured, disk full, language toolchain missing) the breaker
// opens and the claim loop stops pulling jobs it would only bounce back
// to the queue, then probes with a single job after the cooldown.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type sample struct {
	at time.Time
	ok bool
}

// CircuitBreaker tracks run outcomes over a sliding window. It opens
// when the failure rate over at least minSamples outcomes reaches
// failureRate, and half-opens after cooldown to let exactly one probe
// job through.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureRate      float64
	minSamples       int
	lastTransition   time.Time
	samples          []sample
	halfOpenInFlight bool
}

func New(window, cooldown time.Duration, failureRate float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureRate:    failureRate,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a claim may proceed. While Open it refuses
// until the cooldown elapses, then transitions to HalfOpen and admits
// exactly one probe; further callers are refused until that probe's
// outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) < cb.cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.lastTransition = time.Now()
		cb.halfOpenInFlight = true
		return true
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one run outcome into the window and applies the state
// transitions: Closed opens at the failure-rate threshold; HalfOpen
// closes on a successful probe and re-opens on a failed one.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	cutoff := now.Add(-cb.window)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = append(kept, sample{at: now, ok: ok})

	if cb.state == HalfOpen {
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
		return
	}

	if len(cb.samples) < cb.minSamples {
		return
	}
	if cb.state == Closed && cb.rateLocked() >= cb.failureRate {
		cb.state = Open
		cb.lastTransition = now
	}
}

func (cb *CircuitBreaker) rateLocked() float64 {
	fails := 0
	for _, s := range cb.samples {
		if !s.ok {
			fails++
		}
	}
	return float64(fails) / float64(len(cb.samples))
}
