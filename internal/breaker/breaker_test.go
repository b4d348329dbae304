// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	// Two failed sandbox runs at minSamples=2 trips the breaker.
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after consecutive run failures")
	}
	if cb.Allow() {
		t.Fatal("claims must stay paused until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a probe claim in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe job succeeded")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open")
	}
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open again after failed probe")
	}
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	cb := New(time.Second, 50*time.Millisecond, 0.5, 10)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatal("five samples under minSamples=10 must not trip the breaker")
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow claims")
	}
}
