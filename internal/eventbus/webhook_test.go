// Copyright 2025 James Ross
package eventbus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestWebhookDeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Judge-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber(WebhookSubscription{
		ID:     "hook-1",
		URL:    srv.URL,
		Secret: "s3cret",
	}, nil)

	e := Event{Type: EventEvaluationCompleted, Timestamp: time.Now(), Attributes: map[string]string{"job_id": "j1"}}
	sub.Handle(e)

	mu.Lock()
	defer mu.Unlock()
	if len(gotBody) == 0 {
		t.Fatal("no delivery received")
	}
	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body not valid event JSON: %v", err)
	}
	if decoded.Type != EventEvaluationCompleted || decoded.Attributes["job_id"] != "j1" {
		t.Fatalf("unexpected event delivered: %+v", decoded)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSig, want)
	}
	if !sub.IsHealthy() {
		t.Fatal("successful delivery must keep the subscriber healthy")
	}
}

func TestWebhookMarksUnhealthyOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sub := NewWebhookSubscriber(WebhookSubscription{ID: "hook-2", URL: srv.URL}, nil)
	sub.Handle(Event{Type: EventEvaluationFailed})
	if sub.IsHealthy() {
		t.Fatal("4xx response must mark the subscriber unhealthy")
	}
}

func TestWebhookRateLimitDropsBurstOverflow(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))
	defer srv.Close()

	// 2 per minute: the burst admits 2, the rest of the burst is dropped.
	sub := NewWebhookSubscriber(WebhookSubscription{ID: "hook-3", URL: srv.URL, RateLimit: 2}, nil)
	for i := 0; i < 10; i++ {
		sub.Handle(Event{Type: EventEvaluationStarted})
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("expected exactly burst-size deliveries, got %d", delivered)
	}
}
