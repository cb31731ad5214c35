package notification

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierPosts(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Level: AlertCritical, Title: "daily_refresh failed", Message: "circuit breaker tripped",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "CRITICAL" || got["title"] != "daily_refresh failed" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{}); err == nil {
		t.Error("want error on 502")
	}
}

func TestFanoutSurvivesBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFanout(log, NewWebhookNotifier(srv.URL))
	if err := f.Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Errorf("fanout should swallow backend errors, got %v", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b*c"); got != `a\.b\*c` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}
