package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

func TestWebhookService_PostsPayload(t *testing.T) {
	received := make(chan WebhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, WithWebhookHeader("Authorization", "Bearer tok"))
	if err := svc.SendReply(context.Background(), "user-1", models.Reply{Content: "hi", Image: "https://img"}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	p := <-received
	if p.UserID != "user-1" || p.Content != "hi" || p.Image != "https://img" || p.Channel != models.ChannelWebhook {
		t.Errorf("payload = %+v", p)
	}
	if r := <-svc.Receipts(); r.To != "user-1" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestWebhookService_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, WithWebhookRetries(2, time.Millisecond))
	if err := svc.SendReply(context.Background(), "u", models.Reply{Content: "x"}); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestWebhookService_ClientErrorFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewWebhookService(srv.URL, WithWebhookRetries(3, time.Millisecond))
	if err := svc.SendReply(context.Background(), "u", models.Reply{Content: "x"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("4xx was retried: %d calls", n)
	}
}

func TestWebhookService_NoURL(t *testing.T) {
	svc := NewWebhookService("")
	if err := svc.SendReply(context.Background(), "u", models.Reply{Content: "x"}); !errors.Is(err, ErrNoWebhookURL) {
		t.Errorf("err = %v, want ErrNoWebhookURL", err)
	}
}
