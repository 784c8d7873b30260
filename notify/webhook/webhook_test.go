package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

func TestWebhookSendsSignedPayload(t *testing.T) {
	secret := []byte("alert-secret")
	now := time.Now()
	canonical, ts, sig, err := crypto.SignPayload(secret, map[string]any{"dispatch_id": "d1", "alert_kind": "emergency_lockdown"}, now)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := crypto.VerifySignature(secret, r.Header.Get(crypto.HeaderSignatureTimestamp), r.Header.Get(crypto.HeaderSignature), body, time.Now(), time.Minute); err != nil {
			t.Errorf("signature did not verify: %v", err)
		}
		if r.Header.Get("X-Alert-Dispatch-Id") != "d1" {
			t.Errorf("dispatch header = %q", r.Header.Get("X-Alert-Dispatch-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-42"}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, notify.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Send(context.Background(), notify.Message{DispatchID: "d1", Payload: canonical, Timestamp: ts, Signature: sig})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "msg-42" {
		t.Fatalf("message id = %q", res.ProviderMessageID)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, notify.ChannelEmail, WithRetryPolicy(notify.RetryPolicy{MaxRetries: 3, Base: time.Millisecond}))
	res, err := p.Send(context.Background(), notify.Message{DispatchID: "d2", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if res.ProviderMessageID != "d2" {
		t.Fatalf("fallback message id = %q", res.ProviderMessageID)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New(srv.URL, notify.ChannelEmail, WithRetryPolicy(notify.RetryPolicy{MaxRetries: 3, Base: time.Millisecond}))
	_, err := p.Send(context.Background(), notify.Message{Payload: []byte(`{}`)})
	var serr *notify.StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhookPushRequiresTokens(t *testing.T) {
	p, _ := New("http://127.0.0.1:1", notify.ChannelPush)
	if _, err := p.Send(context.Background(), notify.Message{}); !errors.Is(err, notify.ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}
