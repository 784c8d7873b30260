package expo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

func TestExpoPartialTickets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		json.NewDecoder(r.Body).Decode(&batch)
		if len(batch) != 2 {
			t.Errorf("batch size = %d", len(batch))
		}
		w.Write([]byte(`{"data":[{"status":"ok","id":"t-1"},{"status":"error","message":"DeviceNotRegistered"}]}`))
	}))
	defer srv.Close()

	p := New(WithEndpoint(srv.URL))
	res, err := p.Send(context.Background(), notify.Message{DispatchID: "d1", PushTokens: []string{"ExponentPushToken[a]", "ExponentPushToken[b]"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "t-1" || res.Accepted != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExpoAllTicketsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"status":"error","message":"DeviceNotRegistered"}]}`))
	}))
	defer srv.Close()

	p := New(WithEndpoint(srv.URL))
	if _, err := p.Send(context.Background(), notify.Message{PushTokens: []string{"x"}}); err == nil {
		t.Fatal("expected error when every ticket fails")
	}
	if _, err := p.Send(context.Background(), notify.Message{}); !errors.Is(err, notify.ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}
