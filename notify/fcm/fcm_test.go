package fcm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

func TestFCMSendPerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/demo/messages:send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ya29.token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Message struct {
				Token string `json:"token"`
			} `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Message.Token == "dead" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "projects/demo/messages/" + body.Message.Token})
	}))
	defer srv.Close()

	p, err := New("demo", StaticToken("ya29.token"), WithBaseURL(srv.URL), WithRetryPolicy(notify.RetryPolicy{Base: time.Millisecond}))
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Send(context.Background(), notify.Message{DispatchID: "d1", PushTokens: []string{"live", "dead"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Accepted != 1 || res.ProviderMessageID != "projects/demo/messages/live" {
		t.Fatalf("result = %+v", res)
	}

	if _, err := p.Send(context.Background(), notify.Message{PushTokens: []string{"dead"}}); err == nil {
		t.Fatal("expected failure when every device is rejected")
	}
}
