package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "sessionguard", "")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
		wantLen  int
	}{
		{endpoint: "collector:4318", wantLen: 2},
		{endpoint: "http://collector:4318", wantLen: 2},
		{endpoint: "https://collector.example.com/custom/traces", wantLen: 2},
		{endpoint: "https://", wantErr: true},
	}
	for _, tt := range tests {
		opts, err := exporterOptions(tt.endpoint)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.endpoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.endpoint, err)
		}
		if len(opts) != tt.wantLen {
			t.Fatalf("%s: got %d options, want %d", tt.endpoint, len(opts), tt.wantLen)
		}
	}
}

func TestMiddlewarePassesThrough(t *testing.T) {
	h := Middleware("sessionguard")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
