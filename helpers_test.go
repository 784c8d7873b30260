package sessionguard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
	"github.com/migueldesapazr-gif/sessionguard/stores/memory"
)

const testPassword = "Correct1Horse"

var (
	jwtSecret     = bytes.Repeat([]byte("j"), 32)
	receiptSecret = []byte("receipt-signing-secret")
	alertSecret   = []byte("alert-signing-secret")
	t0            = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProvider records messages and fails while err is set.
type fakeProvider struct {
	name    string
	channel notify.Channel

	mu    sync.Mutex
	sent  []notify.Message
	calls int
	err   error
	gate  chan struct{}
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) Channel() notify.Channel { return p.channel }

func (p *fakeProvider) Send(ctx context.Context, msg notify.Message) (notify.Result, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return notify.Result{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return notify.Result{}, p.err
	}
	p.sent = append(p.sent, msg)
	return notify.Result{ProviderMessageID: fmt.Sprintf("%s-%d", p.name, len(p.sent)), Accepted: 1}, nil
}

func (p *fakeProvider) failWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// holdUntil makes Send block until gate is closed.
func (p *fakeProvider) holdUntil(gate chan struct{}) {
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) messages() []notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Message(nil), p.sent...)
}

type harness struct {
	t     *testing.T
	svc   *sessionguard.Service
	store *memory.Store
	clock *testClock
	h     http.Handler
	email *fakeProvider
	push  *fakeProvider
}

func newHarness(t *testing.T, opts ...sessionguard.Option) *harness {
	t.Helper()
	clock := &testClock{now: t0}
	h := &harness{
		t:     t,
		store: memory.New(memory.WithClock(clock.Now)),
		clock: clock,
		email: &fakeProvider{name: "mail", channel: notify.ChannelEmail},
		push:  &fakeProvider{name: "pushsvc", channel: notify.ChannelPush},
	}
	base := []sessionguard.Option{
		sessionguard.WithStore(h.store),
		sessionguard.WithSecrets(sessionguard.Secrets{
			JWTSecret:            jwtSecret,
			EncryptionKey:        bytes.Repeat([]byte("k"), 32),
			AlertSigningSecret:   alertSecret,
			ReceiptSigningSecret: receiptSecret,
		}),
		sessionguard.WithClock(h.clock.Now),
		sessionguard.WithLogger(zap.NewNop()),
		sessionguard.WithTokenRateLimit(0),
		sessionguard.WithAdminEmails("admin@example.com"),
		sessionguard.WithNotificationProvider(h.email, h.push),
	}
	svc, err := sessionguard.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	h.h = svc.Handler()
	t.Cleanup(svc.WaitForAlerts)
	return h
}

// do serves one request and waits for the alerts it raised.
func (h *harness) do(method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	rec := h.serve(method, path, bearer, body, headers...)
	h.svc.WaitForAlerts()
	return rec
}

func (h *harness) serve(method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func (h *harness) register(email string) {
	h.t.Helper()
	if _, err := h.svc.Register(context.Background(), email, testPassword); err != nil {
		h.t.Fatalf("register %s: %v", email, err)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (h *harness) login(email, password string) (*httptest.ResponseRecorder, tokenResponse) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/token", "", map[string]string{"email": email, "password": password})
	var tok tokenResponse
	if rec.Code == http.StatusOK {
		decode(h.t, rec, &tok)
	}
	return rec, tok
}

func (h *harness) mustLogin(email string) tokenResponse {
	h.t.Helper()
	rec, tok := h.login(email, testPassword)
	if rec.Code != http.StatusOK {
		h.t.Fatalf("login %s = %d %s", email, rec.Code, rec.Body.String())
	}
	return tok
}

func (h *harness) refresh(token string) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": token})
}

func (h *harness) claims(token string) *crypto.Claims {
	h.t.Helper()
	c, err := crypto.ParseToken(jwtSecret, token, h.clock.Now)
	if err != nil {
		h.t.Fatalf("parse token: %v", err)
	}
	return c
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	return body.Code
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

var errProviderDown = errors.New("provider down")
