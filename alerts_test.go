package sessionguard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

func (h *harness) registerPushToken(email, token string) {
	h.t.Helper()
	err := h.store.PushTokens().RegisterPushToken(context.Background(), sessionguard.PushToken{
		Token:        token,
		Email:        email,
		Provider:     "expo",
		RegisteredAt: h.clock.Now(),
	})
	if err != nil {
		h.t.Fatalf("register push token: %v", err)
	}
}

func (h *harness) dispatch(email string, kind sessionguard.AlertKind) *sessionguard.AlertOutcome {
	h.t.Helper()
	out, err := h.svc.Alerts().Dispatch(context.Background(), sessionguard.AlertRequest{Email: email, Kind: kind})
	if err != nil {
		h.t.Fatalf("dispatch: %v", err)
	}
	return out
}

func TestDispatchSendsEveryChannel(t *testing.T) {
	h := newHarness(t)
	h.registerPushToken("alice@example.com", "ExponentPushToken[abc]")

	out := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown)
	if out.Dispatch == nil {
		t.Fatalf("outcome = %+v", out)
	}
	d := out.Dispatch
	for _, ch := range []notify.Channel{notify.ChannelEmail, notify.ChannelPush} {
		entry := d.Channels[ch]
		if entry == nil || !entry.Sent() || entry.ProviderMessageID == "" {
			t.Fatalf("%s entry = %+v", ch, entry)
		}
	}
	if d.Status != sessionguard.DispatchReceiptPending {
		t.Fatalf("status = %s", d.Status)
	}

	pushed := h.push.messages()
	if len(pushed) != 1 || len(pushed[0].PushTokens) != 1 || pushed[0].PushTokens[0] != "ExponentPushToken[abc]" {
		t.Fatalf("push messages = %+v", pushed)
	}
	if len(h.email.messages()[0].PushTokens) != 0 {
		t.Fatal("email message carried push tokens")
	}

	toks, _ := h.store.PushTokens().ListPushTokens(context.Background(), "alice@example.com", false)
	if len(toks) != 1 || toks[0].LastUsedAt == nil {
		t.Fatalf("push token not touched: %+v", toks)
	}
}

func TestDispatchPayloadIsSigned(t *testing.T) {
	h := newHarness(t)
	h.dispatch("alice@example.com", sessionguard.AlertFailedLoginSpike)

	msg := h.email.messages()[0]
	if err := crypto.VerifySignature(alertSecret, msg.Timestamp, msg.Signature, msg.Payload, h.clock.Now(), time.Minute); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(string(msg.Payload), `"alert_kind":"failed_login_spike"`) {
		t.Fatalf("payload = %s", msg.Payload)
	}

	tampered := append([]byte(nil), msg.Payload...)
	tampered[len(tampered)-2] = 'x'
	if err := crypto.VerifySignature(alertSecret, msg.Timestamp, msg.Signature, tampered, h.clock.Now(), time.Minute); err == nil {
		t.Fatal("tampered payload verified")
	}
}

func TestDispatchCooldown(t *testing.T) {
	h := newHarness(t, sessionguard.WithAlertCooldown(30*time.Minute))

	if out := h.dispatch("alice@example.com", sessionguard.AlertRefreshReuse); out.Dispatch == nil {
		t.Fatal("first dispatch suppressed")
	}
	h.clock.Advance(10 * time.Minute)
	if out := h.dispatch("alice@example.com", sessionguard.AlertRefreshReuse); !out.Suppressed {
		t.Fatal("second dispatch inside cooldown was sent")
	}
	// Cooldown is per kind.
	if out := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown); out.Dispatch == nil {
		t.Fatal("other kind suppressed")
	}
	h.clock.Advance(21 * time.Minute)
	if out := h.dispatch("alice@example.com", sessionguard.AlertRefreshReuse); out.Dispatch == nil {
		t.Fatal("dispatch after cooldown suppressed")
	}
	if got := len(h.email.messages()); got != 3 {
		t.Fatalf("emails = %d, want 3", got)
	}
}

func TestDispatchCooldownHoldsAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.email.failWith(errProviderDown)

	out := h.dispatch("alice@example.com", sessionguard.AlertFailedLoginSpike)
	if out.Dispatch.Status != sessionguard.DispatchFailed {
		t.Fatalf("status = %s", out.Dispatch.Status)
	}
	if !strings.Contains(out.Dispatch.Channels[notify.ChannelEmail].Error, errProviderDown.Error()) {
		t.Fatalf("email entry = %+v", out.Dispatch.Channels[notify.ChannelEmail])
	}

	h.email.failWith(nil)
	if out := h.dispatch("alice@example.com", sessionguard.AlertFailedLoginSpike); !out.Suppressed {
		t.Fatal("failed dispatch did not reserve the cooldown")
	}
}

func TestDispatchFailsOverToNextProvider(t *testing.T) {
	backup := &fakeProvider{name: "backup-mail", channel: notify.ChannelEmail}
	h := newHarness(t, sessionguard.WithNotificationProvider(backup))
	h.email.failWith(errProviderDown)

	out := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown)
	entry := out.Dispatch.Channels[notify.ChannelEmail]
	if !entry.Sent() || entry.Provider != "backup-mail" {
		t.Fatalf("email entry = %+v", entry)
	}
	if len(backup.messages()) != 1 || h.email.callCount() != 1 {
		t.Fatalf("primary calls = %d, backup sends = %d", h.email.callCount(), len(backup.messages()))
	}
}

func TestDispatchCircuitOpensAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, sessionguard.WithAlertChannels(true, false))
	h.email.failWith(errProviderDown)

	users := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}
	for _, u := range users {
		h.dispatch(u, sessionguard.AlertRefreshReuse)
	}
	if h.email.callCount() != 5 {
		t.Fatalf("calls = %d", h.email.callCount())
	}

	out := h.dispatch("f@example.com", sessionguard.AlertRefreshReuse)
	if h.email.callCount() != 5 {
		t.Fatal("provider called while circuit open")
	}
	if !strings.Contains(out.Dispatch.Channels[notify.ChannelEmail].Error, "circuit open") {
		t.Fatalf("entry = %+v", out.Dispatch.Channels[notify.ChannelEmail])
	}

	// After the reset timeout one probe goes through and closes the circuit.
	h.email.failWith(nil)
	h.clock.Advance(time.Minute)
	out = h.dispatch("g@example.com", sessionguard.AlertRefreshReuse)
	if !out.Dispatch.Channels[notify.ChannelEmail].Sent() || h.email.callCount() != 6 {
		t.Fatalf("probe entry = %+v", out.Dispatch.Channels[notify.ChannelEmail])
	}
}

func TestDispatchSkipped(t *testing.T) {
	h := newHarness(t, sessionguard.WithSecurityAlerts(false))
	if out := h.dispatch("alice@example.com", sessionguard.AlertRefreshReuse); out.Skipped != "disabled" {
		t.Fatalf("outcome = %+v", out)
	}

	h = newHarness(t, sessionguard.WithAlertChannels(false, false))
	if out := h.dispatch("alice@example.com", sessionguard.AlertRefreshReuse); out.Skipped != "no_providers" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(h.email.messages()) != 0 {
		t.Fatal("email sent while channels disabled")
	}
}

func (h *harness) postReceipt(body, secret []byte) *httptest.ResponseRecorder {
	h.t.Helper()
	var headers []string
	if secret != nil {
		_, ts, sig, err := crypto.SignPayload(secret, body, h.clock.Now())
		if err != nil {
			h.t.Fatalf("sign: %v", err)
		}
		headers = []string{crypto.HeaderSignatureTimestamp, ts, crypto.HeaderSignature, sig}
	}
	return h.do(http.MethodPost, "/security/alerts/delivery-receipts", "", body, headers...)
}

func TestDeliveryReceiptsRecomputeStatus(t *testing.T) {
	h := newHarness(t)
	h.registerPushToken("alice@example.com", "ExponentPushToken[abc]")
	id := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown).Dispatch.DispatchID

	steps := []struct {
		channel string
		status  string
		want    sessionguard.DispatchStatus
	}{
		{"email", "delivered", sessionguard.DispatchPartialDelivery},
		{"push", "delivered", sessionguard.DispatchDelivered},
	}
	for _, st := range steps {
		body := []byte(`{"dispatch_id":"` + id + `","channel":"` + st.channel + `","status":"` + st.status + `"}`)
		rec := h.postReceipt(body, receiptSecret)
		expectStatus(t, rec, http.StatusOK)
		var resp struct {
			Status sessionguard.DispatchStatus `json:"status"`
		}
		decode(t, rec, &resp)
		if resp.Status != st.want {
			t.Fatalf("after %s receipt: status = %s, want %s", st.channel, resp.Status, st.want)
		}
	}
}

func TestDeliveryReceiptAllFailed(t *testing.T) {
	h := newHarness(t, sessionguard.WithAlertChannels(true, false))
	id := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown).Dispatch.DispatchID

	body := []byte(`{"dispatch_id":"` + id + `","channel":"email","status":"failed"}`)
	expectStatus(t, h.postReceipt(body, receiptSecret), http.StatusOK)

	d, err := h.store.Alerts().GetDispatch(context.Background(), id)
	if err != nil || d.Status != sessionguard.DispatchFailed {
		t.Fatalf("dispatch = %+v, %v", d, err)
	}
}

func TestDeliveryReceiptRejected(t *testing.T) {
	h := newHarness(t)
	id := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown).Dispatch.DispatchID
	body := []byte(`{"dispatch_id":"` + id + `","channel":"email","status":"delivered"}`)

	tests := []struct {
		name   string
		secret []byte
		skew   time.Duration
		body   []byte
		status int
		code   string
	}{
		{"unsigned", nil, 0, body, http.StatusUnauthorized, sessionguard.CodeInvalidSignature},
		{"wrong secret", []byte("other"), 0, body, http.StatusUnauthorized, sessionguard.CodeInvalidSignature},
		{"stale timestamp", receiptSecret, -10 * time.Minute, body, http.StatusUnauthorized, sessionguard.CodeInvalidSignature},
		{"unknown dispatch", receiptSecret, 0, []byte(`{"dispatch_id":"nope","channel":"email","status":"delivered"}`), http.StatusNotFound, sessionguard.CodeNotFound},
		{"bad status", receiptSecret, 0, []byte(`{"dispatch_id":"` + id + `","channel":"email","status":"opened"}`), http.StatusBadRequest, sessionguard.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.clock.Advance(tt.skew)
			var headers []string
			if tt.secret != nil {
				_, ts, sig, _ := crypto.SignPayload(tt.secret, tt.body, h.clock.Now())
				headers = []string{crypto.HeaderSignatureTimestamp, ts, crypto.HeaderSignature, sig}
			}
			h.clock.Advance(-tt.skew)

			rec := h.do(http.MethodPost, "/security/alerts/delivery-receipts", "", tt.body, headers...)
			expectStatus(t, rec, tt.status)
			if code := errorCode(t, rec); code != tt.code {
				t.Fatalf("code = %q, want %q", code, tt.code)
			}
		})
	}

	d, _ := h.store.Alerts().GetDispatch(context.Background(), id)
	if d.Channels[notify.ChannelEmail].ReceiptStatus != sessionguard.ReceiptNone {
		t.Fatal("rejected receipt was applied")
	}
}

func TestDeliveryReceiptFailsClosedWithoutSecret(t *testing.T) {
	h := newHarness(t, sessionguard.WithSecrets(sessionguard.Secrets{
		JWTSecret:     jwtSecret,
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
	}))
	id := h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown).Dispatch.DispatchID
	body := []byte(`{"dispatch_id":"` + id + `","channel":"email","status":"delivered"}`)

	rec := h.postReceipt(body, []byte(""))
	expectStatus(t, rec, http.StatusUnauthorized)
	if code := errorCode(t, rec); code != sessionguard.CodeInvalidSignature {
		t.Fatalf("code = %q", code)
	}
}

func TestListAlertsForUser(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	tok := h.mustLogin("alice@example.com")
	h.dispatch("alice@example.com", sessionguard.AlertFailedLoginSpike)
	h.dispatch("bob@example.com", sessionguard.AlertFailedLoginSpike)

	rec := h.do(http.MethodGet, "/security/alerts", tok.AccessToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var resp struct {
		Alerts []sessionguard.AlertDispatch `json:"alerts"`
	}
	decode(t, rec, &resp)
	if len(resp.Alerts) != 1 || resp.Alerts[0].Kind != sessionguard.AlertFailedLoginSpike {
		t.Fatalf("alerts = %+v", resp.Alerts)
	}
}
