package sessionguard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/migueldesapazr-gif/sessionguard"
)

type attestationResponse struct {
	Token          string `json:"attestation_token"`
	InstallationID string `json:"installation_id"`
	ExpiresIn      int64  `json:"expires_in"`
}

func (h *harness) attest(access, installationID string) attestationResponse {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/mobile/attestation/session", access, map[string]string{"installation_id": installationID})
	expectStatus(h.t, rec, http.StatusCreated)
	var resp attestationResponse
	decode(h.t, rec, &resp)
	return resp
}

func (h *harness) mobile(method, path, access, attestation, installationID string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var headers []string
	if attestation != "" {
		headers = append(headers, sessionguard.HeaderMobileAttestation, attestation)
	}
	if installationID != "" {
		headers = append(headers, sessionguard.HeaderMobileInstallationID, installationID)
	}
	return h.do(method, path, access, body, headers...)
}

func TestAttestationGatesMobileRoutes(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	tok := h.mustLogin("alice@example.com")
	att := h.attest(tok.AccessToken, "install-1")
	if att.Token == "" || att.InstallationID != "install-1" || att.ExpiresIn != int64((10*time.Minute).Seconds()) {
		t.Fatalf("attestation = %+v", att)
	}

	tests := []struct {
		name         string
		attestation  string
		installation string
		advance      time.Duration
		status       int
		code         string
	}{
		{"same installation", att.Token, "install-1", 0, http.StatusOK, ""},
		{"other installation", att.Token, "install-2", 0, http.StatusForbidden, sessionguard.CodeInstallationMismatch},
		{"missing token", "", "install-1", 0, http.StatusUnauthorized, sessionguard.CodeAttestationRequired},
		{"missing installation", att.Token, "", 0, http.StatusUnauthorized, sessionguard.CodeAttestationRequired},
		{"garbage token", "not-a-jwt", "install-1", 0, http.StatusUnauthorized, sessionguard.CodeAttestationInvalid},
		{"access token as attestation", tok.AccessToken, "install-1", 0, http.StatusUnauthorized, sessionguard.CodeAttestationInvalid},
		{"expired", att.Token, "install-1", 11 * time.Minute, http.StatusUnauthorized, sessionguard.CodeAttestationInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.clock.Advance(tt.advance)
			defer h.clock.Advance(-tt.advance)

			rec := h.mobile(http.MethodGet, "/mobile/security/overview", tok.AccessToken, tt.attestation, tt.installation, nil)
			expectStatus(t, rec, tt.status)
			if tt.code != "" {
				if code := errorCode(t, rec); code != tt.code {
					t.Fatalf("code = %q, want %q", code, tt.code)
				}
			}
		})
	}
}

func TestAttestationBoundToUser(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	h.register("bob@example.com")
	alice := h.mustLogin("alice@example.com")
	bob := h.mustLogin("bob@example.com")
	att := h.attest(alice.AccessToken, "install-1")

	rec := h.mobile(http.MethodGet, "/mobile/security/overview", bob.AccessToken, att.Token, "install-1", nil)
	expectStatus(t, rec, http.StatusForbidden)
}

func TestAttestationIssueRequiresFreshToken(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	tok := h.mustLogin("alice@example.com")
	h.clock.Advance(11 * time.Minute)

	rec := h.do(http.MethodPost, "/mobile/attestation/session", tok.AccessToken, map[string]string{"installation_id": "install-1"})
	expectStatus(t, rec, http.StatusUnauthorized)
	if code := errorCode(t, rec); code != sessionguard.CodeStepUpRequired {
		t.Fatalf("code = %q", code)
	}

	fresh := h.mustLogin("alice@example.com")
	rec = h.do(http.MethodPost, "/mobile/attestation/session", fresh.AccessToken, map[string]string{"installation_id": ""})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestLockdownRevokesAttestations(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	tok := h.mustLogin("alice@example.com")
	att := h.attest(tok.AccessToken, "install-1")

	res, err := h.svc.Lockdown(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("lockdown: %v", err)
	}
	if res.AttestationsRevoked != 1 {
		t.Fatalf("attestations revoked = %d", res.AttestationsRevoked)
	}

	fresh := h.mustLogin("alice@example.com")
	rec := h.mobile(http.MethodGet, "/mobile/security/overview", fresh.AccessToken, att.Token, "install-1", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
	if code := errorCode(t, rec); code != sessionguard.CodeAttestationInvalid {
		t.Fatalf("code = %q", code)
	}
}

func TestPushTokenLifecycle(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	tok := h.mustLogin("alice@example.com")
	att := h.attest(tok.AccessToken, "install-1")

	rec := h.mobile(http.MethodPost, "/mobile/push-tokens", tok.AccessToken, att.Token, "install-1",
		map[string]string{"token": "ExponentPushToken[abc]", "provider": "expo"})
	expectStatus(t, rec, http.StatusCreated)

	// Registration without attestation is refused.
	rec = h.do(http.MethodPost, "/mobile/push-tokens", tok.AccessToken, map[string]string{"token": "ExponentPushToken[def]"})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = h.mobile(http.MethodPost, "/mobile/push-tokens", tok.AccessToken, att.Token, "install-1",
		map[string]string{"token": "ExponentPushToken[def]", "provider": "carrier-pigeon"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = h.do(http.MethodGet, "/security/push-tokens", tok.AccessToken, nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Tokens []sessionguard.PushToken `json:"push_tokens"`
	}
	decode(t, rec, &list)
	if len(list.Tokens) != 1 || list.Tokens[0].Token != "ExponentPushToken[abc]" {
		t.Fatalf("tokens = %+v", list.Tokens)
	}

	// Alerts now reach the device.
	h.dispatch("alice@example.com", sessionguard.AlertEmergencyLockdown)
	if msgs := h.push.messages(); len(msgs) != 1 {
		t.Fatalf("push messages = %d", len(msgs))
	}

	rec = h.mobile(http.MethodDelete, "/mobile/push-tokens/ExponentPushToken%5Babc%5D", tok.AccessToken, att.Token, "install-1", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = h.mobile(http.MethodDelete, "/mobile/push-tokens/unknown", tok.AccessToken, att.Token, "install-1", nil)
	expectStatus(t, rec, http.StatusNotFound)

	toks, _ := h.store.PushTokens().ListPushTokens(context.Background(), "alice@example.com", false)
	if len(toks) != 0 {
		t.Fatalf("active tokens after revoke = %d", len(toks))
	}
}

func TestMobileOverview(t *testing.T) {
	h := newHarness(t)
	h.register("alice@example.com")
	h.login("alice@example.com", "Wrong1Horse")
	tok := h.mustLogin("alice@example.com")
	att := h.attest(tok.AccessToken, "install-1")

	rec := h.mobile(http.MethodGet, "/mobile/security/overview", tok.AccessToken, att.Token, "install-1", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		ActiveSessions int    `json:"active_sessions"`
		FailedLogins   int    `json:"failed_logins_24h"`
		Installation   string `json:"installation_id"`
	}
	decode(t, rec, &body)
	if body.ActiveSessions != 1 || body.FailedLogins != 1 || body.Installation != "install-1" {
		t.Fatalf("overview = %+v", body)
	}
}
