package sessionguard

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxPushTokenLength = 512

// pushProviders are the accepted push token kinds.
var pushProviders = map[string]bool{"expo": true, "fcm": true, "apns": true}

func (s *Service) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaimsFromContext(ctx)

	var req pushTokenRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		req.Provider = "expo"
	}
	if req.Token == "" || len(req.Token) > maxPushTokenLength || !pushProviders[req.Provider] {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "a valid token and provider are required")
		return
	}

	tok := PushToken{
		Token:        req.Token,
		Email:        claims.Subject,
		Provider:     req.Provider,
		RegisteredAt: s.now(),
	}
	if err := s.store.PushTokens().RegisterPushToken(ctx, tok); err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Service) handleRevokePushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaimsFromContext(ctx)

	token, err := url.PathUnescape(chi.URLParam(r, "token"))
	if err != nil || token == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid token")
		return
	}

	err = s.store.PushTokens().RevokePushToken(ctx, claims.Subject, token, s.now())
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "push token not found")
		return
	}
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "push token revoked"})
}

func (s *Service) handleListPushTokens(w http.ResponseWriter, r *http.Request) {
	claims, _ := GetClaimsFromContext(r.Context())

	tokens, err := s.store.PushTokens().ListPushTokens(r.Context(), claims.Subject, r.URL.Query().Get("include_revoked") == "true")
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if tokens == nil {
		tokens = []PushToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"push_tokens": tokens})
}

// handleMobileOverview summarizes the account's security state for the app.
func (s *Service) handleMobileOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, _ := GetCredentialFromContext(ctx)
	claims, _ := GetClaimsFromContext(ctx)
	att, _ := GetAttestationFromContext(ctx)

	now := s.now()
	sessions, err := s.store.Sessions().ListSessions(ctx, cred.Email)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	live := 0
	for i := range sessions {
		if sessions[i].Live(now) {
			live++
		}
	}
	failed, err := s.store.Events().CountEvents(ctx, cred.Email, EventLoginFailed, now.Add(-24*time.Hour))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	events, err := s.store.Events().ListEvents(ctx, cred.Email, 5)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if events == nil {
		events = []SecurityEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":               cred.Email,
		"totp_enabled":        cred.TOTPEnabled,
		"active_sessions":     live,
		"failed_logins_24h":   failed,
		"recent_events":       events,
		"installation_id":     att.InstallationID,
		"attestation_expires": att.ExpiresAt,
		"session_id":          claims.SessionID,
	})
}
