package sessionguard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

// ==================== SECURITY MONITORING ====================

// SecurityMonitor observes every recorded security event, for example to
// forward it to a SIEM.
type SecurityMonitor interface {
	OnEvent(ctx context.Context, ev SecurityEvent)
}

// defaultSecurityMonitor logs security events.
type defaultSecurityMonitor struct {
	logger *zap.Logger
}

func (m *defaultSecurityMonitor) OnEvent(_ context.Context, ev SecurityEvent) {
	m.logger.Info("security event",
		zap.String("type", string(ev.Type)),
		zap.String("email", crypto.MaskEmail(ev.Email)),
		zap.Any("details", ev.Details))
}

// WithSecurityMonitor sets a custom security event observer.
func WithSecurityMonitor(monitor SecurityMonitor) Option {
	return func(s *Service) error {
		s.monitor = monitor
		return nil
	}
}

// recordEvent appends to the user's event log. Failures are logged and
// never fail the operation that produced the event.
func (s *Service) recordEvent(ctx context.Context, email string, typ EventType, details map[string]any) {
	ev := SecurityEvent{
		ID:         uuid.NewString(),
		Email:      email,
		Type:       typ,
		OccurredAt: s.now(),
		Details:    details,
	}
	if err := s.store.Events().AppendEvent(ctx, ev); err != nil {
		s.logger.Error("append security event", zap.String("type", string(typ)), zap.Error(err))
	}
	if s.monitor != nil {
		s.monitor.OnEvent(ctx, ev)
	}
}

// alertTimeout bounds a single alert dispatch.
const alertTimeout = 30 * time.Second

// raiseAlert hands req to the background queue when jobs are running. When
// they are not, or the queue is full, it dispatches on a detached goroutine
// so a slow provider never holds up the request. The caller never sees a
// delivery failure.
func (s *Service) raiseAlert(ctx context.Context, req AlertRequest) {
	if req.OccurredAt.IsZero() {
		req.OccurredAt = s.now()
	}
	if jobs := s.runningJobs(); jobs != nil && jobs.enqueueAlert(req) {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		ctx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()
		if _, err := s.alerts.Dispatch(ctx, req); err != nil {
			s.logger.Error("alert dispatch failed", zap.String("kind", string(req.Kind)), zap.Error(err))
		}
	}()
}

// WaitForAlerts blocks until every alert dispatched outside the job queue
// has finished.
func (s *Service) WaitForAlerts() {
	s.alertWG.Wait()
}

// ==================== LOCKDOWN ====================

// LockdownResult reports what an emergency lockdown revoked.
type LockdownResult struct {
	SessionsRevoked     int   `json:"sessions_revoked"`
	AttestationsRevoked int   `json:"attestations_revoked"`
	TokenVersion        int64 `json:"token_version"`
}

// Lockdown revokes every session and attestation of email and bumps its
// token_version so outstanding access tokens stop verifying at once.
func (s *Service) Lockdown(ctx context.Context, email string) (*LockdownResult, error) {
	now := s.now()
	sessions, err := s.store.Sessions().RevokeAllSessions(ctx, email, now)
	if err != nil {
		return nil, err
	}
	version, err := s.store.Credentials().BumpTokenVersion(ctx, email)
	if err != nil {
		return nil, err
	}
	attestations, err := s.store.Attestations().RevokeAttestations(ctx, email)
	if err != nil {
		s.logger.Error("revoke attestations", zap.Error(err))
	}

	res := &LockdownResult{SessionsRevoked: sessions, AttestationsRevoked: attestations, TokenVersion: version}
	s.recordEvent(ctx, email, EventLockdown, map[string]any{
		"sessions_revoked":     sessions,
		"attestations_revoked": attestations,
	})
	s.raiseAlert(ctx, AlertRequest{
		Email:      email,
		Kind:       AlertEmergencyLockdown,
		OccurredAt: now,
		Context:    map[string]any{"sessions_revoked": sessions},
	})
	return res, nil
}

func (s *Service) handleLockdown(w http.ResponseWriter, r *http.Request) {
	cred, _ := GetCredentialFromContext(r.Context())

	res, err := s.Lockdown(r.Context(), cred.Email)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.logger.Warn("account lockdown activated", zap.String("email", crypto.MaskEmail(cred.Email)))
	writeJSON(w, http.StatusOK, res)
}

// ==================== SESSIONS ====================

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := GetClaimsFromContext(r.Context())

	sessions, err := s.store.Sessions().ListSessions(r.Context(), claims.Subject)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	now := s.now()
	out := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		if !sess.Live(now) {
			continue
		}
		out = append(out, map[string]any{
			"session_id": sess.SessionID,
			"issued_at":  sess.IssuedAt,
			"expires_at": sess.ExpiresAt,
			"user_agent": sess.UserAgent,
			"current":    sess.SessionID == claims.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Service) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaimsFromContext(ctx)
	sessionID := chi.URLParam(r, "sessionID")

	err := s.store.Sessions().RevokeSession(ctx, claims.Subject, sessionID, s.now())
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "session not found")
		return
	case errors.Is(err, ErrSessionRevoked):
		// Already gone; revocation is idempotent.
	case err != nil:
		s.writeAuthError(w, err)
		return
	}
	s.recordEvent(ctx, claims.Subject, EventSessionRevoked, map[string]any{"session_id": sessionID})
	writeJSON(w, http.StatusOK, map[string]any{"message": "session revoked"})
}

// handleRevokeAllSessions signs out every other device. The calling
// session survives unless ?include_current=true.
func (s *Service) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaimsFromContext(ctx)

	var keep []string
	if r.URL.Query().Get("include_current") != "true" && claims.SessionID != "" {
		keep = append(keep, claims.SessionID)
	}
	n, err := s.store.Sessions().RevokeAllSessions(ctx, claims.Subject, s.now(), keep...)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.recordEvent(ctx, claims.Subject, EventSessionsRevoked, map[string]any{"count": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// ==================== HISTORY ====================

func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := GetClaimsFromContext(r.Context())

	events, err := s.store.Events().ListEvents(r.Context(), claims.Subject, listLimit(r))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if events == nil {
		events = []SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	claims, _ := GetClaimsFromContext(r.Context())

	dispatches, err := s.store.Alerts().ListDispatches(r.Context(), claims.Subject, listLimit(r))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if dispatches == nil {
		dispatches = []AlertDispatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": dispatches})
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return min(limit, 200)
}

// ==================== ADMIN ====================

// SetAccountActive deactivates or reactivates an account. Deactivation also
// revokes all sessions; both bump token_version.
func (s *Service) SetAccountActive(ctx context.Context, email string, active bool) error {
	email = normalizeEmail(email)
	if _, err := s.store.Credentials().SetActive(ctx, email, active); err != nil {
		return err
	}
	if active {
		s.recordEvent(ctx, email, EventReactivated, nil)
		return nil
	}
	n, err := s.store.Sessions().RevokeAllSessions(ctx, email, s.now())
	if err != nil {
		return err
	}
	s.recordEvent(ctx, email, EventDeactivated, map[string]any{"sessions_revoked": n})
	return nil
}

func (s *Service) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	s.handleSetActive(w, r, false)
}

func (s *Service) handleReactivateUser(w http.ResponseWriter, r *http.Request) {
	s.handleSetActive(w, r, true)
}

func (s *Service) handleSetActive(w http.ResponseWriter, r *http.Request, active bool) {
	admin, _ := GetCredentialFromContext(r.Context())

	var req adminUserRequest
	if err := readJSON(w, r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "email is required")
		return
	}
	if err := s.SetAccountActive(r.Context(), req.Email, active); err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.logger.Info("account status changed",
		zap.String("email", crypto.MaskEmail(req.Email)),
		zap.Bool("active", active),
		zap.String("by", crypto.MaskEmail(admin.Email)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"email": normalizeEmail(req.Email), "is_active": active})
}
