package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

const maxInstallationIDLength = 128

// AttestationGate issues and checks short-lived device attestation tokens.
// A token is bound to the user and to one app installation; mobile-only
// routes accept it only from that installation.
type AttestationGate struct {
	secret []byte
	ttl    time.Duration
	store  AttestationStore
	stepUp StepUpPolicy
	clock  func() time.Time
}

// Issue mints an attestation token for installationID. The caller's access
// token must be fresh.
func (g *AttestationGate) Issue(ctx context.Context, claims *crypto.Claims, installationID string) (*AttestationSession, string, error) {
	if err := g.stepUp.RequireFresh(claims); err != nil {
		return nil, "", err
	}
	installationID = strings.TrimSpace(installationID)
	if installationID == "" || len(installationID) > maxInstallationIDLength {
		return nil, "", newAuthError(KindValidation, CodeBadRequest, "installation_id is required", nil)
	}

	now := g.clock()
	att := AttestationSession{
		ID:             uuid.NewString(),
		Email:          claims.Subject,
		InstallationID: installationID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(g.ttl),
	}
	if err := g.store.SaveAttestation(ctx, att); err != nil {
		return nil, "", fmt.Errorf("save attestation: %w", err)
	}
	tok, err := crypto.NewAttestationToken(g.secret, att.Email, att.ID, installationID, now, g.ttl)
	if err != nil {
		return nil, "", err
	}
	return &att, tok, nil
}

// Verify checks token against the caller and the presented installation id.
func (g *AttestationGate) Verify(ctx context.Context, claims *crypto.Claims, token, installationID string) (*AttestationSession, error) {
	if token == "" || installationID == "" {
		return nil, ErrAttestationMissing
	}
	ac, err := crypto.ParseTyped(g.secret, token, crypto.TokenTypeAttestation, g.clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}

	att, err := g.store.GetAttestation(ctx, ac.ID)
	if errors.Is(err, ErrNotFound) {
		// Revoked by a lockdown or pruned.
		return nil, ErrAttestationInvalid
	}
	if err != nil {
		return nil, err
	}
	if !g.clock().Before(att.ExpiresAt) {
		return nil, ErrAttestationInvalid
	}
	if ac.Subject != claims.Subject || att.Email != claims.Subject {
		return nil, ErrInstallationMismatch
	}
	if !crypto.ConstantTimeEquals([]byte(ac.InstallationID), []byte(installationID)) ||
		!crypto.ConstantTimeEquals([]byte(att.InstallationID), []byte(installationID)) {
		return nil, ErrInstallationMismatch
	}
	return att, nil
}

func (s *Service) handleIssueAttestation(w http.ResponseWriter, r *http.Request) {
	claims, _ := GetClaimsFromContext(r.Context())

	var req attestationRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	att, tok, err := s.attest.Issue(r.Context(), claims, req.InstallationID)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.logger.Info("attestation issued",
		zap.String("email", crypto.MaskEmail(att.Email)),
		zap.Time("expires_at", att.ExpiresAt),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"attestation_token": tok,
		"installation_id":   att.InstallationID,
		"expires_at":        att.ExpiresAt,
		"expires_in":        int64(s.config.AttestationTTL.Seconds()),
	})
}
