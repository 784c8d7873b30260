package sessionguard

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

// ==================== REGISTRATION ====================

// Register creates a credential. Emails listed in AdminEmails become admins.
func (s *Service) Register(ctx context.Context, email, password string) (*Credential, error) {
	email = normalizeEmail(email)
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if err := s.validatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}

	salt, err := crypto.GenerateSalt(crypto.DefaultSaltSize)
	if err != nil {
		return nil, err
	}
	now := s.now()
	cred := Credential{
		Email:        email,
		PasswordHash: crypto.HashPassword(password, salt),
		PasswordSalt: salt,
		IsActive:     true,
		IsAdmin:      s.isAdminEmail(email),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Credentials().CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	cred, err := s.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrWeakPassword) {
			// The policy detail is safe to show.
			writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
			return
		}
		s.writeAuthError(w, err)
		return
	}

	s.logger.Info("credential registered", zap.String("email", crypto.MaskEmail(cred.Email)))
	writeJSON(w, http.StatusCreated, map[string]any{
		"email":    cred.Email,
		"is_admin": cred.IsAdmin,
	})
}

// ==================== LOGIN ====================

// Login verifies credentials and issues a token pair. The lockout guard
// runs before the password check, so a correct password is rejected while
// the email is locked out.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta SessionMeta) (*TokenPair, error) {
	email := normalizeEmail(req.Email)
	ipHash := s.hashIP(meta.ClientIP)

	if err := s.lockout.CheckIP(ctx, ipHash); err != nil {
		s.metrics.login("rate_limited")
		return nil, err
	}
	if err := s.lockout.Check(ctx, email); err != nil {
		var locked *LockedError
		if errors.As(err, &locked) {
			s.metrics.lockout()
			s.logger.Info("login blocked by lockout",
				zap.String("email", crypto.MaskEmail(email)),
				zap.Int("failures", locked.Failures),
			)
		}
		return nil, err
	}

	cred, err := s.store.Credentials().GetCredential(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cred == nil {
		// Same work as a real check so unknown emails are not faster.
		dummySalt, _ := crypto.GenerateSalt(crypto.DefaultSaltSize)
		crypto.HashPassword(req.Password, dummySalt)
		s.loginFailed(ctx, email, ipHash, false)
		return nil, ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(req.Password, cred.PasswordHash, cred.PasswordSalt) || !cred.IsActive {
		s.loginFailed(ctx, email, ipHash, true)
		return nil, ErrInvalidCredentials
	}

	if cred.TOTPEnabled {
		if strings.TrimSpace(req.TOTPCode) == "" {
			return nil, Err2FARequired
		}
		ok, err := s.verifyTOTP(cred, req.TOTPCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.loginFailed(ctx, email, ipHash, true)
			return nil, ErrInvalid2FACode
		}
	}

	if err := s.lockout.Clear(ctx, email); err != nil {
		s.logger.Warn("clear lockout failed", zap.Error(err))
	}

	pair, err := s.tokens.IssuePair(ctx, cred, meta)
	if err != nil {
		return nil, err
	}
	s.metrics.login("success")
	s.recordEvent(ctx, cred.Email, EventLoginSucceeded, map[string]any{"session_id": pair.SessionID})
	return pair, nil
}

// loginFailed counts a failure and raises a spike alert once the count in
// the window reaches the alert threshold. Events and alerts are only
// recorded for existing accounts.
func (s *Service) loginFailed(ctx context.Context, email, ipHash string, known bool) {
	s.metrics.login("failure")

	failures, err := s.lockout.RecordFailure(ctx, email)
	if err != nil {
		s.logger.Error("record login failure", zap.Error(err))
	}
	if err := s.lockout.RecordIPFailure(ctx, ipHash); err != nil {
		s.logger.Error("record ip failure", zap.Error(err))
	}
	if !known {
		return
	}

	s.recordEvent(ctx, email, EventLoginFailed, map[string]any{"failures_in_window": failures})
	if threshold := s.config.AlertFailedLoginThreshold; threshold > 0 && failures >= threshold {
		s.raiseAlert(ctx, AlertRequest{
			Email: email,
			Kind:  AlertFailedLoginSpike,
			Context: map[string]any{
				"failed_attempts": failures,
				"window_minutes":  int(s.lockout.Window().Minutes()),
			},
		})
	}
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "email and password are required")
		return
	}

	pair, err := s.Login(r.Context(), req, s.sessionMeta(r))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// ==================== REFRESH & LOGOUT ====================

// Refresh rotates a refresh token. Presenting a token whose session was
// already rotated or revoked revokes every session of the user, records a
// reuse event and raises an alert.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta SessionMeta) (*TokenPair, error) {
	pair, err := s.tokens.Rotate(ctx, refreshToken, meta)
	var reuse *RefreshReuseError
	switch {
	case errors.As(err, &reuse):
		s.metrics.refresh("reuse")
		s.handleRefreshReuse(ctx, reuse)
		return nil, err
	case err != nil:
		s.metrics.refresh("rejected")
		return nil, err
	}
	s.metrics.refresh("rotated")
	return pair, nil
}

func (s *Service) handleRefreshReuse(ctx context.Context, reuse *RefreshReuseError) {
	s.logger.Warn("refresh token reuse detected",
		zap.String("email", crypto.MaskEmail(reuse.Email)),
		zap.String("session_id", reuse.SessionID),
	)
	n, err := s.store.Sessions().RevokeAllSessions(ctx, reuse.Email, s.now())
	if err != nil {
		s.logger.Error("revoke sessions after reuse", zap.Error(err))
	}
	details := map[string]any{"session_id": reuse.SessionID, "sessions_revoked": n}
	s.recordEvent(ctx, reuse.Email, EventRefreshReused, details)
	s.raiseAlert(ctx, AlertRequest{Email: reuse.Email, Kind: AlertRefreshReuse, Context: details})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.Refresh(r.Context(), req.RefreshToken, s.sessionMeta(r))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the session behind the access token, plus the one
// named by an optional refresh token.
func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := GetClaimsFromContext(ctx)

	// The body is optional.
	var req logoutRequest
	if err := readJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	now := s.now()
	ids := []string{claims.SessionID}
	if req.RefreshToken != "" {
		if rc, err := crypto.ParseTyped(s.secrets.JWTSecret, req.RefreshToken, crypto.TokenTypeRefresh, s.clock); err == nil && rc.Subject == claims.Subject {
			ids = append(ids, rc.ID)
		}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		err := s.store.Sessions().RevokeSession(ctx, claims.Subject, id, now)
		if err != nil && !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrSessionRevoked) {
			s.writeAuthError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	cred, _ := GetCredentialFromContext(r.Context())
	claims, _ := GetClaimsFromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"email":          cred.Email,
		"roles":          claims.Roles,
		"scopes":         claims.Scopes,
		"is_admin":       cred.IsAdmin,
		"totp_enabled":   cred.TOTPEnabled,
		"email_verified": cred.EmailVerified,
		"session_id":     claims.SessionID,
	})
}

// ==================== PASSWORD ====================

// ChangePassword replaces the password, invalidates every outstanding token
// by bumping token_version and returns a fresh pair for the caller.
func (s *Service) ChangePassword(ctx context.Context, cred *Credential, current, next string, meta SessionMeta) (*TokenPair, error) {
	if !crypto.VerifyPassword(current, cred.PasswordHash, cred.PasswordSalt) {
		return nil, ErrInvalidCredentials
	}
	if err := s.validatePassword(next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}

	salt, err := crypto.GenerateSalt(crypto.DefaultSaltSize)
	if err != nil {
		return nil, err
	}
	version, err := s.store.Credentials().UpdatePassword(ctx, cred.Email, crypto.HashPassword(next, salt), salt)
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.Sessions().RevokeAllSessions(ctx, cred.Email, s.now())
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, cred.Email, EventPasswordChanged, map[string]any{"sessions_revoked": revoked})

	updated := *cred
	updated.TokenVersion = version
	updated.PasswordHash, updated.PasswordSalt = nil, nil
	return s.tokens.IssuePair(ctx, &updated, meta)
}

func (s *Service) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	cred, _ := GetCredentialFromContext(r.Context())

	var req passwordChangeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	pair, err := s.ChangePassword(r.Context(), cred, req.CurrentPassword, req.NewPassword, s.sessionMeta(r))
	if err != nil {
		if errors.Is(err, ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
			return
		}
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// ==================== 2FA ====================

func (s *Service) handleTwoFASetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, _ := GetCredentialFromContext(ctx)

	if cred.TOTPEnabled {
		s.writeAuthError(w, Err2FAAlreadyEnabled)
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.TOTPIssuer,
		AccountName: cred.Email,
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      s.totpDigits(),
	})
	if err != nil {
		s.writeAuthError(w, fmt.Errorf("totp generate: %w", err))
		return
	}

	secretEnc, nonce, err := crypto.Encrypt([]byte(key.Secret()), s.keys.TOTPKey)
	if err != nil {
		s.writeAuthError(w, fmt.Errorf("%w: %v", ErrEncryptionError, err))
		return
	}

	// Saved but not enabled until verified.
	if err := s.store.Credentials().UpdateTOTPSecret(ctx, cred.Email, secretEnc, nonce); err != nil {
		s.writeAuthError(w, err)
		return
	}

	resp := map[string]any{
		"secret":  key.Secret(),
		"url":     key.URL(),
		"issuer":  s.config.TOTPIssuer,
		"digits":  s.totpDigits().Length(),
		"message": "add the key to your authenticator and verify with a code",
	}
	if s.config.TOTPQRCodeSize > 0 {
		dataURL, err := totpQRCode(key.URL(), s.config.TOTPQRCodeSize)
		if err != nil {
			s.writeAuthError(w, fmt.Errorf("totp qr code: %w", err))
			return
		}
		resp["qr_code"] = dataURL
	}
	writeJSON(w, http.StatusOK, resp)
}

// totpQRCode renders the otpauth URL as a PNG data URL.
func totpQRCode(url string, size int) (string, error) {
	code, err := qr.Encode(url, qr.M, qr.Auto)
	if err != nil {
		return "", err
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Service) handleTwoFAVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, _ := GetCredentialFromContext(ctx)

	var req twoFAVerifyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if cred.TOTPEnabled {
		s.writeAuthError(w, Err2FAAlreadyEnabled)
		return
	}
	if len(cred.TOTPSecretEncrypted) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "2FA not set up")
		return
	}

	ok, err := s.verifyTOTP(cred, req.Code)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalid2FACode, ErrInvalid2FACode.Error())
		return
	}

	if err := s.store.Credentials().EnableTOTP(ctx, cred.Email); err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.recordEvent(ctx, cred.Email, EventTwoFactorEnabled, nil)
	writeJSON(w, http.StatusOK, map[string]any{"message": "2FA enabled successfully"})
}

func (s *Service) handleTwoFADisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred, _ := GetCredentialFromContext(ctx)

	var req twoFADisableRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if !cred.TOTPEnabled {
		s.writeAuthError(w, Err2FANotEnabled)
		return
	}

	ok, err := s.verifyTOTP(cred, req.Code)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if !ok {
		s.writeAuthError(w, ErrInvalid2FACode)
		return
	}

	if err := s.store.Credentials().DisableTOTP(ctx, cred.Email); err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.recordEvent(ctx, cred.Email, EventTwoFactorDisabled, nil)
	writeJSON(w, http.StatusOK, map[string]any{"message": "2FA disabled successfully"})
}

func (s *Service) verifyTOTP(cred *Credential, code string) (bool, error) {
	secret, err := crypto.Decrypt(cred.TOTPSecretEncrypted, cred.TOTPNonce, s.keys.TOTPKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEncryptionError, err)
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), string(secret), s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    s.totpDigits(),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed codes are just wrong codes.
		return false, nil
	}
	return valid, nil
}

func (s *Service) totpDigits() otp.Digits {
	if s.config.TOTPDigits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// ==================== HELPERS ====================

func (s *Service) sessionMeta(r *http.Request) SessionMeta {
	ua := r.UserAgent()
	if len(ua) > 256 {
		ua = ua[:256]
	}
	return SessionMeta{UserAgent: ua, ClientIP: s.clientIP(r)}
}

func (s *Service) isAdminEmail(email string) bool {
	for _, admin := range s.config.AdminEmails {
		if admin == email {
			return true
		}
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Email validation helpers (simplified)
func isValidEmail(email string) bool {
	if len(email) < 5 || len(email) > 254 {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || at > len(email)-3 {
		return false
	}
	local := email[:at]
	domain := email[at+1:]
	if len(local) > 64 || len(domain) < 2 {
		return false
	}
	if strings.Contains(domain, "..") || !strings.Contains(domain, ".") {
		return false
	}
	return true
}

func (s *Service) validatePassword(password string) error {
	minLen := s.config.MinPasswordLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		return fmt.Errorf("password must be at least %d characters", minLen)
	}
	if len(password) > 128 {
		return fmt.Errorf("password must be at most 128 characters")
	}
	if s.config.RequirePasswordComplexity {
		var hasUpper, hasLower, hasDigit bool
		for _, c := range password {
			switch {
			case c >= 'A' && c <= 'Z':
				hasUpper = true
			case c >= 'a' && c <= 'z':
				hasLower = true
			case c >= '0' && c <= '9':
				hasDigit = true
			}
		}
		if !hasUpper || !hasLower || !hasDigit {
			return fmt.Errorf("password must contain uppercase, lowercase, and digits")
		}
	}
	common := []string{"password", "12345678", "qwerty", "letmein"}
	lower := strings.ToLower(password)
	for _, c := range common {
		if strings.Contains(lower, c) {
			return fmt.Errorf("password is too common")
		}
	}
	return nil
}
