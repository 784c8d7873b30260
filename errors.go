package sessionguard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Configuration errors.
var (
	ErrInvalidJWTSecret = errors.New("sessionguard: JWT secret must be at least 32 bytes")
	ErrInvalidMEK       = errors.New("sessionguard: master encryption key must be exactly 32 bytes")
	ErrStoreRequired    = errors.New("sessionguard: store is required")
)

// Authentication errors - these are safe to show to users.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountLocked        = errors.New("too many failed attempts, try again later")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrTokenStale           = errors.New("token has been superseded")
	ErrStepUpRequired       = errors.New("Step-up authentication required.")
	ErrForbidden            = errors.New("insufficient permissions")
	ErrEmailAlreadyExists   = errors.New("email already registered")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrWeakPassword         = errors.New("password does not meet security requirements")
	Err2FARequired          = errors.New("two-factor authentication required")
	ErrInvalid2FACode       = errors.New("invalid verification code")
	Err2FAAlreadyEnabled    = errors.New("two-factor authentication is already enabled")
	Err2FANotEnabled        = errors.New("two-factor authentication is not enabled")
	ErrRateLimited          = errors.New("rate limit exceeded, please try again later")
	ErrAttestationMissing   = errors.New("device attestation required")
	ErrAttestationInvalid   = errors.New("device attestation invalid or expired")
	ErrInstallationMismatch = errors.New("device attestation does not match this installation")
)

// Store errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")
)

// Internal errors - these should be logged but not shown to users.
var (
	ErrInternal        = errors.New("internal server error")
	ErrEncryptionError = errors.New("encryption error")
	ErrNoProviders     = errors.New("no notification providers configured")
)

// ErrorKind classifies errors for HTTP mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindLocked
	KindStepUpRequired
	KindValidation
	KindConflict
	KindNotFound
	KindRateLimited
	KindUpstreamDelivery
)

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindUnauthorized, KindStepUpRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindLocked:
		return http.StatusLocked
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AuthError wraps an error with additional context for API responses.
type AuthError struct {
	Kind ErrorKind `json:"-"`
	// Code is a machine-readable error code
	Code string `json:"code"`
	// Message is a human-readable error message safe for users
	Message string `json:"message"`
	// Internal is the underlying error (not included in JSON)
	Internal error `json:"-"`
}

func (e *AuthError) Error() string {
	if e.Internal != nil {
		return e.Internal.Error()
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Internal
}

// LockedError is returned by the lockout guard. RetryAfter is for logs
// only and never reaches the client.
type LockedError struct {
	Key        string
	Failures   int
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked: %d failures, retry after %s", e.Failures, e.RetryAfter)
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// UpstreamDeliveryError wraps a notification provider failure.
type UpstreamDeliveryError struct {
	Provider string
	Channel  string
	Err      error
}

func (e *UpstreamDeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s (%s) failed: %v", e.Provider, e.Channel, e.Err)
}

func (e *UpstreamDeliveryError) Unwrap() error { return e.Err }

// Error codes for API responses.
const (
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeAccountLocked        = "ACCOUNT_LOCKED"
	CodeEmailExists          = "EMAIL_EXISTS"
	CodeInvalidEmail         = "INVALID_EMAIL"
	CodeWeakPassword         = "WEAK_PASSWORD"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeTokenStale           = "TOKEN_STALE"
	CodeStepUpRequired       = "STEP_UP_REQUIRED"
	CodeForbidden            = "FORBIDDEN"
	Code2FARequired          = "2FA_REQUIRED"
	CodeInvalid2FACode       = "INVALID_2FA_CODE"
	Code2FAAlreadyEnabled    = "2FA_ALREADY_ENABLED"
	Code2FANotEnabled        = "2FA_NOT_ENABLED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeAttestationRequired  = "ATTESTATION_REQUIRED"
	CodeAttestationInvalid   = "ATTESTATION_INVALID"
	CodeInstallationMismatch = "INSTALLATION_MISMATCH"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeNotFound             = "NOT_FOUND"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeBadRequest           = "BAD_REQUEST"
)

// newAuthError creates a new AuthError.
func newAuthError(kind ErrorKind, code, message string, internal error) *AuthError {
	return &AuthError{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Internal: internal,
	}
}

// classify maps any error produced by the service to an AuthError.
func classify(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	var locked *LockedError
	if errors.As(err, &locked) {
		return newAuthError(KindLocked, CodeAccountLocked, ErrAccountLocked.Error(), err)
	}
	switch {
	case errors.Is(err, ErrStepUpRequired):
		return newAuthError(KindStepUpRequired, CodeStepUpRequired, ErrStepUpRequired.Error(), err)
	case errors.Is(err, ErrTokenStale):
		return newAuthError(KindUnauthorized, CodeTokenStale, ErrInvalidToken.Error(), err)
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrSessionExpired):
		return newAuthError(KindUnauthorized, CodeInvalidToken, ErrInvalidToken.Error(), err)
	case errors.Is(err, ErrInvalidCredentials):
		return newAuthError(KindUnauthorized, CodeInvalidCredentials, ErrInvalidCredentials.Error(), err)
	case errors.Is(err, Err2FARequired):
		return newAuthError(KindUnauthorized, Code2FARequired, Err2FARequired.Error(), err)
	case errors.Is(err, ErrInvalid2FACode):
		return newAuthError(KindUnauthorized, CodeInvalid2FACode, ErrInvalid2FACode.Error(), err)
	case errors.Is(err, ErrAttestationMissing):
		return newAuthError(KindUnauthorized, CodeAttestationRequired, ErrAttestationMissing.Error(), err)
	case errors.Is(err, ErrAttestationInvalid):
		return newAuthError(KindUnauthorized, CodeAttestationInvalid, ErrAttestationInvalid.Error(), err)
	case errors.Is(err, ErrInstallationMismatch):
		return newAuthError(KindForbidden, CodeInstallationMismatch, ErrInstallationMismatch.Error(), err)
	case errors.Is(err, ErrForbidden):
		return newAuthError(KindForbidden, CodeForbidden, ErrForbidden.Error(), err)
	case errors.Is(err, ErrRateLimited):
		return newAuthError(KindRateLimited, CodeRateLimited, ErrRateLimited.Error(), err)
	case errors.Is(err, ErrEmailAlreadyExists):
		return newAuthError(KindConflict, CodeEmailExists, ErrEmailAlreadyExists.Error(), err)
	case errors.Is(err, ErrInvalidEmail):
		return newAuthError(KindValidation, CodeInvalidEmail, ErrInvalidEmail.Error(), err)
	case errors.Is(err, ErrWeakPassword):
		return newAuthError(KindValidation, CodeWeakPassword, ErrWeakPassword.Error(), err)
	case errors.Is(err, Err2FAAlreadyEnabled):
		return newAuthError(KindConflict, Code2FAAlreadyEnabled, Err2FAAlreadyEnabled.Error(), err)
	case errors.Is(err, Err2FANotEnabled):
		return newAuthError(KindValidation, Code2FANotEnabled, Err2FANotEnabled.Error(), err)
	case errors.Is(err, ErrNotFound):
		return newAuthError(KindNotFound, CodeNotFound, "not found", err)
	default:
		return newAuthError(KindInternal, CodeInternalError, "internal error", err)
	}
}
