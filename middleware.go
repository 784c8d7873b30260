package sessionguard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// CredentialContextKey is the context key for the authenticated credential.
	CredentialContextKey contextKey = "sessionguard_credential"
	// ClaimsContextKey is the context key for verified access token claims.
	ClaimsContextKey contextKey = "sessionguard_claims"
	// AttestationContextKey is the context key for the verified attestation.
	AttestationContextKey contextKey = "sessionguard_attestation"
)

// Mobile attestation request headers.
const (
	HeaderMobileAttestation    = "X-Mobile-Attestation"
	HeaderMobileInstallationID = "X-Mobile-Installation-Id"
)

// GetCredentialFromContext retrieves the authenticated credential.
func GetCredentialFromContext(ctx context.Context) (*Credential, bool) {
	cred, ok := ctx.Value(CredentialContextKey).(*Credential)
	return cred, ok
}

// GetClaimsFromContext retrieves the verified access token claims.
func GetClaimsFromContext(ctx context.Context) (*crypto.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*crypto.Claims)
	return claims, ok
}

// GetAttestationFromContext retrieves the verified attestation session.
func GetAttestationFromContext(ctx context.Context) (*AttestationSession, bool) {
	att, ok := ctx.Value(AttestationContextKey).(*AttestationSession)
	return att, ok
}

// requireAuth is middleware that requires a valid, current access token.
func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, CodeInvalidToken, "missing or invalid authorization header")
			return
		}

		claims, cred, err := s.tokens.verifyAccess(r.Context(), tokenStr)
		if err != nil {
			s.writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), CredentialContextKey, cred)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireFresh rejects access tokens older than the step-up max age.
func (s *Service) requireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeInvalidToken, "unauthorized")
			return
		}
		if err := s.stepUp.RequireFresh(claims); err != nil {
			s.writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAttestation gates mobile-only routes on a valid attestation token
// bound to the calling installation.
func (s *Service) requireAttestation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeInvalidToken, "unauthorized")
			return
		}
		att, err := s.attest.Verify(r.Context(), claims,
			strings.TrimSpace(r.Header.Get(HeaderMobileAttestation)),
			strings.TrimSpace(r.Header.Get(HeaderMobileInstallationID)),
		)
		if err != nil {
			s.logger.Info("attestation rejected",
				zap.String("email", crypto.MaskEmail(claims.Subject)),
				zap.Error(err),
			)
			s.writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AttestationContextKey, att)))
	})
}

func bearerTokenFromHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimitKey keys httprate buckets by client IP.
func (s *Service) rateLimitKey(r *http.Request) (string, error) {
	return s.clientIP(r), nil
}

func (s *Service) clientIP(r *http.Request) string {
	remoteIP := parseIPFromAddr(r.RemoteAddr)
	if !s.config.TrustProxyHeaders || remoteIP == "" || !s.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	// Walk X-Forwarded-For right to left, skipping our own proxies.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			parsed := net.ParseIP(strings.TrimSpace(parts[i]))
			if parsed == nil {
				continue
			}
			if !s.isTrustedProxy(parsed.String()) {
				return parsed.String()
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return remoteIP
}

func (s *Service) isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range s.trustedProxyNets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseIPFromAddr(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return host
	}
	if strings.HasPrefix(addr, "[") && strings.Contains(addr, "]") {
		return strings.TrimPrefix(strings.SplitN(addr, "]", 2)[0], "[")
	}
	return addr
}

// hashIP keys client IPs for trackers and logs so raw addresses are not stored.
func (s *Service) hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	mac := hmac.New(sha256.New, s.keys.MetaKey)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
