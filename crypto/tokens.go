package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType represents the type of JWT token.
type TokenType string

const (
	TokenTypeAccess      TokenType = "access"
	TokenTypeRefresh     TokenType = "refresh"
	TokenTypeAttestation TokenType = "attestation"
)

var (
	ErrWrongTokenType = errors.New("unexpected token type")
	ErrMissingTokenID = errors.New("token has no jti")
)

// Claims are the claims carried by every token minted here. Fields that do
// not apply to a token type are omitted from the encoded payload.
type Claims struct {
	jwt.RegisteredClaims
	Roles          []string  `json:"roles,omitempty"`
	Scopes         []string  `json:"scopes"`
	IsAdmin        bool      `json:"is_admin"`
	TokenVersion   int64     `json:"tv"`
	SessionID      string    `json:"sid,omitempty"`
	InstallationID string    `json:"iid,omitempty"`
	TokenType      TokenType `json:"typ"`
}

// IssuedAtTime returns the iat claim, or the zero time when absent.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// AccessTokenOptions configures the authorization claims of an access token.
type AccessTokenOptions struct {
	Roles        []string
	Scopes       []string
	IsAdmin      bool
	TokenVersion int64
	SessionID    string
}

// NewAccessToken creates a short-lived access token for subject.
func NewAccessToken(secret []byte, subject string, now time.Time, ttl time.Duration, opts AccessTokenOptions) (string, error) {
	jti, err := RandomToken(16)
	if err != nil {
		return "", err
	}
	scopes := opts.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	claims := Claims{
		RegisteredClaims: registered(subject, jti, now, ttl),
		Roles:            opts.Roles,
		Scopes:           scopes,
		IsAdmin:          opts.IsAdmin,
		TokenVersion:     opts.TokenVersion,
		SessionID:        opts.SessionID,
		TokenType:        TokenTypeAccess,
	}
	return sign(secret, claims)
}

// NewRefreshToken creates a refresh token whose jti is the session id.
func NewRefreshToken(secret []byte, subject, sessionID string, tokenVersion int64, now time.Time, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", ErrMissingTokenID
	}
	claims := Claims{
		RegisteredClaims: registered(subject, sessionID, now, ttl),
		TokenVersion:     tokenVersion,
		TokenType:        TokenTypeRefresh,
	}
	return sign(secret, claims)
}

// NewAttestationToken creates a device attestation token bound to installationID.
func NewAttestationToken(secret []byte, subject, attestationID, installationID string, now time.Time, ttl time.Duration) (string, error) {
	if attestationID == "" {
		return "", ErrMissingTokenID
	}
	claims := Claims{
		RegisteredClaims: registered(subject, attestationID, now, ttl),
		InstallationID:   installationID,
		TokenType:        TokenTypeAttestation,
	}
	return sign(secret, claims)
}

func registered(subject, jti string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken parses and validates a token against secret using now as the
// validation clock. The signing algorithm is pinned to HS256.
func ParseToken(secret []byte, tokenStr string, now func() time.Time) (*Claims, error) {
	if now == nil {
		now = time.Now
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ParseTyped parses a token and requires its typ claim to equal want.
func ParseTyped(secret []byte, tokenStr string, want TokenType, now func() time.Time) (*Claims, error) {
	claims, err := ParseToken(secret, tokenStr, now)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != want {
		return nil, ErrWrongTokenType
	}
	if want != TokenTypeAccess && claims.ID == "" {
		return nil, ErrMissingTokenID
	}
	return claims, nil
}
