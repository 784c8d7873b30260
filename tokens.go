package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
)

// TokenPair is the response of a successful login or rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"-"`
}

// SessionMeta describes the client a session is issued to.
type SessionMeta struct {
	UserAgent string
	ClientIP  string
}

// RefreshReuseError is returned by Rotate when a refresh token whose session
// was already rotated away or revoked is presented again.
type RefreshReuseError struct {
	Email     string
	SessionID string
}

func (e *RefreshReuseError) Error() string {
	return "refresh token reuse detected for session " + e.SessionID
}

func (e *RefreshReuseError) Unwrap() error { return ErrSessionRevoked }

// TokenIssuer mints and verifies access/refresh pairs.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	roleScopes map[Role][]string
	store      Store
	clock      func() time.Time
}

// IssuePair records a new refresh session for cred and mints its pair.
func (ti *TokenIssuer) IssuePair(ctx context.Context, cred *Credential, meta SessionMeta) (*TokenPair, error) {
	now := ti.clock()
	sess := RefreshSession{
		SessionID:  uuid.NewString(),
		OwnerEmail: cred.Email,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ti.refreshTTL),
		UserAgent:  meta.UserAgent,
		ClientIP:   meta.ClientIP,
	}
	if err := ti.store.Sessions().CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return ti.mint(cred, sess.SessionID, now)
}

func (ti *TokenIssuer) mint(cred *Credential, sessionID string, now time.Time) (*TokenPair, error) {
	roles := rolesFor(cred)
	access, err := crypto.NewAccessToken(ti.secret, cred.Email, now, ti.accessTTL, crypto.AccessTokenOptions{
		Roles:        roleStrings(roles),
		Scopes:       scopesFor(roles, ti.roleScopes),
		IsAdmin:      cred.IsAdmin,
		TokenVersion: cred.TokenVersion,
		SessionID:    sessionID,
	})
	if err != nil {
		return nil, err
	}
	refresh, err := crypto.NewRefreshToken(ti.secret, cred.Email, sessionID, cred.TokenVersion, now, ti.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(ti.accessTTL.Seconds()),
		SessionID:    sessionID,
	}, nil
}

// VerifyAccess validates an access token. A token_version mismatch or a
// deactivated account yields ErrTokenStale, which callers treat as expiry.
func (ti *TokenIssuer) VerifyAccess(ctx context.Context, token string) (*crypto.Claims, error) {
	claims, _, err := ti.verifyAccess(ctx, token)
	return claims, err
}

func (ti *TokenIssuer) verifyAccess(ctx context.Context, token string) (*crypto.Claims, *Credential, error) {
	claims, err := crypto.ParseTyped(ti.secret, token, crypto.TokenTypeAccess, ti.clock)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	cred, err := ti.currentCredential(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	return claims, cred, nil
}

func (ti *TokenIssuer) currentCredential(ctx context.Context, claims *crypto.Claims) (*Credential, error) {
	cred, err := ti.store.Credentials().GetCredential(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !cred.IsActive || cred.TokenVersion != claims.TokenVersion {
		return nil, ErrTokenStale
	}
	return cred, nil
}

// Rotate exchanges a refresh token for a new pair. The old session is
// revoked and the new one recorded in a single store operation, so of two
// concurrent rotations of the same token exactly one succeeds.
func (ti *TokenIssuer) Rotate(ctx context.Context, refreshToken string, meta SessionMeta) (*TokenPair, error) {
	claims, err := crypto.ParseTyped(ti.secret, refreshToken, crypto.TokenTypeRefresh, ti.clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	cred, err := ti.currentCredential(ctx, claims)
	if err != nil {
		return nil, err
	}

	now := ti.clock()
	next := RefreshSession{
		SessionID:  uuid.NewString(),
		OwnerEmail: cred.Email,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ti.refreshTTL),
		UserAgent:  meta.UserAgent,
		ClientIP:   meta.ClientIP,
	}
	err = ti.store.Sessions().RotateSession(ctx, claims.ID, next, now)
	switch {
	case errors.Is(err, ErrSessionRevoked):
		return nil, &RefreshReuseError{Email: cred.Email, SessionID: claims.ID}
	case err != nil:
		return nil, err
	}
	return ti.mint(cred, next.SessionID, now)
}
