package sessionguard

import (
	"context"
	"time"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// ==================== CORE INTERFACES ====================

// Store is the security state store. Implementations must make the
// check-and-set operations (Sessions().Rotate, Alerts().ReserveCooldown,
// Alerts().ApplyReceipt) atomic per user.
type Store interface {
	Credentials() CredentialStore
	Sessions() SessionStore
	Events() EventStore
	Alerts() AlertStore
	PushTokens() PushTokenStore
	Attestations() AttestationStore
}

// CredentialStore handles credential records keyed by normalized email.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, email string) (*Credential, error)
	// UpdatePassword replaces the hash and bumps the token version.
	UpdatePassword(ctx context.Context, email string, hash, salt []byte) (int64, error)
	// SetActive toggles the account and bumps the token version.
	SetActive(ctx context.Context, email string, active bool) (int64, error)
	BumpTokenVersion(ctx context.Context, email string) (int64, error)
	UpdateTOTPSecret(ctx context.Context, email string, secretEnc, nonce []byte) error
	EnableTOTP(ctx context.Context, email string) error
	DisableTOTP(ctx context.Context, email string) error
}

// SessionStore is the refresh session registry.
type SessionStore interface {
	CreateSession(ctx context.Context, sess RefreshSession) error
	GetSession(ctx context.Context, sessionID string) (*RefreshSession, error)
	// RotateSession revokes oldID and inserts next in one step. It returns
	// ErrSessionNotFound, ErrSessionRevoked or ErrSessionExpired without
	// side effects when oldID is not live at now.
	RotateSession(ctx context.Context, oldID string, next RefreshSession, now time.Time) error
	// RevokeSession revokes one session owned by email.
	RevokeSession(ctx context.Context, email, sessionID string, now time.Time) error
	// RevokeAllSessions revokes every live session of email, except the ids
	// in keep, and returns how many were revoked.
	RevokeAllSessions(ctx context.Context, email string, now time.Time, keep ...string) (int, error)
	ListSessions(ctx context.Context, email string) ([]RefreshSession, error)
	// PruneSessions deletes sessions revoked or expired before cutoff.
	PruneSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// EventStore is the per-user security event log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev SecurityEvent) error
	ListEvents(ctx context.Context, email string, limit int) ([]SecurityEvent, error)
	CountEvents(ctx context.Context, email string, eventType EventType, since time.Time) (int, error)
	PruneEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// AlertStore holds cooldowns and dispatch records.
type AlertStore interface {
	// ReserveCooldown sets last_sent_at for (email, kind) to now and returns
	// true, unless a previous send is newer than now-window, in which case
	// it returns false and leaves the record untouched.
	ReserveCooldown(ctx context.Context, email string, kind AlertKind, now time.Time, window time.Duration) (bool, error)
	SaveDispatch(ctx context.Context, rec AlertDispatch) error
	GetDispatch(ctx context.Context, dispatchID string) (*AlertDispatch, error)
	ListDispatches(ctx context.Context, email string, limit int) ([]AlertDispatch, error)
	// ApplyReceipt records a delivery receipt for one channel and recomputes
	// the overall status. It returns the updated record.
	ApplyReceipt(ctx context.Context, dispatchID string, channel notify.Channel, status ReceiptStatus, at time.Time) (*AlertDispatch, error)
	PruneCooldowns(ctx context.Context, cutoff time.Time) (int, error)
	PruneDispatches(ctx context.Context, cutoff time.Time) (int, error)
}

// PushTokenStore is the device push token registry.
type PushTokenStore interface {
	// RegisterPushToken inserts or reactivates a token for email.
	RegisterPushToken(ctx context.Context, tok PushToken) error
	ListPushTokens(ctx context.Context, email string, includeRevoked bool) ([]PushToken, error)
	RevokePushToken(ctx context.Context, email, token string, now time.Time) error
	TouchPushTokens(ctx context.Context, tokens []string, now time.Time) error
	// PruneRevokedPushTokens deletes tokens revoked before cutoff.
	PruneRevokedPushTokens(ctx context.Context, cutoff time.Time) (int, error)
}

// AttestationStore tracks issued device attestation sessions.
type AttestationStore interface {
	SaveAttestation(ctx context.Context, att AttestationSession) error
	GetAttestation(ctx context.Context, id string) (*AttestationSession, error)
	RevokeAttestations(ctx context.Context, email string) (int, error)
	PruneAttestations(ctx context.Context, cutoff time.Time) (int, error)
}

// AttemptTracker counts timestamped attempts per key in a sliding window.
type AttemptTracker interface {
	Record(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// PrunableTracker is implemented by trackers that need external pruning.
type PrunableTracker interface {
	Prune(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// NotificationProvider delivers alerts over one channel.
type NotificationProvider = notify.Provider

// ==================== MODELS ====================

// Credential is a user's login record. Credentials are never deleted;
// deactivation flips IsActive.
type Credential struct {
	Email               string
	PasswordHash        []byte
	PasswordSalt        []byte
	IsActive            bool
	IsAdmin             bool
	EmailVerified       bool
	TOTPSecretEncrypted []byte
	TOTPNonce           []byte
	TOTPEnabled         bool
	TokenVersion        int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RefreshSession is one refresh token's server-side state.
type RefreshSession struct {
	SessionID  string     `json:"session_id"`
	OwnerEmail string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string     `json:"-"`
	UserAgent  string     `json:"user_agent,omitempty"`
	ClientIP   string     `json:"-"`
}

// Live reports whether the session can still be rotated at now.
func (s *RefreshSession) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// EventType names a security event.
type EventType string

const (
	EventLoginSucceeded    EventType = "login_succeeded"
	EventLoginFailed       EventType = "login_failed"
	EventLockdown          EventType = "account_lockdown_activated"
	EventPasswordChanged   EventType = "password_changed"
	EventDeactivated       EventType = "account_deactivated"
	EventReactivated       EventType = "account_reactivated"
	EventRefreshReused     EventType = "refresh_token_reused"
	EventTwoFactorEnabled  EventType = "two_factor_enabled"
	EventTwoFactorDisabled EventType = "two_factor_disabled"
	EventSessionRevoked    EventType = "session_revoked"
	EventSessionsRevoked   EventType = "sessions_revoked"
)

// SecurityEvent is an append-only audit entry.
type SecurityEvent struct {
	ID         string         `json:"id"`
	Email      string         `json:"-"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// AlertKind names a risk alert.
type AlertKind string

const (
	AlertFailedLoginSpike  AlertKind = "failed_login_spike"
	AlertEmergencyLockdown AlertKind = "emergency_lockdown"
	AlertRefreshReuse      AlertKind = "refresh_token_reuse"
)

// DispatchStatus is the overall state of an alert dispatch.
type DispatchStatus string

const (
	DispatchReceiptPending  DispatchStatus = "receipt_pending"
	DispatchDelivered       DispatchStatus = "delivered"
	DispatchPartialDelivery DispatchStatus = "partial_delivery"
	DispatchFailed          DispatchStatus = "failed"
)

// ReceiptStatus is a provider-confirmed delivery outcome for one channel.
type ReceiptStatus string

const (
	ReceiptNone      ReceiptStatus = ""
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptFailed    ReceiptStatus = "failed"
)

// ChannelDelivery is one channel's sub-entry of a dispatch.
type ChannelDelivery struct {
	Provider          string        `json:"provider"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	Error             string        `json:"error,omitempty"`
	ReceiptStatus     ReceiptStatus `json:"receipt_status,omitempty"`
	ReceiptAt         *time.Time    `json:"receipt_at,omitempty"`
}

// Sent reports whether the provider accepted the message.
func (c *ChannelDelivery) Sent() bool {
	return c.SentAt != nil && c.Error == ""
}

// AlertDispatch records one dispatched alert across channels.
type AlertDispatch struct {
	DispatchID string                              `json:"dispatch_id"`
	Email      string                              `json:"-"`
	Kind       AlertKind                           `json:"alert_kind"`
	OccurredAt time.Time                           `json:"occurred_at"`
	Status     DispatchStatus                      `json:"status"`
	Channels   map[notify.Channel]*ChannelDelivery `json:"channels"`
}

// Recompute derives the overall status from the channel entries: every
// channel delivered is delivered, some delivered is partial_delivery, every
// channel settled with none delivered is failed, anything else is pending.
func (d *AlertDispatch) Recompute() DispatchStatus {
	total, delivered, settled := len(d.Channels), 0, 0
	for _, ch := range d.Channels {
		switch {
		case ch.ReceiptStatus == ReceiptDelivered:
			delivered++
			settled++
		case ch.ReceiptStatus == ReceiptFailed || !ch.Sent():
			settled++
		}
	}
	switch {
	case total > 0 && delivered == total:
		d.Status = DispatchDelivered
	case delivered > 0:
		d.Status = DispatchPartialDelivery
	case settled == total:
		d.Status = DispatchFailed
	default:
		d.Status = DispatchReceiptPending
	}
	return d.Status
}

// Clone returns a deep copy.
func (d *AlertDispatch) Clone() *AlertDispatch {
	out := *d
	out.Channels = make(map[notify.Channel]*ChannelDelivery, len(d.Channels))
	for ch, entry := range d.Channels {
		e := *entry
		out.Channels[ch] = &e
	}
	return &out
}

// PushToken is a registered device push token.
type PushToken struct {
	Token        string     `json:"token"`
	Email        string     `json:"-"`
	Provider     string     `json:"provider"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// AttestationSession binds an attestation token to a device installation.
type AttestationSession struct {
	ID             string    `json:"-"`
	Email          string    `json:"-"`
	InstallationID string    `json:"installation_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
