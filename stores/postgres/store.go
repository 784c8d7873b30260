// Package postgres provides a PostgreSQL implementation of the sessionguard.Store interface.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store implements sessionguard.Store for PostgreSQL.
type Store struct {
	db DB

	credentials  *CredentialStore
	sessions     *SessionStore
	events       *EventStore
	alerts       *AlertStore
	pushTokens   *PushTokenStore
	attestations *AttestationStore
}

// New creates a store on top of a pool (or anything shaped like one).
func New(db DB) *Store {
	return &Store{
		db:           db,
		credentials:  &CredentialStore{db: db},
		sessions:     &SessionStore{db: db},
		events:       &EventStore{db: db},
		alerts:       &AlertStore{db: db},
		pushTokens:   &PushTokenStore{db: db},
		attestations: &AttestationStore{db: db},
	}
}

// Open connects a pool using dsn.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Store) Credentials() sessionguard.CredentialStore   { return s.credentials }
func (s *Store) Sessions() sessionguard.SessionStore         { return s.sessions }
func (s *Store) Events() sessionguard.EventStore             { return s.events }
func (s *Store) Alerts() sessionguard.AlertStore             { return s.alerts }
func (s *Store) PushTokens() sessionguard.PushTokenStore     { return s.pushTokens }
func (s *Store) Attestations() sessionguard.AttestationStore { return s.attestations }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// WithDatabase returns a sessionguard.Option that configures PostgreSQL storage.
//
//	sessionguard.New(postgres.WithDatabase(pool), ...)
func WithDatabase(pool *pgxpool.Pool) sessionguard.Option {
	return sessionguard.WithStore(New(pool))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ==================== CREDENTIALS ====================

// CredentialStore handles credential rows.
type CredentialStore struct {
	db DB
}

type credentialRow struct {
	Email               string    `db:"email"`
	PasswordHash        []byte    `db:"password_hash"`
	PasswordSalt        []byte    `db:"password_salt"`
	IsActive            bool      `db:"is_active"`
	IsAdmin             bool      `db:"is_admin"`
	EmailVerified       bool      `db:"email_verified"`
	TOTPSecretEncrypted []byte    `db:"totp_secret_encrypted"`
	TOTPNonce           []byte    `db:"totp_nonce"`
	TOTPEnabled         bool      `db:"totp_enabled"`
	TokenVersion        int64     `db:"token_version"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r credentialRow) credential() *sessionguard.Credential {
	return &sessionguard.Credential{
		Email:               r.Email,
		PasswordHash:        r.PasswordHash,
		PasswordSalt:        r.PasswordSalt,
		IsActive:            r.IsActive,
		IsAdmin:             r.IsAdmin,
		EmailVerified:       r.EmailVerified,
		TOTPSecretEncrypted: r.TOTPSecretEncrypted,
		TOTPNonce:           r.TOTPNonce,
		TOTPEnabled:         r.TOTPEnabled,
		TokenVersion:        r.TokenVersion,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (c *CredentialStore) CreateCredential(ctx context.Context, cred sessionguard.Credential) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO credentials (email, password_hash, password_salt, is_active, is_admin, email_verified,
			totp_enabled, token_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cred.Email, cred.PasswordHash, cred.PasswordSalt, cred.IsActive, cred.IsAdmin, cred.EmailVerified,
		cred.TOTPEnabled, cred.TokenVersion, cred.CreatedAt, cred.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sessionguard.ErrEmailAlreadyExists
	}
	return err
}

func (c *CredentialStore) GetCredential(ctx context.Context, email string) (*sessionguard.Credential, error) {
	var row credentialRow
	err := pgxscan.Get(ctx, c.db, &row, `
		SELECT email, password_hash, password_salt, is_active, is_admin, email_verified,
			totp_secret_encrypted, totp_nonce, totp_enabled, token_version, created_at, updated_at
		FROM credentials WHERE email = $1`, email)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, sessionguard.ErrNotFound
		}
		return nil, err
	}
	return row.credential(), nil
}

// returningVersion runs an UPDATE ... RETURNING token_version.
func (c *CredentialStore) returningVersion(ctx context.Context, sql string, args ...any) (int64, error) {
	var version int64
	err := c.db.QueryRow(ctx, sql, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, sessionguard.ErrNotFound
	}
	return version, err
}

func (c *CredentialStore) UpdatePassword(ctx context.Context, email string, hash, salt []byte) (int64, error) {
	return c.returningVersion(ctx, `
		UPDATE credentials
		SET password_hash = $2, password_salt = $3, token_version = token_version + 1, updated_at = NOW()
		WHERE email = $1
		RETURNING token_version`, email, hash, salt)
}

func (c *CredentialStore) SetActive(ctx context.Context, email string, active bool) (int64, error) {
	return c.returningVersion(ctx, `
		UPDATE credentials
		SET is_active = $2, token_version = token_version + 1, updated_at = NOW()
		WHERE email = $1
		RETURNING token_version`, email, active)
}

func (c *CredentialStore) BumpTokenVersion(ctx context.Context, email string) (int64, error) {
	return c.returningVersion(ctx, `
		UPDATE credentials
		SET token_version = token_version + 1, updated_at = NOW()
		WHERE email = $1
		RETURNING token_version`, email)
}

func (c *CredentialStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := c.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sessionguard.ErrNotFound
	}
	return nil
}

func (c *CredentialStore) UpdateTOTPSecret(ctx context.Context, email string, secretEnc, nonce []byte) error {
	return c.exec(ctx, `
		UPDATE credentials SET totp_secret_encrypted = $2, totp_nonce = $3, updated_at = NOW()
		WHERE email = $1`, email, secretEnc, nonce)
}

func (c *CredentialStore) EnableTOTP(ctx context.Context, email string) error {
	return c.exec(ctx, `UPDATE credentials SET totp_enabled = TRUE, updated_at = NOW() WHERE email = $1`, email)
}

func (c *CredentialStore) DisableTOTP(ctx context.Context, email string) error {
	return c.exec(ctx, `
		UPDATE credentials
		SET totp_enabled = FALSE, totp_secret_encrypted = NULL, totp_nonce = NULL, updated_at = NOW()
		WHERE email = $1`, email)
}

// ==================== REFRESH SESSIONS ====================

// SessionStore is the refresh session registry.
type SessionStore struct {
	db DB
}

type sessionRow struct {
	SessionID  string     `db:"session_id"`
	OwnerEmail string     `db:"owner_email"`
	IssuedAt   time.Time  `db:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
	ReplacedBy string     `db:"replaced_by"`
	UserAgent  string     `db:"user_agent"`
	ClientIP   string     `db:"client_ip"`
}

func (r sessionRow) session() sessionguard.RefreshSession {
	return sessionguard.RefreshSession{
		SessionID:  r.SessionID,
		OwnerEmail: r.OwnerEmail,
		IssuedAt:   r.IssuedAt,
		ExpiresAt:  r.ExpiresAt,
		RevokedAt:  r.RevokedAt,
		ReplacedBy: r.ReplacedBy,
		UserAgent:  r.UserAgent,
		ClientIP:   r.ClientIP,
	}
}

const sessionColumns = `session_id, owner_email, issued_at, expires_at, revoked_at,
	COALESCE(replaced_by, '') AS replaced_by, user_agent, client_ip`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertSession(ctx context.Context, db execer, sess sessionguard.RefreshSession) error {
	_, err := db.Exec(ctx, `
		INSERT INTO refresh_sessions (session_id, owner_email, issued_at, expires_at, user_agent, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.SessionID, sess.OwnerEmail, sess.IssuedAt, sess.ExpiresAt, sess.UserAgent, sess.ClientIP,
	)
	return err
}

func (st *SessionStore) CreateSession(ctx context.Context, sess sessionguard.RefreshSession) error {
	return insertSession(ctx, st.db, sess)
}

func (st *SessionStore) GetSession(ctx context.Context, sessionID string) (*sessionguard.RefreshSession, error) {
	var row sessionRow
	err := pgxscan.Get(ctx, st.db, &row, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, sessionguard.ErrSessionNotFound
		}
		return nil, err
	}
	sess := row.session()
	return &sess, nil
}

// RotateSession locks the old row, checks it is still live and swaps it
// for next inside one transaction.
func (st *SessionStore) RotateSession(ctx context.Context, oldID string, next sessionguard.RefreshSession, now time.Time) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		owner     string
		expiresAt time.Time
		revokedAt *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT owner_email, expires_at, revoked_at
		FROM refresh_sessions WHERE session_id = $1
		FOR UPDATE`, oldID).Scan(&owner, &expiresAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionguard.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	switch {
	case revokedAt != nil:
		return sessionguard.ErrSessionRevoked
	case !now.Before(expiresAt):
		return sessionguard.ErrSessionExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2, replaced_by = $3
		WHERE session_id = $1`, oldID, now, next.SessionID); err != nil {
		return err
	}
	if err := insertSession(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (st *SessionStore) RevokeSession(ctx context.Context, email, sessionID string, now time.Time) error {
	tag, err := st.db.Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $3
		WHERE session_id = $1 AND owner_email = $2 AND revoked_at IS NULL`,
		sessionID, email, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := st.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM refresh_sessions WHERE session_id = $1 AND owner_email = $2)`,
		sessionID, email).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return sessionguard.ErrSessionRevoked
	}
	return sessionguard.ErrSessionNotFound
}

func (st *SessionStore) RevokeAllSessions(ctx context.Context, email string, now time.Time, keep ...string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := st.db.Exec(ctx, `
		UPDATE refresh_sessions SET revoked_at = $2
		WHERE owner_email = $1 AND revoked_at IS NULL AND expires_at > $2
			AND NOT (session_id = ANY($3))`,
		email, now, keep)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (st *SessionStore) ListSessions(ctx context.Context, email string) ([]sessionguard.RefreshSession, error) {
	var rows []sessionRow
	if err := pgxscan.Select(ctx, st.db, &rows, `
		SELECT `+sessionColumns+`
		FROM refresh_sessions WHERE owner_email = $1
		ORDER BY issued_at DESC`, email); err != nil {
		return nil, err
	}
	out := make([]sessionguard.RefreshSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.session())
	}
	return out, nil
}

// ==================== SECURITY EVENTS ====================

// EventStore is the append-only security event log.
type EventStore struct {
	db DB
}

type eventRow struct {
	ID         string    `db:"id"`
	Email      string    `db:"email"`
	Type       string    `db:"event_type"`
	OccurredAt time.Time `db:"occurred_at"`
	Details    []byte    `db:"details"`
}

func (es *EventStore) AppendEvent(ctx context.Context, ev sessionguard.SecurityEvent) error {
	var details []byte
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		details = b
	}
	_, err := es.db.Exec(ctx, `
		INSERT INTO security_events (id, email, event_type, occurred_at, details)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Email, string(ev.Type), ev.OccurredAt, details,
	)
	return err
}

// ListEvents returns the newest events first. A non-positive limit
// returns the whole log.
func (es *EventStore) ListEvents(ctx context.Context, email string, limit int) ([]sessionguard.SecurityEvent, error) {
	if limit < 0 {
		limit = 0
	}
	var rows []eventRow
	if err := pgxscan.Select(ctx, es.db, &rows, `
		SELECT id, email, event_type, occurred_at, details
		FROM security_events WHERE email = $1
		ORDER BY occurred_at DESC
		LIMIT NULLIF($2::int, 0)`, email, limit); err != nil {
		return nil, err
	}
	out := make([]sessionguard.SecurityEvent, 0, len(rows))
	for _, r := range rows {
		ev := sessionguard.SecurityEvent{
			ID:         r.ID,
			Email:      r.Email,
			Type:       sessionguard.EventType(r.Type),
			OccurredAt: r.OccurredAt,
		}
		if len(r.Details) > 0 {
			if err := json.Unmarshal(r.Details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event %s: %w", r.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (es *EventStore) CountEvents(ctx context.Context, email string, eventType sessionguard.EventType, since time.Time) (int, error) {
	var n int
	err := es.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE email = $1 AND event_type = $2 AND occurred_at >= $3`,
		email, string(eventType), since).Scan(&n)
	return n, err
}

// ==================== ALERTS ====================

// AlertStore holds cooldowns and dispatch records.
type AlertStore struct {
	db DB
}

type dispatchRow struct {
	DispatchID string    `db:"dispatch_id"`
	Email      string    `db:"email"`
	Kind       string    `db:"alert_kind"`
	OccurredAt time.Time `db:"occurred_at"`
	Status     string    `db:"status"`
	Channels   []byte    `db:"channels"`
}

func (r dispatchRow) dispatch() (*sessionguard.AlertDispatch, error) {
	rec := &sessionguard.AlertDispatch{
		DispatchID: r.DispatchID,
		Email:      r.Email,
		Kind:       sessionguard.AlertKind(r.Kind),
		OccurredAt: r.OccurredAt,
		Status:     sessionguard.DispatchStatus(r.Status),
		Channels:   map[notify.Channel]*sessionguard.ChannelDelivery{},
	}
	if len(r.Channels) > 0 {
		if err := json.Unmarshal(r.Channels, &rec.Channels); err != nil {
			return nil, fmt.Errorf("decode dispatch %s: %w", r.DispatchID, err)
		}
	}
	return rec, nil
}

const dispatchColumns = `dispatch_id, email, alert_kind, occurred_at, status, channels`

// ReserveCooldown upserts last_sent_at only when the stored value is at
// least window old. No returned row means the cooldown is still active.
func (as *AlertStore) ReserveCooldown(ctx context.Context, email string, kind sessionguard.AlertKind, now time.Time, window time.Duration) (bool, error) {
	var sent time.Time
	err := as.db.QueryRow(ctx, `
		INSERT INTO alert_cooldowns (email, alert_kind, last_sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email, alert_kind) DO UPDATE SET last_sent_at = EXCLUDED.last_sent_at
		WHERE alert_cooldowns.last_sent_at <= $4
		RETURNING last_sent_at`,
		email, string(kind), now, now.Add(-window)).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (as *AlertStore) SaveDispatch(ctx context.Context, rec sessionguard.AlertDispatch) error {
	channels, err := json.Marshal(rec.Channels)
	if err != nil {
		return fmt.Errorf("encode dispatch channels: %w", err)
	}
	_, err = as.db.Exec(ctx, `
		INSERT INTO alert_dispatches (`+dispatchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dispatch_id) DO UPDATE SET status = EXCLUDED.status, channels = EXCLUDED.channels`,
		rec.DispatchID, rec.Email, string(rec.Kind), rec.OccurredAt, string(rec.Status), channels,
	)
	return err
}

func (as *AlertStore) GetDispatch(ctx context.Context, dispatchID string) (*sessionguard.AlertDispatch, error) {
	var row dispatchRow
	err := pgxscan.Get(ctx, as.db, &row, `SELECT `+dispatchColumns+` FROM alert_dispatches WHERE dispatch_id = $1`, dispatchID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, sessionguard.ErrNotFound
		}
		return nil, err
	}
	return row.dispatch()
}

func (as *AlertStore) ListDispatches(ctx context.Context, email string, limit int) ([]sessionguard.AlertDispatch, error) {
	if limit < 0 {
		limit = 0
	}
	var rows []dispatchRow
	if err := pgxscan.Select(ctx, as.db, &rows, `
		SELECT `+dispatchColumns+`
		FROM alert_dispatches WHERE email = $1
		ORDER BY occurred_at DESC
		LIMIT NULLIF($2::int, 0)`, email, limit); err != nil {
		return nil, err
	}
	out := make([]sessionguard.AlertDispatch, 0, len(rows))
	for _, r := range rows {
		rec, err := r.dispatch()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ApplyReceipt locks the dispatch row, updates one channel and stores the
// recomputed status.
func (as *AlertStore) ApplyReceipt(ctx context.Context, dispatchID string, channel notify.Channel, status sessionguard.ReceiptStatus, at time.Time) (*sessionguard.AlertDispatch, error) {
	tx, err := as.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var row dispatchRow
	err = tx.QueryRow(ctx, `
		SELECT `+dispatchColumns+`
		FROM alert_dispatches WHERE dispatch_id = $1
		FOR UPDATE`, dispatchID).Scan(&row.DispatchID, &row.Email, &row.Kind, &row.OccurredAt, &row.Status, &row.Channels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessionguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := row.dispatch()
	if err != nil {
		return nil, err
	}
	entry, ok := rec.Channels[channel]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	receiptAt := at
	entry.ReceiptStatus = status
	entry.ReceiptAt = &receiptAt
	rec.Recompute()

	channels, err := json.Marshal(rec.Channels)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch channels: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE alert_dispatches SET status = $2, channels = $3
		WHERE dispatch_id = $1`, dispatchID, string(rec.Status), channels); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// ==================== PUSH TOKENS ====================

// PushTokenStore is the device push token registry. A token belongs to
// one user at a time; registering it for another user moves it.
type PushTokenStore struct {
	db DB
}

type pushTokenRow struct {
	Token        string     `db:"token"`
	Email        string     `db:"email"`
	Provider     string     `db:"provider"`
	RegisteredAt time.Time  `db:"registered_at"`
	LastUsedAt   *time.Time `db:"last_used_at"`
	RevokedAt    *time.Time `db:"revoked_at"`
}

func (ps *PushTokenStore) RegisterPushToken(ctx context.Context, tok sessionguard.PushToken) error {
	_, err := ps.db.Exec(ctx, `
		INSERT INTO push_tokens (token, email, provider, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET
			last_used_at = CASE WHEN push_tokens.email = EXCLUDED.email THEN push_tokens.last_used_at END,
			email = EXCLUDED.email,
			provider = EXCLUDED.provider,
			registered_at = EXCLUDED.registered_at,
			revoked_at = NULL`,
		tok.Token, tok.Email, tok.Provider, tok.RegisteredAt,
	)
	return err
}

func (ps *PushTokenStore) ListPushTokens(ctx context.Context, email string, includeRevoked bool) ([]sessionguard.PushToken, error) {
	var rows []pushTokenRow
	if err := pgxscan.Select(ctx, ps.db, &rows, `
		SELECT token, email, provider, registered_at, last_used_at, revoked_at
		FROM push_tokens
		WHERE email = $1 AND ($2 OR revoked_at IS NULL)
		ORDER BY registered_at ASC`, email, includeRevoked); err != nil {
		return nil, err
	}
	out := make([]sessionguard.PushToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionguard.PushToken(r))
	}
	return out, nil
}

func (ps *PushTokenStore) RevokePushToken(ctx context.Context, email, token string, now time.Time) error {
	tag, err := ps.db.Exec(ctx, `
		UPDATE push_tokens SET revoked_at = COALESCE(revoked_at, $3)
		WHERE email = $1 AND token = $2`, email, token, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sessionguard.ErrNotFound
	}
	return nil
}

func (ps *PushTokenStore) TouchPushTokens(ctx context.Context, tokens []string, now time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := ps.db.Exec(ctx, `UPDATE push_tokens SET last_used_at = $2 WHERE token = ANY($1)`, tokens, now)
	return err
}

// ==================== ATTESTATIONS ====================

// AttestationStore tracks issued device attestation sessions.
type AttestationStore struct {
	db DB
}

func (as *AttestationStore) SaveAttestation(ctx context.Context, att sessionguard.AttestationSession) error {
	_, err := as.db.Exec(ctx, `
		INSERT INTO attestation_sessions (id, email, installation_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		att.ID, att.Email, att.InstallationID, att.IssuedAt, att.ExpiresAt,
	)
	return err
}

func (as *AttestationStore) GetAttestation(ctx context.Context, id string) (*sessionguard.AttestationSession, error) {
	var att sessionguard.AttestationSession
	err := as.db.QueryRow(ctx, `
		SELECT id, email, installation_id, issued_at, expires_at
		FROM attestation_sessions WHERE id = $1`, id).
		Scan(&att.ID, &att.Email, &att.InstallationID, &att.IssuedAt, &att.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sessionguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

func (as *AttestationStore) RevokeAttestations(ctx context.Context, email string) (int, error) {
	tag, err := as.db.Exec(ctx, `DELETE FROM attestation_sessions WHERE email = $1`, email)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
