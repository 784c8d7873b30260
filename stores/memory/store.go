// Package memory provides an in-process implementation of sessionguard.Store.
//
// State is partitioned by user email into shards, each with its own lock, so
// mutations for different users never contend. Rotation, cooldown
// reservation and receipt application run under the owning user's shard
// lock and are therefore atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

const shardCount = 64

// Store implements sessionguard.Store in memory.
type Store struct {
	shards [shardCount]*shard
	clock  func() time.Time

	// Secondary indexes from record id to owning email.
	sessionOwners     *index
	dispatchOwners    *index
	pushOwners        *index
	attestationOwners *index

	credentials  *CredentialStore
	sessions     *SessionStore
	events       *EventStore
	alerts       *AlertStore
	pushTokens   *PushTokenStore
	attestations *AttestationStore
}

type shard struct {
	mu           sync.Mutex
	creds        map[string]*sessionguard.Credential
	sessions     map[string]*sessionguard.RefreshSession
	userSessions map[string]map[string]struct{}
	events       map[string][]sessionguard.SecurityEvent
	cooldowns    map[string]map[sessionguard.AlertKind]time.Time
	dispatches   map[string]*sessionguard.AlertDispatch
	pushTokens   map[string]*sessionguard.PushToken
	attestations map[string]*sessionguard.AttestationSession
}

func newShard() *shard {
	return &shard{
		creds:        make(map[string]*sessionguard.Credential),
		sessions:     make(map[string]*sessionguard.RefreshSession),
		userSessions: make(map[string]map[string]struct{}),
		events:       make(map[string][]sessionguard.SecurityEvent),
		cooldowns:    make(map[string]map[sessionguard.AlertKind]time.Time),
		dispatches:   make(map[string]*sessionguard.AlertDispatch),
		pushTokens:   make(map[string]*sessionguard.PushToken),
		attestations: make(map[string]*sessionguard.AttestationSession),
	}
}

type index struct {
	mu sync.RWMutex
	m  map[string]string
}

func newIndex() *index { return &index{m: make(map[string]string)} }

func (i *index) get(id string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	email, ok := i.m[id]
	return email, ok
}

func (i *index) put(id, email string) {
	i.mu.Lock()
	i.m[id] = email
	i.mu.Unlock()
}

func (i *index) del(id string) {
	i.mu.Lock()
	delete(i.m, id)
	i.mu.Unlock()
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the clock used to stamp credential updates.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:             time.Now,
		sessionOwners:     newIndex(),
		dispatchOwners:    newIndex(),
		pushOwners:        newIndex(),
		attestationOwners: newIndex(),
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	s.credentials = &CredentialStore{s: s}
	s.sessions = &SessionStore{s: s}
	s.events = &EventStore{s: s}
	s.alerts = &AlertStore{s: s}
	s.pushTokens = &PushTokenStore{s: s}
	s.attestations = &AttestationStore{s: s}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ sessionguard.Store = (*Store)(nil)

func (s *Store) Credentials() sessionguard.CredentialStore   { return s.credentials }
func (s *Store) Sessions() sessionguard.SessionStore         { return s.sessions }
func (s *Store) Events() sessionguard.EventStore             { return s.events }
func (s *Store) Alerts() sessionguard.AlertStore             { return s.alerts }
func (s *Store) PushTokens() sessionguard.PushTokenStore     { return s.pushTokens }
func (s *Store) Attestations() sessionguard.AttestationStore { return s.attestations }

// Ping implements sessionguard.HealthChecker.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) shardFor(email string) *shard {
	return s.shards[xxhash.Sum64String(email)%shardCount]
}

// each runs fn on every shard under its lock and sums the results.
func (s *Store) each(fn func(sh *shard) int) int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += fn(sh)
		sh.mu.Unlock()
	}
	return total
}

// ==================== CREDENTIALS ====================

// CredentialStore implements sessionguard.CredentialStore.
type CredentialStore struct{ s *Store }

func (c *CredentialStore) CreateCredential(_ context.Context, cred sessionguard.Credential) error {
	sh := c.s.shardFor(cred.Email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.creds[cred.Email]; ok {
		return sessionguard.ErrEmailAlreadyExists
	}
	stored := cred
	sh.creds[cred.Email] = &stored
	return nil
}

func (c *CredentialStore) GetCredential(_ context.Context, email string) (*sessionguard.Credential, error) {
	sh := c.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cred, ok := sh.creds[email]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	out := *cred
	return &out, nil
}

// update applies fn to the credential under the shard lock.
func (c *CredentialStore) update(email string, fn func(cred *sessionguard.Credential)) (int64, error) {
	sh := c.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cred, ok := sh.creds[email]
	if !ok {
		return 0, sessionguard.ErrNotFound
	}
	fn(cred)
	cred.UpdatedAt = c.s.clock()
	return cred.TokenVersion, nil
}

func (c *CredentialStore) UpdatePassword(_ context.Context, email string, hash, salt []byte) (int64, error) {
	return c.update(email, func(cred *sessionguard.Credential) {
		cred.PasswordHash, cred.PasswordSalt = hash, salt
		cred.TokenVersion++
	})
}

func (c *CredentialStore) SetActive(_ context.Context, email string, active bool) (int64, error) {
	return c.update(email, func(cred *sessionguard.Credential) {
		cred.IsActive = active
		cred.TokenVersion++
	})
}

func (c *CredentialStore) BumpTokenVersion(_ context.Context, email string) (int64, error) {
	return c.update(email, func(cred *sessionguard.Credential) {
		cred.TokenVersion++
	})
}

func (c *CredentialStore) UpdateTOTPSecret(_ context.Context, email string, secretEnc, nonce []byte) error {
	_, err := c.update(email, func(cred *sessionguard.Credential) {
		cred.TOTPSecretEncrypted, cred.TOTPNonce = secretEnc, nonce
	})
	return err
}

func (c *CredentialStore) EnableTOTP(_ context.Context, email string) error {
	_, err := c.update(email, func(cred *sessionguard.Credential) {
		cred.TOTPEnabled = true
	})
	return err
}

func (c *CredentialStore) DisableTOTP(_ context.Context, email string) error {
	_, err := c.update(email, func(cred *sessionguard.Credential) {
		cred.TOTPEnabled = false
		cred.TOTPSecretEncrypted, cred.TOTPNonce = nil, nil
	})
	return err
}

// ==================== SESSIONS ====================

// SessionStore implements sessionguard.SessionStore.
type SessionStore struct{ s *Store }

func (st *SessionStore) CreateSession(_ context.Context, sess sessionguard.RefreshSession) error {
	sh := st.s.shardFor(sess.OwnerEmail)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.addSession(sess)
	st.s.sessionOwners.put(sess.SessionID, sess.OwnerEmail)
	return nil
}

func (sh *shard) addSession(sess sessionguard.RefreshSession) {
	stored := sess
	sh.sessions[sess.SessionID] = &stored
	ids, ok := sh.userSessions[sess.OwnerEmail]
	if !ok {
		ids = make(map[string]struct{})
		sh.userSessions[sess.OwnerEmail] = ids
	}
	ids[sess.SessionID] = struct{}{}
}

func (sh *shard) removeSession(sess *sessionguard.RefreshSession) {
	delete(sh.sessions, sess.SessionID)
	if ids, ok := sh.userSessions[sess.OwnerEmail]; ok {
		delete(ids, sess.SessionID)
		if len(ids) == 0 {
			delete(sh.userSessions, sess.OwnerEmail)
		}
	}
}

func (st *SessionStore) GetSession(_ context.Context, sessionID string) (*sessionguard.RefreshSession, error) {
	email, ok := st.s.sessionOwners.get(sessionID)
	if !ok {
		return nil, sessionguard.ErrSessionNotFound
	}
	sh := st.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		return nil, sessionguard.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

func (st *SessionStore) RotateSession(_ context.Context, oldID string, next sessionguard.RefreshSession, now time.Time) error {
	email, ok := st.s.sessionOwners.get(oldID)
	if !ok {
		return sessionguard.ErrSessionNotFound
	}
	sh := st.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, ok := sh.sessions[oldID]
	switch {
	case !ok:
		return sessionguard.ErrSessionNotFound
	case old.RevokedAt != nil:
		return sessionguard.ErrSessionRevoked
	case !now.Before(old.ExpiresAt):
		return sessionguard.ErrSessionExpired
	}

	revokedAt := now
	old.RevokedAt = &revokedAt
	old.ReplacedBy = next.SessionID
	next.OwnerEmail = old.OwnerEmail
	sh.addSession(next)
	st.s.sessionOwners.put(next.SessionID, next.OwnerEmail)
	return nil
}

func (st *SessionStore) RevokeSession(_ context.Context, email, sessionID string, now time.Time) error {
	sh := st.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	if !ok || sess.OwnerEmail != email {
		return sessionguard.ErrSessionNotFound
	}
	if sess.RevokedAt != nil {
		return sessionguard.ErrSessionRevoked
	}
	revokedAt := now
	sess.RevokedAt = &revokedAt
	return nil
}

func (st *SessionStore) RevokeAllSessions(_ context.Context, email string, now time.Time, keep ...string) (int, error) {
	sh := st.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	skip := make(map[string]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	n := 0
	for id := range sh.userSessions[email] {
		sess := sh.sessions[id]
		if skip[id] || !sess.Live(now) {
			continue
		}
		revokedAt := now
		sess.RevokedAt = &revokedAt
		n++
	}
	return n, nil
}

func (st *SessionStore) ListSessions(_ context.Context, email string) ([]sessionguard.RefreshSession, error) {
	sh := st.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	out := make([]sessionguard.RefreshSession, 0, len(sh.userSessions[email]))
	for id := range sh.userSessions[email] {
		out = append(out, *sh.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// PruneSessions deletes sessions revoked or expired before cutoff. Live
// sessions are never touched.
func (st *SessionStore) PruneSessions(_ context.Context, cutoff time.Time) (int, error) {
	var removed []string
	n := st.s.each(func(sh *shard) int {
		count := 0
		for id, sess := range sh.sessions {
			revokedOld := sess.RevokedAt != nil && sess.RevokedAt.Before(cutoff)
			expiredOld := sess.ExpiresAt.Before(cutoff)
			if revokedOld || expiredOld {
				sh.removeSession(sess)
				removed = append(removed, id)
				count++
			}
		}
		return count
	})
	for _, id := range removed {
		st.s.sessionOwners.del(id)
	}
	return n, nil
}

// ==================== EVENTS ====================

// EventStore implements sessionguard.EventStore. Each user's log is kept
// in append order, which is also occurred_at order.
type EventStore struct{ s *Store }

func (es *EventStore) AppendEvent(_ context.Context, ev sessionguard.SecurityEvent) error {
	sh := es.s.shardFor(ev.Email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.events[ev.Email] = append(sh.events[ev.Email], ev)
	return nil
}

// ListEvents returns the newest events first.
func (es *EventStore) ListEvents(_ context.Context, email string, limit int) ([]sessionguard.SecurityEvent, error) {
	sh := es.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	log := sh.events[email]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]sessionguard.SecurityEvent, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (es *EventStore) CountEvents(_ context.Context, email string, eventType sessionguard.EventType, since time.Time) (int, error) {
	sh := es.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := 0
	for _, ev := range sh.events[email] {
		if ev.Type == eventType && !ev.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (es *EventStore) PruneEvents(_ context.Context, cutoff time.Time) (int, error) {
	return es.s.each(func(sh *shard) int {
		removed := 0
		for email, log := range sh.events {
			kept := log[:0]
			for _, ev := range log {
				if ev.OccurredAt.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, ev)
			}
			if len(kept) == 0 {
				delete(sh.events, email)
			} else {
				sh.events[email] = kept
			}
		}
		return removed
	}), nil
}

// ==================== ALERTS ====================

// AlertStore implements sessionguard.AlertStore.
type AlertStore struct{ s *Store }

func (as *AlertStore) ReserveCooldown(_ context.Context, email string, kind sessionguard.AlertKind, now time.Time, window time.Duration) (bool, error) {
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kinds, ok := sh.cooldowns[email]
	if !ok {
		kinds = make(map[sessionguard.AlertKind]time.Time)
		sh.cooldowns[email] = kinds
	}
	if last, ok := kinds[kind]; ok && now.Sub(last) < window {
		return false, nil
	}
	kinds[kind] = now
	return true, nil
}

func (as *AlertStore) SaveDispatch(_ context.Context, rec sessionguard.AlertDispatch) error {
	sh := as.s.shardFor(rec.Email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.dispatches[rec.DispatchID] = rec.Clone()
	as.s.dispatchOwners.put(rec.DispatchID, rec.Email)
	return nil
}

func (as *AlertStore) GetDispatch(_ context.Context, dispatchID string) (*sessionguard.AlertDispatch, error) {
	email, ok := as.s.dispatchOwners.get(dispatchID)
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.dispatches[dispatchID]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	return rec.Clone(), nil
}

func (as *AlertStore) ListDispatches(_ context.Context, email string, limit int) ([]sessionguard.AlertDispatch, error) {
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out []sessionguard.AlertDispatch
	for _, rec := range sh.dispatches {
		if rec.Email == email {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyReceipt records a receipt for one channel. Receipts for a channel
// the dispatch never used are rejected as not found.
func (as *AlertStore) ApplyReceipt(_ context.Context, dispatchID string, channel notify.Channel, status sessionguard.ReceiptStatus, at time.Time) (*sessionguard.AlertDispatch, error) {
	email, ok := as.s.dispatchOwners.get(dispatchID)
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.dispatches[dispatchID]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	entry, ok := rec.Channels[channel]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	receiptAt := at
	entry.ReceiptStatus = status
	entry.ReceiptAt = &receiptAt
	rec.Recompute()
	return rec.Clone(), nil
}

func (as *AlertStore) PruneCooldowns(_ context.Context, cutoff time.Time) (int, error) {
	return as.s.each(func(sh *shard) int {
		removed := 0
		for email, kinds := range sh.cooldowns {
			for kind, last := range kinds {
				if last.Before(cutoff) {
					delete(kinds, kind)
					removed++
				}
			}
			if len(kinds) == 0 {
				delete(sh.cooldowns, email)
			}
		}
		return removed
	}), nil
}

func (as *AlertStore) PruneDispatches(_ context.Context, cutoff time.Time) (int, error) {
	var removed []string
	n := as.s.each(func(sh *shard) int {
		count := 0
		for id, rec := range sh.dispatches {
			if rec.OccurredAt.Before(cutoff) {
				delete(sh.dispatches, id)
				removed = append(removed, id)
				count++
			}
		}
		return count
	})
	for _, id := range removed {
		as.s.dispatchOwners.del(id)
	}
	return n, nil
}

// ==================== PUSH TOKENS ====================

// PushTokenStore implements sessionguard.PushTokenStore. A token belongs
// to one user at a time; registering it for another user moves it.
type PushTokenStore struct{ s *Store }

func (ps *PushTokenStore) RegisterPushToken(_ context.Context, tok sessionguard.PushToken) error {
	if prev, ok := ps.s.pushOwners.get(tok.Token); ok && prev != tok.Email {
		sh := ps.s.shardFor(prev)
		sh.mu.Lock()
		delete(sh.pushTokens, tok.Token)
		sh.mu.Unlock()
	}

	sh := ps.s.shardFor(tok.Email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.pushTokens[tok.Token]; ok && existing.Email == tok.Email {
		existing.RevokedAt = nil
		existing.Provider = tok.Provider
		existing.RegisteredAt = tok.RegisteredAt
	} else {
		stored := tok
		sh.pushTokens[tok.Token] = &stored
	}
	ps.s.pushOwners.put(tok.Token, tok.Email)
	return nil
}

func (ps *PushTokenStore) ListPushTokens(_ context.Context, email string, includeRevoked bool) ([]sessionguard.PushToken, error) {
	sh := ps.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out []sessionguard.PushToken
	for _, tok := range sh.pushTokens {
		if tok.Email != email || (!includeRevoked && tok.RevokedAt != nil) {
			continue
		}
		out = append(out, *tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (ps *PushTokenStore) RevokePushToken(_ context.Context, email, token string, now time.Time) error {
	sh := ps.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	tok, ok := sh.pushTokens[token]
	if !ok || tok.Email != email {
		return sessionguard.ErrNotFound
	}
	if tok.RevokedAt == nil {
		revokedAt := now
		tok.RevokedAt = &revokedAt
	}
	return nil
}

func (ps *PushTokenStore) TouchPushTokens(_ context.Context, tokens []string, now time.Time) error {
	for _, t := range tokens {
		email, ok := ps.s.pushOwners.get(t)
		if !ok {
			continue
		}
		sh := ps.s.shardFor(email)
		sh.mu.Lock()
		if tok, ok := sh.pushTokens[t]; ok {
			usedAt := now
			tok.LastUsedAt = &usedAt
		}
		sh.mu.Unlock()
	}
	return nil
}

// PruneRevokedPushTokens deletes tokens revoked before cutoff. Active tokens
// are kept regardless of age.
func (ps *PushTokenStore) PruneRevokedPushTokens(_ context.Context, cutoff time.Time) (int, error) {
	var removed []string
	n := ps.s.each(func(sh *shard) int {
		count := 0
		for t, tok := range sh.pushTokens {
			if tok.RevokedAt != nil && tok.RevokedAt.Before(cutoff) {
				delete(sh.pushTokens, t)
				removed = append(removed, t)
				count++
			}
		}
		return count
	})
	for _, t := range removed {
		ps.s.pushOwners.del(t)
	}
	return n, nil
}

// ==================== ATTESTATIONS ====================

// AttestationStore implements sessionguard.AttestationStore.
type AttestationStore struct{ s *Store }

func (as *AttestationStore) SaveAttestation(_ context.Context, att sessionguard.AttestationSession) error {
	sh := as.s.shardFor(att.Email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	stored := att
	sh.attestations[att.ID] = &stored
	as.s.attestationOwners.put(att.ID, att.Email)
	return nil
}

func (as *AttestationStore) GetAttestation(_ context.Context, id string) (*sessionguard.AttestationSession, error) {
	email, ok := as.s.attestationOwners.get(id)
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	att, ok := sh.attestations[id]
	if !ok {
		return nil, sessionguard.ErrNotFound
	}
	out := *att
	return &out, nil
}

func (as *AttestationStore) RevokeAttestations(_ context.Context, email string) (int, error) {
	sh := as.s.shardFor(email)
	sh.mu.Lock()
	var removed []string
	for id, att := range sh.attestations {
		if att.Email == email {
			delete(sh.attestations, id)
			removed = append(removed, id)
		}
	}
	sh.mu.Unlock()
	for _, id := range removed {
		as.s.attestationOwners.del(id)
	}
	return len(removed), nil
}

// PruneAttestations deletes attestations that expired before cutoff.
func (as *AttestationStore) PruneAttestations(_ context.Context, cutoff time.Time) (int, error) {
	var removed []string
	n := as.s.each(func(sh *shard) int {
		count := 0
		for id, att := range sh.attestations {
			if att.ExpiresAt.Before(cutoff) {
				delete(sh.attestations, id)
				removed = append(removed, id)
				count++
			}
		}
		return count
	})
	for _, id := range removed {
		as.s.attestationOwners.del(id)
	}
	return n, nil
}
