package postgres

import (
	"context"
	"time"
)

func deleteRows(ctx context.Context, db DB, sql string, cutoff time.Time) (int, error) {
	tag, err := db.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PruneSessions deletes sessions revoked or expired before cutoff.
// Live sessions are never touched.
func (st *SessionStore) PruneSessions(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, st.db, `
		DELETE FROM refresh_sessions
		WHERE (revoked_at IS NOT NULL AND revoked_at < $1) OR expires_at < $1`, cutoff)
}

func (es *EventStore) PruneEvents(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, es.db, `DELETE FROM security_events WHERE occurred_at < $1`, cutoff)
}

func (as *AlertStore) PruneCooldowns(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, as.db, `DELETE FROM alert_cooldowns WHERE last_sent_at < $1`, cutoff)
}

func (as *AlertStore) PruneDispatches(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, as.db, `DELETE FROM alert_dispatches WHERE occurred_at < $1`, cutoff)
}

// PruneRevokedPushTokens deletes tokens revoked before cutoff. Active
// tokens are kept regardless of age.
func (ps *PushTokenStore) PruneRevokedPushTokens(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, ps.db, `
		DELETE FROM push_tokens WHERE revoked_at IS NOT NULL AND revoked_at < $1`, cutoff)
}

func (as *AttestationStore) PruneAttestations(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteRows(ctx, as.db, `DELETE FROM attestation_sessions WHERE expires_at < $1`, cutoff)
}
