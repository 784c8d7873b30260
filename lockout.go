package sessionguard

import (
	"context"
	"time"
)

// LockoutGuard blocks password verification for an email (and optionally a
// client IP) after too many failures inside a rolling window. It does not
// know whether an email exists; unknown emails are counted like known ones.
type LockoutGuard struct {
	tracker     AttemptTracker
	threshold   int
	ipThreshold int
	window      time.Duration
	clock       func() time.Time
}

// NewLockoutGuard creates a guard over tracker.
func NewLockoutGuard(tracker AttemptTracker, threshold int, window time.Duration, clock func() time.Time) *LockoutGuard {
	if clock == nil {
		clock = time.Now
	}
	return &LockoutGuard{tracker: tracker, threshold: threshold, window: window, clock: clock}
}

func emailKey(email string) string { return "email:" + email }
func ipKey(ipHash string) string   { return "ip:" + ipHash }

// Check returns a *LockedError when email has reached the threshold.
func (g *LockoutGuard) Check(ctx context.Context, email string) error {
	return g.check(ctx, emailKey(email), g.threshold)
}

// RecordFailure records a failed attempt for email and returns the number
// of failures inside the window.
func (g *LockoutGuard) RecordFailure(ctx context.Context, email string) (int, error) {
	return g.tracker.Record(ctx, emailKey(email), g.clock(), g.window)
}

// Clear forgets the failures of email after a successful login.
func (g *LockoutGuard) Clear(ctx context.Context, email string) error {
	return g.tracker.Reset(ctx, emailKey(email))
}

// CheckIP returns ErrRateLimited when the client has too many failures.
// ipHash is the keyed hash of the client address.
func (g *LockoutGuard) CheckIP(ctx context.Context, ipHash string) error {
	if g.ipThreshold <= 0 || ipHash == "" {
		return nil
	}
	if err := g.check(ctx, ipKey(ipHash), g.ipThreshold); err != nil {
		return ErrRateLimited
	}
	return nil
}

// RecordIPFailure records a failed attempt for the client.
func (g *LockoutGuard) RecordIPFailure(ctx context.Context, ipHash string) error {
	if g.ipThreshold <= 0 || ipHash == "" {
		return nil
	}
	_, err := g.tracker.Record(ctx, ipKey(ipHash), g.clock(), g.window)
	return err
}

func (g *LockoutGuard) check(ctx context.Context, key string, threshold int) error {
	if threshold <= 0 {
		return nil
	}
	n, err := g.tracker.Count(ctx, key, g.clock(), g.window)
	if err != nil {
		return err
	}
	if n >= threshold {
		return &LockedError{Key: key, Failures: n, RetryAfter: g.window}
	}
	return nil
}

// Window returns the rolling window length.
func (g *LockoutGuard) Window() time.Duration { return g.window }

// prune drops stale tracker entries when the tracker needs it.
func (g *LockoutGuard) prune(ctx context.Context, now time.Time) (int, error) {
	p, ok := g.tracker.(PrunableTracker)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, now, g.window)
}
