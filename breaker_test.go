package sessionguard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/crypto"
	memorytracker "github.com/migueldesapazr-gif/sessionguard/ratelimit/memory"
)

func TestCircuitBreaker(t *testing.T) {
	clock := &testClock{now: t0}
	cb := sessionguard.NewCircuitBreaker("mail", 3, time.Minute, clock.Now)

	for i := 0; i < 2; i++ {
		cb.Failure()
	}
	if cb.State() != sessionguard.CircuitClosed || !cb.Allow() {
		t.Fatal("breaker opened below threshold")
	}
	cb.Success()
	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	if cb.State() != sessionguard.CircuitOpen || cb.Allow() {
		t.Fatalf("state = %s after 3 failures", cb.State())
	}

	clock.Advance(time.Minute)
	if !cb.Allow() {
		t.Fatal("probe refused after reset timeout")
	}
	if cb.Allow() {
		t.Fatal("second probe allowed while half open")
	}
	cb.Failure()
	if cb.State() != sessionguard.CircuitOpen {
		t.Fatalf("failed probe left state %s", cb.State())
	}

	clock.Advance(time.Minute)
	if !cb.Allow() {
		t.Fatal("probe refused")
	}
	cb.Success()
	if cb.State() != sessionguard.CircuitClosed || !cb.Allow() {
		t.Fatalf("successful probe left state %s", cb.State())
	}
}

func TestLockoutGuard(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	g := sessionguard.NewLockoutGuard(memorytracker.New(), 3, 10*time.Minute, clock.Now)

	for i := 1; i <= 3; i++ {
		if err := g.Check(ctx, "alice@example.com"); err != nil {
			t.Fatalf("locked before failure %d: %v", i, err)
		}
		n, err := g.RecordFailure(ctx, "alice@example.com")
		if err != nil || n != i {
			t.Fatalf("RecordFailure = %d, %v", n, err)
		}
		clock.Advance(time.Minute)
	}

	err := g.Check(ctx, "alice@example.com")
	var locked *sessionguard.LockedError
	if !errors.As(err, &locked) || !errors.Is(err, sessionguard.ErrAccountLocked) || locked.Failures != 3 {
		t.Fatalf("Check = %v", err)
	}
	if g.Check(ctx, "bob@example.com") != nil {
		t.Fatal("lockout leaked to another email")
	}

	// The first failure ages out of the rolling window.
	clock.Advance(8 * time.Minute)
	if err := g.Check(ctx, "alice@example.com"); err != nil {
		t.Fatalf("still locked after oldest failure expired: %v", err)
	}

	if _, err := g.RecordFailure(ctx, "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := g.Clear(ctx, "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := g.Check(ctx, "alice@example.com"); err != nil {
		t.Fatalf("locked after clear: %v", err)
	}
}

func TestStepUpPolicy(t *testing.T) {
	clock := &testClock{now: t0}
	p := sessionguard.StepUpPolicy{MaxAge: 10 * time.Minute, Clock: clock.Now}

	claims := &crypto.Claims{}
	if err := p.RequireFresh(claims); !errors.Is(err, sessionguard.ErrStepUpRequired) {
		t.Fatalf("missing iat = %v", err)
	}

	claims.IssuedAt = jwt.NewNumericDate(t0)
	clock.Advance(10 * time.Minute)
	if err := p.RequireFresh(claims); err != nil {
		t.Fatalf("at max age = %v", err)
	}
	clock.Advance(time.Second)
	if err := p.RequireFresh(claims); !errors.Is(err, sessionguard.ErrStepUpRequired) {
		t.Fatalf("past max age = %v", err)
	}
}
