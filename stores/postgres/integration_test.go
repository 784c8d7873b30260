package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

func TestMain(m *testing.M) {
	// Load .env file if present
	_ = godotenv.Load()

	os.Exit(m.Run())
}

// getEnvOrSkip returns the environment variable value or skips the test.
func getEnvOrSkip(t *testing.T, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("Skipping test: %s environment variable not set", key)
	}
	return value
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := getEnvOrSkip(t, "DATABASE_URL")
	ctx := context.Background()

	if err := Migrate(ctx, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool)
}

func uniqueEmail() string {
	return "it-" + uuid.NewString()[:8] + "@example.com"
}

func TestIntegrationRotateSessionSingleWinner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	email := uniqueEmail()
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := sessionguard.RefreshSession{
		SessionID:  uuid.NewString(),
		OwnerEmail: email,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := st.Sessions().CreateSession(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := sessionguard.RefreshSession{
				SessionID:  uuid.NewString(),
				OwnerEmail: email,
				IssuedAt:   now,
				ExpiresAt:  now.Add(time.Hour),
			}
			err := st.Sessions().RotateSession(ctx, old.SessionID, next, now)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, sessionguard.ErrSessionRevoked):
				t.Errorf("rotate: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}

	sessions, err := st.Sessions().ListSessions(ctx, email)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("sessions = %d, %v", len(sessions), err)
	}
}

func TestIntegrationCooldownAndReceipts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	email := uniqueEmail()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ok, err := st.Alerts().ReserveCooldown(ctx, email, sessionguard.AlertFailedLoginSpike, now, 30*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve = %v, %v", ok, err)
	}
	ok, _ = st.Alerts().ReserveCooldown(ctx, email, sessionguard.AlertFailedLoginSpike, now.Add(time.Minute), 30*time.Minute)
	if ok {
		t.Fatal("reserve inside cooldown succeeded")
	}
	ok, _ = st.Alerts().ReserveCooldown(ctx, email, sessionguard.AlertFailedLoginSpike, now.Add(31*time.Minute), 30*time.Minute)
	if !ok {
		t.Fatal("reserve after cooldown failed")
	}

	sent := now
	rec := sessionguard.AlertDispatch{
		DispatchID: uuid.NewString(),
		Email:      email,
		Kind:       sessionguard.AlertFailedLoginSpike,
		OccurredAt: now,
		Channels: map[notify.Channel]*sessionguard.ChannelDelivery{
			notify.ChannelEmail: {Provider: "sendgrid", SentAt: &sent},
			notify.ChannelPush:  {Provider: "expo", SentAt: &sent},
		},
	}
	rec.Recompute()
	if err := st.Alerts().SaveDispatch(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Alerts().ApplyReceipt(ctx, rec.DispatchID, notify.ChannelEmail, sessionguard.ReceiptDelivered, now)
	if err != nil || got.Status != sessionguard.DispatchPartialDelivery {
		t.Fatalf("after email receipt = %+v, %v", got, err)
	}
	got, err = st.Alerts().ApplyReceipt(ctx, rec.DispatchID, notify.ChannelPush, sessionguard.ReceiptDelivered, now)
	if err != nil || got.Status != sessionguard.DispatchDelivered {
		t.Fatalf("after push receipt = %+v, %v", got, err)
	}
}

func TestIntegrationServiceFlow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	email := uniqueEmail()

	svc, err := sessionguard.New(
		sessionguard.WithStore(st),
		sessionguard.WithSecrets(sessionguard.Secrets{
			JWTSecret:     []byte("integration-jwt-secret-0123456789"),
			EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
		}),
		sessionguard.WithLogger(zap.NewNop()),
		sessionguard.WithSecurityAlerts(false),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.Register(ctx, email, "Correct1Horse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, email, "Correct1Horse"); !errors.Is(err, sessionguard.ErrEmailAlreadyExists) {
		t.Fatalf("duplicate register = %v", err)
	}

	pair, err := svc.Login(ctx, sessionguard.LoginRequest{Email: email, Password: "Correct1Horse"}, sessionguard.SessionMeta{UserAgent: "it"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rotated, err := svc.Refresh(ctx, pair.RefreshToken, sessionguard.SessionMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	var reuse *sessionguard.RefreshReuseError
	if _, err := svc.Refresh(ctx, pair.RefreshToken, sessionguard.SessionMeta{}); !errors.As(err, &reuse) {
		t.Fatalf("reuse = %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken, sessionguard.SessionMeta{}); !errors.Is(err, sessionguard.ErrSessionRevoked) {
		t.Fatalf("refresh after reuse = %v", err)
	}

	res, err := svc.Lockdown(ctx, email)
	if err != nil {
		t.Fatalf("lockdown: %v", err)
	}
	// Reuse already revoked the chain.
	if res.SessionsRevoked != 0 || res.TokenVersion != 1 {
		t.Fatalf("lockdown = %+v", res)
	}
	if _, err := svc.Tokens().VerifyAccess(ctx, rotated.AccessToken); !errors.Is(err, sessionguard.ErrTokenStale) {
		t.Fatalf("verify after lockdown = %v", err)
	}
}
