package sessionguard_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"slices"
	"testing"
	"time"

	"github.com/migueldesapazr-gif/sessionguard"
	"github.com/migueldesapazr-gif/sessionguard/notify"
	"github.com/migueldesapazr-gif/sessionguard/stores/memory"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	t.Setenv("AUTH_ENCRYPTION_KEY", hex.EncodeToString(bytes.Repeat([]byte{9}, 32)))
}

func TestLoadEnvConfig(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTH_LOCKOUT_THRESHOLD", "3")
	t.Setenv("AUTH_STEP_UP_MAX_AGE", "5m")
	t.Setenv("AUTH_ADMIN_EMAILS", " Root@Example.com ,ops@example.com")
	t.Setenv("AUTH_ALERT_EMAIL_WEBHOOK_URL", "https://hooks.example.com/alerts")
	t.Setenv("AUTH_ALERT_EXPO_ENABLED", "true")
	t.Setenv("AUTH_RECEIPT_SIGNING_SECRET", "receipts")

	env, err := sessionguard.LoadEnvConfig(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := env.Config()
	if cfg.LockoutThreshold != 3 || cfg.StepUpMaxAge != 5*time.Minute || cfg.LockoutWindow != 15*time.Minute {
		t.Fatalf("config = %+v", cfg)
	}
	if !slices.Equal(cfg.AdminEmails, []string{"root@example.com", "ops@example.com"}) {
		t.Fatalf("admin emails = %v", cfg.AdminEmails)
	}

	secrets, err := env.Secrets()
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	if len(secrets.JWTSecret) != 32 || len(secrets.EncryptionKey) != 32 || string(secrets.ReceiptSigningSecret) != "receipts" {
		t.Fatalf("secrets = %d/%d/%q", len(secrets.JWTSecret), len(secrets.EncryptionKey), secrets.ReceiptSigningSecret)
	}
	if secrets.AlertSigningSecret != nil {
		t.Fatal("unset alert secret decoded as non-nil")
	}

	providers, err := env.Providers()
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if len(providers) != 2 || providers[0].Channel() != notify.ChannelEmail || providers[1].Name() != "expo" {
		t.Fatalf("providers = %v", providers)
	}

	opts, err := env.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if _, err := sessionguard.New(append(opts, sessionguard.WithStore(memory.New()))...); err != nil {
		t.Fatalf("New from env: %v", err)
	}
}

func TestLoadEnvConfigErrors(t *testing.T) {
	t.Run("missing secrets", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "")
		t.Setenv("AUTH_ENCRYPTION_KEY", "")
		env, err := sessionguard.LoadEnvConfig(context.Background())
		if err == nil {
			_, err = env.Secrets()
		}
		if err == nil {
			t.Fatal("expected error for empty secrets")
		}
	})

	t.Run("short encryption key", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("AUTH_ENCRYPTION_KEY", hex.EncodeToString(bytes.Repeat([]byte{9}, 16)))
		env, err := sessionguard.LoadEnvConfig(context.Background())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if _, err := env.Secrets(); err == nil {
			t.Fatal("expected error for 16 byte key")
		}
	})

	t.Run("mailgun without domain", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("AUTH_ALERT_FROM_EMAIL", "security@example.com")
		t.Setenv("MAILGUN_API_KEY", "mg-key")
		env, err := sessionguard.LoadEnvConfig(context.Background())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if _, err := env.Providers(); err == nil {
			t.Fatal("expected error for Mailgun without domain")
		}
	})

	t.Run("fcm without token", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("FCM_PROJECT_ID", "demo")
		env, err := sessionguard.LoadEnvConfig(context.Background())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if _, err := env.Providers(); err == nil {
			t.Fatal("expected error for FCM without access token")
		}
	})
}
