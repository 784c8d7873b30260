package sessionguard

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/migueldesapazr-gif/sessionguard/notify"
	"github.com/migueldesapazr-gif/sessionguard/notify/expo"
	"github.com/migueldesapazr-gif/sessionguard/notify/fcm"
	"github.com/migueldesapazr-gif/sessionguard/notify/mailgun"
	"github.com/migueldesapazr-gif/sessionguard/notify/resend"
	"github.com/migueldesapazr-gif/sessionguard/notify/sendgrid"
	"github.com/migueldesapazr-gif/sessionguard/notify/smtp"
	"github.com/migueldesapazr-gif/sessionguard/notify/webhook"
)

// ==================== CONFIG FROM ENV ====================

// EnvConfig is the environment representation of Config, Secrets and the
// HTTP alert providers.
type EnvConfig struct {
	AppName string `env:"AUTH_APP_NAME,default=sessionguard"`

	AccessTokenTTL  time.Duration `env:"AUTH_ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL time.Duration `env:"AUTH_REFRESH_TOKEN_TTL,default=168h"`

	LockoutThreshold   int           `env:"AUTH_LOCKOUT_THRESHOLD,default=5"`
	LockoutWindow      time.Duration `env:"AUTH_LOCKOUT_WINDOW,default=15m"`
	IPFailureThreshold int           `env:"AUTH_IP_FAILURE_THRESHOLD,default=20"`
	TokenRateLimit     int           `env:"AUTH_TOKEN_RATE_LIMIT,default=60"`

	StepUpMaxAge time.Duration `env:"AUTH_STEP_UP_MAX_AGE,default=10m"`

	MinPasswordLength         int  `env:"AUTH_MIN_PASSWORD_LENGTH,default=8"`
	RequirePasswordComplexity bool `env:"AUTH_REQUIRE_PASSWORD_COMPLEXITY,default=true"`
	TOTPDigits                int  `env:"AUTH_TOTP_DIGITS,default=6"`

	AdminEmails []string `env:"AUTH_ADMIN_EMAILS"`

	SecurityAlertsEnabled     bool          `env:"AUTH_SECURITY_ALERTS_ENABLED,default=true"`
	AlertEmailEnabled         bool          `env:"AUTH_ALERT_EMAIL_ENABLED,default=true"`
	AlertPushEnabled          bool          `env:"AUTH_ALERT_PUSH_ENABLED,default=true"`
	AlertCooldown             time.Duration `env:"AUTH_ALERT_COOLDOWN,default=30m"`
	AlertFailedLoginThreshold int           `env:"AUTH_ALERT_FAILED_LOGIN_THRESHOLD,default=5"`
	AlertProviderTimeout      time.Duration `env:"AUTH_ALERT_PROVIDER_TIMEOUT,default=5s"`
	AlertReceiptTolerance     time.Duration `env:"AUTH_ALERT_RECEIPT_TOLERANCE,default=5m"`

	AttestationTTL time.Duration `env:"AUTH_ATTESTATION_TTL,default=10m"`

	RetentionSecurityEvents  time.Duration `env:"AUTH_RETENTION_SECURITY_EVENTS,default=2160h"`
	RetentionDispatchLogs    time.Duration `env:"AUTH_RETENTION_DISPATCH_LOGS,default=720h"`
	RetentionRefreshSessions time.Duration `env:"AUTH_RETENTION_REFRESH_SESSIONS,default=336h"`
	RetentionPushTokens      time.Duration `env:"AUTH_RETENTION_PUSH_TOKENS,default=720h"`
	CleanupInterval          time.Duration `env:"AUTH_CLEANUP_INTERVAL,default=1h"`

	TrustedProxies []string `env:"AUTH_TRUSTED_PROXIES"`

	// Secrets. The JWT secret and encryption key are base64 or hex.
	JWTSecret            string `env:"AUTH_JWT_SECRET,required"`
	EncryptionKey        string `env:"AUTH_ENCRYPTION_KEY,required"`
	AlertSigningSecret   string `env:"AUTH_ALERT_SIGNING_SECRET"`
	ReceiptSigningSecret string `env:"AUTH_RECEIPT_SIGNING_SECRET"`

	// Providers. Each one is enabled by its key or URL.
	AlertFromEmail  string `env:"AUTH_ALERT_FROM_EMAIL"`
	AlertFromName   string `env:"AUTH_ALERT_FROM_NAME,default=Security"`
	SendGridAPIKey  string `env:"SENDGRID_API_KEY"`
	ResendAPIKey    string `env:"RESEND_API_KEY"`
	MailgunAPIKey   string `env:"MAILGUN_API_KEY"`
	MailgunDomain   string `env:"MAILGUN_DOMAIN"`
	MailgunBaseURL  string `env:"MAILGUN_BASE_URL"`
	SMTPHost        string `env:"SMTP_HOST"`
	SMTPPort        int    `env:"SMTP_PORT,default=587"`
	SMTPUsername    string `env:"SMTP_USERNAME"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	SMTPUseTLS      bool   `env:"SMTP_USE_TLS,default=false"`
	EmailWebhookURL string `env:"AUTH_ALERT_EMAIL_WEBHOOK_URL"`
	PushWebhookURL  string `env:"AUTH_ALERT_PUSH_WEBHOOK_URL"`
	ExpoAccessToken string `env:"EXPO_ACCESS_TOKEN"`
	ExpoEnabled     bool   `env:"AUTH_ALERT_EXPO_ENABLED,default=false"`
	FCMProjectID    string `env:"FCM_PROJECT_ID"`
	FCMAccessToken  string `env:"FCM_ACCESS_TOKEN"`
}

// LoadEnvConfig reads the AUTH_* environment.
func LoadEnvConfig(ctx context.Context) (EnvConfig, error) {
	return loadEnvConfig(ctx, envconfig.OsLookuper())
}

func loadEnvConfig(ctx context.Context, l envconfig.Lookuper) (EnvConfig, error) {
	var cfg EnvConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}

// Config converts to the service configuration.
func (e EnvConfig) Config() Config {
	cfg := DefaultConfig()
	cfg.AppName = e.AppName
	cfg.TOTPIssuer = e.AppName
	cfg.AccessTokenTTL = e.AccessTokenTTL
	cfg.RefreshTokenTTL = e.RefreshTokenTTL
	cfg.LockoutThreshold = e.LockoutThreshold
	cfg.LockoutWindow = e.LockoutWindow
	cfg.IPFailureThreshold = e.IPFailureThreshold
	cfg.TokenRateLimit = e.TokenRateLimit
	cfg.StepUpMaxAge = e.StepUpMaxAge
	cfg.MinPasswordLength = e.MinPasswordLength
	cfg.RequirePasswordComplexity = e.RequirePasswordComplexity
	cfg.TOTPDigits = e.TOTPDigits
	for _, email := range e.AdminEmails {
		if email = normalizeEmail(email); email != "" {
			cfg.AdminEmails = append(cfg.AdminEmails, email)
		}
	}
	cfg.SecurityAlertsEnabled = e.SecurityAlertsEnabled
	cfg.AlertEmailEnabled = e.AlertEmailEnabled
	cfg.AlertPushEnabled = e.AlertPushEnabled
	cfg.AlertCooldown = e.AlertCooldown
	cfg.AlertFailedLoginThreshold = e.AlertFailedLoginThreshold
	cfg.AlertProviderTimeout = e.AlertProviderTimeout
	cfg.AlertReceiptTolerance = e.AlertReceiptTolerance
	cfg.AttestationTTL = e.AttestationTTL
	cfg.RetentionSecurityEvents = e.RetentionSecurityEvents
	cfg.RetentionDispatchLogs = e.RetentionDispatchLogs
	cfg.RetentionRefreshSessions = e.RetentionRefreshSessions
	cfg.RetentionPushTokens = e.RetentionPushTokens
	cfg.CleanupInterval = e.CleanupInterval
	cfg.TrustedProxies = e.TrustedProxies
	cfg.TrustProxyHeaders = len(e.TrustedProxies) > 0
	return cfg
}

// Secrets decodes the secret material.
func (e EnvConfig) Secrets() (Secrets, error) {
	jwt, err := decodeSecret(e.JWTSecret, 32, false)
	if err != nil {
		return Secrets{}, fmt.Errorf("AUTH_JWT_SECRET: %w", err)
	}
	enc, err := decodeSecret(e.EncryptionKey, 32, true)
	if err != nil {
		return Secrets{}, fmt.Errorf("AUTH_ENCRYPTION_KEY: %w", err)
	}
	s := Secrets{JWTSecret: jwt, EncryptionKey: enc}
	if e.AlertSigningSecret != "" {
		s.AlertSigningSecret = []byte(e.AlertSigningSecret)
	}
	if e.ReceiptSigningSecret != "" {
		s.ReceiptSigningSecret = []byte(e.ReceiptSigningSecret)
	}
	return s, nil
}

// Providers builds the HTTP alert providers the environment enables, in
// failover order per channel.
func (e EnvConfig) Providers() ([]NotificationProvider, error) {
	var out []NotificationProvider
	add := func(p NotificationProvider, err error) error {
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}

	if e.SendGridAPIKey != "" {
		if err := add(sendgridProvider(e)); err != nil {
			return nil, err
		}
	}
	if e.ResendAPIKey != "" {
		if err := add(resendProvider(e)); err != nil {
			return nil, err
		}
	}
	if e.MailgunAPIKey != "" {
		if err := add(mailgunProvider(e)); err != nil {
			return nil, err
		}
	}
	if e.SMTPHost != "" {
		if err := add(smtpProvider(e)); err != nil {
			return nil, err
		}
	}
	if e.EmailWebhookURL != "" {
		if err := add(webhookProvider(e.EmailWebhookURL, notify.ChannelEmail)); err != nil {
			return nil, err
		}
	}
	if e.ExpoEnabled || e.ExpoAccessToken != "" {
		out = append(out, expo.New(expo.WithAccessToken(e.ExpoAccessToken)))
	}
	if e.FCMProjectID != "" {
		if err := add(fcmProvider(e)); err != nil {
			return nil, err
		}
	}
	if e.PushWebhookURL != "" {
		if err := add(webhookProvider(e.PushWebhookURL, notify.ChannelPush)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Options returns the service options described by the environment.
func (e EnvConfig) Options() ([]Option, error) {
	secrets, err := e.Secrets()
	if err != nil {
		return nil, err
	}
	providers, err := e.Providers()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithConfig(e.Config()),
		WithSecrets(secrets),
		WithNotificationProvider(providers...),
	}, nil
}

func webhookProvider(url string, ch notify.Channel) (NotificationProvider, error) {
	return webhook.New(url, ch, webhook.WithName("webhook-"+string(ch)))
}

func sendgridProvider(e EnvConfig) (NotificationProvider, error) {
	return sendgrid.New(e.SendGridAPIKey, e.AlertFromEmail, e.AlertFromName)
}

func resendProvider(e EnvConfig) (NotificationProvider, error) {
	return resend.New(e.ResendAPIKey, e.AlertFromEmail, e.AlertFromName)
}

func mailgunProvider(e EnvConfig) (NotificationProvider, error) {
	return mailgun.New(e.MailgunAPIKey, e.MailgunDomain, e.AlertFromEmail, e.AlertFromName, mailgun.WithBaseURL(e.MailgunBaseURL))
}

func smtpProvider(e EnvConfig) (NotificationProvider, error) {
	return smtp.New(smtp.Config{
		Host:      e.SMTPHost,
		Port:      e.SMTPPort,
		Username:  e.SMTPUsername,
		Password:  e.SMTPPassword,
		FromEmail: e.AlertFromEmail,
		FromName:  e.AlertFromName,
		UseTLS:    e.SMTPUseTLS,
	})
}

func fcmProvider(e EnvConfig) (NotificationProvider, error) {
	if e.FCMAccessToken == "" {
		return nil, errors.New("FCM_ACCESS_TOKEN is required with FCM_PROJECT_ID")
	}
	return fcm.New(e.FCMProjectID, fcm.StaticToken(e.FCMAccessToken))
}

// decodeSecret accepts base64 (std or url) or hex. With exact set the
// decoded length must equal size, otherwise it is a minimum.
func decodeSecret(val string, size int, exact bool) ([]byte, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil, errors.New("not set")
	}
	ok := func(b []byte) bool {
		if exact {
			return len(b) == size
		}
		return len(b) >= size
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(val); err == nil && ok(b) {
			return b, nil
		}
	}
	if b, err := hex.DecodeString(val); err == nil && ok(b) {
		return b, nil
	}
	if exact {
		return nil, fmt.Errorf("must be %d bytes, base64 or hex encoded", size)
	}
	return nil, fmt.Errorf("must be at least %d bytes, base64 or hex encoded", size)
}
