package sessionguard

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify/resend"
	"github.com/migueldesapazr-gif/sessionguard/notify/sendgrid"
	redistracker "github.com/migueldesapazr-gif/sessionguard/ratelimit/redis"
)

// Option configures the Service.
type Option func(*Service) error

// ==================== REQUIRED ====================

// WithStore sets the security state store.
func WithStore(store Store) Option {
	return func(s *Service) error {
		s.store = store
		return nil
	}
}

// WithSecrets sets the cryptographic secrets.
func WithSecrets(secrets Secrets) Option {
	return func(s *Service) error {
		if len(secrets.JWTSecret) < 32 {
			return ErrInvalidJWTSecret
		}
		if len(secrets.EncryptionKey) != 32 {
			return ErrInvalidMEK
		}
		keys, err := crypto.DeriveKeys(secrets.EncryptionKey)
		if err != nil {
			return err
		}
		s.secrets = secrets
		s.keys = &keys
		return nil
	}
}

// ==================== OPTIONAL PROVIDERS ====================

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) error {
		s.clock = clock
		return nil
	}
}

// WithAttemptTracker sets the lockout storage.
func WithAttemptTracker(t AttemptTracker) Option {
	return func(s *Service) error {
		s.tracker = t
		return nil
	}
}

// WithRedis stores lockout attempts in Redis.
func WithRedis(client redis.UniversalClient) Option {
	return func(s *Service) error {
		if client == nil {
			return errors.New("sessionguard: nil redis client")
		}
		s.tracker = redistracker.New(client, "")
		return nil
	}
}

// WithMetricsRegisterer registers the service collectors with reg instead
// of a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) error {
		s.metrics = newMetrics(reg)
		return nil
	}
}

// ==================== NOTIFICATION PROVIDERS ====================

// WithNotificationProvider adds alert delivery providers.
func WithNotificationProvider(providers ...NotificationProvider) Option {
	return func(s *Service) error {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if !p.Channel().Valid() {
				return errors.New("sessionguard: provider " + p.Name() + " has an invalid channel")
			}
			s.providers = append(s.providers, p)
		}
		return nil
	}
}

// WithSendGrid adds a SendGrid email provider.
func WithSendGrid(apiKey, fromEmail, fromName string) Option {
	return func(s *Service) error {
		p, err := sendgrid.New(apiKey, fromEmail, fromName)
		if err != nil {
			return err
		}
		s.providers = append(s.providers, p)
		return nil
	}
}

// WithResend adds a Resend email provider.
func WithResend(apiKey, fromEmail, fromName string) Option {
	return func(s *Service) error {
		p, err := resend.New(apiKey, fromEmail, fromName)
		if err != nil {
			return err
		}
		s.providers = append(s.providers, p)
		return nil
	}
}

// ==================== CONFIG ====================

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		s.config = cfg
		return nil
	}
}

// WithAppName sets the application name used in alerts and TOTP URIs.
func WithAppName(name string) Option {
	return func(s *Service) error {
		s.config.AppName = name
		s.config.TOTPIssuer = name
		return nil
	}
}

// WithTokenTTL sets access and refresh token lifetimes.
func WithTokenTTL(access, refresh time.Duration) Option {
	return func(s *Service) error {
		if access <= 0 || refresh <= 0 {
			return errors.New("sessionguard: token TTLs must be positive")
		}
		s.config.AccessTokenTTL = access
		s.config.RefreshTokenTTL = refresh
		return nil
	}
}

// WithLockout configures the per-email lockout window.
func WithLockout(threshold int, window time.Duration) Option {
	return func(s *Service) error {
		if threshold <= 0 || window <= 0 {
			return errors.New("sessionguard: lockout threshold and window must be positive")
		}
		s.config.LockoutThreshold = threshold
		s.config.LockoutWindow = window
		return nil
	}
}

// WithIPFailureThreshold sets the per-IP failure threshold. Zero disables it.
func WithIPFailureThreshold(threshold int) Option {
	return func(s *Service) error {
		s.config.IPFailureThreshold = threshold
		return nil
	}
}

// WithTokenRateLimit sets the per-IP request limit on token endpoints.
func WithTokenRateLimit(perMinute int) Option {
	return func(s *Service) error {
		s.config.TokenRateLimit = perMinute
		return nil
	}
}

// WithStepUpMaxAge sets how old an access token may be for sensitive actions.
func WithStepUpMaxAge(d time.Duration) Option {
	return func(s *Service) error {
		s.config.StepUpMaxAge = d
		return nil
	}
}

// WithPasswordPolicy configures password requirements.
func WithPasswordPolicy(minLength int, requireComplexity bool) Option {
	return func(s *Service) error {
		s.config.MinPasswordLength = minLength
		s.config.RequirePasswordComplexity = requireComplexity
		return nil
	}
}

// WithAdminEmails marks accounts registered with these emails as admins.
func WithAdminEmails(emails ...string) Option {
	return func(s *Service) error {
		for _, e := range emails {
			s.config.AdminEmails = append(s.config.AdminEmails, normalizeEmail(e))
		}
		return nil
	}
}

// WithRoleScopes overrides the role to scope mapping.
func WithRoleScopes(m map[Role][]string) Option {
	return func(s *Service) error {
		s.config.RoleScopes = m
		return nil
	}
}

// WithSecurityAlerts toggles the risk alert pipeline.
func WithSecurityAlerts(enabled bool) Option {
	return func(s *Service) error {
		s.config.SecurityAlertsEnabled = enabled
		return nil
	}
}

// WithAlertChannels enables or disables alert channels.
func WithAlertChannels(email, push bool) Option {
	return func(s *Service) error {
		s.config.AlertEmailEnabled = email
		s.config.AlertPushEnabled = push
		return nil
	}
}

// WithAlertCooldown sets the per-user, per-kind alert cooldown.
func WithAlertCooldown(d time.Duration) Option {
	return func(s *Service) error {
		s.config.AlertCooldown = d
		return nil
	}
}

// WithAttestationTTL sets the mobile attestation token lifetime.
func WithAttestationTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("sessionguard: attestation TTL must be positive")
		}
		s.config.AttestationTTL = d
		return nil
	}
}

// RetentionPolicy groups the cleanup retention windows.
type RetentionPolicy struct {
	SecurityEvents  time.Duration
	DispatchLogs    time.Duration
	RefreshSessions time.Duration
	PushTokens      time.Duration
}

// WithRetention sets retention windows. Zero fields keep their current value.
func WithRetention(p RetentionPolicy) Option {
	return func(s *Service) error {
		if p.SecurityEvents > 0 {
			s.config.RetentionSecurityEvents = p.SecurityEvents
		}
		if p.DispatchLogs > 0 {
			s.config.RetentionDispatchLogs = p.DispatchLogs
		}
		if p.RefreshSessions > 0 {
			s.config.RetentionRefreshSessions = p.RefreshSessions
		}
		if p.PushTokens > 0 {
			s.config.RetentionPushTokens = p.PushTokens
		}
		return nil
	}
}

// WithTrustedProxies sets trusted proxy CIDRs or IPs.
func WithTrustedProxies(proxies []string) Option {
	return func(s *Service) error {
		s.config.TrustedProxies = proxies
		s.config.TrustProxyHeaders = len(proxies) > 0
		return nil
	}
}
