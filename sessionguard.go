// Package sessionguard is the session-security core of an identity service.
//
// It covers:
//   - Password login with a sliding-window lockout guard (per email and per IP)
//   - Optional TOTP second factor at login
//   - HS256 access/refresh tokens with single-use refresh rotation and
//     token_version invalidation
//   - Step-up freshness checks for sensitive actions
//   - Risk alerts over email and push with cooldowns, signed payloads and
//     signed delivery receipts
//   - Short-lived device attestation tokens gating mobile-only routes
//   - A retention scheduler pruning security state
//
// Quick Start:
//
//	svc, _ := sessionguard.New(
//	    sessionguard.WithStore(memory.New()),
//	    sessionguard.WithSecrets(secrets),
//	)
//	r.Mount("/auth", svc.Handler())
//	jobs := svc.StartBackgroundJobs()
//	defer jobs.Stop(ctx)
package sessionguard

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	memorytracker "github.com/migueldesapazr-gif/sessionguard/ratelimit/memory"
)

// Service wires the session-security components together.
type Service struct {
	// Core dependencies
	store   Store
	tracker AttemptTracker
	logger  *zap.Logger
	clock   func() time.Time

	// Cryptographic material
	keys    *crypto.DerivedKeys
	secrets Secrets

	config    Config
	providers []NotificationProvider

	tokens  *TokenIssuer
	lockout *LockoutGuard
	stepUp  StepUpPolicy
	alerts  *AlertDispatcher
	attest  *AttestationGate
	metrics *metrics
	monitor SecurityMonitor

	trustedProxyNets []*net.IPNet

	jobsMu sync.RWMutex
	jobs   *BackgroundJobs

	// detached alert dispatches started outside the job queue
	alertWG sync.WaitGroup
}

// Config holds the service configuration.
type Config struct {
	// ==================== APP INFO ====================
	AppName string

	// ==================== TOKEN SETTINGS ====================
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ==================== LOCKOUT ====================
	LockoutThreshold   int
	LockoutWindow      time.Duration
	IPFailureThreshold int
	// TokenRateLimit caps requests per IP per minute on /token and
	// /token/refresh. Zero disables it.
	TokenRateLimit int

	// ==================== STEP-UP ====================
	StepUpMaxAge time.Duration

	// ==================== PASSWORDS ====================
	MinPasswordLength         int
	RequirePasswordComplexity bool

	// ==================== 2FA/TOTP ====================
	TOTPIssuer     string
	TOTPDigits     int
	TOTPQRCodeSize int // pixels, 0 disables the QR image

	// ==================== ROLES ====================
	// AdminEmails are registered with is_admin set.
	AdminEmails []string
	RoleScopes  map[Role][]string

	// ==================== SECURITY ALERTS ====================
	SecurityAlertsEnabled     bool
	AlertEmailEnabled         bool
	AlertPushEnabled          bool
	AlertCooldown             time.Duration
	AlertFailedLoginThreshold int
	AlertProviderTimeout      time.Duration
	AlertReceiptTolerance     time.Duration

	// ==================== MOBILE ====================
	AttestationTTL time.Duration

	// ==================== RETENTION ====================
	RetentionSecurityEvents  time.Duration
	RetentionDispatchLogs    time.Duration
	RetentionRefreshSessions time.Duration
	RetentionPushTokens      time.Duration
	CleanupInterval          time.Duration

	// ==================== NETWORK ====================
	TrustProxyHeaders bool
	TrustedProxies    []string
}

// Secrets holds cryptographic secrets.
type Secrets struct {
	JWTSecret     []byte
	EncryptionKey []byte
	// AlertSigningSecret signs outbound alert payloads. Empty disables signing.
	AlertSigningSecret []byte
	// ReceiptSigningSecret verifies inbound delivery receipts. Empty rejects
	// every receipt.
	ReceiptSigningSecret []byte
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AppName: "sessionguard",

		// Tokens
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,

		// Lockout
		LockoutThreshold:   5,
		LockoutWindow:      15 * time.Minute,
		IPFailureThreshold: 20,
		TokenRateLimit:     60,

		StepUpMaxAge: 10 * time.Minute,

		MinPasswordLength:         8,
		RequirePasswordComplexity: true,

		TOTPIssuer:     "sessionguard",
		TOTPDigits:     6,
		TOTPQRCodeSize: 256,

		RoleScopes: DefaultRoleScopes(),

		// Alerts
		SecurityAlertsEnabled:     true,
		AlertEmailEnabled:         true,
		AlertPushEnabled:          true,
		AlertCooldown:             30 * time.Minute,
		AlertFailedLoginThreshold: 5,
		AlertProviderTimeout:      5 * time.Second,
		AlertReceiptTolerance:     5 * time.Minute,

		AttestationTTL: 10 * time.Minute,

		// Retention
		RetentionSecurityEvents:  90 * 24 * time.Hour,
		RetentionDispatchLogs:    30 * 24 * time.Hour,
		RetentionRefreshSessions: 14 * 24 * time.Hour,
		RetentionPushTokens:      30 * 24 * time.Hour,
		CleanupInterval:          time.Hour,
	}
}

// New creates a new Service.
func New(opts ...Option) (*Service, error) {
	svc := &Service{config: DefaultConfig()}

	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}

	// Validate
	if svc.store == nil {
		return nil, ErrStoreRequired
	}
	if svc.keys == nil || len(svc.secrets.JWTSecret) == 0 {
		return nil, errors.New("sessionguard: secrets are required (use WithSecrets)")
	}

	// Defaults
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.tracker == nil {
		svc.tracker = memorytracker.New()
	}
	if svc.logger == nil {
		svc.logger, _ = zap.NewProduction()
	}
	if svc.metrics == nil {
		svc.metrics = newMetrics(nil)
	}
	if svc.monitor == nil {
		svc.monitor = &defaultSecurityMonitor{logger: svc.logger}
	}

	if svc.config.TrustProxyHeaders && len(svc.config.TrustedProxies) > 0 {
		nets, err := parseTrustedProxies(svc.config.TrustedProxies)
		if err != nil {
			return nil, err
		}
		svc.trustedProxyNets = nets
	}

	cfg := svc.config
	svc.stepUp = StepUpPolicy{MaxAge: cfg.StepUpMaxAge, Clock: svc.clock}
	svc.lockout = &LockoutGuard{
		tracker:     svc.tracker,
		threshold:   cfg.LockoutThreshold,
		ipThreshold: cfg.IPFailureThreshold,
		window:      cfg.LockoutWindow,
		clock:       svc.clock,
	}
	svc.tokens = &TokenIssuer{
		secret:     svc.secrets.JWTSecret,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		roleScopes: cfg.RoleScopes,
		store:      svc.store,
		clock:      svc.clock,
	}
	svc.attest = &AttestationGate{
		secret: svc.secrets.JWTSecret,
		ttl:    cfg.AttestationTTL,
		store:  svc.store.Attestations(),
		stepUp: svc.stepUp,
		clock:  svc.clock,
	}
	svc.alerts = newAlertDispatcher(svc.store, svc.providers, alertDispatcherConfig{
		Enabled:        cfg.SecurityAlertsEnabled,
		EmailEnabled:   cfg.AlertEmailEnabled,
		PushEnabled:    cfg.AlertPushEnabled,
		Cooldown:       cfg.AlertCooldown,
		Timeout:        cfg.AlertProviderTimeout,
		SigningSecret:  svc.secrets.AlertSigningSecret,
		ReceiptSecret:  svc.secrets.ReceiptSigningSecret,
		ReceiptMaxSkew: cfg.AlertReceiptTolerance,
		AppName:        cfg.AppName,
	}, svc.logger, svc.metrics, svc.clock)

	if cfg.SecurityAlertsEnabled && len(svc.providers) == 0 {
		svc.logger.Warn("security alerts enabled but no notification providers configured")
	}

	return svc, nil
}

func parseTrustedProxies(values []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(v); err == nil {
			nets = append(nets, cidr)
			continue
		}
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, errors.New("sessionguard: invalid trusted proxy: " + v)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// Handler returns the HTTP handler with all routes.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealthCheck)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Post("/register", s.handleRegister)

	r.Group(func(r chi.Router) {
		if s.config.TokenRateLimit > 0 {
			r.Use(httprate.Limit(s.config.TokenRateLimit, time.Minute,
				httprate.WithKeyFuncs(s.rateLimitKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, CodeRateLimited, ErrRateLimited.Error())
				}),
			))
		}
		r.Post("/token", s.handleLogin)
		r.Post("/token/refresh", s.handleRefresh)
	})

	// Signed by the delivery provider, not by a user.
	r.Post("/security/alerts/delivery-receipts", s.handleDeliveryReceipt)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/logout", s.handleLogout)
		r.Get("/me", s.handleMe)

		r.Post("/2fa/setup", s.handleTwoFASetup)
		r.Post("/2fa/verify", s.handleTwoFAVerify)

		r.Get("/security/sessions", s.handleListSessions)
		r.Delete("/security/sessions", s.handleRevokeAllSessions)
		r.Delete("/security/sessions/{sessionID}", s.handleRevokeSession)
		r.Get("/security/events", s.handleListEvents)
		r.Get("/security/alerts", s.handleListAlerts)
		r.Get("/security/push-tokens", s.handleListPushTokens)

		// Step-up gated
		r.Group(func(r chi.Router) {
			r.Use(s.requireFresh)
			r.Post("/password/change", s.handlePasswordChange)
			r.Post("/2fa/disable", s.handleTwoFADisable)
			r.Post("/security/lockdown", s.handleLockdown)
			r.Post("/mobile/attestation/session", s.handleIssueAttestation)

			r.Group(func(r chi.Router) {
				r.Use(s.RequireAdmin)
				r.Post("/admin/users/deactivate", s.handleDeactivateUser)
				r.Post("/admin/users/reactivate", s.handleReactivateUser)
			})
		})

		// Mobile-only routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireAttestation)
			r.Post("/mobile/push-tokens", s.handleRegisterPushToken)
			r.Delete("/mobile/push-tokens/{token}", s.handleRevokePushToken)
			r.Get("/mobile/security/overview", s.handleMobileOverview)
		})
	})

	return r
}

// RequireAuth returns authentication middleware.
func (s *Service) RequireAuth() func(http.Handler) http.Handler {
	return s.requireAuth
}

// RequireFresh returns step-up middleware. It must run after RequireAuth.
func (s *Service) RequireFresh() func(http.Handler) http.Handler {
	return s.requireFresh
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Config returns the configuration.
func (s *Service) Config() Config {
	return s.config
}

// Logger returns the logger.
func (s *Service) Logger() *zap.Logger {
	return s.logger
}

// Tokens returns the token issuer.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Lockout returns the lockout guard.
func (s *Service) Lockout() *LockoutGuard {
	return s.lockout
}

// Alerts returns the risk alert dispatcher.
func (s *Service) Alerts() *AlertDispatcher {
	return s.alerts
}

// Attestation returns the mobile attestation gate.
func (s *Service) Attestation() *AttestationGate {
	return s.attest
}

func (s *Service) now() time.Time {
	return s.clock()
}

func (s *Service) runningJobs() *BackgroundJobs {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return s.jobs
}
