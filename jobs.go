package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ==================== BACKGROUND JOBS ====================

// BackgroundJobs runs the alert queue workers and the retention cleanup.
type BackgroundJobs struct {
	svc     *Service
	alertCh chan AlertRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// StartBackgroundJobs starts all background workers. While they run,
// security alerts are dispatched off the request path.
func (s *Service) StartBackgroundJobs(opts ...JobOption) *BackgroundJobs {
	cfg := &jobConfig{
		alertWorkers:    2,
		alertQueueSize:  1000,
		cleanupInterval: s.config.CleanupInterval,
	}
	if cfg.cleanupInterval <= 0 {
		cfg.cleanupInterval = time.Hour
	}
	for _, opt := range opts {
		opt(cfg)
	}

	jobs := &BackgroundJobs{
		svc:     s,
		alertCh: make(chan AlertRequest, cfg.alertQueueSize),
		stopCh:  make(chan struct{}),
		running: true,
	}

	for i := 0; i < cfg.alertWorkers; i++ {
		jobs.wg.Add(1)
		go jobs.alertWorker()
	}

	if !cfg.disableCleanup {
		jobs.wg.Add(1)
		go jobs.cleanupWorker(cfg.cleanupInterval)
	}

	s.jobsMu.Lock()
	s.jobs = jobs
	s.jobsMu.Unlock()

	s.logger.Info("background jobs started",
		zap.Int("alert_workers", cfg.alertWorkers),
		zap.Duration("cleanup_interval", cfg.cleanupInterval))

	return jobs
}

// Stop stops all workers after draining queued alerts and waits for
// detached alert dispatches.
func (j *BackgroundJobs) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	close(j.stopCh)
	j.mu.Unlock()

	j.svc.jobsMu.Lock()
	if j.svc.jobs == j {
		j.svc.jobs = nil
	}
	j.svc.jobsMu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		j.svc.WaitForAlerts()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueAlert queues req. It returns false when the jobs are stopped or
// the queue is full, in which case the caller dispatches on its own goroutine.
func (j *BackgroundJobs) enqueueAlert(req AlertRequest) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return false
	}

	select {
	case j.alertCh <- req:
		return true
	default:
		j.svc.logger.Warn("alert queue full, dispatching detached",
			zap.String("kind", string(req.Kind)))
		return false
	}
}

func (j *BackgroundJobs) alertWorker() {
	defer j.wg.Done()

	for {
		select {
		case <-j.stopCh:
			// Drain remaining alerts before stopping
			for {
				select {
				case req := <-j.alertCh:
					j.processAlert(req)
				default:
					return
				}
			}
		case req := <-j.alertCh:
			j.processAlert(req)
		}
	}
}

func (j *BackgroundJobs) processAlert(req AlertRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	if _, err := j.svc.alerts.Dispatch(ctx, req); err != nil {
		j.svc.logger.Error("alert dispatch failed",
			zap.String("kind", string(req.Kind)),
			zap.Error(err))
	}
}

func (j *BackgroundJobs) cleanupWorker(interval time.Duration) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	j.runCleanup()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.runCleanup()
		}
	}
}

func (j *BackgroundJobs) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := j.svc.RunCleanup(ctx, j.svc.now())
	if err != nil {
		j.svc.logger.Error("cleanup cycle had errors", zap.Error(err))
	}
	if report.Changed {
		j.svc.logger.Info("cleanup removed stale security state",
			zap.Int("events", report.Events),
			zap.Int("attempt_keys", report.AttemptKeys),
			zap.Int("cooldowns", report.Cooldowns),
			zap.Int("dispatches", report.Dispatches),
			zap.Int("push_tokens", report.PushTokens),
			zap.Int("sessions", report.Sessions),
			zap.Int("attestations", report.Attestations))
	}
}

// ==================== RETENTION ====================

// CleanupReport counts what one cleanup cycle removed.
type CleanupReport struct {
	Changed      bool `json:"changed"`
	Events       int  `json:"events"`
	AttemptKeys  int  `json:"attempt_keys"`
	Cooldowns    int  `json:"cooldowns"`
	Dispatches   int  `json:"dispatches"`
	PushTokens   int  `json:"push_tokens"`
	Sessions     int  `json:"sessions"`
	Attestations int  `json:"attestations"`
}

// RunCleanup runs one retention cycle for now. It is idempotent: a second
// run at the same instant removes nothing and reports Changed false. An
// error in one record class does not stop the others; all errors are
// joined into the result.
func (s *Service) RunCleanup(ctx context.Context, now time.Time) (CleanupReport, error) {
	var (
		report CleanupReport
		errs   []error
	)
	step := func(class string, dst *int, fn func() (int, error)) {
		n, err := fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", class, err))
		}
		*dst = n
		s.metrics.cleaned(class, n)
	}

	cfg := s.config
	step("events", &report.Events, func() (int, error) {
		return s.store.Events().PruneEvents(ctx, now.Add(-cfg.RetentionSecurityEvents))
	})
	step("attempts", &report.AttemptKeys, func() (int, error) {
		return s.lockout.prune(ctx, now)
	})
	step("cooldowns", &report.Cooldowns, func() (int, error) {
		return s.store.Alerts().PruneCooldowns(ctx, now.Add(-cfg.AlertCooldown))
	})
	step("dispatches", &report.Dispatches, func() (int, error) {
		return s.store.Alerts().PruneDispatches(ctx, now.Add(-cfg.RetentionDispatchLogs))
	})
	step("push_tokens", &report.PushTokens, func() (int, error) {
		return s.store.PushTokens().PruneRevokedPushTokens(ctx, now.Add(-cfg.RetentionPushTokens))
	})
	step("sessions", &report.Sessions, func() (int, error) {
		return s.store.Sessions().PruneSessions(ctx, now.Add(-cfg.RetentionRefreshSessions))
	})
	step("attestations", &report.Attestations, func() (int, error) {
		return s.store.Attestations().PruneAttestations(ctx, now)
	})

	report.Changed = report.Events+report.AttemptKeys+report.Cooldowns+report.Dispatches+
		report.PushTokens+report.Sessions+report.Attestations > 0
	return report, errors.Join(errs...)
}

// ==================== JOB OPTIONS ====================

type jobConfig struct {
	alertWorkers    int
	alertQueueSize  int
	cleanupInterval time.Duration
	disableCleanup  bool
}

// JobOption configures background jobs.
type JobOption func(*jobConfig)

// WithAlertWorkers sets the number of alert worker goroutines.
func WithAlertWorkers(n int) JobOption {
	return func(c *jobConfig) {
		if n > 0 {
			c.alertWorkers = n
		}
	}
}

// WithAlertQueueSize sets the alert queue buffer size.
func WithAlertQueueSize(n int) JobOption {
	return func(c *jobConfig) {
		if n > 0 {
			c.alertQueueSize = n
		}
	}
}

// WithCleanupInterval sets how often cleanup runs.
func WithCleanupInterval(d time.Duration) JobOption {
	return func(c *jobConfig) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithoutCleanup disables the periodic cleanup worker, for deployments that
// run cleanup from a scheduler instead.
func WithoutCleanup() JobOption {
	return func(c *jobConfig) {
		c.disableCleanup = true
	}
}
