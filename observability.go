package sessionguard

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// ==================== HEALTH CHECK ====================

// HealthStatus represents the health of the service.
type HealthStatus struct {
	Status    string                     `json:"status"`
	Uptime    string                     `json:"uptime"`
	Checks    map[string]ComponentHealth `json:"checks,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

// ComponentHealth represents the health of a component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores that support health checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

var startTime = time.Now()

// handleHealthCheck returns the health status of the service.
// ?detailed=true pings the store and the attempt tracker.
func (s *Service) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "healthy",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Timestamp: s.now(),
	}

	if r.URL.Query().Get("detailed") == "true" {
		status.Checks = map[string]ComponentHealth{
			"store":   s.checkComponent(ctx, s.store),
			"tracker": s.checkComponent(ctx, s.tracker),
		}
		for _, c := range status.Checks {
			if c.Status == "unhealthy" {
				status.Status = "degraded"
			}
		}
		status.Checks["notify"] = ComponentHealth{Status: "configured"}
		if len(s.providers) == 0 {
			status.Checks["notify"] = ComponentHealth{Status: "not_configured"}
		}
	}

	if status.Status == "healthy" {
		writeJSON(w, http.StatusOK, status)
	} else {
		writeJSON(w, http.StatusServiceUnavailable, status)
	}
}

func (s *Service) checkComponent(ctx context.Context, component any) ComponentHealth {
	checker, ok := component.(HealthChecker)
	if !ok {
		return ComponentHealth{Status: "healthy"}
	}
	start := time.Now()
	if err := checker.Ping(ctx); err != nil {
		return ComponentHealth{Status: "unhealthy", Error: err.Error()}
	}
	return ComponentHealth{
		Status:  "healthy",
		Latency: time.Since(start).Round(time.Microsecond).String(),
	}
}

// ==================== METRICS ====================

type metrics struct {
	gatherer prometheus.Gatherer

	logins         *prometheus.CounterVec
	lockouts       prometheus.Counter
	refreshes      *prometheus.CounterVec
	alertsSent     *prometheus.CounterVec
	alertsDropped  *prometheus.CounterVec
	receipts       *prometheus.CounterVec
	receiptsDenied prometheus.Counter
	cleanupRemoved *prometheus.CounterVec
}

// newMetrics registers the service collectors. A nil registerer gets a
// private registry so several services can live in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	m := &metrics{
		gatherer: gatherer,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "lockouts_total",
			Help:      "Login attempts rejected by the lockout guard.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "refresh_rotations_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "alert_deliveries_total",
			Help:      "Alert delivery attempts by channel, provider and result.",
		}, []string{"channel", "provider", "result"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by the cooldown.",
		}, []string{"kind"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "delivery_receipts_total",
			Help:      "Accepted delivery receipts.",
		}, []string{"channel", "status"}),
		receiptsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "delivery_receipts_rejected_total",
			Help:      "Delivery receipts rejected for a bad signature.",
		}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionguard",
			Name:      "cleanup_removed_total",
			Help:      "Rows removed by the retention job.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.logins, m.lockouts, m.refreshes, m.alertsSent, m.alertsDropped,
		m.receipts, m.receiptsDenied, m.cleanupRemoved)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *metrics) login(outcome string)   { m.logins.WithLabelValues(outcome).Inc() }
func (m *metrics) lockout()               { m.lockouts.Inc() }
func (m *metrics) refresh(outcome string) { m.refreshes.WithLabelValues(outcome).Inc() }

func (m *metrics) alertDelivery(ch notify.Channel, provider, result string) {
	m.alertsSent.WithLabelValues(string(ch), provider, result).Inc()
}

func (m *metrics) alertSuppressed(kind AlertKind) {
	m.alertsDropped.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) receiptApplied(ch notify.Channel, status ReceiptStatus) {
	m.receipts.WithLabelValues(string(ch), string(status)).Inc()
}

func (m *metrics) receiptRejected() { m.receiptsDenied.Inc() }

func (m *metrics) cleaned(class string, n int) {
	if n > 0 {
		m.cleanupRemoved.WithLabelValues(class).Add(float64(n))
	}
}
