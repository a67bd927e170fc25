package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the schoolgate service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Auth context metrics.
	AuthAttemptsTotal        *prometheus.CounterVec
	SessionCacheLookupsTotal *prometheus.CounterVec
	ActiveClients            prometheus.Gauge

	// Role resolution and guards.
	RoleLookupsTotal   *prometheus.CounterVec
	GuardVerdictsTotal *prometheus.CounterVec

	// Rate limiting.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Audit collector metrics.
	AuditBufferSize    prometheus.Gauge
	AuditFlushesTotal  *prometheus.CounterVec
	AuditEventsWritten prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schoolgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schoolgate_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_auth_attempts_total",
			Help: "Total number of login and sign-up attempts by outcome.",
		}, []string{"surface", "operation", "outcome"}),

		SessionCacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_session_cache_lookups_total",
			Help: "Total number of session cache reads.",
		}, []string{"surface", "result"}),

		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolgate_active_clients",
			Help: "Number of browser clients holding auth contexts.",
		}),

		RoleLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_role_lookups_total",
			Help: "Total number of role procedure calls by outcome.",
		}, []string{"procedure", "outcome"}),

		GuardVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_guard_verdicts_total",
			Help: "Total number of route guard verdicts.",
		}, []string{"guard", "state"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"surface"}),

		AuditBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolgate_audit_buffer_size",
			Help: "Current number of buffered audit events.",
		}),

		AuditFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolgate_audit_flushes_total",
			Help: "Total number of audit collector flushes.",
		}, []string{"status"}),

		AuditEventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schoolgate_audit_events_written_total",
			Help: "Total number of audit events written to the database.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schoolgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.AuthAttemptsTotal,
		m.SessionCacheLookupsTotal,
		m.ActiveClients,
		m.RoleLookupsTotal,
		m.GuardVerdictsTotal,
		m.RateLimitRejectionsTotal,
		m.AuditBufferSize,
		m.AuditFlushesTotal,
		m.AuditEventsWritten,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, pattern string, status, size int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(elapsed.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(size))
}

// IncAuthAttempt counts a login, sign-up or provisioning attempt.
func (m *Metrics) IncAuthAttempt(surface, operation, outcome string) {
	m.AuthAttemptsTotal.WithLabelValues(surface, operation, outcome).Inc()
}

// ObserveCacheLookup implements session.Observer.
func (m *Metrics) ObserveCacheLookup(surface string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SessionCacheLookupsTotal.WithLabelValues(surface, result).Inc()
}

// ObserveRoleLookup implements roles.Observer.
func (m *Metrics) ObserveRoleLookup(procedure, outcome string) {
	m.RoleLookupsTotal.WithLabelValues(procedure, outcome).Inc()
}

// ObserveGuardVerdict implements guard.Observer.
func (m *Metrics) ObserveGuardVerdict(guard, state string) {
	m.GuardVerdictsTotal.WithLabelValues(guard, state).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(surface string) {
	m.RateLimitRejectionsTotal.WithLabelValues(surface).Inc()
}

// SetActiveClients sets the number of live browser clients.
func (m *Metrics) SetActiveClients(n int) {
	m.ActiveClients.Set(float64(n))
}

// SetAuditBuffered implements audit.Observer.
func (m *Metrics) SetAuditBuffered(n int) {
	m.AuditBufferSize.Set(float64(n))
}

// ObserveAuditFlush implements audit.Observer.
func (m *Metrics) ObserveAuditFlush(count int, err error) {
	if err != nil {
		m.AuditFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.AuditFlushesTotal.WithLabelValues("success").Inc()
	m.AuditEventsWritten.Add(float64(count))
}
