// Package monitoring holds the Prometheus instrumentation for the fraud
// pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the submission pipeline.
type Metrics struct {
	// Pipeline outcomes
	SubmissionsTotal *prometheus.CounterVec
	RiskScore        *prometheus.HistogramVec
	PipelineDuration *prometheus.HistogramVec

	// Signal collectors
	CollectorDuration *prometheus.HistogramVec
	CollectorFailures *prometheus.CounterVec

	// Blocklist
	BlocklistHits    *prometheus.CounterVec
	BlocklistAdds    *prometheus.CounterVec
	BlocklistEntries *prometheus.GaugeVec

	// Upstreams
	CaptchaVerifications *prometheus.CounterVec
	EmailRepRequests     *prometheus.CounterVec
	BreakerState         *prometheus.GaugeVec

	// HTTP surface
	RequestDuration *prometheus.HistogramVec

	// Operator alerts
	AlertsDispatched *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in main; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_submissions_total",
				Help: "Submission pipeline outcomes",
			},
			[]string{"outcome"}, // created, blocked, conflict, validation_error, captcha_failed, replay, upstream_unavailable, error
		),

		RiskScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_risk_score",
				Help:    "Normalized total risk score per scored submission",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"decision"}, // allow, block
		),

		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_pipeline_duration_seconds",
				Help:    "End-to-end submission pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		CollectorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_collector_duration_seconds",
				Help:    "Latency of individual signal collectors",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"collector"}, // email, ephemeral_id, ja4, ip_rate, fingerprint
		),

		CollectorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_collector_failures_total",
				Help: "Signal collector errors (collectors fail open)",
			},
			[]string{"collector"},
		),

		BlocklistHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_blocklist_hits_total",
				Help: "Blocklist matches at the pre-validation check",
			},
			[]string{"identifier"}, // email, ephemeral_id, ip, ja4
		),

		BlocklistAdds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_blocklist_adds_total",
				Help: "Blocklist entries written by the decision engine",
			},
			[]string{"confidence", "detection_type"},
		),

		BlocklistEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formgate_blocklist_entries",
				Help: "Active blocklist entries by confidence tier",
			},
			[]string{"confidence"},
		),

		CaptchaVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_captcha_verifications_total",
				Help: "CAPTCHA siteverify outcomes",
			},
			[]string{"result"}, // valid, invalid, unavailable, mock
		),

		EmailRepRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_email_reputation_requests_total",
				Help: "Email reputation service outcomes",
			},
			[]string{"decision"}, // allow, warn, block, error
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formgate_breaker_state",
				Help: "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open)",
			},
			[]string{"upstream"}, // captcha, email_reputation
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_http_request_duration_seconds",
				Help:    "HTTP handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method", "status"},
		),

		AlertsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_alerts_dispatched_total",
				Help: "Operator alert webhook deliveries",
			},
			[]string{"status"}, // delivered, dropped, failed
		),
	}
}

// RecordSubmission records a pipeline outcome with its latency.
func (m *Metrics) RecordSubmission(outcome string, seconds float64) {
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
	m.PipelineDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRiskScore records a computed total against the decision taken.
func (m *Metrics) RecordRiskScore(decision string, total float64) {
	m.RiskScore.WithLabelValues(decision).Observe(total)
}

// RecordCollector records one collector run.
func (m *Metrics) RecordCollector(name string, seconds float64, failed bool) {
	m.CollectorDuration.WithLabelValues(name).Observe(seconds)
	if failed {
		m.CollectorFailures.WithLabelValues(name).Inc()
	}
}

// RecordBlocklistHit records which identifier matched at the pre-check.
func (m *Metrics) RecordBlocklistHit(identifier string) {
	m.BlocklistHits.WithLabelValues(identifier).Inc()
}

// RecordBlocklistAdd records a new block decision.
func (m *Metrics) RecordBlocklistAdd(confidence, detectionType string) {
	m.BlocklistAdds.WithLabelValues(confidence, detectionType).Inc()
}

// SetBlocklistEntries refreshes the per-tier gauges from store stats.
func (m *Metrics) SetBlocklistEntries(high, medium, low int) {
	m.BlocklistEntries.WithLabelValues("high").Set(float64(high))
	m.BlocklistEntries.WithLabelValues("medium").Set(float64(medium))
	m.BlocklistEntries.WithLabelValues("low").Set(float64(low))
}

// RecordCaptcha records a siteverify outcome.
func (m *Metrics) RecordCaptcha(result string) {
	m.CaptchaVerifications.WithLabelValues(result).Inc()
}

// RecordEmailRep records a reputation service outcome.
func (m *Metrics) RecordEmailRep(decision string) {
	m.EmailRepRequests.WithLabelValues(decision).Inc()
}

// SetBreakerState mirrors a circuit breaker state change.
func (m *Metrics) SetBreakerState(upstream string, state int) {
	m.BreakerState.WithLabelValues(upstream).Set(float64(state))
}

// RecordHTTPRequest records one handled request.
func (m *Metrics) RecordHTTPRequest(path, method, status string, seconds float64) {
	m.RequestDuration.WithLabelValues(path, method, status).Observe(seconds)
}

// RecordAlert records an alert delivery outcome.
func (m *Metrics) RecordAlert(status string) {
	m.AlertsDispatched.WithLabelValues(status).Inc()
}
