package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for consent lifecycle operations.
// A nil *Metrics is valid; every helper is a no-op on it, so tests and
// callers that do not care about metrics pass nil.
type Metrics struct {
	ConsentsCreated    *prometheus.CounterVec
	ConsentsAuthorized *prometheus.CounterVec
	ConsentsRevoked    *prometheus.CounterVec
	DegradedCreates    *prometheus.CounterVec
	ResolveAttempts    *prometheus.CounterVec
	PollOutcomes       *prometheus.CounterVec
	CreateLatency      prometheus.Histogram
}

// New registers and returns consent metrics collectors.
func New() *Metrics {
	return &Metrics{
		ConsentsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consents_created_total",
			Help: "Consents created, labeled by bank and approval mode",
		}, []string{"bank", "mode"}),
		ConsentsAuthorized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consents_authorized_total",
			Help: "Consents that reached authorized status, labeled by bank",
		}, []string{"bank"}),
		ConsentsRevoked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consents_revoked_total",
			Help: "Consents revoked, labeled by bank",
		}, []string{"bank"}),
		DegradedCreates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consent_degraded_creates_total",
			Help: "Placeholder consents created while a bank was unreachable, labeled by bank",
		}, []string{"bank"}),
		ResolveAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consent_resolve_attempts_total",
			Help: "Request-id resolution calls, labeled by bank and result",
		}, []string{"bank", "result"}),
		PollOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankbridge_consent_poll_outcomes_total",
			Help: "Approval poller terminations, labeled by outcome",
		}, []string{"outcome"}),
		CreateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bankbridge_consent_create_latency_seconds",
			Help:    "Latency of consent creation including the upstream call",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncConsentsCreated(bank, mode string) {
	if m == nil {
		return
	}
	m.ConsentsCreated.WithLabelValues(bank, mode).Inc()
}

func (m *Metrics) IncConsentsAuthorized(bank string) {
	if m == nil {
		return
	}
	m.ConsentsAuthorized.WithLabelValues(bank).Inc()
}

func (m *Metrics) IncConsentsRevoked(bank string) {
	if m == nil {
		return
	}
	m.ConsentsRevoked.WithLabelValues(bank).Inc()
}

func (m *Metrics) IncDegradedCreates(bank string) {
	if m == nil {
		return
	}
	m.DegradedCreates.WithLabelValues(bank).Inc()
}

func (m *Metrics) IncResolveAttempts(bank, result string) {
	if m == nil {
		return
	}
	m.ResolveAttempts.WithLabelValues(bank, result).Inc()
}

func (m *Metrics) IncPollOutcomes(outcome string) {
	if m == nil {
		return
	}
	m.PollOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCreateLatency(seconds float64) {
	if m == nil {
		return
	}
	m.CreateLatency.Observe(seconds)
}
