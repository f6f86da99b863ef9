package poller

import (
	"context"
	"log/slog"
	"time"

	"bankbridge/internal/consent/metrics"
	"bankbridge/internal/consent/models"
	dErrors "bankbridge/pkg/domain-errors"
)

const (
	defaultInterval    = 5 * time.Second
	defaultMaxAttempts = 24
)

// StatusResolver checks the current status of a consent, resolving pending
// manual approvals against the bank.
type StatusResolver interface {
	Status(ctx context.Context, ref string) (*models.Consent, error)
}

// Poller drives a manual consent toward a terminal answer by polling the
// resolver a bounded number of times. One Run call covers one consent; the
// poller itself is stateless and shared.
type Poller struct {
	resolver    StatusResolver
	interval    time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the delay between attempts.
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithMaxAttempts bounds the number of resolution calls per Run.
func WithMaxAttempts(attempts int) Option {
	return func(p *Poller) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithMetrics attaches poll outcome metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a Poller with the default 5s interval and 24 attempts,
// a two minute window.
func New(resolver StatusResolver, opts ...Option) *Poller {
	p := &Poller{
		resolver:    resolver,
		interval:    defaultInterval,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run polls until the consent leaves the waiting states, the attempt budget
// runs out, or ctx is done. Exhausting the budget returns a Timeout error
// together with the last observed record so the caller can show where the
// consent got stuck.
func (p *Poller) Run(ctx context.Context, ref string) (*models.Consent, error) {
	var last *models.Consent

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		record, err := p.resolver.Status(ctx, ref)
		if err != nil {
			p.outcome("error")
			return last, err
		}
		last = record

		if record.Status.IsActive() || record.Status.IsTerminal() {
			p.outcome(string(record.Status))
			p.logger.Info("consent poll finished",
				"ref", ref, "status", record.Status, "attempts", attempt)
			return record, nil
		}

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			p.outcome("cancelled")
			return last, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "consent poll cancelled")
		case <-time.After(p.interval):
		}
	}

	p.outcome("timeout")
	p.logger.Warn("consent poll exhausted", "ref", ref, "attempts", p.maxAttempts)
	return last, dErrors.New(dErrors.CodeTimeout, "consent was not approved within the polling window")
}

func (p *Poller) outcome(label string) {
	p.metrics.IncPollOutcomes(label)
}
