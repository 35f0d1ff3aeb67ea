package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all statekeeper metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	TransitionsApplied  metric.Int64Counter
	TransitionsDenied   metric.Int64Counter
	TransitionsNoop     metric.Int64Counter
	HistoryAppends      metric.Int64Counter
	LockContention      metric.Int64Counter
	StaleLockReclaims   metric.Int64Counter
	CooldownRejections  metric.Int64Counter
	CostEntriesRecorded metric.Int64Counter
	TokensRecorded      metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("statekeeper.request.duration",
		metric.WithDescription("Admin API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsApplied, err = meter.Int64Counter("statekeeper.transitions.applied",
		metric.WithDescription("Accepted status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsDenied, err = meter.Int64Counter("statekeeper.transitions.denied",
		metric.WithDescription("Transitions rejected by the rule table"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsNoop, err = meter.Int64Counter("statekeeper.transitions.noop",
		metric.WithDescription("Idempotent self-transitions (no history written)"),
	)
	if err != nil {
		return nil, err
	}

	m.HistoryAppends, err = meter.Int64Counter("statekeeper.history.appends",
		metric.WithDescription("History entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.LockContention, err = meter.Int64Counter("statekeeper.locks.contention",
		metric.WithDescription("Lock acquisitions refused because another actor holds the lock"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleLockReclaims, err = meter.Int64Counter("statekeeper.locks.stale_reclaims",
		metric.WithDescription("Locks reclaimed past the staleness threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.CooldownRejections, err = meter.Int64Counter("statekeeper.cooldown.rejections",
		metric.WithDescription("Re-activation attempts blocked by an active cooldown"),
	)
	if err != nil {
		return nil, err
	}

	m.CostEntriesRecorded, err = meter.Int64Counter("statekeeper.cost.entries",
		metric.WithDescription("Cost ledger entries recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensRecorded, err = meter.Int64Counter("statekeeper.cost.tokens",
		metric.WithDescription("Total tokens recorded in the cost ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("statekeeper.ratelimit.rejects",
		metric.WithDescription("Admin API requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
