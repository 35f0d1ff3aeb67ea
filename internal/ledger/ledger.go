// Package ledger records per-call token usage and USD cost against run
// entities. Amounts are decimal end to end; float money never enters the
// ledger, so monthly sums reproduce exactly.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
)

// InvalidTokenCountError rejects entries with negative token counts.
type InvalidTokenCountError struct {
	InputTokens  int64
	OutputTokens int64
}

func (e *InvalidTokenCountError) Error() string {
	return fmt.Sprintf("invalid token counts: input=%d output=%d", e.InputTokens, e.OutputTokens)
}

// InvalidCostError rejects entries with a negative USD cost.
type InvalidCostError struct {
	CostUSD decimal.Decimal
}

func (e *InvalidCostError) Error() string {
	return fmt.Sprintf("invalid cost: %s USD", e.CostUSD)
}

// Rate holds per-million-token prices in USD for one model.
type Rate struct {
	InputPer1M  decimal.Decimal
	OutputPer1M decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the USD cost of a call at this rate.
func (r Rate) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(r.InputPer1M).Div(million)
	out := decimal.NewFromInt(outputTokens).Mul(r.OutputPer1M).Div(million)
	return in.Add(out)
}

func mustRate(input, output string) Rate {
	return Rate{
		InputPer1M:  decimal.RequireFromString(input),
		OutputPer1M: decimal.RequireFromString(output),
	}
}

// DefaultRates lists known model prices as of Feb 2026. Keyed by
// provider/model. Used only by Estimate; the recorded cost always comes from
// the caller.
var DefaultRates = map[string]Rate{
	"anthropic/claude-3-7-sonnet": mustRate("3.00", "15.00"),
	"anthropic/claude-sonnet-4-5": mustRate("3.00", "15.00"),
	"openai/gpt-4o":               mustRate("2.50", "10.00"),
	"openai/gpt-4o-mini":          mustRate("0.15", "0.60"),
	"gemini/gemini-1.5-pro":       mustRate("1.25", "5.00"),
	"gemini/gemini-2.5-flash":     mustRate("0.075", "0.30"),
}

// Usage describes one model call to record. CostUSD is the price the calling
// layer already paid for the call; the ledger stores it verbatim.
type Usage struct {
	RunID        string
	ProviderID   string
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      decimal.Decimal
}

// Ledger records and aggregates cost entries.
type Ledger struct {
	store   *persistence.Store
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	rates   map[string]Rate
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRates replaces the default price table.
func WithRates(rates map[string]Rate) Option {
	return func(l *Ledger) { l.rates = rates }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithBus attaches an event bus for cost events.
func WithBus(b *bus.Bus) Option {
	return func(l *Ledger) { l.bus = b }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *otel.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithTracer attaches a tracer for per-record spans.
func WithTracer(tr trace.Tracer) Option {
	return func(l *Ledger) { l.tracer = tr }
}

// New creates a Ledger using DefaultRates unless overridden.
func New(store *persistence.Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		rates:  DefaultRates,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Estimate prices a call from the rate table. The boolean reports whether
// the model is known; unknown models estimate at zero.
func (l *Ledger) Estimate(providerID, modelID string, inputTokens, outputTokens int64) (decimal.Decimal, bool) {
	rate, known := l.rates[providerID+"/"+modelID]
	if !known {
		l.logger.Warn("unknown model, estimating zero cost",
			"provider_id", providerID,
			"model_id", modelID)
		return decimal.Zero, false
	}
	return rate.Cost(inputTokens, outputTokens), true
}

// Record validates and appends one cost entry, deriving the total token
// count. The USD cost is taken from the caller as supplied. Entries are
// immutable once written.
func (l *Ledger) Record(ctx context.Context, u Usage) (persistence.CostEntry, error) {
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return persistence.CostEntry{}, &InvalidTokenCountError{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	}
	if u.CostUSD.IsNegative() {
		return persistence.CostEntry{}, &InvalidCostError{CostUSD: u.CostUSD}
	}
	cost := u.CostUSD

	if l.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, l.tracer, "ledger.record",
			otel.AttrRunID.String(u.RunID),
			otel.AttrProviderID.String(u.ProviderID),
			otel.AttrModelID.String(u.ModelID))
		defer span.End()
	}

	entry := persistence.CostEntry{
		RunID:        u.RunID,
		ProviderID:   u.ProviderID,
		ModelID:      u.ModelID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
		CostUSD:      cost,
		RecordedAt:   l.now(),
	}
	id, err := l.store.InsertCostEntry(ctx, entry)
	if err != nil {
		return persistence.CostEntry{}, err
	}
	entry.ID = id

	if l.metrics != nil {
		l.metrics.CostEntriesRecorded.Add(ctx, 1)
		l.metrics.TokensRecorded.Add(ctx, entry.TotalTokens)
	}
	l.logger.Info("cost recorded",
		"run_id", u.RunID,
		"provider_id", u.ProviderID,
		"model_id", u.ModelID,
		"total_tokens", entry.TotalTokens,
		"cost_usd", cost.String())
	if l.bus != nil {
		l.bus.Publish(bus.TopicCostRecorded, bus.CostRecordedEvent{
			RunID:        u.RunID,
			ProviderID:   u.ProviderID,
			ModelID:      u.ModelID,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      cost.String(),
		})
	}
	return entry, nil
}

// TotalCostFor sums the recorded cost and tokens for a run. An unknown run
// has zero cost, not an error.
func (l *Ledger) TotalCostFor(ctx context.Context, runID string) (decimal.Decimal, int64, error) {
	return l.store.SumCostForRun(ctx, runID)
}

// EntriesFor lists the cost entries for a run in recording order.
func (l *Ledger) EntriesFor(ctx context.Context, runID string) ([]persistence.CostEntry, error) {
	return l.store.ListCostEntries(ctx, runID)
}

// MonthlySummary aggregates the month's spend per provider (month formatted
// YYYY-MM), optionally filtered to one provider. The aggregation reads the
// live entries, so costs recorded a moment ago are already included.
func (l *Ledger) MonthlySummary(ctx context.Context, month, providerID string) ([]persistence.MonthlyCost, error) {
	all, err := l.store.MonthlySummary(ctx, month)
	if err != nil {
		return nil, err
	}
	if providerID == "" {
		return all, nil
	}
	filtered := all[:0]
	for _, m := range all {
		if m.ProviderID == providerID {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
