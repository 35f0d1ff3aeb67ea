package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CostEntry is one model call's token usage and caller-supplied USD cost,
// attributed to a run entity. The token total is always input+output.
type CostEntry struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	ProviderID   string          `json:"provider_id"`
	ModelID      string          `json:"model_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// MonthlyCost is one provider's aggregated spend for a calendar month.
type MonthlyCost struct {
	Month        string          `json:"month"`
	ProviderID   string          `json:"provider_id"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	TotalTokens  int64           `json:"total_tokens"`
	CallCount    int64           `json:"call_count"`
}

// InsertCostEntry appends one immutable cost entry. Token counts must be
// non-negative; the caller computes cost with decimal math upstream.
func (s *Store) InsertCostEntry(ctx context.Context, e CostEntry) (int64, error) {
	if e.InputTokens < 0 || e.OutputTokens < 0 {
		return 0, fmt.Errorf("insert cost entry: negative token count (input=%d output=%d)", e.InputTokens, e.OutputTokens)
	}
	total := e.InputTokens + e.OutputTokens
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO cost_entries (run_id, provider_id, model_id, input_tokens, output_tokens, total_tokens, cost_usd, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.RunID, e.ProviderID, e.ModelID, e.InputTokens, e.OutputTokens, total, e.CostUSD.String(), e.RecordedAt.UTC())
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert cost entry: %w", err)
	}
	return id, nil
}

// ListCostEntries returns the cost entries for one run in recording order.
func (s *Store) ListCostEntries(ctx context.Context, runID string) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, provider_id, model_id, input_tokens, output_tokens, total_tokens, cost_usd, recorded_at
		FROM cost_entries WHERE run_id = ?
		ORDER BY recorded_at ASC, id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var entries []CostEntry
	for rows.Next() {
		var e CostEntry
		var cost string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ProviderID, &e.ModelID, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &cost, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		e.CostUSD, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse stored cost %q: %w", cost, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumCostForRun totals USD cost and tokens across all entries for a run.
// Summation happens in Go with decimal values, not in SQL, so cents never
// drift through float arithmetic.
func (s *Store) SumCostForRun(ctx context.Context, runID string) (decimal.Decimal, int64, error) {
	entries, err := s.ListCostEntries(ctx, runID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	var tokens int64
	for _, e := range entries {
		total = total.Add(e.CostUSD)
		tokens += e.TotalTokens
	}
	return total, tokens, nil
}

// RebuildMonthlyRollups recomputes the per-month, per-provider rollup rows
// from cost_entries. Idempotent; stale rollups for the recomputed months are
// overwritten.
func (s *Store) RebuildMonthlyRollups(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m', recorded_at) AS month, provider_id, cost_usd, total_tokens
		FROM cost_entries;
	`)
	if err != nil {
		return 0, fmt.Errorf("rebuild rollups: %w", err)
	}

	type key struct{ month, provider string }
	type agg struct {
		cost   decimal.Decimal
		tokens int64
		calls  int64
	}
	sums := make(map[key]agg)
	for rows.Next() {
		var month, provider, cost string
		var tokens int64
		if err := rows.Scan(&month, &provider, &cost, &tokens); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan rollup source: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("parse stored cost %q: %w", cost, err)
		}
		k := key{month, provider}
		a := sums[k]
		a.cost = a.cost.Add(d)
		a.tokens += tokens
		a.calls++
		sums[k] = a
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for k, a := range sums {
		err := retryOnBusy(ctx, 5, func() error {
			_, execErr := s.db.ExecContext(ctx, `
				INSERT INTO cost_rollups (month, provider_id, total_cost_usd, total_tokens, call_count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(month, provider_id) DO UPDATE SET
					total_cost_usd = excluded.total_cost_usd,
					total_tokens = excluded.total_tokens,
					call_count = excluded.call_count,
					updated_at = excluded.updated_at;
			`, k.month, k.provider, a.cost.String(), a.tokens, a.calls, now.UTC())
			return execErr
		})
		if err != nil {
			return 0, fmt.Errorf("upsert rollup %s/%s: %w", k.month, k.provider, err)
		}
	}
	return len(sums), nil
}

// MonthlySummary aggregates the month's spend per provider straight from
// cost_entries, most expensive provider first. It never reads the rollup
// cache, so an entry recorded a moment ago is already counted.
func (s *Store) MonthlySummary(ctx context.Context, month string) ([]MonthlyCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, cost_usd, total_tokens
		FROM cost_entries
		WHERE strftime('%Y-%m', recorded_at) = ?;
	`, month)
	if err != nil {
		return nil, fmt.Errorf("monthly summary: %w", err)
	}
	defer rows.Close()

	type agg struct {
		cost   decimal.Decimal
		tokens int64
		calls  int64
	}
	sums := make(map[string]agg)
	for rows.Next() {
		var provider, cost string
		var tokens int64
		if err := rows.Scan(&provider, &cost, &tokens); err != nil {
			return nil, fmt.Errorf("scan monthly entry: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse stored cost %q: %w", cost, err)
		}
		a := sums[provider]
		a.cost = a.cost.Add(d)
		a.tokens += tokens
		a.calls++
		sums[provider] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MonthlyCost, 0, len(sums))
	for provider, a := range sums {
		out = append(out, MonthlyCost{
			Month:        month,
			ProviderID:   provider,
			TotalCostUSD: a.cost,
			TotalTokens:  a.tokens,
			CallCount:    a.calls,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalCostUSD.GreaterThan(out[j].TotalCostUSD)
	})
	return out, nil
}

// MonthlyRollups returns the materialized rollup rows for a month, most
// expensive provider first. Rows lag behind cost_entries until the next
// maintenance rebuild; MonthlySummary is the live view.
func (s *Store) MonthlyRollups(ctx context.Context, month string) ([]MonthlyCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT month, provider_id, total_cost_usd, total_tokens, call_count
		FROM cost_rollups WHERE month = ?;
	`, month)
	if err != nil {
		return nil, fmt.Errorf("monthly rollups: %w", err)
	}
	defer rows.Close()

	var out []MonthlyCost
	for rows.Next() {
		var m MonthlyCost
		var cost string
		if err := rows.Scan(&m.Month, &m.ProviderID, &cost, &m.TotalTokens, &m.CallCount); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		m.TotalCostUSD, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse stored cost %q: %w", cost, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalCostUSD.GreaterThan(out[j].TotalCostUSD)
	})
	return out, nil
}
