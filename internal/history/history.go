// Package history owns the append-only transition history. All writes go
// through Record, which couples the entity status update and the history
// append in a single transaction; entries are never updated or deleted.
package history

import (
	"context"
	"log/slog"

	"github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
)

// Entry is one immutable history record.
type Entry = persistence.HistoryEntry

// Recorder appends and reads history entries.
type Recorder struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
}

// NewRecorder creates a Recorder. metrics may be nil.
func NewRecorder(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Recorder {
	return &Recorder{store: store, logger: logger, metrics: metrics}
}

// Record applies a status transition and appends its history entry
// atomically. If either write fails the other is rolled back, so the entity
// row and its history never disagree. Fails only on storage errors; rule
// validation happens upstream in the state machine.
func (r *Recorder) Record(ctx context.Context, rec persistence.TransitionRecord) (*persistence.Entity, error) {
	ent, err := r.store.ApplyTransition(ctx, rec)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.HistoryAppends.Add(ctx, 1)
	}
	r.logger.Debug("history appended",
		"entity_id", rec.EntityID,
		"from", rec.FromStatus,
		"to", rec.ToStatus,
		"actor", rec.Actor)
	return ent, nil
}

// ListFor returns history entries for an entity ordered by change time then
// id. Pass the last seen entry id as afterID to resume a listing; ordering
// is stable so pages never skip or repeat entries.
func (r *Recorder) ListFor(ctx context.Context, entityID string, afterID int64, limit int) ([]Entry, error) {
	return r.store.ListHistory(ctx, entityID, afterID, limit)
}

// CountFor returns the number of history entries for an entity.
func (r *Recorder) CountFor(ctx context.Context, entityID string) (int64, error) {
	return r.store.CountHistory(ctx, entityID)
}
