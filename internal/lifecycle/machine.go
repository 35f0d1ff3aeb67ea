// Package lifecycle implements the status state machine. Every status
// change flows through Machine.Transition, which validates the request
// against the rule table and the guard before committing the entity update
// and its history entry atomically.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/guard"
	"github.com/basket/statekeeper/internal/history"
	"github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
	"github.com/basket/statekeeper/internal/shared"
)

// Machine validates and applies status transitions.
type Machine struct {
	store    *persistence.Store
	recorder *history.Recorder
	guard    *guard.Guard
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	// rulesMu protects catalog and table, which are swapped wholesale when
	// the seed file is reloaded.
	rulesMu sync.RWMutex
	catalog *catalog.Catalog
	table   *catalog.Table
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithBus attaches an event bus.
func WithBus(b *bus.Bus) Option {
	return func(m *Machine) { m.bus = b }
}

// WithMetrics attaches metric instruments.
func WithMetrics(mt *otel.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithTracer attaches a tracer for per-transition spans.
func WithTracer(tr trace.Tracer) Option {
	return func(m *Machine) { m.tracer = tr }
}

// New creates a Machine over a validated catalog and rule table.
func New(store *persistence.Store, recorder *history.Recorder, g *guard.Guard, cat *catalog.Catalog, table *catalog.Table, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		recorder: recorder,
		guard:    g,
		catalog:  cat,
		table:    table,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReplaceRules swaps in a freshly loaded catalog and table. In-flight
// transitions finish against the rules they started with.
func (m *Machine) ReplaceRules(cat *catalog.Catalog, table *catalog.Table) {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	m.catalog = cat
	m.table = table
	m.logger.Info("transition rules replaced", "statuses", cat.Len(), "rules", len(table.Rules()))
}

func (m *Machine) rules() (*catalog.Catalog, *catalog.Table) {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	return m.catalog, m.table
}

// Rules returns the active transition rules.
func (m *Machine) Rules() []catalog.Rule {
	_, table := m.rules()
	return table.Rules()
}

// Statuses returns the status definitions for a category in display order.
func (m *Machine) Statuses(category catalog.Category) []catalog.StatusDefinition {
	cat, _ := m.rules()
	return cat.ListByCategory(category)
}

// CreateRequest describes a new entity. ID is optional; a UUID is assigned
// when empty. Status is optional when the category declares exactly one
// initial status.
type CreateRequest struct {
	ID       string
	Category string
	Status   string
	Actor    string
}

// CreateEntity registers a new entity at a declared initial status. Creation
// itself writes no history entry; the history starts with the first
// transition.
func (m *Machine) CreateEntity(ctx context.Context, req CreateRequest) (*persistence.Entity, error) {
	category, err := catalog.ParseCategory(req.Category)
	if err != nil {
		return nil, err
	}
	_, table := m.rules()

	status := req.Status
	if status == "" {
		initials := table.InitialStatuses(category)
		if len(initials) != 1 {
			return nil, &NotInitialStatusError{Category: req.Category, Status: ""}
		}
		status = initials[0]
	}
	if !table.IsInitial(category, status) {
		return nil, &NotInitialStatusError{Category: req.Category, Status: status}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ent, err := m.store.CreateEntity(ctx, id, string(category), status, req.Actor, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("entity created",
		"trace_id", shared.TraceID(ctx),
		"entity_id", ent.ID,
		"category", ent.Category,
		"status", ent.CurrentStatus,
		"actor", req.Actor)
	return ent, nil
}

// TransitionRequest asks to move an entity to a new status.
type TransitionRequest struct {
	EntityID string
	To       string
	Actor    string
	Reason   string
}

// Transition applies a status change. A request to the entity's current
// status is an idempotent no-op: it succeeds without touching the entity or
// its history. Everything else must match a rule in the table.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*persistence.Entity, error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, m.tracer, "lifecycle.transition",
			otel.AttrEntityID.String(req.EntityID),
			otel.AttrStatusTo.String(req.To),
			otel.AttrActor.String(req.Actor))
		defer span.End()
	}

	ent, err := m.store.GetEntity(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			otel.AttrCategory.String(ent.Category),
			otel.AttrStatusFrom.String(ent.CurrentStatus))
	}
	if ent.Deleted() {
		return nil, &EntityDeletedError{EntityID: req.EntityID}
	}
	if err := m.guard.EnsureMutable(ctx, req.EntityID, req.Actor); err != nil {
		return nil, err
	}

	if req.To == ent.CurrentStatus {
		if m.metrics != nil {
			m.metrics.TransitionsNoop.Add(ctx, 1)
		}
		m.logger.Debug("no-op self-transition",
			"entity_id", req.EntityID,
			"status", req.To,
			"actor", req.Actor)
		return ent, nil
	}

	cat, table := m.rules()
	category, err := catalog.ParseCategory(ent.Category)
	if err != nil {
		return nil, err
	}
	if _, err := cat.Get(req.To); err != nil {
		return nil, err
	}
	if !table.IsAllowed(category, ent.CurrentStatus, req.To) {
		if m.metrics != nil {
			m.metrics.TransitionsDenied.Add(ctx, 1)
		}
		m.logger.Warn("transition denied",
			"trace_id", shared.TraceID(ctx),
			"entity_id", req.EntityID,
			"from", ent.CurrentStatus,
			"to", req.To,
			"actor", req.Actor)
		return nil, &InvalidTransitionError{Category: ent.Category, From: ent.CurrentStatus, To: req.To}
	}

	// Moving back to an entry-point status revives parked work, which is
	// what cooldown windows throttle.
	if table.IsInitial(category, req.To) {
		if err := m.guard.CheckReactivation(ctx, req.EntityID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	updated, err := m.recorder.Record(ctx, persistence.TransitionRecord{
		EntityID:   req.EntityID,
		FromStatus: ent.CurrentStatus,
		ToStatus:   req.To,
		Actor:      req.Actor,
		Reason:     shared.Redact(req.Reason),
		ChangedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.TransitionsApplied.Add(ctx, 1)
	}
	m.logger.Info("transition applied",
		"trace_id", shared.TraceID(ctx),
		"entity_id", req.EntityID,
		"category", ent.Category,
		"from", ent.CurrentStatus,
		"to", req.To,
		"actor", req.Actor)
	if m.bus != nil {
		m.bus.Publish(bus.TopicEntityTransitioned, bus.EntityTransitionedEvent{
			EntityID:   req.EntityID,
			Category:   ent.Category,
			FromStatus: ent.CurrentStatus,
			ToStatus:   req.To,
			Actor:      req.Actor,
			ChangedAt:  now,
		})
	}
	return updated, nil
}

// Get returns an entity, soft-deleted ones included so callers can report
// deletion distinctly from absence.
func (m *Machine) Get(ctx context.Context, id string) (*persistence.Entity, error) {
	return m.store.GetEntity(ctx, id)
}

// List returns entities, optionally filtered by category.
func (m *Machine) List(ctx context.Context, category string, limit int) ([]persistence.Entity, error) {
	if category != "" {
		if _, err := catalog.ParseCategory(category); err != nil {
			return nil, err
		}
	}
	return m.store.ListEntities(ctx, category, limit)
}

// History returns an entity's transition history page.
func (m *Machine) History(ctx context.Context, entityID string, afterID int64, limit int) ([]history.Entry, error) {
	if _, err := m.store.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return m.recorder.ListFor(ctx, entityID, afterID, limit)
}

// Delete soft-deletes an entity. History survives; subsequent transitions
// fail with EntityDeletedError.
func (m *Machine) Delete(ctx context.Context, entityID, actor string) error {
	ent, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if ent.Deleted() {
		return &EntityDeletedError{EntityID: entityID}
	}
	if err := m.guard.EnsureMutable(ctx, entityID, actor); err != nil {
		return err
	}
	if err := m.store.SoftDeleteEntity(ctx, entityID, actor, m.now()); err != nil {
		return err
	}
	m.logger.Info("entity deleted",
		"trace_id", shared.TraceID(ctx),
		"entity_id", entityID,
		"actor", actor)
	if m.bus != nil {
		m.bus.Publish(bus.TopicEntityDeleted, bus.EntityDeletedEvent{EntityID: entityID, Actor: actor})
	}
	return nil
}
