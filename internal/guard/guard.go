// Package guard enforces the concurrency rules around entities: exclusive
// edit locks with lazy stale reclaim, and cooldown windows that throttle
// re-activation of recently parked work.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/otel"
	"github.com/basket/statekeeper/internal/persistence"
)

// ErrPastDeadline rejects an explicit cooldown deadline that is not in the
// future.
var ErrPastDeadline = errors.New("cooldown deadline is not in the future")

// LockedError reports a lock held by another actor.
type LockedError struct {
	EntityID string
	Holder   string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("entity %s is locked by %s", e.EntityID, e.Holder)
}

// CooldownError reports a re-activation attempt blocked by an active
// cooldown window.
type CooldownError struct {
	EntityID string
	Until    time.Time
	Attempts int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("entity %s is in cooldown until %s (%d failed attempts)", e.EntityID, e.Until.Format(time.RFC3339), e.Attempts)
}

// Guard coordinates locks and cooldowns on top of the store. Staleness is
// evaluated lazily on access: no background sweeper, a crashed holder's lock
// simply stops counting once it ages past the threshold.
type Guard struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	staleness time.Duration
	cooldown  time.Duration

	// now is swapped in tests.
	now func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithBus attaches an event bus for lock and cooldown events.
func WithBus(b *bus.Bus) Option {
	return func(g *Guard) { g.bus = b }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *otel.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// New creates a Guard. staleness bounds how long a held lock stays
// authoritative; cooldown is the window applied by StartCooldown.
func New(store *persistence.Store, logger *slog.Logger, staleness, cooldown time.Duration, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		logger:    logger,
		staleness: staleness,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) staleCutoff(now time.Time) time.Time {
	return now.Add(-g.staleness)
}

// Acquire takes the exclusive lock for actor, reclaiming a stale one if
// present. Returns LockedError when another actor holds a live lock.
func (g *Guard) Acquire(ctx context.Context, entityID, actor string) error {
	now := g.now()
	reclaimed, err := g.store.AcquireLock(ctx, entityID, actor, now, g.staleCutoff(now))
	if errors.Is(err, persistence.ErrAlreadyLocked) {
		state, stateErr := g.store.GetLockState(ctx, entityID)
		if stateErr != nil {
			return stateErr
		}
		if g.metrics != nil {
			g.metrics.LockContention.Add(ctx, 1)
		}
		g.logger.Warn("lock contention",
			"entity_id", entityID,
			"actor", actor,
			"holder", state.LockedBy)
		return &LockedError{EntityID: entityID, Holder: state.LockedBy}
	}
	if err != nil {
		return err
	}

	if reclaimed != "" {
		if g.metrics != nil {
			g.metrics.StaleLockReclaims.Add(ctx, 1)
		}
		g.logger.Info("stale lock reclaimed",
			"entity_id", entityID,
			"actor", actor,
			"previous_owner", reclaimed,
			"staleness", g.staleness.String())
		if g.bus != nil {
			g.bus.Publish(bus.TopicLockReclaimed, bus.LockEvent{
				EntityID:      entityID,
				Actor:         actor,
				PreviousOwner: reclaimed,
			})
		}
		return nil
	}

	g.logger.Debug("lock acquired", "entity_id", entityID, "actor", actor)
	if g.bus != nil {
		g.bus.Publish(bus.TopicLockAcquired, bus.LockEvent{EntityID: entityID, Actor: actor})
	}
	return nil
}

// Release drops the lock held by actor. persistence.ErrNotOwner surfaces
// when the lock is held by someone else or not held at all.
func (g *Guard) Release(ctx context.Context, entityID, actor string) error {
	if err := g.store.ReleaseLock(ctx, entityID, actor, g.now()); err != nil {
		return err
	}
	g.logger.Debug("lock released", "entity_id", entityID, "actor", actor)
	if g.bus != nil {
		g.bus.Publish(bus.TopicLockReleased, bus.LockEvent{EntityID: entityID, Actor: actor})
	}
	return nil
}

// State returns the lock state with staleness already applied: a lock older
// than the threshold is reported as unlocked, exactly as EnsureMutable would
// treat it.
func (g *Guard) State(ctx context.Context, entityID string) (persistence.LockState, error) {
	state, err := g.store.GetLockState(ctx, entityID)
	if err != nil {
		return state, err
	}
	if state.Locked && state.LockedAt != nil && state.LockedAt.Before(g.staleCutoff(g.now())) {
		state.Locked = false
	}
	return state, nil
}

// EnsureMutable verifies actor may mutate the entity right now: it passes
// when the entity is unlocked, locked by actor, or locked by a holder whose
// lock has gone stale.
func (g *Guard) EnsureMutable(ctx context.Context, entityID, actor string) error {
	state, err := g.State(ctx, entityID)
	if err != nil {
		return err
	}
	if state.Locked && state.LockedBy != actor {
		if g.metrics != nil {
			g.metrics.LockContention.Add(ctx, 1)
		}
		return &LockedError{EntityID: entityID, Holder: state.LockedBy}
	}
	return nil
}

// StartCooldown opens a cooldown window for the entity, resetting the
// failed-attempt counter. A zero until applies the configured default
// window; an explicit deadline in the past is rejected.
func (g *Guard) StartCooldown(ctx context.Context, entityID string, until time.Time) (time.Time, error) {
	now := g.now()
	if until.IsZero() {
		until = now.Add(g.cooldown)
	} else if !until.After(now) {
		return time.Time{}, fmt.Errorf("cooldown until %s: %w", until.Format(time.RFC3339), ErrPastDeadline)
	}
	if err := g.store.SetCooldown(ctx, entityID, until); err != nil {
		return time.Time{}, err
	}
	g.logger.Info("cooldown started", "entity_id", entityID, "until", until.Format(time.RFC3339))
	if g.bus != nil {
		g.bus.Publish(bus.TopicCooldownEntered, bus.CooldownEvent{EntityID: entityID, Until: until})
	}
	return until, nil
}

// CheckReactivation gates transitions that would bring a parked entity back
// to life. An active cooldown rejects the attempt, increments the
// failed-attempt counter and returns a CooldownError carrying the new count.
func (g *Guard) CheckReactivation(ctx context.Context, entityID string) error {
	state, err := g.store.GetLockState(ctx, entityID)
	if err != nil {
		return err
	}
	if state.CooldownUntil == nil || !state.CooldownUntil.After(g.now()) {
		return nil
	}

	attempts, err := g.store.IncrementFailedReactivation(ctx, entityID)
	if err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.CooldownRejections.Add(ctx, 1)
	}
	g.logger.Warn("re-activation blocked by cooldown",
		"entity_id", entityID,
		"until", state.CooldownUntil.Format(time.RFC3339),
		"failed_attempts", attempts)
	if g.bus != nil {
		g.bus.Publish(bus.TopicCooldownRejected, bus.CooldownEvent{
			EntityID: entityID,
			Until:    *state.CooldownUntil,
			Attempts: attempts,
		})
	}
	return &CooldownError{EntityID: entityID, Until: *state.CooldownUntil, Attempts: attempts}
}
