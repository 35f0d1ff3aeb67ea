package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LockState mirrors the locks table. A row exists once an entity has been
// locked or put in cooldown at least once; absence means unlocked.
type LockState struct {
	EntityID                   string     `json:"entity_id"`
	Locked                     bool       `json:"locked"`
	LockedBy                   string     `json:"locked_by,omitempty"`
	LockedAt                   *time.Time `json:"locked_at,omitempty"`
	ReleasedAt                 *time.Time `json:"released_at,omitempty"`
	CooldownUntil              *time.Time `json:"cooldown_until,omitempty"`
	FailedReactivationAttempts int        `json:"failed_reactivation_attempts"`
}

// GetLockState fetches the lock row for an entity. Returns a zero-value
// unlocked state when no row exists.
func (s *Store) GetLockState(ctx context.Context, entityID string) (LockState, error) {
	state := LockState{EntityID: entityID}
	var lockedBy sql.NullString
	var lockedAt, releasedAt, cooldownUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT locked, locked_by, locked_at, released_at, cooldown_until, failed_reactivation_attempts
		FROM locks WHERE entity_id = ?;
	`, entityID).Scan(&state.Locked, &lockedBy, &lockedAt, &releasedAt, &cooldownUntil, &state.FailedReactivationAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("select lock: %w", err)
	}
	state.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := lockedAt.Time
		state.LockedAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		state.ReleasedAt = &t
	}
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		state.CooldownUntil = &t
	}
	return state, nil
}

// AcquireLock takes the exclusive lock for actor. A live lock held by
// another actor fails with ErrAlreadyLocked unless it is older than
// staleCutoff, in which case it is reclaimed (the crashed holder's lock is
// treated as released on this access). Re-acquiring one's own lock refreshes
// it. Returns the previous owner's name when a stale lock was reclaimed.
func (s *Store) AcquireLock(ctx context.Context, entityID, actor string, now time.Time, staleCutoff time.Time) (reclaimedFrom string, err error) {
	prior, err := s.GetLockState(ctx, entityID)
	if err != nil {
		return "", err
	}
	if prior.Locked && prior.LockedBy != actor && prior.LockedAt != nil && !prior.LockedAt.Before(staleCutoff.UTC()) {
		return "", fmt.Errorf("%w: entity %s held by %s", ErrAlreadyLocked, entityID, prior.LockedBy)
	}
	if prior.Locked && prior.LockedBy != actor {
		reclaimedFrom = prior.LockedBy
	}

	var affected int64
	err = retryOnBusy(ctx, 5, func() error {
		// The WHERE guard re-checks liveness, so a racing acquirer cannot
		// steal a lock this statement already granted.
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO locks (entity_id, locked, locked_by, locked_at, released_at)
			VALUES (?, 1, ?, ?, NULL)
			ON CONFLICT(entity_id) DO UPDATE SET
				locked = 1,
				locked_by = excluded.locked_by,
				locked_at = excluded.locked_at,
				released_at = NULL
			WHERE locks.locked = 0
				OR locks.locked_by = excluded.locked_by
				OR locks.locked_at < ?;
		`, entityID, actor, now.UTC(), staleCutoff.UTC())
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if affected != 1 {
		return "", fmt.Errorf("%w: entity %s", ErrAlreadyLocked, entityID)
	}
	return reclaimedFrom, nil
}

// ReleaseLock releases the lock if actor holds it; ErrNotOwner otherwise.
func (s *Store) ReleaseLock(ctx context.Context, entityID, actor string, now time.Time) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE locks
			SET locked = 0, released_at = ?
			WHERE entity_id = ? AND locked = 1 AND locked_by = ?;
		`, now.UTC(), entityID, actor)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: entity %s, actor %s", ErrNotOwner, entityID, actor)
	}
	return nil
}

// SetCooldown records a cooldown deadline for an entity and resets the
// failed-attempt counter.
func (s *Store) SetCooldown(ctx context.Context, entityID string, until time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO locks (entity_id, cooldown_until, failed_reactivation_attempts)
			VALUES (?, ?, 0)
			ON CONFLICT(entity_id) DO UPDATE SET
				cooldown_until = excluded.cooldown_until,
				failed_reactivation_attempts = 0;
		`, entityID, until.UTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// IncrementFailedReactivation bumps the counter for an entity whose
// re-activation was blocked by an active cooldown, returning the new value.
func (s *Store) IncrementFailedReactivation(ctx context.Context, entityID string) (int, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE locks
			SET failed_reactivation_attempts = failed_reactivation_attempts + 1
			WHERE entity_id = ?;
		`, entityID)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("increment failed reactivation: %w", err)
	}
	state, err := s.GetLockState(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return state.FailedReactivationAttempts, nil
}

// PurgeReleasedLocks deletes lock rows released before cutoff that carry no
// pending cooldown. History and cost rows are never purged; lock rows are
// transient coordination state.
func (s *Store) PurgeReleasedLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			DELETE FROM locks
			WHERE locked = 0
				AND released_at IS NOT NULL AND released_at < ?
				AND (cooldown_until IS NULL OR cooldown_until < ?);
		`, cutoff.UTC(), cutoff.UTC())
		if execErr != nil {
			return execErr
		}
		purged, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("purge released locks: %w", err)
	}
	return purged, nil
}
