package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entity is the stored view of a lifecycle-managed object. The state
// machine mutates only the status pair and the update audit fields.
type Entity struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	CurrentStatus  string     `json:"current_status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	CreatedBy      string     `json:"created_by"`
	UpdatedBy      string     `json:"updated_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeletedBy      string     `json:"deleted_by,omitempty"`
}

// Deleted reports whether the entity is soft-deleted.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

const entityColumns = `id, category, current_status, previous_status, created_by, updated_by, created_at, updated_at, deleted_at, deleted_by`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var prev, deletedBy sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Category, &e.CurrentStatus, &prev, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt, &deletedAt, &deletedBy)
	if err != nil {
		return nil, err
	}
	e.PreviousStatus = prev.String
	e.DeletedBy = deletedBy.String
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

// CreateEntity inserts a new entity at the given initial status. The caller
// (the state machine) is responsible for verifying the status is a declared
// initial status of the category.
func (s *Store) CreateEntity(ctx context.Context, id, category, initialStatus, actor string, now time.Time) (*Entity, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (id, category, current_status, created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, category, initialStatus, actor, actor, now.UTC(), now.UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return s.GetEntity(ctx, id)
}

// GetEntity fetches an entity by id, including soft-deleted rows: the state
// machine needs to see deleted entities to reject mutation explicitly.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?;`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select entity: %w", err)
	}
	return e, nil
}

// ListEntities returns non-deleted entities, newest first, optionally
// filtered by category.
func (s *Store) ListEntities(ctx context.Context, category string, limit int) ([]Entity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE category = ? AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC LIMIT ?;
		`, category, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE deleted_at IS NULL
			ORDER BY created_at DESC, id DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity rows: %w", err)
	}
	return out, nil
}

// SoftDeleteEntity marks an entity deleted. Deleting an already-deleted
// entity fails with ErrEntityDeleted.
func (s *Store) SoftDeleteEntity(ctx context.Context, id, actor string, now time.Time) error {
	if _, err := s.GetEntity(ctx, id); err != nil {
		return err
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE entities
			SET deleted_at = ?, deleted_by = ?, updated_at = ?, updated_by = ?
			WHERE id = ? AND deleted_at IS NULL;
		`, now.UTC(), actor, now.UTC(), actor, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("soft delete entity: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s", ErrEntityDeleted, id)
	}
	return nil
}

// TransitionRecord carries everything needed to apply one accepted
// transition atomically.
type TransitionRecord struct {
	EntityID   string
	FromStatus string
	ToStatus   string
	Actor      string
	Reason     string
	ChangedAt  time.Time
}

// ApplyTransition updates the entity's status pair and appends the history
// entry in one transaction: both commit or neither does. The UPDATE is
// guarded on the expected current status, so a concurrent transition that
// won the race surfaces as ErrConflict instead of silently overwriting.
func (s *Store) ApplyTransition(ctx context.Context, rec TransitionRecord) (*Entity, error) {
	var updated *Entity
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		changedAt := rec.ChangedAt.UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE entities
			SET previous_status = current_status,
				current_status = ?,
				updated_at = ?,
				updated_by = ?
			WHERE id = ? AND current_status = ? AND deleted_at IS NULL;
		`, rec.ToStatus, changedAt, rec.Actor, rec.EntityID, rec.FromStatus)
		if err != nil {
			return fmt.Errorf("update entity status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: entity %s no longer at %s", ErrConflict, rec.EntityID, rec.FromStatus)
		}

		reason := sql.NullString{String: rec.Reason, Valid: rec.Reason != ""}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (entity_id, from_status, to_status, changed_by, reason, changed_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.EntityID, rec.FromStatus, rec.ToStatus, rec.Actor, reason, changedAt); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?;`, rec.EntityID)
		updated, err = scanEntity(row)
		if err != nil {
			return fmt.Errorf("reload entity: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
