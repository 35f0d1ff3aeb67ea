package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HistoryEntry is one immutable row of the audit trail.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entity_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	ChangedBy  string    `json:"changed_by"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// ListHistory returns history entries for an entity ordered by changedAt
// ascending (id breaks ties). afterID makes the listing restartable: pass
// the last seen id to resume.
func (s *Store) ListHistory(ctx context.Context, entityID string, afterID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, from_status, to_status, changed_by, reason, changed_at
		FROM history
		WHERE entity_id = ? AND id > ?
		ORDER BY changed_at ASC, id ASC
		LIMIT ?;
	`, entityID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var from, reason sql.NullString
		if err := rows.Scan(&entry.ID, &entry.EntityID, &from, &entry.ToStatus, &entry.ChangedBy, &reason, &entry.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.FromStatus = from.String
		entry.Reason = reason.String
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

// CountHistory returns the number of history entries for an entity.
func (s *Store) CountHistory(ctx context.Context, entityID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE entity_id = ?;`, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}
