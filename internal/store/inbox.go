package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// AddInboxItem inserts a user-facing notification and returns its id.
func (s *Store) AddInboxItem(ctx context.Context, severity, summary string, refs map[string]string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox(inbox_id, severity, summary, refs, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, severity, summary, marshalRefs(refs), now)
	if err != nil {
		return "", fmt.Errorf("add_inbox_item: %w", err)
	}
	return id, nil
}

// GetInbox lists inbox items, most recent first.
func (s *Store) GetInbox(ctx context.Context, unreadOnly bool, severity string, limit int) ([]InboxItem, error) {
	q := `SELECT inbox_id, severity, summary, refs, created_at, acknowledged_at FROM inbox WHERE 1=1`
	var args []any
	if unreadOnly {
		q += ` AND acknowledged_at IS NULL`
	}
	if severity != "" {
		q += ` AND severity = ?`
		args = append(args, severity)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get_inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxItem
	for rows.Next() {
		var item InboxItem
		var refsRaw string
		var ackAt sql.NullTime
		if err := rows.Scan(&item.InboxID, &item.Severity, &item.Summary, &refsRaw, &item.CreatedAt, &ackAt); err != nil {
			return nil, err
		}
		item.Refs = unmarshalRefs(refsRaw)
		if ackAt.Valid {
			t := ackAt.Time
			item.AcknowledgedAt = &t
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AcknowledgeInbox marks an item acknowledged. Idempotent: acknowledging an
// already-acknowledged item is a no-op, not an error.
func (s *Store) AcknowledgeInbox(ctx context.Context, inboxID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox SET acknowledged_at = ? WHERE inbox_id = ? AND acknowledged_at IS NULL`,
		now, inboxID)
	return err
}

// AcknowledgeAllInbox acknowledges every unread item and returns the count.
func (s *Store) AcknowledgeAllInbox(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE inbox SET acknowledged_at = ? WHERE acknowledged_at IS NULL`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
