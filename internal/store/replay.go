package store

import (
	"context"
	"fmt"
)

// ReplayEvents rebuilds the derived tables from the event log. When afterID
// is 0 it wipes tasks/inbox/mappings first and re-applies every event in
// order; otherwise it applies only the tail after afterID. A fresh replay
// from 0 MUST agree with the tables as built incrementally (spec.md §8 #1).
func (s *Store) ReplayEvents(ctx context.Context, afterID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replay_events: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if afterID == 0 {
		for _, stmt := range []string{
			`DELETE FROM tasks`,
			`DELETE FROM inbox`,
			`DELETE FROM mappings`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("replay_events: wipe: %w", err)
			}
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, time, type, task_id, payload FROM events WHERE event_id > ? ORDER BY event_id ASC`, afterID)
	if err != nil {
		return fmt.Errorf("replay_events: query: %w", err)
	}

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var typ string
		if err := rows.Scan(&ev.EventID, &ev.Time, &typ, &ev.TaskID, &ev.Payload); err != nil {
			rows.Close()
			return err
		}
		ev.Type = EventType(typ)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, ev := range events {
		if err := applyEventTx(ctx, tx, ev); err != nil {
			return fmt.Errorf("replay_events: apply %s (event %d): %w", ev.Type, ev.EventID, err)
		}
	}

	return tx.Commit()
}
