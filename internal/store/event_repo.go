package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// EventRepo handles persistence for BugEvent records.
type EventRepo struct{}

// AppendTx inserts a bug event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.BugEvent) error {
	const q = `INSERT INTO bug_events (bug_id, seq_no, cycle, from_phase, to_phase, timer, promo_count, verify_attempts, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.BugID,
		event.SeqNo,
		event.Cycle,
		string(event.FromPhase),
		string(event.ToPhase),
		event.Timer,
		event.PromoCount,
		event.VerifyAttempts,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// NextSeqTx returns the next sequence number for bugID.
func (r *EventRepo) NextSeqTx(ctx context.Context, tx *sql.Tx, bugID string) (int64, error) {
	const q = `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM bug_events WHERE bug_id = ?`
	var next int64
	if err := tx.QueryRowContext(ctx, q, bugID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return next, nil
}

// ListByBug returns events for a bug with sequence numbers greater than
// sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByBug(ctx context.Context, db *sql.DB, bugID string, sinceSeq int64) ([]domain.BugEvent, error) {
	const q = `SELECT id, bug_id, seq_no, cycle, from_phase, to_phase, timer, promo_count, verify_attempts, created_at
FROM bug_events
WHERE bug_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, bugID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.BugEvent
	for rows.Next() {
		var e domain.BugEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.BugID, &e.SeqNo, &e.Cycle, &from, &to,
			&e.Timer, &e.PromoCount, &e.VerifyAttempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.FromPhase = domain.Phase(from)
		e.ToPhase = domain.Phase(to)
		events = append(events, e)
	}
	return events, rows.Err()
}
