package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// TicketRepo handles persistence for submitted BugTickets.
type TicketRepo struct{}

// TicketRecord is a stored ticket plus the cycle it was promoted in
// (-1 while it is still in the backlog).
type TicketRecord struct {
	domain.BugTicket
	PromotedCycle int64 `json:"promoted_cycle"`
}

// Insert stores a newly submitted ticket.
func (r *TicketRepo) Insert(ctx context.Context, db *sql.DB, t domain.BugTicket) error {
	const q = `INSERT INTO tickets (bug_id, severity, description, arrival_ts, arrival_tick)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		t.ID,
		t.Severity,
		t.Description,
		t.ArrivalTS.UnixNano(),
		t.ArrivalTick,
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// MarkPromoted records the cycle a ticket left the backlog.
func (r *TicketRepo) MarkPromoted(ctx context.Context, db *sql.DB, bugID string, cycle int64) error {
	const q = `UPDATE tickets SET promoted_cycle = ? WHERE bug_id = ?`
	res, err := db.ExecContext(ctx, q, cycle, bugID)
	if err != nil {
		return fmt.Errorf("mark ticket promoted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrBugNotFound
	}
	return nil
}

// GetByID retrieves a ticket by bug id.
func (r *TicketRepo) GetByID(ctx context.Context, db *sql.DB, bugID string) (*TicketRecord, error) {
	const q = `SELECT bug_id, severity, description, arrival_ts, arrival_tick, promoted_cycle
FROM tickets WHERE bug_id = ?`

	var rec TicketRecord
	var arrival int64
	err := db.QueryRowContext(ctx, q, bugID).Scan(&rec.ID, &rec.Severity, &rec.Description,
		&arrival, &rec.ArrivalTick, &rec.PromotedCycle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBugNotFound
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	rec.ArrivalTS = time.Unix(0, arrival)
	return &rec, nil
}
