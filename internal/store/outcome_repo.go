package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// OutcomeRepo handles persistence for retirement Outcomes.
type OutcomeRepo struct{}

// Save stores the outcome of a retired bug. A bug retires once.
func (r *OutcomeRepo) Save(ctx context.Context, db *sql.DB, o domain.Outcome) error {
	const q = `INSERT INTO outcomes (bug_id, final_phase, observer_report, patch_bundle, first_fail_seen, completed, cycle, retired_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		o.BugID,
		string(o.FinalPhase),
		o.Artifacts.ObserverReport,
		o.Artifacts.PatchBundle,
		boolToInt(o.Artifacts.FirstFailSeen),
		boolToInt(o.Artifacts.Completed),
		o.Cycle,
		o.RetiredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

// GetByBug returns the outcome of bugID, or ErrBugNotFound.
func (r *OutcomeRepo) GetByBug(ctx context.Context, db *sql.DB, bugID string) (*domain.Outcome, error) {
	const q = `SELECT bug_id, final_phase, observer_report, patch_bundle, first_fail_seen, completed, cycle, retired_at
FROM outcomes WHERE bug_id = ?`

	o, err := scanOutcome(db.QueryRowContext(ctx, q, bugID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBugNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	return o, nil
}

// ListRecent returns up to limit outcomes, most recently retired first.
func (r *OutcomeRepo) ListRecent(ctx context.Context, db *sql.DB, limit int) ([]domain.Outcome, error) {
	const q = `SELECT bug_id, final_phase, observer_report, patch_bundle, first_fail_seen, completed, cycle, retired_at
FROM outcomes
ORDER BY cycle DESC, bug_id ASC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*domain.Outcome, error) {
	var o domain.Outcome
	var phase string
	var seen, completed int
	var retired int64
	if err := row.Scan(&o.BugID, &phase, &o.Artifacts.ObserverReport, &o.Artifacts.PatchBundle,
		&seen, &completed, &o.Cycle, &retired); err != nil {
		return nil, err
	}
	o.FinalPhase = domain.Phase(phase)
	o.Artifacts.FirstFailSeen = seen != 0
	o.Artifacts.Completed = completed != 0
	o.RetiredAt = time.Unix(0, retired)
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
