package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Journal composes the repos into the scheduler's write path and the HTTP
// API's read path.
type Journal struct {
	DB       *sql.DB
	Tickets  *TicketRepo
	Events   *EventRepo
	Outcomes *OutcomeRepo
	Audit    *AuditRepo
}

// NewJournal creates a Journal with default repos.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{
		DB:       db,
		Tickets:  &TicketRepo{},
		Events:   &EventRepo{},
		Outcomes: &OutcomeRepo{},
		Audit:    &AuditRepo{},
	}
}

// RecordTicket stores a submitted ticket.
func (j *Journal) RecordTicket(ctx context.Context, t domain.BugTicket) error {
	if err := j.Tickets.Insert(ctx, j.DB, t); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record ticket", err)
	}
	return nil
}

// RecordPromotion marks a ticket as promoted in cycle.
func (j *Journal) RecordPromotion(ctx context.Context, bugID string, cycle int64) error {
	if err := j.Tickets.MarkPromoted(ctx, j.DB, bugID, cycle); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record promotion", err)
	}
	return nil
}

// RecordTransition appends a phase change, assigning the next sequence
// number for the bug when ev.SeqNo is zero.
func (j *Journal) RecordTransition(ctx context.Context, ev domain.BugEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}

	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin transition tx", err)
	}
	defer tx.Rollback()

	if ev.SeqNo == 0 {
		next, err := j.Events.NextSeqTx(ctx, tx, ev.BugID)
		if err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record transition", err)
		}
		ev.SeqNo = next
	}
	if err := j.Events.AppendTx(ctx, tx, ev); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record transition", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit transition", err)
	}
	return nil
}

// RecordOutcome stores a retirement outcome.
func (j *Journal) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	if err := j.Outcomes.Save(ctx, j.DB, o); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record outcome", err)
	}
	return nil
}

// RecordViolation writes an audit record for a violation the scheduler
// isolated to one bug.
func (j *Journal) RecordViolation(ctx context.Context, bugID string, cycle int64, violation error) error {
	code := 0
	var ee *domain.EngineError
	if errors.As(violation, &ee) {
		code = ee.Code
	}
	rec := domain.AuditRecord{
		ID:       "aud-" + uuid.NewString(),
		BugID:    bugID,
		Category: "violation",
		Actor:    "scheduler",
		Action:   "force_escalate",
		RequestJSON: mustJSON(map[string]any{
			"cycle": cycle,
			"code":  code,
			"error": violation.Error(),
		}),
		DecisionJSON: mustJSON(map[string]string{"result": string(domain.PhaseEscalate)}),
		Severity:     "error",
		CreatedAt:    time.Now().Unix(),
	}
	if err := j.Audit.Record(ctx, j.DB, rec); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record violation", err)
	}
	return nil
}

// Ticket returns a stored ticket.
func (j *Journal) Ticket(ctx context.Context, bugID string) (*TicketRecord, error) {
	return j.Tickets.GetByID(ctx, j.DB, bugID)
}

// EventsFor returns every journaled transition of bugID.
func (j *Journal) EventsFor(ctx context.Context, bugID string) ([]domain.BugEvent, error) {
	events, err := j.Events.ListByBug(ctx, j.DB, bugID, 0)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list events", err)
	}
	return events, nil
}

// OutcomeFor returns the stored outcome of bugID.
func (j *Journal) OutcomeFor(ctx context.Context, bugID string) (*domain.Outcome, error) {
	return j.Outcomes.GetByBug(ctx, j.DB, bugID)
}

// AuditFor returns the audit trail of bugID.
func (j *Journal) AuditFor(ctx context.Context, bugID string) ([]domain.AuditRecord, error) {
	recs, err := j.Audit.ListByBug(ctx, j.DB, bugID)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list audit records", err)
	}
	return recs, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}
