package scheduler

import (
	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/workflow"
)

// BugStatus is a read-only view of one live bug.
type BugStatus struct {
	ID             string           `json:"id"`
	Phase          domain.Phase     `json:"phase"`
	Timer          int              `json:"timer"`
	PromoCount     int              `json:"promo_count"`
	VerifyAttempts int              `json:"verify_attempts"`
	Severity       int              `json:"severity"`
	EntropyBits    float64          `json:"entropy_bits"`
	FreeAgents     int              `json:"free_agents"`
	Description    string           `json:"description"`
	PromotedCycle  int64            `json:"promoted_cycle"`
	Coordinated    domain.Phase     `json:"coordinated_phase"`
	Artifacts      domain.Artifacts `json:"artifacts"`
	AgentCalls     int              `json:"agent_calls"`
	PhaseHistory   []domain.Phase   `json:"phase_history"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Cycle      int64              `json:"cycle"`
	FreeAgents int                `json:"free_agents"`
	Capacity   int                `json:"capacity"`
	Live       []BugStatus        `json:"live"`
	Backlog    []domain.BugTicket `json:"backlog"`
	Retired    int                `json:"retired"`
}

// Snapshot returns the current status. Live bugs are ordered by id and the
// backlog in promotion order.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Cycle:      s.cycle,
		FreeAgents: s.pool.Free(),
		Capacity:   s.pool.Capacity(),
		Live:       make([]BugStatus, 0, len(s.live)),
		Backlog:    workflow.RankTickets(s.backlog, s.cycle, s.cfg.Scorer),
		Retired:    len(s.retired),
	}
	for _, id := range s.sortedLiveLocked() {
		st.Live = append(st.Live, s.statusLocked(s.live[id]))
	}
	return st
}

// LiveBug returns the status of a live bug.
func (s *Scheduler) LiveBug(bugID string) (BugStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.live[bugID]
	if !ok {
		return BugStatus{}, false
	}
	return s.statusLocked(lc), true
}

// Backlog returns the waiting tickets in promotion order.
func (s *Scheduler) Backlog() []domain.BugTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return workflow.RankTickets(s.backlog, s.cycle, s.cfg.Scorer)
}

// Outcome returns the outcome of a retired bug.
func (s *Scheduler) Outcome(bugID string) (domain.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[bugID]
	return o, ok
}

// Outcomes returns every outcome in retirement order.
func (s *Scheduler) Outcomes() []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Outcome, 0, len(s.retired))
	for _, id := range s.retired {
		out = append(out, s.outcomes[id])
	}
	return out
}

func (s *Scheduler) statusLocked(lc *liveContext) BugStatus {
	bug := lc.engine.Bug()
	return BugStatus{
		ID:             bug.ID,
		Phase:          bug.Phase,
		Timer:          bug.Timer,
		PromoCount:     bug.PromoCount,
		VerifyAttempts: bug.VerifyAttempts,
		Severity:       bug.Severity,
		EntropyBits:    bug.EntropyBits,
		FreeAgents:     lc.engine.Free(),
		Description:    lc.ticket.Description,
		PromotedCycle:  lc.promoted,
		Coordinated:    lc.coord.LastPhase(),
		Artifacts:      lc.coord.Artifacts(),
		AgentCalls:     lc.coord.Calls(),
		PhaseHistory:   lc.engine.History(),
	}
}
