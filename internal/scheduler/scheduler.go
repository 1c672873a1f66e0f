// Package scheduler runs the bug-resolution loop: it promotes backlog
// tickets into live bugs, ticks their state machines, drives their
// coordinators and retires them when they reach a terminal phase.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Rogers-F/bugloop/internal/bridge"
	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/provider"
	"github.com/Rogers-F/bugloop/internal/team"
	"github.com/Rogers-F/bugloop/internal/telemetry"
	"github.com/Rogers-F/bugloop/internal/workflow"
)

// Dispatch strategies.
const (
	DispatchLockstep = "lockstep"
	DispatchAsync    = "async"
)

const defaultPacing = 500 * time.Millisecond

var ticketValidate = validator.New()

// Journal receives the scheduler's durable record. *store.Journal
// implements it. Failures are logged and never stop the loop.
type Journal interface {
	RecordTicket(ctx context.Context, t domain.BugTicket) error
	RecordPromotion(ctx context.Context, bugID string, cycle int64) error
	RecordTransition(ctx context.Context, ev domain.BugEvent) error
	RecordOutcome(ctx context.Context, o domain.Outcome) error
	RecordViolation(ctx context.Context, bugID string, cycle int64, violation error) error
}

// Config holds the scheduler's tunables and collaborators.
type Config struct {
	PoolSize       int
	AgentsPerBug   int
	MaxParallel    int
	TicksPerPhase  int
	PromotionLimit int

	PacingInterval     time.Duration
	// Dispatch is DispatchAsync (default) or DispatchLockstep. Lockstep
	// waits for every call each cycle, so one stuck agent stalls the loop.
	Dispatch           string
	MaxConcurrentCalls int
	IsolateViolations  bool

	Roles       provider.Roles
	Coordinator bridge.Options
	Scorer      workflow.Scorer
	Rule        workflow.OutcomeRule
	Journal     Journal
	Logger      *logging.Logger
	Metrics     *telemetry.Metrics
	// Now stamps arrivals and retirements. Defaults to time.Now.
	Now func() time.Time
}

type liveContext struct {
	ticket   domain.BugTicket
	engine   *workflow.Engine
	coord    *bridge.Coordinator
	promoted int64
}

// Scheduler owns the backlog, the live bugs and the agent pool.
type Scheduler struct {
	cfg        Config
	pool       *team.Pool
	dispatcher dispatcher
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	journal    Journal

	// cycleMu serializes Cycle; mu guards everything below.
	cycleMu sync.Mutex
	mu      sync.Mutex

	params   workflow.Params
	cycle    int64
	backlog  []domain.BugTicket
	live     map[string]*liveContext
	rotation []string
	offset   int
	idle     []*bridge.Coordinator
	outcomes map[string]domain.Outcome
	retired  []string
}

// New validates cfg and creates an idle scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = domain.DefaultPoolSize
	}
	if cfg.AgentsPerBug == 0 {
		cfg.AgentsPerBug = domain.DefaultAgentsPerBug
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = domain.DefaultMaxParallel
	}
	if cfg.TicksPerPhase == 0 {
		cfg.TicksPerPhase = domain.DefaultTicksPerPhase
	}
	if cfg.PromotionLimit == 0 {
		cfg.PromotionLimit = domain.DefaultPromotionLimit
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = defaultPacing
	}
	if cfg.Dispatch == "" {
		cfg.Dispatch = DispatchAsync
	}
	if cfg.Scorer == nil {
		cfg.Scorer = workflow.DefaultScorer()
	}
	if cfg.Rule == nil {
		cfg.Rule = workflow.TwoTryRule
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Coordinator.Logger == nil {
		cfg.Coordinator.Logger = cfg.Logger
	}
	if cfg.Coordinator.Metrics == nil {
		cfg.Coordinator.Metrics = cfg.Metrics
	}

	if cfg.PoolSize < cfg.AgentsPerBug {
		return nil, domain.Errorf(domain.ErrConfigInvalid,
			"pool of %d cannot hold a block of %d", cfg.PoolSize, cfg.AgentsPerBug)
	}
	if err := cfg.Roles.Validate(); err != nil {
		return nil, err
	}

	var d dispatcher
	switch cfg.Dispatch {
	case DispatchLockstep:
		d = &lockstepDispatcher{limit: cfg.MaxConcurrentCalls}
	case DispatchAsync:
		d = newAsyncDispatcher()
	default:
		return nil, domain.Errorf(domain.ErrConfigInvalid, "unknown dispatch strategy %q", cfg.Dispatch)
	}

	params := workflow.Params{
		AgentsPerBug:   cfg.AgentsPerBug,
		TicksPerPhase:  workflow.ClampTicks(cfg.TicksPerPhase),
		PromotionLimit: cfg.PromotionLimit,
		Capacity:       cfg.AgentsPerBug,
	}

	return &Scheduler{
		cfg:        cfg,
		pool:       team.NewPool(cfg.PoolSize, cfg.AgentsPerBug),
		dispatcher: d,
		logger:     cfg.Logger.With("component", "scheduler"),
		metrics:    cfg.Metrics,
		journal:    cfg.Journal,
		params:     params,
		live:       make(map[string]*liveContext),
		outcomes:   make(map[string]domain.Outcome),
	}, nil
}

// Submit validates a ticket and appends it to the backlog. An empty ID is
// replaced with a fresh uuid. The stored ticket is returned.
func (s *Scheduler) Submit(ctx context.Context, t domain.BugTicket) (domain.BugTicket, error) {
	if err := ticketValidate.Struct(t); err != nil {
		return domain.BugTicket{}, domain.WrapEngineError(domain.ErrTicketInvalid.Code, "invalid ticket", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.knownLocked(t.ID) {
		s.mu.Unlock()
		return domain.BugTicket{}, domain.Errorf(domain.ErrDuplicateBug, "bug %s already submitted", t.ID)
	}
	t.ArrivalTS = s.cfg.Now()
	t.ArrivalTick = s.cycle
	s.backlog = append(s.backlog, t)
	s.updateGaugesLocked()
	s.mu.Unlock()

	if err := s.journal.RecordTicket(ctx, t); err != nil {
		s.logger.Warn("journal ticket failed", "bug_id", t.ID, "error", err)
	}
	s.logger.Info("ticket submitted", "bug_id", t.ID, "severity", t.Severity)
	return t, nil
}

func (s *Scheduler) knownLocked(id string) bool {
	if _, ok := s.live[id]; ok {
		return true
	}
	if _, ok := s.outcomes[id]; ok {
		return true
	}
	for _, t := range s.backlog {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Promote moves the best-ranked tickets into live bugs while capacity lasts
// and returns how many were promoted.
func (s *Scheduler) Promote(ctx context.Context) (int, error) {
	promoted := 0
	for {
		s.mu.Lock()
		if len(s.live) >= s.cfg.MaxParallel || !s.pool.CanAllocate() || len(s.backlog) == 0 {
			s.updateGaugesLocked()
			s.mu.Unlock()
			return promoted, nil
		}

		best := workflow.RankTickets(s.backlog, s.cycle, s.cfg.Scorer)[0]
		if err := s.pool.Allocate(best.ID); err != nil {
			s.mu.Unlock()
			return promoted, err
		}
		coord := s.takeCoordinatorLocked()
		if err := coord.Bind(best); err != nil {
			_ = s.pool.Release(best.ID)
			s.mu.Unlock()
			return promoted, err
		}
		engine := workflow.NewEngine(domain.Bug{
			ID:       best.ID,
			Phase:    domain.PhaseWait,
			Severity: best.Severity,
		}, s.pool.BlockSize(), s.params, s.cfg.Rule)

		s.live[best.ID] = &liveContext{ticket: best, engine: engine, coord: coord, promoted: s.cycle}
		s.removeBacklogLocked(best.ID)
		s.rebuildRotationLocked()
		cycle := s.cycle
		s.mu.Unlock()

		if err := s.journal.RecordPromotion(ctx, best.ID, cycle); err != nil {
			s.logger.Warn("journal promotion failed", "bug_id", best.ID, "error", err)
		}
		s.logger.Info("bug promoted", "bug_id", best.ID, "severity", best.Severity, "cycle", cycle)
		promoted++
		runtime.Gosched()
	}
}

func (s *Scheduler) takeCoordinatorLocked() *bridge.Coordinator {
	if n := len(s.idle); n > 0 {
		c := s.idle[n-1]
		s.idle = s.idle[:n-1]
		return c
	}
	return bridge.NewCoordinator(s.cfg.Roles, s.cfg.Coordinator)
}

func (s *Scheduler) removeBacklogLocked(id string) {
	for i, t := range s.backlog {
		if t.ID == id {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) rebuildRotationLocked() {
	s.rotation = s.rotation[:0]
	for id := range s.live {
		s.rotation = append(s.rotation, id)
	}
	sort.Strings(s.rotation)
}

// rotationLocked returns the live ids starting one place further along than
// the previous cycle.
func (s *Scheduler) rotationLocked() []string {
	n := len(s.rotation)
	if n == 0 {
		return nil
	}
	start := s.offset % n
	s.offset++
	out := make([]string, 0, n)
	out = append(out, s.rotation[start:]...)
	return append(out, s.rotation[:start]...)
}

func (s *Scheduler) sortedLiveLocked() []string {
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cycle runs one scheduling cycle. The returned error is fatal.
func (s *Scheduler) Cycle(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if err := s.handleFailures(ctx, s.dispatcher.drain()); err != nil {
		return err
	}

	s.mu.Lock()
	s.cycle++
	s.mu.Unlock()

	if _, err := s.Promote(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	cycle := s.cycle
	ids := s.sortedLiveLocked()
	for _, id := range ids {
		s.live[id].engine.DecrementTimer()
	}
	var events []domain.BugEvent
	for _, id := range ids {
		lc := s.live[id]
		from := lc.engine.Bug().Phase
		changed, err := lc.engine.Advance()
		if err != nil {
			s.mu.Unlock()
			s.metrics.Violation("capacity")
			s.logger.Error("capacity violation", "bug_id", id, "cycle", cycle, "error", err)
			return err
		}
		if changed {
			events = append(events, s.eventFor(lc.engine.Bug(), from, cycle))
		}
	}
	order := s.rotationLocked()
	jobs := make([]job, 0, len(order))
	for _, id := range order {
		lc := s.live[id]
		jobs = append(jobs, job{coord: lc.coord, bug: lc.engine.Bug()})
	}
	s.mu.Unlock()

	s.journalTransitions(ctx, events)

	if err := s.handleFailures(ctx, s.dispatcher.dispatch(ctx, jobs)); err != nil {
		return err
	}

	s.mu.Lock()
	retired, err := s.retireLocked(order, cycle)
	if err == nil {
		err = s.checkInvariantLocked()
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
	if err != nil {
		s.metrics.Violation("capacity")
		s.logger.Error("capacity violation", "cycle", cycle, "error", err)
		return err
	}
	s.metrics.CycleDone()

	for _, o := range retired {
		if err := s.journal.RecordOutcome(ctx, o); err != nil {
			s.logger.Warn("journal outcome failed", "bug_id", o.BugID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) eventFor(bug domain.Bug, from domain.Phase, cycle int64) domain.BugEvent {
	s.metrics.Transition(from, bug.Phase)
	s.logger.Debug("phase transition", "bug_id", bug.ID, "from", from, "to", bug.Phase, "cycle", cycle)
	return domain.BugEvent{
		BugID:          bug.ID,
		Cycle:          cycle,
		FromPhase:      from,
		ToPhase:        bug.Phase,
		Timer:          bug.Timer,
		PromoCount:     bug.PromoCount,
		VerifyAttempts: bug.VerifyAttempts,
		CreatedAt:      s.cfg.Now().Unix(),
	}
}

func (s *Scheduler) journalTransitions(ctx context.Context, events []domain.BugEvent) {
	for _, ev := range events {
		if err := s.journal.RecordTransition(ctx, ev); err != nil {
			s.logger.Warn("journal transition failed", "bug_id", ev.BugID, "error", err)
		}
	}
}

// handleFailures decides what each coordinator failure means for the loop.
// Stale replies are dropped and capacity violations are always fatal. With
// isolation enabled, contract violations and agent failures escalate the
// bug and the loop continues; anything else is fatal.
func (s *Scheduler) handleFailures(ctx context.Context, failures []failure) error {
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].bugID < failures[j].bugID })

	for _, f := range failures {
		switch {
		case domain.IsStale(f.err):
			s.logger.Debug("stale reply dropped", "bug_id", f.bugID)
			continue
		case domain.IsCapacityViolation(f.err):
			s.metrics.Violation("capacity")
			return f.err
		case s.cfg.IsolateViolations && domain.IsContractViolation(f.err):
			if err := s.isolate(ctx, f); err != nil {
				return err
			}
		default:
			s.logger.Error("coordinator failed", "bug_id", f.bugID, "error", f.err)
			return fmt.Errorf("bug %s: %w", f.bugID, f.err)
		}
	}
	return nil
}

func (s *Scheduler) isolate(ctx context.Context, f failure) error {
	s.mu.Lock()
	lc, ok := s.live[f.bugID]
	if !ok || lc.engine.Bug().Phase.IsTerminal() {
		s.mu.Unlock()
		s.logger.Debug("failure for settled bug ignored", "bug_id", f.bugID, "error", f.err)
		return nil
	}
	from := lc.engine.Bug().Phase
	if _, err := lc.engine.Escalate(); err != nil {
		s.mu.Unlock()
		s.metrics.Violation("capacity")
		return err
	}
	cycle := s.cycle
	ev := s.eventFor(lc.engine.Bug(), from, cycle)
	s.mu.Unlock()

	s.metrics.Violation("isolated")
	s.logger.Error("violation isolated, bug escalated", "bug_id", f.bugID, "cycle", cycle, "error", f.err)
	s.journalTransitions(ctx, []domain.BugEvent{ev})
	if err := s.journal.RecordViolation(ctx, f.bugID, cycle, f.err); err != nil {
		s.logger.Warn("journal violation failed", "bug_id", f.bugID, "error", err)
	}
	return nil
}

// retireLocked removes terminal bugs in rotation order and returns their outcomes.
func (s *Scheduler) retireLocked(order []string, cycle int64) ([]domain.Outcome, error) {
	var out []domain.Outcome
	for _, id := range order {
		lc, ok := s.live[id]
		if !ok {
			continue
		}
		bug := lc.engine.Bug()
		if !bug.Phase.IsTerminal() {
			continue
		}
		if lc.engine.Free() != s.pool.BlockSize() {
			return out, domain.Errorf(domain.ErrCapacityViolation,
				"bug %s retired holding %d of %d agents", id, lc.engine.Free(), s.pool.BlockSize())
		}

		s.dispatcher.retire(id)
		o := domain.Outcome{
			BugID:      id,
			FinalPhase: bug.Phase,
			Artifacts:  lc.coord.Artifacts(),
			Cycle:      cycle,
			RetiredAt:  s.cfg.Now(),
		}
		if bug.Phase == domain.PhaseDone && (o.Artifacts.PatchBundle == "" || !o.Artifacts.Completed) {
			// A reply still in flight at retirement is dropped as stale.
			s.logger.Warn("bug retired DONE with incomplete artifacts", "bug_id", id, "cycle", cycle,
				"has_patch", o.Artifacts.PatchBundle != "", "completed", o.Artifacts.Completed)
		}
		if err := s.pool.Release(id); err != nil {
			return out, err
		}
		lc.coord.ResetForNextBug()
		s.idle = append(s.idle, lc.coord)
		delete(s.live, id)
		s.outcomes[id] = o
		s.retired = append(s.retired, id)
		out = append(out, o)

		s.metrics.Retired(bug.Phase)
		s.logger.Info("bug retired", "bug_id", id, "outcome", bug.Phase, "cycle", cycle,
			"cycles_live", cycle-lc.promoted)
	}
	if len(out) > 0 {
		s.rebuildRotationLocked()
	}
	return out, nil
}

func (s *Scheduler) checkInvariantLocked() error {
	if err := s.pool.CheckInvariant(); err != nil {
		return err
	}
	held := s.pool.Capacity() - s.pool.Free()
	if want := len(s.live) * s.pool.BlockSize(); held != want {
		return domain.Errorf(domain.ErrCapacityViolation,
			"pool holds %d agents for %d live bugs", held, len(s.live))
	}
	return nil
}

func (s *Scheduler) updateGaugesLocked() {
	s.metrics.SetPool(s.pool.Free(), len(s.live), len(s.backlog))
}

// Run cycles every PacingInterval until ctx is done, returning nil, or a
// cycle fails, returning its error. Run stops the dispatcher on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.dispatcher.close()

	ticker := time.NewTicker(s.cfg.PacingInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "dispatch", s.cfg.Dispatch, "pool", s.pool.Capacity(),
		"max_parallel", s.cfg.MaxParallel, "pacing", s.cfg.PacingInterval)
	for {
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("scheduler stopped", "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "cycle", s.CycleCount())
			return nil
		case <-ticker.C:
		}
	}
}

// CycleCount returns the number of cycles started.
func (s *Scheduler) CycleCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// SetTicksPerPhase changes the phase countdown, clamped to the allowed
// range, for new engines and later transitions of live ones. It returns
// the value applied.
func (s *Scheduler) SetTicksPerPhase(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = s.params.WithTicksPerPhase(n)
	for _, lc := range s.live {
		lc.engine.SetTicksPerPhase(n)
	}
	return s.params.TicksPerPhase
}

// RecordEntropy stores a monitor's entropy reading on a live bug.
func (s *Scheduler) RecordEntropy(bugID string, bits float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.live[bugID]
	if !ok {
		return domain.Errorf(domain.ErrBugNotFound, "bug %s is not live", bugID)
	}
	bug := lc.engine.Bug()
	bug.EntropyBits = bits
	return lc.engine.Replace(bug)
}

type nopJournal struct{}

func (nopJournal) RecordTicket(context.Context, domain.BugTicket) error        { return nil }
func (nopJournal) RecordPromotion(context.Context, string, int64) error        { return nil }
func (nopJournal) RecordTransition(context.Context, domain.BugEvent) error     { return nil }
func (nopJournal) RecordOutcome(context.Context, domain.Outcome) error         { return nil }
func (nopJournal) RecordViolation(context.Context, string, int64, error) error { return nil }
