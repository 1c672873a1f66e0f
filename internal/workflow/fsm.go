// Package workflow implements the per-bug phase state machine.
//
// Everything here is pure: functions take bug values and return new ones.
// The Engine type wraps one bug plus its local agent counter for the
// scheduler, but performs no I/O either.
package workflow

import (
	"fmt"
	"sort"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// OutcomeRule decides whether the attempt with the given index succeeds.
type OutcomeRule func(attempt int) bool

// TwoTryRule fails attempt 0 and passes every later attempt. The
// coordinator's verify-sequence check assumes this rule.
func TwoTryRule(attempt int) bool {
	return attempt >= 1
}

// Params are the tunables of the state machine.
type Params struct {
	AgentsPerBug   int
	TicksPerPhase  int
	PromotionLimit int
	// Capacity is the upper bound for the free agent counter passed to Tick.
	Capacity int
}

// DefaultParams returns the reference configuration: a 9-agent pool,
// 3 agents per bug, 3 ticks per phase and 2 promotion attempts.
func DefaultParams() Params {
	return Params{
		AgentsPerBug:   domain.DefaultAgentsPerBug,
		TicksPerPhase:  domain.DefaultTicksPerPhase,
		PromotionLimit: domain.DefaultPromotionLimit,
		Capacity:       domain.DefaultPoolSize,
	}
}

// WithTicksPerPhase returns a copy with the countdown length clamped to [2,4].
func (p Params) WithTicksPerPhase(n int) Params {
	p.TicksPerPhase = ClampTicks(n)
	return p
}

// ClampTicks bounds a tuner-supplied countdown length.
func ClampTicks(n int) int {
	if n < domain.MinTicksPerPhase {
		return domain.MinTicksPerPhase
	}
	if n > domain.MaxTicksPerPhase {
		return domain.MaxTicksPerPhase
	}
	return n
}

// validTransitions defines the legal phase transitions.
var validTransitions = map[domain.Phase]map[domain.Phase]bool{
	domain.PhaseWait:   {domain.PhaseRepro: true},
	domain.PhaseRepro:  {domain.PhasePatch: true},
	domain.PhasePatch:  {domain.PhaseVerify: true},
	domain.PhaseVerify: {domain.PhaseCanary: true, domain.PhasePatch: true}, // VERIFY->PATCH is a failed attempt
	domain.PhaseCanary: {domain.PhaseSmoke: true, domain.PhaseEscalate: true},
	domain.PhaseSmoke:  {domain.PhaseDone: true, domain.PhaseCanary: true},
}

// IsValidTransition checks if a phase transition is legal.
func IsValidTransition(from, to domain.Phase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TickTimer decrements the countdown of an active bug with time left.
func TickTimer(bug domain.Bug) domain.Bug {
	if bug.Phase.IsActive() && bug.Timer > 0 {
		bug.Timer--
	}
	return bug
}

// Transition computes the bug's next state given the agents currently free.
// The second result is the change to apply to the free agent counter.
func Transition(bug domain.Bug, freeAgents int, p Params) (domain.Bug, int) {
	return transition(bug, freeAgents, p, TwoTryRule)
}

func transition(bug domain.Bug, freeAgents int, p Params, rule OutcomeRule) (domain.Bug, int) {
	if bug.Phase == domain.PhaseWait {
		if freeAgents < p.AgentsPerBug {
			return bug, 0
		}
		bug.Phase = domain.PhaseRepro
		bug.Timer = p.TicksPerPhase
		return bug, -p.AgentsPerBug
	}

	if bug.Timer != 0 {
		return bug, 0
	}

	switch bug.Phase {
	case domain.PhaseRepro:
		bug.Phase = domain.PhasePatch
		bug.Timer = p.TicksPerPhase
		return bug, 0

	case domain.PhasePatch:
		bug.Phase = domain.PhaseVerify
		bug.Timer = p.TicksPerPhase
		return bug, 0

	case domain.PhaseVerify:
		attempt := bug.VerifyAttempts
		bug.VerifyAttempts++
		if rule(attempt) {
			bug.Phase = domain.PhaseCanary
			bug.Timer = 0
			return bug, 0
		}
		bug.Phase = domain.PhasePatch
		bug.Timer = p.TicksPerPhase
		return bug, 0

	case domain.PhaseCanary:
		if bug.PromoCount < p.PromotionLimit {
			bug.Phase = domain.PhaseSmoke
			bug.Timer = 0
			return bug, 0
		}
		bug.Phase = domain.PhaseEscalate
		bug.Timer = 0
		return bug, p.AgentsPerBug

	case domain.PhaseSmoke:
		if rule(bug.PromoCount) {
			bug.Phase = domain.PhaseDone
			bug.Timer = 0
			bug.PromoCount = 0
			return bug, p.AgentsPerBug
		}
		bug.Phase = domain.PhaseCanary
		bug.PromoCount++
		return bug, 0
	}

	return bug, 0
}

// ForceEscalate moves a non-terminal bug straight to ESCALATE. A bug that had
// already been granted agents gives them back.
func ForceEscalate(bug domain.Bug, p Params) (domain.Bug, int) {
	if bug.Phase.IsTerminal() {
		return bug, 0
	}
	delta := 0
	if bug.Phase != domain.PhaseWait {
		delta = p.AgentsPerBug
	}
	bug.Phase = domain.PhaseEscalate
	bug.Timer = 0
	return bug, delta
}

// Tick advances a set of bugs by one scheduling step. Every countdown is
// decremented before any transition runs, and transitions are applied in
// ascending id order so the result does not depend on input order.
// The resulting free count must stay within [0, p.Capacity].
func Tick(bugs []domain.Bug, freeAgents int, p Params) ([]domain.Bug, int, error) {
	return tick(bugs, freeAgents, p, TwoTryRule)
}

func tick(bugs []domain.Bug, freeAgents int, p Params, rule OutcomeRule) ([]domain.Bug, int, error) {
	next := make([]domain.Bug, len(bugs))
	for i, b := range bugs {
		next[i] = TickTimer(b)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	free := freeAgents
	for i := range next {
		var delta int
		next[i], delta = transition(next[i], free, p, rule)
		free += delta
	}

	if free < 0 || free > p.Capacity {
		return nil, freeAgents, domain.Errorf(domain.ErrCapacityViolation,
			"free=%d capacity=%d", free, p.Capacity)
	}
	return next, free, nil
}

// Engine is the execution context of a single live bug. It owns the block
// of agents granted to the bug and applies the state machine to it.
type Engine struct {
	bug     domain.Bug
	free    int
	params  Params
	rule    OutcomeRule
	history []domain.Phase
}

// NewEngine creates an engine for a fresh bug in WAIT holding granted agents.
func NewEngine(bug domain.Bug, granted int, p Params, rule OutcomeRule) *Engine {
	if rule == nil {
		rule = TwoTryRule
	}
	if bug.Phase == domain.PhaseNone {
		bug.Phase = domain.PhaseWait
	}
	p.Capacity = granted
	return &Engine{
		bug:     bug,
		free:    granted,
		params:  p,
		rule:    rule,
		history: []domain.Phase{bug.Phase},
	}
}

// Bug returns the current bug value.
func (e *Engine) Bug() domain.Bug { return e.bug }

// Free returns the engine's unused agents.
func (e *Engine) Free() int { return e.free }

// Params returns the engine's tunables.
func (e *Engine) Params() Params { return e.params }

// History returns every phase the bug has been in, oldest first.
func (e *Engine) History() []domain.Phase {
	out := make([]domain.Phase, len(e.history))
	copy(out, e.history)
	return out
}

// SetTicksPerPhase changes the countdown used by later transitions.
func (e *Engine) SetTicksPerPhase(n int) {
	e.params = e.params.WithTicksPerPhase(n)
}

// Replace swaps in a new bug value carrying the same id and phase, used by
// monitors that only touch bookkeeping fields.
func (e *Engine) Replace(bug domain.Bug) error {
	if bug.ID != e.bug.ID || bug.Phase != e.bug.Phase {
		return domain.Errorf(domain.ErrInvalidPhase, "replacement for %s changes identity or phase", e.bug.ID)
	}
	e.bug = bug
	return nil
}

// DecrementTimer applies the first half of a tick.
func (e *Engine) DecrementTimer() {
	e.bug = TickTimer(e.bug)
}

// Advance applies the second half of a tick and reports whether the phase changed.
func (e *Engine) Advance() (bool, error) {
	next, delta := transition(e.bug, e.free, e.params, e.rule)
	return e.apply(next, delta)
}

// Tick runs DecrementTimer followed by Advance.
func (e *Engine) Tick() (bool, error) {
	e.DecrementTimer()
	return e.Advance()
}

// Escalate forces the bug into ESCALATE.
func (e *Engine) Escalate() (bool, error) {
	next, delta := ForceEscalate(e.bug, e.params)
	return e.apply(next, delta)
}

func (e *Engine) apply(next domain.Bug, delta int) (bool, error) {
	free := e.free + delta
	if free < 0 || free > e.params.Capacity {
		return false, domain.Errorf(domain.ErrCapacityViolation,
			"bug %s: free=%d capacity=%d", e.bug.ID, free, e.params.Capacity)
	}
	changed := next.Phase != e.bug.Phase
	e.bug = next
	e.free = free
	if changed {
		e.history = append(e.history, next.Phase)
	}
	return changed, nil
}

// String renders the engine for logs.
func (e *Engine) String() string {
	return fmt.Sprintf("%s[%s t=%d promo=%d verify=%d free=%d]",
		e.bug.ID, e.bug.Phase, e.bug.Timer, e.bug.PromoCount, e.bug.VerifyAttempts, e.free)
}
