// Package domain defines the core types for the bug-resolution scheduler.
package domain

import "time"

// Phase represents a bug's position in the resolution pipeline.
type Phase string

const (
	// PhaseNone is the sentinel a coordinator starts from. It is never a bug's phase.
	PhaseNone Phase = ""

	PhaseWait     Phase = "WAIT"
	PhaseRepro    Phase = "REPRO"
	PhasePatch    Phase = "PATCH"
	PhaseVerify   Phase = "VERIFY"
	PhaseCanary   Phase = "CANARY"
	PhaseSmoke    Phase = "SMOKE"
	PhaseDone     Phase = "DONE"
	PhaseEscalate Phase = "ESCALATE"
)

// AllPhases lists the real phases in pipeline order.
var AllPhases = []Phase{
	PhaseWait, PhaseRepro, PhasePatch, PhaseVerify,
	PhaseCanary, PhaseSmoke, PhaseDone, PhaseEscalate,
}

// IsActive reports whether the phase consumes agent capacity and runs a countdown.
func (p Phase) IsActive() bool {
	return p == PhaseRepro || p == PhasePatch || p == PhaseVerify
}

// IsTerminal reports whether the phase ends the bug's pipeline.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseEscalate
}

// Valid reports whether p is one of the real phases.
func (p Phase) Valid() bool {
	for _, q := range AllPhases {
		if p == q {
			return true
		}
	}
	return false
}

// Scheduling defaults.
const (
	DefaultPoolSize       = 9
	DefaultAgentsPerBug   = 3
	DefaultMaxParallel    = 3
	DefaultTicksPerPhase  = 3
	MinTicksPerPhase      = 2
	MaxTicksPerPhase      = 4
	DefaultPromotionLimit = 2
)

// Bug is the scheduler's view of one live bug. It is a value: transitions
// return a new Bug and never modify the receiver.
type Bug struct {
	ID             string
	Phase          Phase
	Timer          int
	PromoCount     int
	VerifyAttempts int
	Severity       int
	EntropyBits    float64
}

// BugTicket is a backlog entry awaiting promotion.
type BugTicket struct {
	ID          string    `json:"id"`
	Severity    int       `json:"severity" validate:"min=1,max=5"`
	Description string    `json:"description" validate:"required"`
	ArrivalTS   time.Time `json:"arrival_ts"`
	ArrivalTick int64     `json:"arrival_tick"`
}

// Artifacts are the outputs a coordinator collects for one bug.
type Artifacts struct {
	ObserverReport string `json:"observer_report"`
	PatchBundle    string `json:"patch_bundle"`
	FirstFailSeen  bool   `json:"first_fail_seen"`
	Completed      bool   `json:"completed"`
}

// Empty reports whether no artifact has been recorded.
func (a Artifacts) Empty() bool {
	return a == Artifacts{}
}

// Outcome is handed to downstream consumers when a bug retires.
type Outcome struct {
	BugID      string    `json:"bug_id"`
	FinalPhase Phase     `json:"final_phase"`
	Artifacts  Artifacts `json:"artifacts"`
	Cycle      int64     `json:"cycle"`
	RetiredAt  time.Time `json:"retired_at"`
}

// Role identifies which reasoning agent a coordinator is talking to.
type Role string

const (
	RoleObserver Role = "observer"
	RoleAnalyst  Role = "analyst"
	RoleVerifier Role = "verifier"
)

// AllRoles lists every role a coordinator needs.
var AllRoles = []Role{RoleObserver, RoleAnalyst, RoleVerifier}

// VerifyStatus is the verdict a verifier returns.
type VerifyStatus string

const (
	VerifyPass VerifyStatus = "PASS"
	VerifyFail VerifyStatus = "FAIL"
)

// BugEvent records one phase transition in the journal.
type BugEvent struct {
	ID             int64
	BugID          string
	SeqNo          int64
	Cycle          int64
	FromPhase      Phase
	ToPhase        Phase
	Timer          int
	PromoCount     int
	VerifyAttempts int
	CreatedAt      int64
}

// AuditRecord logs violations and other notable decisions.
type AuditRecord struct {
	ID           string
	BugID        string
	Category     string
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}
