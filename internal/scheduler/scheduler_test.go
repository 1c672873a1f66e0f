package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/provider"
	"github.com/Rogers-F/bugloop/internal/store"
	"github.com/Rogers-F/bugloop/internal/telemetry"
)

const testPatch = `diff --git a/cache/lru.go b/cache/lru.go
index 1111111..2222222 100644
--- a/cache/lru.go
+++ b/cache/lru.go
@@ -1,3 +1,3 @@
 package cache
-const size = 0
+const size = 128
 // end
`

// cyclesToDone is how long a bug lives under the default parameters and the
// two-try verifier: 4 phases of 3 ticks, then two canary/smoke rounds.
const cyclesToDone = 20

var _ Journal = (*store.Journal)(nil)

type memJournal struct {
	mu         sync.Mutex
	tickets    []domain.BugTicket
	promotions map[string]int64
	events     []domain.BugEvent
	outcomes   []domain.Outcome
	violations []string
}

func newMemJournal() *memJournal {
	return &memJournal{promotions: make(map[string]int64)}
}

func (j *memJournal) RecordTicket(_ context.Context, t domain.BugTicket) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tickets = append(j.tickets, t)
	return nil
}

func (j *memJournal) RecordPromotion(_ context.Context, id string, cycle int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.promotions[id] = cycle
	return nil
}

func (j *memJournal) RecordTransition(_ context.Context, ev domain.BugEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) RecordOutcome(_ context.Context, o domain.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *memJournal) RecordViolation(_ context.Context, id string, _ int64, _ error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.violations = append(j.violations, id)
	return nil
}

func (j *memJournal) eventsFor(id string) []domain.BugEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.BugEvent
	for _, e := range j.events {
		if e.BugID == id {
			out = append(out, e)
		}
	}
	return out
}

type testAgents struct {
	observer *provider.Scripted
	analyst  *provider.Scripted
	verifier *provider.Scripted
}

func (a testAgents) roles() provider.Roles {
	return provider.Roles{Observer: a.observer, Analyst: a.analyst, Verifier: a.verifier}
}

// twoTryAgents fail every bug's first verification and pass the second.
func twoTryAgents() testAgents {
	a := testAgents{
		observer: provider.NewScripted(),
		analyst:  provider.NewScripted(),
		verifier: provider.NewScripted(),
	}
	a.observer.Reply = func(context.Context, string) (string, error) {
		return `{"summary":"eviction never runs"}`, nil
	}
	a.analyst.Reply = func(context.Context, string) (string, error) {
		return testPatch, nil
	}
	a.verifier.Reply = func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "first verification attempt") {
			return `{"status":"FAIL"}`, nil
		}
		return `{"status":"PASS"}`, nil
	}
	return a
}

// alwaysPassAgents break the verify sequence on the first attempt.
func alwaysPassAgents() testAgents {
	a := twoTryAgents()
	a.verifier.Reply = func(context.Context, string) (string, error) {
		return `{"status":"PASS"}`, nil
	}
	return a
}

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, agents testAgents, cfg Config) (*Scheduler, *memJournal) {
	t.Helper()
	j := newMemJournal()
	cfg.Roles = agents.roles()
	if cfg.Dispatch == "" {
		cfg.Dispatch = DispatchLockstep
	}
	if cfg.Journal == nil {
		cfg.Journal = j
	}
	cfg.Now = func() time.Time { return fixedNow }
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.dispatcher.close)
	return s, j
}

func submit(t *testing.T, s *Scheduler, id string, severity int) {
	t.Helper()
	if _, err := s.Submit(context.Background(), domain.BugTicket{
		ID: id, Severity: severity, Description: "bug " + id,
	}); err != nil {
		t.Fatalf("Submit(%s): %v", id, err)
	}
}

func runCycles(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle %d: %v", s.CycleCount(), err)
		}
	}
}

func TestNew_Rejects(t *testing.T) {
	roles := twoTryAgents().roles()
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing role", Config{Roles: provider.Roles{Observer: roles.Observer}}, domain.ErrRoleUnavailable},
		{"pool below block", Config{Roles: roles, PoolSize: 2, AgentsPerBug: 3}, domain.ErrConfigInvalid},
		{"unknown dispatch", Config{Roles: roles, Dispatch: "gossip"}, domain.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("New error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmit(t *testing.T) {
	s, j := newTestScheduler(t, twoTryAgents(), Config{})
	ctx := context.Background()

	got, err := s.Submit(ctx, domain.BugTicket{Severity: 3, Description: "timeout on login"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(got.ID) != 36 {
		t.Errorf("generated ID = %q, want a uuid", got.ID)
	}
	if !got.ArrivalTS.Equal(fixedNow) || got.ArrivalTick != 0 {
		t.Errorf("arrival = %v tick %d, want %v tick 0", got.ArrivalTS, got.ArrivalTick, fixedNow)
	}
	if len(j.tickets) != 1 {
		t.Errorf("journaled tickets = %d, want 1", len(j.tickets))
	}

	invalid := []domain.BugTicket{
		{Severity: 0, Description: "x"},
		{Severity: 6, Description: "x"},
		{Severity: 2},
	}
	for _, tk := range invalid {
		if _, err := s.Submit(ctx, tk); !errors.Is(err, domain.ErrTicketInvalid) {
			t.Errorf("Submit(%+v) error = %v, want ErrTicketInvalid", tk, err)
		}
	}

	if _, err := s.Submit(ctx, domain.BugTicket{ID: got.ID, Severity: 1, Description: "again"}); !errors.Is(err, domain.ErrDuplicateBug) {
		t.Errorf("duplicate Submit error = %v, want ErrDuplicateBug", err)
	}
}

func TestCycle_FourTicketsFillThePool(t *testing.T) {
	tests := []struct {
		name       string
		severities []int
	}{
		{"ranked by severity", []int{5, 4, 3, 1}},
		{"equal severity falls back to id", []int{3, 3, 3, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, twoTryAgents(), Config{})
			for i, sev := range tt.severities {
				submit(t, s, fmt.Sprintf("b%d", i+1), sev)
			}

			runCycles(t, s, 1)

			st := s.Snapshot()
			if st.FreeAgents != 0 {
				t.Errorf("FreeAgents = %d, want 0", st.FreeAgents)
			}
			if len(st.Live) != 3 {
				t.Fatalf("live = %d, want 3", len(st.Live))
			}
			if len(st.Backlog) != 1 || st.Backlog[0].ID != "b4" {
				t.Errorf("backlog = %+v, want only b4", st.Backlog)
			}
			for _, b := range st.Live {
				if b.Phase != domain.PhaseRepro || b.Timer != 3 || b.FreeAgents != 0 {
					t.Errorf("%s = %s timer %d free %d, want REPRO timer 3 free 0", b.ID, b.Phase, b.Timer, b.FreeAgents)
				}
			}
		})
	}
}

func TestCycle_SingleBugLifecycle(t *testing.T) {
	agents := twoTryAgents()
	s, j := newTestScheduler(t, agents, Config{})
	submit(t, s, "b1", 4)

	runCycles(t, s, cyclesToDone-1)
	if _, ok := s.Outcome("b1"); ok {
		t.Fatalf("b1 retired before cycle %d", cyclesToDone)
	}
	runCycles(t, s, 1)

	o, ok := s.Outcome("b1")
	if !ok {
		t.Fatalf("b1 not retired after %d cycles", cyclesToDone)
	}
	if o.FinalPhase != domain.PhaseDone || o.Cycle != cyclesToDone {
		t.Errorf("outcome = %s at cycle %d, want DONE at %d", o.FinalPhase, o.Cycle, cyclesToDone)
	}
	if o.Artifacts.ObserverReport == "" || o.Artifacts.PatchBundle == "" {
		t.Errorf("artifacts missing: %+v", o.Artifacts)
	}
	if !o.Artifacts.FirstFailSeen || !o.Artifacts.Completed {
		t.Errorf("verify flags = %v/%v, want true/true", o.Artifacts.FirstFailSeen, o.Artifacts.Completed)
	}

	want := []domain.Phase{
		domain.PhaseRepro, domain.PhasePatch, domain.PhaseVerify, domain.PhasePatch, domain.PhaseVerify,
		domain.PhaseCanary, domain.PhaseSmoke, domain.PhaseCanary, domain.PhaseSmoke, domain.PhaseDone,
	}
	events := j.eventsFor("b1")
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.ToPhase != want[i] {
			t.Errorf("events[%d].ToPhase = %s, want %s", i, ev.ToPhase, want[i])
		}
	}

	if got := []int{agents.observer.Calls(), agents.analyst.Calls(), agents.verifier.Calls()}; !reflect.DeepEqual(got, []int{1, 2, 2}) {
		t.Errorf("calls observer/analyst/verifier = %v, want [1 2 2]", got)
	}
	if j.promotions["b1"] != 1 {
		t.Errorf("promotion cycle = %d, want 1", j.promotions["b1"])
	}
	if len(j.outcomes) != 1 {
		t.Errorf("journaled outcomes = %d, want 1", len(j.outcomes))
	}
	if st := s.Snapshot(); st.FreeAgents != 9 || len(st.Live) != 0 || st.Retired != 1 {
		t.Errorf("after retirement: free=%d live=%d retired=%d", st.FreeAgents, len(st.Live), st.Retired)
	}
}

func TestCycle_CapacityInvariantHolds(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{})
	for i := 1; i <= 7; i++ {
		submit(t, s, fmt.Sprintf("b%02d", i), i%5+1)
	}

	for c := 0; c < 3*cyclesToDone+5; c++ {
		runCycles(t, s, 1)
		st := s.Snapshot()
		if st.FreeAgents < 0 || st.FreeAgents > st.Capacity {
			t.Fatalf("cycle %d: FreeAgents = %d out of [0,%d]", st.Cycle, st.FreeAgents, st.Capacity)
		}
		if st.FreeAgents+3*len(st.Live) != st.Capacity {
			t.Fatalf("cycle %d: free %d + 3*%d live != %d", st.Cycle, st.FreeAgents, len(st.Live), st.Capacity)
		}
		if len(st.Live) > 3 {
			t.Fatalf("cycle %d: %d live bugs, max 3", st.Cycle, len(st.Live))
		}
		for _, b := range st.Live {
			if b.FreeAgents < 0 || b.FreeAgents > 3 {
				t.Fatalf("cycle %d: %s local free = %d", st.Cycle, b.ID, b.FreeAgents)
			}
		}
	}

	outcomes := s.Outcomes()
	if len(outcomes) != 7 {
		t.Fatalf("outcomes = %d, want 7", len(outcomes))
	}
	for _, o := range outcomes {
		if o.FinalPhase != domain.PhaseDone || !o.Artifacts.Completed {
			t.Errorf("%s = %s completed=%v, want DONE completed", o.BugID, o.FinalPhase, o.Artifacts.Completed)
		}
	}
}

func TestCycle_Deterministic(t *testing.T) {
	run := func() ([]domain.BugEvent, []domain.Outcome) {
		s, j := newTestScheduler(t, twoTryAgents(), Config{})
		for i, sev := range []int{2, 5, 3, 5, 1} {
			submit(t, s, fmt.Sprintf("bug-%d", i), sev)
		}
		runCycles(t, s, 2*cyclesToDone+2)
		return j.events, s.Outcomes()
	}

	events1, outcomes1 := run()
	events2, outcomes2 := run()
	if !reflect.DeepEqual(events1, events2) {
		t.Error("event sequences differ between identical runs")
	}
	if !reflect.DeepEqual(outcomes1, outcomes2) {
		t.Errorf("outcomes differ:\n%+v\n%+v", outcomes1, outcomes2)
	}
	if len(outcomes1) != 5 {
		t.Errorf("outcomes = %d, want 5", len(outcomes1))
	}
}

func TestCycle_CoordinatorReused(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{})
	submit(t, s, "first", 3)
	runCycles(t, s, cyclesToDone)

	if len(s.idle) != 1 {
		t.Fatalf("idle coordinators = %d, want 1", len(s.idle))
	}
	c := s.idle[0]
	if c.BugID() != "" || c.LastPhase() != domain.PhaseNone || !c.Artifacts().Empty() {
		t.Errorf("idle coordinator not reset: bug=%q last=%q", c.BugID(), c.LastPhase())
	}

	submit(t, s, "second", 3)
	runCycles(t, s, 1)
	if len(s.idle) != 0 {
		t.Errorf("idle coordinators = %d, want 0 after reuse", len(s.idle))
	}
	if s.live["second"].coord != c {
		t.Error("second bug did not get the idle coordinator")
	}

	runCycles(t, s, cyclesToDone-1)
	if o, ok := s.Outcome("second"); !ok || o.FinalPhase != domain.PhaseDone || !o.Artifacts.Completed {
		t.Errorf("second outcome = %+v (found %v), want DONE completed", o, ok)
	}
}

func TestCycle_ViolationIsFatal(t *testing.T) {
	s, _ := newTestScheduler(t, alwaysPassAgents(), Config{})
	submit(t, s, "b1", 2)

	var err error
	for i := 0; i < cyclesToDone && err == nil; i++ {
		err = s.Cycle(context.Background())
	}
	if !errors.Is(err, domain.ErrInconsistentVerify) {
		t.Fatalf("Cycle error = %v, want ErrInconsistentVerify", err)
	}
	if s.CycleCount() != 7 {
		t.Errorf("failed at cycle %d, want 7", s.CycleCount())
	}
}

func TestCycle_AnalystWithoutDiffIsFatal(t *testing.T) {
	agents := twoTryAgents()
	agents.analyst.Reply = func(context.Context, string) (string, error) {
		return "Raise the cache size to 128 and the bug goes away.", nil
	}
	s, _ := newTestScheduler(t, agents, Config{})
	submit(t, s, "b1", 3)

	var err error
	for i := 0; i < cyclesToDone && err == nil; i++ {
		err = s.Cycle(context.Background())
	}
	if !errors.Is(err, domain.ErrMalformedReply) {
		t.Fatalf("Cycle error = %v, want ErrMalformedReply", err)
	}
	if s.CycleCount() != 4 {
		t.Errorf("failed at cycle %d, want 4 (first PATCH entry)", s.CycleCount())
	}
	if agents.analyst.Calls() != 1 {
		t.Errorf("analyst calls = %d, want 1", agents.analyst.Calls())
	}
	if agents.verifier.Calls() != 0 {
		t.Errorf("verifier calls = %d, want 0", agents.verifier.Calls())
	}
}

func TestCycle_ViolationIsolated(t *testing.T) {
	metrics := telemetry.NewMetrics(nil)
	s, j := newTestScheduler(t, alwaysPassAgents(), Config{IsolateViolations: true, Metrics: metrics})
	submit(t, s, "bad", 2)
	submit(t, s, "also-bad", 4)

	runCycles(t, s, 7)

	for _, id := range []string{"bad", "also-bad"} {
		o, ok := s.Outcome(id)
		if !ok {
			t.Fatalf("%s not retired", id)
		}
		if o.FinalPhase != domain.PhaseEscalate || o.Cycle != 7 {
			t.Errorf("%s = %s at cycle %d, want ESCALATE at 7", id, o.FinalPhase, o.Cycle)
		}
	}
	if len(j.violations) != 2 {
		t.Errorf("journaled violations = %v, want 2", j.violations)
	}
	if got := testutil.ToFloat64(metrics.Violations.WithLabelValues("isolated")); got != 2 {
		t.Errorf("isolated violations metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Retirements.WithLabelValues("ESCALATE")); got != 2 {
		t.Errorf("ESCALATE retirements metric = %v, want 2", got)
	}
	if st := s.Snapshot(); st.FreeAgents != 9 {
		t.Errorf("FreeAgents = %d, want 9", st.FreeAgents)
	}
}

func TestRotation(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{})
	for _, id := range []string{"c", "a", "b"} {
		submit(t, s, id, 3)
	}
	if _, err := s.Promote(context.Background()); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	want := [][]string{{"a", "b", "c"}, {"b", "c", "a"}, {"c", "a", "b"}, {"a", "b", "c"}}
	for i, w := range want {
		s.mu.Lock()
		got := s.rotationLocked()
		s.mu.Unlock()
		if !reflect.DeepEqual(got, w) {
			t.Errorf("rotation %d = %v, want %v", i, got, w)
		}
	}
}

func TestPromote_RespectsRanking(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{MaxParallel: 1})
	submit(t, s, "low", 1)
	submit(t, s, "high", 5)

	n, err := s.Promote(context.Background())
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}
	if _, ok := s.LiveBug("high"); !ok {
		t.Error("high-severity ticket was not promoted first")
	}
	if bl := s.Backlog(); len(bl) != 1 || bl[0].ID != "low" {
		t.Errorf("backlog = %+v, want low", bl)
	}
}

func TestSetTicksPerPhase(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{})

	if got := s.SetTicksPerPhase(10); got != 4 {
		t.Errorf("SetTicksPerPhase(10) = %d, want 4", got)
	}
	submit(t, s, "b1", 3)
	runCycles(t, s, 1)
	if b, _ := s.LiveBug("b1"); b.Timer != 4 {
		t.Errorf("timer = %d, want 4", b.Timer)
	}

	if got := s.SetTicksPerPhase(1); got != 2 {
		t.Errorf("SetTicksPerPhase(1) = %d, want 2", got)
	}
	runCycles(t, s, 4)
	if b, _ := s.LiveBug("b1"); b.Phase != domain.PhasePatch || b.Timer != 2 {
		t.Errorf("b1 = %s timer %d, want PATCH timer 2", b.Phase, b.Timer)
	}
}

func TestRecordEntropy(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{})
	if err := s.RecordEntropy("ghost", 1); !errors.Is(err, domain.ErrBugNotFound) {
		t.Errorf("RecordEntropy(ghost) = %v, want ErrBugNotFound", err)
	}

	submit(t, s, "b1", 3)
	runCycles(t, s, 1)
	if err := s.RecordEntropy("b1", 2.5); err != nil {
		t.Fatalf("RecordEntropy: %v", err)
	}
	b, _ := s.LiveBug("b1")
	if b.EntropyBits != 2.5 || b.Phase != domain.PhaseRepro {
		t.Errorf("b1 = %+v, want entropy 2.5 in REPRO", b)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, twoTryAgents(), Config{PacingInterval: time.Millisecond})
	submit(t, s, "b1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := s.Outcome("b1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("b1 did not retire in time")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ReturnsFatalError(t *testing.T) {
	s, _ := newTestScheduler(t, alwaysPassAgents(), Config{PacingInterval: time.Millisecond})
	submit(t, s, "b1", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, domain.ErrInconsistentVerify) {
		t.Errorf("Run = %v, want ErrInconsistentVerify", err)
	}
}

func cycleUntilRetired(t *testing.T, s *Scheduler, id string, max int) domain.Outcome {
	t.Helper()
	for i := 0; i < max; i++ {
		if o, ok := s.Outcome(id); ok {
			return o
		}
		runCycles(t, s, 1)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s not retired after %d cycles", id, max)
	return domain.Outcome{}
}

func TestAsyncDispatch_Lifecycle(t *testing.T) {
	agents := twoTryAgents()
	s, _ := newTestScheduler(t, agents, Config{Dispatch: DispatchAsync})
	submit(t, s, "b1", 3)

	o := cycleUntilRetired(t, s, "b1", 3*cyclesToDone)
	if o.FinalPhase != domain.PhaseDone || o.Cycle != cyclesToDone {
		t.Errorf("outcome = %s at %d, want DONE at %d", o.FinalPhase, o.Cycle, cyclesToDone)
	}
	if agents.observer.Calls() != 1 {
		t.Errorf("observer calls = %d, want 1", agents.observer.Calls())
	}
	if agents.analyst.Calls() == 0 {
		t.Error("analyst never called")
	}
}

func TestAsyncDispatch_IsolatesViolation(t *testing.T) {
	s, j := newTestScheduler(t, alwaysPassAgents(), Config{Dispatch: DispatchAsync, IsolateViolations: true})
	submit(t, s, "b1", 3)

	o := cycleUntilRetired(t, s, "b1", 3*cyclesToDone)
	if o.FinalPhase != domain.PhaseEscalate {
		t.Errorf("outcome = %s, want ESCALATE", o.FinalPhase)
	}
	if len(j.violations) != 1 {
		t.Errorf("violations = %v, want one", j.violations)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncDispatch_StuckCallDoesNotStallOthers(t *testing.T) {
	agents := twoTryAgents()
	returned := make(chan struct{})
	agents.observer.Reply = func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "on bug a (") {
			<-ctx.Done()
			close(returned)
			return "", ctx.Err()
		}
		return `{"summary":"eviction never runs"}`, nil
	}
	var logs syncBuffer
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: &logs})
	s, _ := newTestScheduler(t, agents, Config{Dispatch: DispatchAsync, Logger: logger})
	submit(t, s, "a", 3)
	submit(t, s, "b", 3)

	for i := 0; i < cyclesToDone-1; i++ {
		runCycles(t, s, 1)
		time.Sleep(2 * time.Millisecond)
	}
	if s.CycleCount() != cyclesToDone-1 {
		t.Fatalf("CycleCount = %d, want %d", s.CycleCount(), cyclesToDone-1)
	}
	a, ok := s.LiveBug("a")
	if !ok {
		t.Fatal("a is not live")
	}
	if a.Artifacts.ObserverReport != "" || a.AgentCalls != 1 {
		t.Errorf("a artifacts = %+v calls %d, want the observer call still pending", a.Artifacts, a.AgentCalls)
	}
	b, ok := s.LiveBug("b")
	if !ok {
		t.Fatal("b is not live")
	}
	if !b.Artifacts.Completed {
		t.Errorf("b artifacts = %+v, want completed while a is stuck", b.Artifacts)
	}

	runCycles(t, s, 1)
	for _, id := range []string{"a", "b"} {
		o, ok := s.Outcome(id)
		if !ok || o.FinalPhase != domain.PhaseDone {
			t.Errorf("%s outcome = %+v (retired %v), want DONE", id, o, ok)
		}
	}
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("stuck observer call was not cancelled at retirement")
	}
	if out := logs.String(); !strings.Contains(out, "incomplete artifacts") || !strings.Contains(out, "bug_id=a") {
		t.Errorf("expected an incomplete-artifacts warning for a, got:\n%s", out)
	}
}

func TestCycle_JournalsToSQLite(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	journal := store.NewJournal(db)

	s, _ := newTestScheduler(t, twoTryAgents(), Config{Journal: journal})
	submit(t, s, "b1", 4)
	runCycles(t, s, cyclesToDone)

	ctx := context.Background()
	rec, err := journal.Ticket(ctx, "b1")
	if err != nil {
		t.Fatalf("Ticket: %v", err)
	}
	if rec.PromotedCycle != 1 {
		t.Errorf("PromotedCycle = %d, want 1", rec.PromotedCycle)
	}
	events, err := journal.EventsFor(ctx, "b1")
	if err != nil {
		t.Fatalf("EventsFor: %v", err)
	}
	if len(events) != 10 || events[9].ToPhase != domain.PhaseDone {
		t.Errorf("events = %d, want 10 ending in DONE", len(events))
	}
	o, err := journal.OutcomeFor(ctx, "b1")
	if err != nil {
		t.Fatalf("OutcomeFor: %v", err)
	}
	if o.FinalPhase != domain.PhaseDone || !o.Artifacts.Completed {
		t.Errorf("stored outcome = %+v", o)
	}
}
