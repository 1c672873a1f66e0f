// Package bridge connects a live bug's phase changes to the reasoning
// agents, collecting the artifacts each phase produces.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/provider"
	"github.com/Rogers-F/bugloop/internal/review"
	"github.com/Rogers-F/bugloop/internal/telemetry"
)

// Call results reported to metrics.
const (
	resultOK    = "ok"
	resultError = "error"
	resultStale = "stale"
)

// Options carries a coordinator's optional collaborators. Zero values get
// defaults: a Validator without a file limit, the built-in prompts, a
// discarding logger and no metrics.
type Options struct {
	Validator *review.Validator
	Prompts   *PromptBuilder
	Logger    *logging.Logger
	Metrics   *telemetry.Metrics
}

// Coordinator drives the agents for one live bug at a time. It reacts only
// to phase changes, so each phase entry produces at most one agent call.
// A coordinator must be reset before it serves another bug.
type Coordinator struct {
	roles     provider.Roles
	validator *review.Validator
	prompts   *PromptBuilder
	logger    *logging.Logger
	metrics   *telemetry.Metrics

	mu        sync.Mutex
	ticket    domain.BugTicket
	bound     bool
	gen       uint64
	lastPhase domain.Phase
	artifacts domain.Artifacts
	calls     int
}

// NewCoordinator creates an unbound coordinator.
func NewCoordinator(roles provider.Roles, opts Options) *Coordinator {
	if opts.Validator == nil {
		opts.Validator = &review.Validator{}
	}
	if opts.Prompts == nil {
		opts.Prompts = NewPromptBuilder()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Coordinator{
		roles:     roles,
		validator: opts.Validator,
		prompts:   opts.Prompts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		lastPhase: domain.PhaseNone,
	}
}

// Bind attaches the coordinator to ticket's bug.
func (c *Coordinator) Bind(ticket domain.BugTicket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound || !c.artifacts.Empty() || c.lastPhase != domain.PhaseNone {
		return domain.Errorf(domain.ErrCoordinatorInUse, "bound to %s", c.ticket.ID)
	}
	c.ticket = ticket
	c.bound = true
	return nil
}

// ResetForNextBug clears the binding, artifacts and phase memory so the
// coordinator can serve another bug. Replies still in flight become stale.
func (c *Coordinator) ResetForNextBug() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticket = domain.BugTicket{}
	c.bound = false
	c.gen++
	c.lastPhase = domain.PhaseNone
	c.artifacts = domain.Artifacts{}
	c.calls = 0
}

// BugID returns the id of the bound bug, or "".
func (c *Coordinator) BugID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticket.ID
}

// LastPhase returns the last phase the coordinator reacted to.
func (c *Coordinator) LastPhase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPhase
}

// Artifacts returns a copy of the collected artifacts.
func (c *Coordinator) Artifacts() domain.Artifacts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifacts
}

// Calls returns the number of agent calls made for the bound bug.
func (c *Coordinator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// CoordinateTick reacts to bug's current phase. Nothing happens unless the
// phase differs from the last one seen. On entry to REPRO, PATCH or VERIFY
// the matching agent is called once and its reply validated and stored.
func (c *Coordinator) CoordinateTick(ctx context.Context, bug domain.Bug) error {
	c.mu.Lock()
	if !c.bound || bug.ID != c.ticket.ID {
		c.mu.Unlock()
		return domain.Errorf(domain.ErrContractViolation, "coordinator for %q got bug %q", c.ticket.ID, bug.ID)
	}
	if bug.Phase == c.lastPhase {
		c.mu.Unlock()
		return nil
	}
	c.lastPhase = bug.Phase
	gen := c.gen
	data := PromptData{
		BugID:          bug.ID,
		Phase:          bug.Phase,
		Timer:          bug.Timer,
		Severity:       c.ticket.Severity,
		Description:    c.ticket.Description,
		ObserverReport: c.artifacts.ObserverReport,
		PatchBundle:    c.artifacts.PatchBundle,
	}
	arts := c.artifacts
	c.mu.Unlock()

	switch bug.Phase {
	case domain.PhaseRepro:
		if arts.ObserverReport != "" {
			return nil
		}
		reply, err := c.ask(ctx, gen, domain.RoleObserver, data)
		if err != nil {
			return err
		}
		if err := c.validator.ObserverReport(reply); err != nil {
			c.metrics.Violation("malformed_reply")
			return err
		}
		return c.commit(ctx, gen, func(a *domain.Artifacts) error {
			a.ObserverReport = reply
			return nil
		})

	case domain.PhasePatch:
		if arts.ObserverReport == "" {
			return domain.Errorf(domain.ErrMissingArtifact, "bug %s entered PATCH without an observer report", bug.ID)
		}
		reply, err := c.ask(ctx, gen, domain.RoleAnalyst, data)
		if err != nil {
			return err
		}
		files, err := c.validator.PatchBundle(reply)
		if err != nil {
			c.metrics.Violation("malformed_reply")
			return err
		}
		c.logger.Debug("patch bundle accepted", "bug_id", bug.ID, "files", len(files))
		return c.commit(ctx, gen, func(a *domain.Artifacts) error {
			a.PatchBundle = reply
			return nil
		})

	case domain.PhaseVerify:
		if arts.PatchBundle == "" {
			return domain.Errorf(domain.ErrMissingArtifact, "bug %s entered VERIFY without a patch bundle", bug.ID)
		}
		data.Attempt = "first"
		if arts.FirstFailSeen {
			data.Attempt = "second"
		}
		reply, err := c.ask(ctx, gen, domain.RoleVerifier, data)
		if err != nil {
			return err
		}
		status, err := c.validator.VerifyStatus(reply)
		if err != nil {
			c.metrics.Violation("malformed_reply")
			return err
		}
		return c.commit(ctx, gen, func(a *domain.Artifacts) error {
			switch {
			case status == domain.VerifyFail && !a.FirstFailSeen:
				a.FirstFailSeen = true
			case status == domain.VerifyPass && a.FirstFailSeen:
				a.Completed = true
			default:
				c.metrics.Violation("inconsistent_verify")
				return domain.Errorf(domain.ErrInconsistentVerify,
					"bug %s: %s on the %s attempt", bug.ID, status, data.Attempt)
			}
			return nil
		})
	}
	return nil
}

// ask renders the role prompt and calls the agent.
func (c *Coordinator) ask(ctx context.Context, gen uint64, role domain.Role, data PromptData) (string, error) {
	agent := c.roles.For(role)
	if agent == nil {
		return "", domain.Errorf(domain.ErrRoleUnavailable, "%s", role)
	}
	prompt, err := c.prompts.Build(role, data)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.calls++
	}
	c.mu.Unlock()

	start := time.Now()
	reply, err := agent.Ask(ctx, prompt)
	elapsed := time.Since(start)

	if ctx.Err() != nil || !c.current(gen) {
		c.metrics.AgentCall(role, resultStale, elapsed)
		c.logger.Debug("dropping stale agent reply", "bug_id", data.BugID, "role", role)
		return "", domain.Errorf(domain.ErrStaleResponse, "bug %s %s reply", data.BugID, role)
	}
	if err != nil {
		c.metrics.AgentCall(role, resultError, elapsed)
		var ee *domain.EngineError
		if errors.As(err, &ee) {
			return "", err
		}
		return "", domain.WrapEngineError(domain.ErrAgentCall.Code, fmt.Sprintf("%s for bug %s", role, data.BugID), err)
	}

	c.metrics.AgentCall(role, resultOK, elapsed)
	c.logger.Debug("agent replied", "bug_id", data.BugID, "role", role, "phase", data.Phase,
		"elapsed_ms", elapsed.Milliseconds(), "bytes", len(reply))
	return reply, nil
}

// commit applies update to the artifacts unless the coordinator was reset
// while the call was in flight.
func (c *Coordinator) commit(ctx context.Context, gen uint64, update func(*domain.Artifacts) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || ctx.Err() != nil {
		return domain.Errorf(domain.ErrStaleResponse, "coordinator reset during call")
	}
	next := c.artifacts
	if err := update(&next); err != nil {
		return err
	}
	c.artifacts = next
	return nil
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}
