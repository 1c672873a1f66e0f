// Package provider supplies the reasoning agents a coordinator talks to.
//
// An Agent takes a prompt and returns free text. Transports are a local
// command (ProcessAgent) or an OpenAI-compatible chat endpoint
// (OpenAIAgent); RateLimited and WithTimeout wrap either.
package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Agent is a reasoning agent.
type Agent interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt string) (string, error)

// Ask calls f.
func (f AgentFunc) Ask(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Roles is the agent triple a coordinator needs.
type Roles struct {
	Observer Agent
	Analyst  Agent
	Verifier Agent
}

// For returns the agent serving role, or nil.
func (r Roles) For(role domain.Role) Agent {
	switch role {
	case domain.RoleObserver:
		return r.Observer
	case domain.RoleAnalyst:
		return r.Analyst
	case domain.RoleVerifier:
		return r.Verifier
	}
	return nil
}

// Validate reports the first role without an agent.
func (r Roles) Validate() error {
	for _, role := range domain.AllRoles {
		if r.For(role) == nil {
			return domain.Errorf(domain.ErrRoleUnavailable, "%s", role)
		}
	}
	return nil
}

// WithTimeout bounds every call to d. A non-positive d returns agent unchanged.
func WithTimeout(agent Agent, d time.Duration) Agent {
	if d <= 0 {
		return agent
	}
	return AgentFunc(func(ctx context.Context, prompt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return agent.Ask(ctx, prompt)
	})
}

// RateLimited paces calls to at most perMinute per minute, shared by every
// caller of the returned agent. A non-positive perMinute disables pacing.
func RateLimited(agent Agent, perMinute int) Agent {
	if perMinute <= 0 {
		return agent
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return AgentFunc(func(ctx context.Context, prompt string) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", domain.WrapEngineError(domain.ErrAgentCall.Code, "rate limiter", err)
		}
		return agent.Ask(ctx, prompt)
	})
}
