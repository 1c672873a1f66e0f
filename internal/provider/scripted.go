package provider

import (
	"context"
	"sync"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Scripted is an in-memory agent for tests and dry runs. It returns queued
// replies in order, then falls back to Reply. Without either it fails.
type Scripted struct {
	// Reply, if set, answers prompts once the queue is empty.
	Reply func(ctx context.Context, prompt string) (string, error)

	mu      sync.Mutex
	queue   []string
	prompts []string
}

// NewScripted returns an agent that answers with replies in order.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{queue: append([]string(nil), replies...)}
}

// Ask implements Agent.
func (s *Scripted) Ask(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	if len(s.queue) > 0 {
		reply := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return reply, nil
	}
	fn := s.Reply
	s.mu.Unlock()

	if fn == nil {
		return "", domain.Errorf(domain.ErrAgentCall, "scripted agent has no reply left")
	}
	return fn(ctx, prompt)
}

// Calls returns how many times Ask ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Prompts returns every prompt received, oldest first.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
