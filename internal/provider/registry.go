package provider

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Agent transports.
const (
	KindProcess = "process"
	KindOpenAI  = "openai"
)

// Spec describes how to reach the agent for one role.
type Spec struct {
	Kind    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	Model     string
	BaseURL   string
	APIKeyEnv string
}

// New builds the agent a spec describes. The OpenAI key is read from the
// environment variable named by APIKeyEnv, defaulting to OPENAI_API_KEY.
func New(spec Spec) (Agent, error) {
	switch spec.Kind {
	case KindProcess, "":
		if spec.Command == "" {
			return nil, fmt.Errorf("process agent: command is required")
		}
		return &ProcessAgent{
			Command: spec.Command,
			Args:    append([]string(nil), spec.Args...),
			Env:     spec.Env,
			Dir:     spec.Dir,
		}, nil
	case KindOpenAI:
		keyEnv := spec.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		return NewOpenAIAgent(OpenAIConfig{
			APIKey:  os.Getenv(keyEnv),
			BaseURL: spec.BaseURL,
			Model:   spec.Model,
		})
	default:
		return nil, fmt.Errorf("unknown agent kind %q", spec.Kind)
	}
}

// Registry is a thread-safe role to agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[domain.Role]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[domain.Role]Agent)}
}

// Register binds agent to role. A role can be registered once.
func (r *Registry) Register(role domain.Role, agent Agent) error {
	if agent == nil {
		return domain.Errorf(domain.ErrRoleUnavailable, "nil agent for %s", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[role]; exists {
		return domain.Errorf(domain.ErrRoleUnavailable, "%s already registered", role)
	}
	r.agents[role] = agent
	return nil
}

// Get returns the agent for role, or ErrRoleUnavailable.
func (r *Registry) Get(role domain.Role) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[role]
	if !ok {
		return nil, domain.Errorf(domain.ErrRoleUnavailable, "%s", role)
	}
	return agent, nil
}

// List returns the registered roles in sorted order.
func (r *Registry) List() []domain.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]domain.Role, 0, len(r.agents))
	for role := range r.agents {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Roles returns the full agent triple, failing if any role is missing.
func (r *Registry) Roles() (Roles, error) {
	var roles Roles
	for _, role := range domain.AllRoles {
		agent, err := r.Get(role)
		if err != nil {
			return Roles{}, err
		}
		switch role {
		case domain.RoleObserver:
			roles.Observer = agent
		case domain.RoleAnalyst:
			roles.Analyst = agent
		case domain.RoleVerifier:
			roles.Verifier = agent
		}
	}
	return roles, nil
}
