// Package config loads the bugloop runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/provider"
)

// Dispatch strategies.
const (
	DispatchLockstep = "lockstep"
	DispatchAsync    = "async"
)

// AgentConfig defines how to reach the reasoning agent for one role.
type AgentConfig struct {
	Kind      string            `json:"kind" yaml:"kind"`
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args" yaml:"args"`
	Env       map[string]string `json:"env" yaml:"env"`
	Dir       string            `json:"dir" yaml:"dir"`
	Model     string            `json:"model" yaml:"model"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	APIKeyEnv string            `json:"api_key_env" yaml:"api_key_env"`
}

// Spec converts the entry to a provider spec.
func (a AgentConfig) Spec() provider.Spec {
	return provider.Spec{
		Kind:      a.Kind,
		Command:   a.Command,
		Args:      a.Args,
		Env:       a.Env,
		Dir:       a.Dir,
		Model:     a.Model,
		BaseURL:   a.BaseURL,
		APIKeyEnv: a.APIKeyEnv,
	}
}

// Config holds the scheduler's runtime configuration.
type Config struct {
	DBPath     string `json:"db_path" yaml:"db_path"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	PoolSize       int `json:"pool_size" yaml:"pool_size"`
	AgentsPerBug   int `json:"agents_per_bug" yaml:"agents_per_bug"`
	MaxParallel    int `json:"max_parallel" yaml:"max_parallel"`
	TicksPerPhase  int `json:"ticks_per_phase" yaml:"ticks_per_phase"`
	PromotionLimit int `json:"promotion_limit" yaml:"promotion_limit"`

	PacingIntervalMS   int    `json:"pacing_interval_ms" yaml:"pacing_interval_ms"`
	Dispatch           string `json:"dispatch" yaml:"dispatch"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	AgentTimeoutSec    int    `json:"agent_timeout_sec" yaml:"agent_timeout_sec"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxPatchFiles      int    `json:"max_patch_files" yaml:"max_patch_files"`
	IsolateViolations  bool   `json:"isolate_violations" yaml:"isolate_violations"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogDir   string `json:"log_dir" yaml:"log_dir"`
	LogJSON  bool   `json:"log_json" yaml:"log_json"`

	Agents map[string]AgentConfig `json:"agents" yaml:"agents"`
}

// Load reads a JSON or YAML config file, applies defaults, and validates.
// Files ending in .yaml or .yml are parsed as YAML; anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PacingInterval is the delay between scheduling cycles.
func (c *Config) PacingInterval() time.Duration {
	return time.Duration(c.PacingIntervalMS) * time.Millisecond
}

// AgentTimeout is the per-call deadline. Zero means none.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSec) * time.Second
}

// Agent returns the configuration for role.
func (c *Config) Agent(role domain.Role) (AgentConfig, bool) {
	a, ok := c.Agents[string(role)]
	return a, ok
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.PoolSize == 0 {
		c.PoolSize = domain.DefaultPoolSize
	}
	if c.AgentsPerBug == 0 {
		c.AgentsPerBug = domain.DefaultAgentsPerBug
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = domain.DefaultMaxParallel
	}
	if c.TicksPerPhase == 0 {
		c.TicksPerPhase = domain.DefaultTicksPerPhase
	}
	if c.PromotionLimit == 0 {
		c.PromotionLimit = domain.DefaultPromotionLimit
	}
	if c.PacingIntervalMS == 0 {
		c.PacingIntervalMS = 500
	}
	if c.Dispatch == "" {
		c.Dispatch = DispatchAsync
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for role, a := range c.Agents {
		if a.Kind == "" {
			a.Kind = provider.KindProcess
			c.Agents[role] = a
		}
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.AgentsPerBug < 1 {
		problems = append(problems, "agents_per_bug must be positive")
	}
	if c.PoolSize < c.AgentsPerBug {
		problems = append(problems, "pool_size must hold at least one agent block")
	}
	if c.MaxParallel < 1 {
		problems = append(problems, "max_parallel must be positive")
	}
	if c.TicksPerPhase < domain.MinTicksPerPhase || c.TicksPerPhase > domain.MaxTicksPerPhase {
		problems = append(problems, fmt.Sprintf("ticks_per_phase must be within [%d,%d]",
			domain.MinTicksPerPhase, domain.MaxTicksPerPhase))
	}
	if c.PromotionLimit < 1 {
		problems = append(problems, "promotion_limit must be positive")
	}
	if c.PacingIntervalMS < 0 {
		problems = append(problems, "pacing_interval_ms must not be negative")
	}
	if c.Dispatch != DispatchLockstep && c.Dispatch != DispatchAsync {
		problems = append(problems, fmt.Sprintf("dispatch must be %q or %q", DispatchLockstep, DispatchAsync))
	}
	if c.MaxConcurrentCalls < 0 {
		problems = append(problems, "max_concurrent_calls must not be negative")
	}
	if c.AgentTimeoutSec < 0 {
		problems = append(problems, "agent_timeout_sec must not be negative")
	}
	if c.MaxPatchFiles < 0 {
		problems = append(problems, "max_patch_files must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	for _, role := range domain.AllRoles {
		a, ok := c.Agents[string(role)]
		if !ok {
			problems = append(problems, fmt.Sprintf("agents.%s is required", role))
			continue
		}
		switch a.Kind {
		case provider.KindProcess:
			if a.Command == "" {
				problems = append(problems, fmt.Sprintf("agents.%s.command is required", role))
			}
		case provider.KindOpenAI:
		default:
			problems = append(problems, fmt.Sprintf("agents.%s.kind %q is unknown", role, a.Kind))
		}
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
