package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Rogers-F/bugloop/internal/bridge"
	"github.com/Rogers-F/bugloop/internal/config"
	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/ipc"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/provider"
	"github.com/Rogers-F/bugloop/internal/review"
	"github.com/Rogers-F/bugloop/internal/scheduler"
	"github.com/Rogers-F/bugloop/internal/store"
	"github.com/Rogers-F/bugloop/internal/telemetry"
	"github.com/Rogers-F/bugloop/internal/workflow"
)

var (
	configPath string
	severity   int
	ageTicks   int64

	rootCmd = &cobra.Command{
		Use:           "bugloop",
		Short:         "Schedules bug tickets through agent-driven repro, patch and verify phases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and its HTTP API",
		Long: `Loads the configuration, opens the sqlite journal, connects the observer,
analyst and verifier agents and runs scheduling cycles until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runScheduler,
	}
	scoreCmd = &cobra.Command{
		Use:   "score",
		Short: "Print the backlog priority of a ticket",
		Args:  cobra.NoArgs,
		RunE:  printScore,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bugloop %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (JSON or YAML)")
	scoreCmd.Flags().IntVar(&severity, "severity", 3, "ticket severity, 1 to 5")
	scoreCmd.Flags().Int64Var(&ageTicks, "age", 0, "ticks the ticket has waited")

	rootCmd.AddCommand(runCmd, scoreCmd, versionCmd)
}

func printScore(cmd *cobra.Command, args []string) error {
	if severity < 1 || severity > 5 {
		return fmt.Errorf("severity must be within [1,5], got %d", severity)
	}
	s := workflow.DefaultScorer()
	ticket := domain.BugTicket{Severity: severity}
	fmt.Fprintf(cmd.OutOrStdout(), "severity term %.3f\nage term      %.3f\nscore         %.3f\n",
		s.SeverityTerm(severity), s.AgeTerm(ageTicks), s.Score(ticket, ageTicks))
	return nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return errors.New("no config found. Place bugloop.yaml next to the exe, use --config <path>, or set BUGLOOP_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "bugloop",
		JSON:    cfg.LogJSON,
	})
	defer logger.Close()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	journal := store.NewJournal(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	roles, err := buildRoles(cfg, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		PoolSize:           cfg.PoolSize,
		AgentsPerBug:       cfg.AgentsPerBug,
		MaxParallel:        cfg.MaxParallel,
		TicksPerPhase:      cfg.TicksPerPhase,
		PromotionLimit:     cfg.PromotionLimit,
		PacingInterval:     cfg.PacingInterval(),
		Dispatch:           cfg.Dispatch,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		IsolateViolations:  cfg.IsolateViolations,
		Roles:              roles,
		Coordinator: bridge.Options{
			Validator: &review.Validator{MaxPatchFiles: cfg.MaxPatchFiles},
		},
		Journal: journal,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	handler := &ipc.Handler{Scheduler: sched, Journal: journal, Logger: logger}
	srv := ipc.NewServer(handler, cfg.ListenAddr, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("bugloop listening", "url", ipc.FormatListenURL(cfg.ListenAddr), "config", path)

	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	var result error
	select {
	case result = <-runErr:
	case err := <-serveErr:
		result = fmt.Errorf("server error: %w", err)
		stop()
		<-runErr
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return result
}

// buildRoles connects one agent per role, applying the configured timeout
// and rate limit.
func buildRoles(cfg *config.Config, logger *logging.Logger) (provider.Roles, error) {
	registry := provider.NewRegistry()
	for _, role := range domain.AllRoles {
		ac, _ := cfg.Agent(role)
		agent, err := provider.New(ac.Spec())
		if err != nil {
			return provider.Roles{}, fmt.Errorf("agent %s: %w", role, err)
		}
		agent = provider.WithTimeout(agent, cfg.AgentTimeout())
		if cfg.RateLimitPerMinute > 0 {
			agent = provider.RateLimited(agent, cfg.RateLimitPerMinute)
		}
		if err := registry.Register(role, agent); err != nil {
			return provider.Roles{}, err
		}
		logger.Debug("agent registered", "role", role, "kind", ac.Kind)
	}
	logger.Info("agents ready", "roles", registry.List())
	return registry.Roles()
}
