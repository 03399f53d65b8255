package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sprintd/internal/backend"
	"sprintd/internal/board"
	"sprintd/internal/codex"
	"sprintd/internal/config"
	"sprintd/internal/events"
	"sprintd/internal/kickoff"
	"sprintd/internal/ledger"
	"sprintd/internal/logging"
	"sprintd/internal/observability"
	"sprintd/internal/runner"
	"sprintd/internal/transcript"
)

type cliOptions struct {
	dryRun     bool
	once       bool
	loop       bool
	kickoff    bool
	sprint     string
	goal       string
	goalFile   string
	readyLimit int
}

// NewRootCommand builds the sprintd CLI.
func NewRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "sprintd",
		Short: "Sprint supervisor for agent-driven board execution",
		Long: `sprintd supervises one sprint on the project board: it runs the planner
loop, validates and executes the worker intents the planner emits, promotes
ready tasks, and reconciles board state across restarts.

EXAMPLES:
  sprintd --loop                                   # run the planner loop
  sprintd --once                                   # single planner cycle
  sprintd --kickoff --goal "Ship the importer"     # draft and apply a sprint plan
  sprintd --kickoff --goal-file goal.txt --loop    # kickoff, then keep running`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "do not call backend write endpoints or execute worker intents")
	rootCmd.Flags().BoolVar(&opts.once, "once", false, "run the planner once and exit")
	rootCmd.Flags().BoolVar(&opts.loop, "loop", false, "run the planner loop (default for non-kickoff)")
	rootCmd.Flags().BoolVar(&opts.kickoff, "kickoff", false, "generate and apply a sprint plan before running the planner")
	rootCmd.Flags().StringVar(&opts.sprint, "sprint", "", "sprint value M1..M4 (overrides ORCHESTRATOR_SPRINT)")
	rootCmd.Flags().StringVar(&opts.goal, "goal", "", "kickoff goal text")
	rootCmd.Flags().StringVar(&opts.goalFile, "goal-file", "", "path to kickoff goal text file")
	rootCmd.Flags().IntVar(&opts.readyLimit, "ready-limit", 3, "max dependency-free tasks to auto-promote to Ready (max 3)")
	rootCmd.MarkFlagsMutuallyExclusive("once", "loop")
	rootCmd.MarkFlagsMutuallyExclusive("goal", "goal-file")

	return rootCmd
}

func run(parent context.Context, opts *cliOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewComponentLogger("cli")
	emitter := events.NewEmitter(os.Stderr, logger)

	if (opts.goal != "" || opts.goalFile != "") && !opts.kickoff {
		err := errors.New("--goal/--goal-file requires --kickoff")
		emitter.Event("CONFIG_ERROR", map[string]any{"error": err.Error()})
		return exitCode(2, err)
	}
	if opts.kickoff && opts.goal == "" && opts.goalFile == "" {
		err := errors.New("--kickoff requires --goal or --goal-file")
		emitter.Event("CONFIG_ERROR", map[string]any{"error": err.Error()})
		return exitCode(2, err)
	}

	cfg, err := config.Load(".", opts.sprint)
	if err != nil {
		emitter.Event("CONFIG_ERROR", map[string]any{"error": err.Error()})
		return exitCode(2, err)
	}

	client := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, logger)

	preflight, err := client.Preflight(ctx)
	if err != nil {
		classification := runner.ClassifyFailure(err)
		fields := map[string]any{
			"reason": "backend_preflight_failed",
			"error":  err.Error(),
		}
		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			fields["code"] = httpErr.Code
			fields["status_code"] = httpErr.StatusCode
			fields["payload"] = httpErr.Payload
		}
		emitter.Event(classification, fields)
		return exitCode(runner.ExitCodeForClassification(classification), err)
	}
	if status, _ := preflight["status"].(string); status != "PASS" {
		emitter.Event("HARD_STOP", map[string]any{"reason": "preflight_fail", "payload": preflight})
		return exitCode(2, errors.New("backend preflight did not pass"))
	}

	var runLedger *ledger.Ledger
	if !opts.dryRun {
		runLedger = ledger.New(cfg.LedgerPath)
		if err := runLedger.Load(); err != nil {
			emitter.Event("HARD_STOP", map[string]any{"reason": "ledger_invalid", "error": err.Error()})
			return exitCode(2, err)
		}
	}

	tracing, err := observability.NewTracerProvider(ctx, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled: %v", err)
		tracing = nil
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracing shutdown: %v", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr, logger)
	}

	transcripts := transcript.NewSink(client, logger)
	defer transcripts.Close()

	driver := codex.NewDriver(codex.Config{
		CodexBin:         cfg.CodexBin,
		CodexMCPArgs:     cfg.CodexMCPArgs,
		BackendBaseURL:   cfg.BackendBaseURL,
		ToolsCallTimeout: cfg.ToolsCallTimeout,
		ReplyTimeout:     cfg.ReplyTimeout,
		Logger:           logger,
	})

	if opts.kickoff {
		kickoffRunner := &kickoff.Runner{
			Backend:   client,
			Generator: driver,
			Ledger:    runLedger,
			Emitter:   emitter,
			Promoter: &board.Promoter{
				Backend:     client,
				Emitter:     emitter,
				Sanitizer:   newSanitizer(cfg, emitter),
				ReadyTarget: opts.readyLimit,
			},
			Transcripts: transcripts,
			Logger:      logger,
			Sprint:      cfg.Sprint,
			ReadyLimit:  opts.readyLimit,
			DryRun:      opts.dryRun,
			PlanPath:    cfg.PlanPath,
		}
		goalText, goalErr := kickoff.ReadGoalText(opts.goal, opts.goalFile)
		if goalErr == nil {
			goalErr = kickoffRunner.Run(ctx, goalText)
		}
		if goalErr != nil {
			return kickoffExit(emitter, goalErr)
		}
		if !opts.once && !opts.loop {
			return nil
		}
	}

	if !opts.dryRun {
		if err := codex.AssertGitHubMCPAvailable(ctx, cfg.CodexBin); err != nil {
			fields := map[string]any{"reason": "codex_mcp_missing", "error": err.Error()}
			var workerErr *codex.WorkerError
			if errors.As(err, &workerErr) {
				fields["code"] = workerErr.Code
				fields["details"] = workerErr.Details
			}
			emitter.Event("HARD_STOP", fields)
			return exitCode(2, err)
		}
	}

	var plan *board.SprintPlan
	var promoter *board.Promoter
	if cfg.Autopromote {
		plan, err = board.LoadSprintPlan(cfg.PlanPath)
		if err != nil {
			emitter.Event("HARD_STOP", map[string]any{"reason": "sprint_plan_invalid", "error": err.Error()})
			return exitCode(2, err)
		}
		if plan != nil && plan.Sprint() != cfg.Sprint {
			logger.Warn("sprint plan cache is for %q, current sprint is %q; ignoring plan", plan.Sprint(), cfg.Sprint)
			plan = nil
		}
		promoter = &board.Promoter{
			Backend:     client,
			Emitter:     emitter,
			Sanitizer:   newSanitizer(cfg, emitter),
			ReadyTarget: cfg.ReadyTarget(),
			DryRun:      opts.dryRun,
		}
	}

	sup := runner.NewSupervisor(runner.Config{
		Backend:             client,
		Ledger:              runLedger,
		Driver:              driver,
		Transcripts:         transcripts,
		Emitter:             emitter,
		Logger:              logging.NewComponentLogger("supervisor"),
		Metrics:             runner.DefaultMetrics(),
		Tracing:             tracing,
		DryRun:              opts.dryRun,
		StatePath:           cfg.StatePath,
		ReviewStallPolls:    cfg.ReviewStallPolls,
		BlockedRetryMinutes: cfg.BlockedRetryMinutes,
		WatchdogTimeout:     cfg.WatchdogTimeout,
	})
	sup.ReconcileStartupState(ctx, cfg.Sprint)
	sup.StartWorkers(ctx, cfg.MaxExecutors, cfg.MaxReviewers)

	loop := runner.NewLoop(runner.LoopConfig{
		Supervisor:       sup,
		Promoter:         promoter,
		Plan:             plan,
		PlannerCmd:       cfg.OrchestratorCmd,
		Sprint:           cfg.Sprint,
		BackendBaseURL:   cfg.BackendBaseURL,
		StatePath:        cfg.StatePath,
		MaxExecutors:     cfg.MaxExecutors,
		MaxReviewers:     cfg.MaxReviewers,
		ReviewStallPolls: cfg.ReviewStallPolls,
		Once:             opts.once,
	})
	if code := loop.Run(ctx); code != 0 {
		return exitCode(code, fmt.Errorf("supervisor stopped with exit code %d", code))
	}
	return nil
}

func newSanitizer(cfg *config.Config, emitter *events.Emitter) *board.Sanitizer {
	return &board.Sanitizer{
		MaxAttempts: cfg.RegenAttempts,
		StatePath:   cfg.StatePath,
		Emitter:     emitter,
	}
}

// kickoffExit maps kickoff failures onto the supervisor exit-code contract.
func kickoffExit(emitter *events.Emitter, err error) error {
	var handoff *board.RegenHandoffError
	if errors.As(err, &handoff) {
		emitter.Event("HARD_STOP", map[string]any{
			"reason":       "sanitization_regen_handoff_requested",
			"error":        err.Error(),
			"request_path": handoff.RequestPath,
			"history":      handoff.History,
		})
		return exitCode(6, err)
	}
	var exhausted *board.RegenExhaustedError
	if errors.As(err, &exhausted) {
		emitter.Event("HARD_STOP", map[string]any{
			"reason":  "sanitization_regen_exhausted",
			"error":   err.Error(),
			"history": exhausted.History,
		})
		return exitCode(5, err)
	}
	var manual *board.CycleManualFixError
	if errors.As(err, &manual) {
		emitter.Event("HARD_STOP", map[string]any{"reason": "malformed_item_data", "error": err.Error()})
		return exitCode(3, err)
	}

	code := "kickoff_failed"
	var details map[string]any
	var kickoffErr *kickoff.Error
	var workerErr *codex.WorkerError
	switch {
	case errors.As(err, &kickoffErr):
		code = kickoffErr.Code
		details = kickoffErr.Details
	case errors.As(err, &workerErr):
		code = workerErr.Code
		details = workerErr.Details
	}
	emitter.Event("HARD_STOP", map[string]any{
		"reason":  "kickoff_failed",
		"code":    code,
		"details": details,
		"error":   err.Error(),
	})
	return exitCode(2, err)
}
