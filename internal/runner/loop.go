package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sprintd/internal/board"
	"sprintd/internal/codex"
	"sprintd/internal/intent"
	"sprintd/internal/ledger"
)

const defaultPollIntervalMS = 15000

// LoopConfig wires one planner child session to a running Supervisor.
type LoopConfig struct {
	Supervisor *Supervisor
	Promoter   *board.Promoter
	Plan       *board.SprintPlan

	PlannerCmd       string
	Sprint           string
	BackendBaseURL   string
	StatePath        string
	MaxExecutors     int
	MaxReviewers     int
	ReviewStallPolls int
	Once             bool
}

// Loop owns the planner child process: it spawns it, demultiplexes stdout
// intents and stderr summaries, and maps terminal failures to exit codes.
type Loop struct {
	cfg LoopConfig
	sup *Supervisor

	runID             string
	pollSummariesSeen int
	dispatchesSeen    int
	transcript        *codex.TranscriptWriter
	exitOverride      int
	exitOverrideSet   bool
}

type plannerLine struct {
	channel string
	text    string
}

// NewLoop builds the loop wrapper. The supervisor must already have its
// worker pools started.
func NewLoop(cfg LoopConfig) *Loop {
	runID := "orchestrator-loop-" + uuid.NewString()
	return &Loop{
		cfg:        cfg,
		sup:        cfg.Supervisor,
		runID:      runID,
		transcript: codex.NewTranscriptWriter(cfg.Supervisor.transcriptSink(runID, "ORCHESTRATOR")),
	}
}

// Run drives the planner child to completion and returns the process exit
// code for the whole supervisor.
func (l *Loop) Run(ctx context.Context) int {
	s := l.sup

	plannerCmd := l.plannerCommand()
	pollIntervalMS := envInt("ORCHESTRATOR_POLL_INTERVAL_MS", defaultPollIntervalMS)
	if pollIntervalMS <= 0 {
		pollIntervalMS = defaultPollIntervalMS
	}

	if s.cfg.Ledger != nil {
		if err := s.cfg.Ledger.Upsert(ledger.Entry{
			RunID:      l.runID,
			Role:       "ORCHESTRATOR",
			IntentHash: "orchestrator-loop:" + l.cfg.Sprint,
			ReceivedAt: utcNowISO(),
			Status:     ledger.StatusQueued,
		}); err != nil {
			s.logger.Warn("ledger upsert loop row: %v", err)
		}
		if err := s.cfg.Ledger.MarkRunning(l.runID); err != nil {
			s.logger.Warn("ledger mark loop running: %v", err)
		}
	}

	mode := "loop"
	if l.cfg.Once {
		mode = "once"
	}
	l.transcript.MessageToAgent(fmt.Sprintf(
		"Role: ORCHESTRATOR\nMode: %s\nSprint: %s\nPolling interval: %ds\n"+
			"Goal: Monitor sprint board status, choose eligible work, and dispatch EXECUTOR/REVIEWER runs.",
		mode, l.cfg.Sprint, pollIntervalMS/1000))

	cmd := exec.CommandContext(ctx, "sh", "-c", plannerCmd)
	cmd.Env = l.plannerEnv()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.emitter.Event("HARD_STOP", map[string]any{"reason": "orchestrator_spawn_failed", "error": err.Error()})
		return 2
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.emitter.Event("HARD_STOP", map[string]any{"reason": "orchestrator_spawn_failed", "error": err.Error()})
		return 2
	}
	if err := cmd.Start(); err != nil {
		s.emitter.Event("HARD_STOP", map[string]any{"reason": "orchestrator_spawn_failed", "error": err.Error()})
		return 2
	}

	s.emitter.Event("RUNNER_STARTED", map[string]any{
		"dry_run":               s.cfg.DryRun,
		"orchestrator_cmd":      plannerCmd,
		"autopromote":           l.cfg.Promoter != nil,
		"review_stall_polls":    s.cfg.ReviewStallPolls,
		"blocked_retry_minutes": s.cfg.BlockedRetryMinutes,
		"watchdog_timeout_s":    int(s.cfg.WatchdogTimeout.Seconds()),
	})

	lines := make(chan plannerLine, 64)
	var group errgroup.Group
	group.Go(func() error { return l.scan("stdout", stdout, lines) })
	group.Go(func() error { return l.scan("stderr", stderr, lines) })
	go func() {
		_ = group.Wait()
		close(lines)
	}()

consume:
	for {
		select {
		case <-s.Done():
			break consume
		case line, ok := <-lines:
			if !ok {
				break consume
			}
			if line.channel == "stderr" {
				l.handleStderrLine(ctx, line.text)
			} else {
				l.handleStdoutLine(line.text)
			}
			if l.exitOverrideSet {
				break consume
			}
		}
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	waitErr := cmd.Wait()

	if l.exitOverrideSet {
		return l.exitOverride
	}

	if s.ShouldStop() {
		l.transcript.SystemObservation(fmt.Sprintf(
			"Runner hard-stopped the loop.\nReason: %s\n"+
				"Action: inspect this terminal and restart the runner loop after fixing the underlying issue.",
			s.StopReason()))
		l.markLoopResult("failed", s.StopReason(),
			[]any{map[string]any{"code": "runner_hard_stop", "message": s.StopReason()}}, nil)
		s.emitter.Event("HARD_STOP", map[string]any{"reason": s.StopReason()})
		return 2
	}

	if waitErr != nil {
		rc := 2
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			rc = exitErr.ExitCode()
		}
		l.transcript.SystemObservation(fmt.Sprintf(
			"Orchestrator process exited with code %d.\n"+
				"Action: review the latest error details above, then restart the runner loop.", rc))
		l.markLoopResult("failed", fmt.Sprintf("orchestrator exited with code %d", rc),
			[]any{map[string]any{"code": "orchestrator_nonzero_exit", "message": fmt.Sprintf("exit code %d", rc)}}, nil)
		s.emitter.Event("HARD_STOP", map[string]any{"reason": "orchestrator_nonzero_exit", "exit_code": rc})
		if rc == 2 || rc == 3 || rc == 4 {
			return rc
		}
		return 2
	}

	l.markLoopResult("succeeded", "orchestrator loop finished cleanly", nil, nil)
	return 0
}

func (l *Loop) scan(channel string, reader interface{ Read([]byte) (int, error) }, lines chan<- plannerLine) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case lines <- plannerLine{channel: channel, text: scanner.Text()}:
		case <-l.sup.Done():
			return nil
		}
	}
	return scanner.Err()
}

// handleStderrLine processes one planner stderr JSONL event. Raw lines pass
// through to our own stderr so the combined stream stays greppable.
func (l *Loop) handleStderrLine(ctx context.Context, text string) {
	s := l.sup
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return
	}
	fmt.Fprintln(os.Stderr, text)

	payload, err := intent.ParseJSONLine(stripped)
	if err != nil || payload == nil {
		if !strings.HasPrefix(stripped, "{") {
			if strings.Contains(strings.ToLower(stripped), "fetch failed") {
				l.transcript.SystemObservation(
					"Network request failed while planner was polling GitHub/backend (fetch failed).")
			} else {
				l.transcript.SystemObservation(clip(stripped, 2000))
			}
		}
		return
	}

	payloadType := strings.ToUpper(strings.TrimSpace(stringField(payload, "type")))
	switch payloadType {
	case "DISPATCH_SUMMARY":
		l.pollSummariesSeen++
		summary := board.ParseDispatchSummary(payload)
		if emitted, ok := payload["intents_emitted"].(map[string]any); ok {
			if total, ok := asInt(emitted["total"]); ok && total > 0 {
				l.dispatchesSeen += total
			}
		}
		l.transcript.AgentThinking(formatPollSummary(payload))

		if l.cfg.Promoter != nil {
			if err := l.cfg.Promoter.AutopromoteReady(ctx, summary, l.cfg.Plan); err != nil {
				l.failAutopromote(err)
				return
			}
			if !s.cfg.DryRun {
				s.HandleDispatchSummary(ctx, summary)
			}
		}
	case "END_OF_SPRINT_SUMMARY":
		if awaiting := strings.TrimSpace(stringField(payload, "awaiting_humans")); awaiting != "" {
			l.transcript.AgentThinking(awaiting)
		}
	case "ORCHESTRATOR_CYCLE_TRANSIENT_ERROR":
		retryInS := 0
		if retryInMS, ok := asInt(payload["retry_in_ms"]); ok && retryInMS > 0 {
			retryInS = retryInMS / 1000
		}
		errText := stringField(payload, "error")
		if errText == "" {
			errText = "Unknown error"
		}
		l.transcript.SystemObservation(fmt.Sprintf(
			"Transient planner cycle error: %s\nRetry in: %ds\n"+
				"Action: monitor this terminal; if retries continue for several polls, verify backend/network connectivity.",
			errText, retryInS))
	case "ORCHESTRATOR_STATE_RESET_INVALID_JSON":
		l.transcript.SystemObservation(fmt.Sprintf(
			"Detected invalid orchestrator state JSON and reset state file.\nPath: %s",
			stringField(payload, "path")))
	}
}

// failAutopromote maps sanitization failures onto their dedicated exit codes
// and latches the loop for shutdown.
func (l *Loop) failAutopromote(err error) {
	s := l.sup

	var handoff *board.RegenHandoffError
	if errors.As(err, &handoff) {
		l.markLoopResult("failed", err.Error(),
			[]any{map[string]any{"code": "sanitization_regen_handoff_requested", "message": err.Error()}},
			map[string]any{"request_path": handoff.RequestPath})
		s.emitter.Event("HARD_STOP", map[string]any{
			"reason":       "sanitization_regen_handoff_requested",
			"error":        err.Error(),
			"request_path": handoff.RequestPath,
		})
		l.setExit(6)
		return
	}
	var exhausted *board.RegenExhaustedError
	if errors.As(err, &exhausted) {
		l.markLoopResult("failed", err.Error(),
			[]any{map[string]any{"code": "sanitization_regen_exhausted", "message": err.Error()}}, nil)
		s.emitter.Event("HARD_STOP", map[string]any{
			"reason": "sanitization_regen_exhausted",
			"error":  err.Error(),
		})
		l.setExit(5)
		return
	}
	var manual *board.CycleManualFixError
	if errors.As(err, &manual) {
		l.markLoopResult("failed", err.Error(),
			[]any{map[string]any{"code": "malformed_item_data", "message": err.Error()}}, nil)
		s.emitter.Event("HARD_STOP", map[string]any{"reason": "malformed_item_data", "error": err.Error()})
		l.setExit(3)
		return
	}

	l.markLoopResult("failed", err.Error(),
		[]any{map[string]any{"code": "autopromote_failed", "message": err.Error()}}, nil)
	s.emitter.Event("HARD_STOP", map[string]any{"reason": "autopromote_failed", "error": err.Error()})
	l.setExit(2)
}

func (l *Loop) setExit(code int) {
	l.exitOverride = code
	l.exitOverrideSet = true
}

// handleStdoutLine accepts one planner intent line into the dispatch queues.
func (l *Loop) handleStdoutLine(text string) {
	s := l.sup
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return
	}

	value, err := intent.ParseJSONLine(stripped)
	if err != nil {
		s.HardStop("intent_error: " + err.Error())
		return
	}
	in, err := intent.ParseIntent(value)
	if err != nil {
		s.HardStop("intent_error: " + err.Error())
		return
	}

	s.emitter.Event("INTENT_RECEIVED", map[string]any{
		"role":        in.Role,
		"run_id":      in.RunID,
		"endpoint":    in.Endpoint,
		"intent_hash": in.Hash(),
	})
	l.transcript.SystemObservation(formatIntentObservation(in))

	if s.cfg.Ledger != nil {
		if row, ok := s.cfg.Ledger.Get(in.RunID); ok {
			if status, _ := row["status"].(string); status == ledger.StatusSucceeded {
				s.emitter.Event("LEDGER_SKIP", map[string]any{"run_id": in.RunID, "reason": "already_succeeded"})
				return
			}
		} else {
			if err := s.cfg.Ledger.Upsert(ledger.Entry{
				RunID:      in.RunID,
				Role:       in.Role,
				IntentHash: in.Hash(),
				ReceivedAt: utcNowISO(),
				Status:     ledger.StatusQueued,
			}); err != nil {
				s.logger.Warn("ledger upsert %s: %v", in.RunID, err)
			}
		}
	}

	s.Enqueue(in)
}

func (l *Loop) markLoopResult(status, summary string, errs []any, details map[string]any) {
	s := l.sup
	if s.cfg.Ledger == nil {
		return
	}
	result := map[string]any{
		"run_id":              l.runID,
		"role":                "ORCHESTRATOR",
		"status":              status,
		"summary":             summary,
		"urls":                map[string]any{},
		"errors":              errs,
		"completed_at":        utcNowISO(),
		"poll_summaries_seen": l.pollSummariesSeen,
		"dispatches_seen":     l.dispatchesSeen,
	}
	if errs == nil {
		result["errors"] = []any{}
	}
	if details != nil {
		result["details"] = details
	}
	ledgerStatus := ledger.StatusFailed
	if status == "succeeded" {
		ledgerStatus = ledger.StatusSucceeded
	}
	if err := s.cfg.Ledger.MarkResult(l.runID, ledgerStatus, result); err != nil {
		s.logger.Warn("ledger mark loop result: %v", err)
	}
}

// plannerCommand rewrites the configured planner command for once mode.
func (l *Loop) plannerCommand() string {
	cmd := l.cfg.PlannerCmd
	if !l.cfg.Once {
		return cmd
	}
	if strings.Contains(cmd, "--loop") {
		return strings.Replace(cmd, "--loop", "--once", 1)
	}
	if strings.Contains(cmd, "--once") {
		return cmd
	}
	return cmd + " --once"
}

// plannerEnv enriches the child environment with the sprint contract. The
// emission knobs default to the supervisor's own concurrency so the planner
// never outpaces the worker pools.
func (l *Loop) plannerEnv() []string {
	env := append([]string(nil), os.Environ()...)
	set := func(key, value string) {
		env = append(env, key+"="+value)
	}
	set("ORCHESTRATOR_SPRINT", l.cfg.Sprint)
	set("ORCHESTRATOR_BACKEND_BASE_URL", l.cfg.BackendBaseURL)
	set("ORCHESTRATOR_STATE_PATH", l.cfg.StatePath)
	if os.Getenv("ORCHESTRATOR_MAX_EXECUTORS") == "" {
		set("ORCHESTRATOR_MAX_EXECUTORS", strconv.Itoa(l.cfg.MaxExecutors))
	}
	if os.Getenv("ORCHESTRATOR_MAX_REVIEWERS") == "" {
		set("ORCHESTRATOR_MAX_REVIEWERS", strconv.Itoa(l.cfg.MaxReviewers))
	}
	set("ORCHESTRATOR_MAX_REVIEWER_DISPATCHES_PER_STATUS",
		envOr("ORCHESTRATOR_MAX_REVIEWER_DISPATCHES_PER_STATUS", "2"))
	set("ORCHESTRATOR_REVIEWER_RETRY_POLLS",
		envOr("ORCHESTRATOR_REVIEWER_RETRY_POLLS", strconv.Itoa(l.cfg.ReviewStallPolls)))
	return env
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// formatPollSummary renders one planner poll for the live transcript.
func formatPollSummary(summary map[string]any) string {
	sprint := strings.TrimSpace(stringField(summary, "sprint"))
	if sprint == "" {
		sprint = "Unknown"
	}
	pollCount, _ := asInt(summary["poll_count"])
	statusCounts, _ := summary["status_counts"].(map[string]any)
	intentsEmitted, _ := summary["intents_emitted"].(map[string]any)
	skipped, _ := summary["skipped"].(map[string]any)
	needsAttention, _ := summary["needs_attention"].(map[string]any)

	count := func(obj map[string]any, key string) int {
		n, _ := asInt(obj[key])
		return n
	}
	listLen := func(obj map[string]any, key string) int {
		if items, ok := obj[key].([]any); ok {
			return len(items)
		}
		return 0
	}

	executorDispatches := count(intentsEmitted, "EXECUTOR")
	reviewerDispatches := count(intentsEmitted, "REVIEWER")
	totalDispatches, hasTotal := asInt(intentsEmitted["total"])
	if !hasTotal {
		totalDispatches = executorDispatches + reviewerDispatches
	}

	lines := []string{
		fmt.Sprintf("Poll #%d for sprint %s.", pollCount, sprint),
		fmt.Sprintf("Board status: Backlog=%d, Ready=%d, In Progress=%d, In Review=%d, "+
			"Needs Human Approval=%d, Blocked=%d, Done=%d",
			count(statusCounts, "Backlog"), count(statusCounts, "Ready"),
			count(statusCounts, "In Progress"), count(statusCounts, "In Review"),
			count(statusCounts, "Needs Human Approval"), count(statusCounts, "Blocked"),
			count(statusCounts, "Done")),
		fmt.Sprintf("Dispatch decisions: Executor=%d, Reviewer=%d, Total=%d",
			executorDispatches, reviewerDispatches, totalDispatches),
		fmt.Sprintf("Skipped: not_in_scope=%d, dedupe_same_status=%d, concurrency_limit=%d",
			count(skipped, "not_in_scope"), count(skipped, "dedupe_same_status"),
			count(skipped, "concurrency_limit")),
		fmt.Sprintf("Attention flags: stalled_in_progress=%d, in_review_churn=%d",
			listLen(needsAttention, "stalled_in_progress"), listLen(needsAttention, "in_review_churn")),
	}
	if totalDispatches == 0 {
		lines = append(lines, "No new agent dispatches this poll.")
	}
	if completed, ok := summary["completed"].(bool); ok && completed {
		lines = append(lines, "Sprint completion condition reached: no active or backlog items remain.")
	}
	return strings.Join(lines, "\n")
}

func formatIntentObservation(in *intent.RunIntent) string {
	if issue, ok := in.IssueNumber(); ok && issue > 0 {
		return fmt.Sprintf("Dispatched %s run %s for issue #%d. Endpoint: %s",
			in.Role, in.RunID, issue, in.Endpoint)
	}
	return fmt.Sprintf("Dispatched %s run %s. Endpoint: %s", in.Role, in.RunID, in.Endpoint)
}
