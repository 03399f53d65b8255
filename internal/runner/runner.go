package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sprintd/internal/async"
	"sprintd/internal/backend"
	"sprintd/internal/board"
	"sprintd/internal/codex"
	"sprintd/internal/events"
	"sprintd/internal/intent"
	"sprintd/internal/ledger"
	"sprintd/internal/logging"
	"sprintd/internal/observability"
	"sprintd/internal/transcript"
)

const (
	intentQueueCapacity = 1024
	heartbeatInterval   = 30 * time.Second
	issueResolveWindow  = 5 * time.Second
	issueResolveStep    = 50 * time.Millisecond
)

// Backend is the slice of the policy client the supervisor dispatch path
// needs. *backend.Client satisfies it.
type Backend interface {
	GetAgentContext(ctx context.Context, role string) (map[string]any, error)
	GetProjectItemsMetadata(ctx context.Context, sprint string) (map[string]any, error)
	PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error)
	PostResolveLinkedPr(ctx context.Context, body map[string]any) (map[string]any, error)
}

// AgentDriver executes one validated intent through the agent toolchain.
// *codex.Driver satisfies it.
type AgentDriver interface {
	RunIntent(ctx context.Context, in *intent.RunIntent, bundle *codex.Bundle, sink codex.EventSink) (*codex.WorkerResult, error)
}

// Config wires a Supervisor. Ledger nil disables run bookkeeping (dry runs);
// Transcripts nil disables live transcript streaming.
type Config struct {
	Backend     Backend
	Ledger      *ledger.Ledger
	Driver      AgentDriver
	Transcripts *transcript.Sink
	Emitter     *events.Emitter
	Logger      logging.Logger
	Metrics     *Metrics
	Tracing     *observability.TracerProvider

	DryRun              bool
	StatePath           string
	ReviewStallPolls    int
	BlockedRetryMinutes int
	WatchdogTimeout     time.Duration
}

// Supervisor owns the dispatch pipeline: per-role intent queues, the
// per-issue serialization gate, and the hard-stop latch that tears the whole
// loop down on unrecoverable failures.
type Supervisor struct {
	cfg     Config
	emitter *events.Emitter
	logger  logging.Logger
	metrics *Metrics

	executorQueue chan *intent.RunIntent
	reviewerQueue chan *intent.RunIntent
	gate          *issueGate

	stopOnce   sync.Once
	stopCh     chan struct{}
	reasonMu   sync.Mutex
	stopReason string
}

// NewSupervisor builds a Supervisor from config.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter(nil, cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = DefaultMetrics()
	}
	return &Supervisor{
		cfg:           cfg,
		emitter:       cfg.Emitter,
		logger:        logging.OrNop(cfg.Logger),
		metrics:       cfg.Metrics,
		executorQueue: make(chan *intent.RunIntent, intentQueueCapacity),
		reviewerQueue: make(chan *intent.RunIntent, intentQueueCapacity),
		gate:          newIssueGate(),
		stopCh:        make(chan struct{}),
	}
}

// Enqueue routes a validated intent to its role queue.
func (s *Supervisor) Enqueue(in *intent.RunIntent) {
	s.metrics.IncIntentReceived(in.Role)
	if in.Role == intent.RoleExecutor {
		s.executorQueue <- in
		return
	}
	s.reviewerQueue <- in
}

// HardStop latches the stop flag with a reason. First caller wins.
func (s *Supervisor) HardStop(reason string) {
	s.stopOnce.Do(func() {
		s.reasonMu.Lock()
		s.stopReason = reason
		s.reasonMu.Unlock()
		close(s.stopCh)
	})
}

// ShouldStop reports whether the hard-stop latch fired.
func (s *Supervisor) ShouldStop() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Done exposes the stop latch for select loops.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopCh
}

// StopReason returns the recorded hard-stop reason.
func (s *Supervisor) StopReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.stopReason == "" {
		return "hard stop"
	}
	return s.stopReason
}

// StartWorkers launches the role worker pools.
func (s *Supervisor) StartWorkers(ctx context.Context, executors, reviewers int) {
	for i := 0; i < executors; i++ {
		name := fmt.Sprintf("executor-worker-%d", i)
		async.Go(s.logger, name, func() { s.workerLoop(ctx, intent.RoleExecutor) })
	}
	for i := 0; i < reviewers; i++ {
		name := fmt.Sprintf("reviewer-worker-%d", i)
		async.Go(s.logger, name, func() { s.workerLoop(ctx, intent.RoleReviewer) })
	}
}

func (s *Supervisor) workerLoop(ctx context.Context, role string) {
	queue := s.executorQueue
	if role == intent.RoleReviewer {
		queue = s.reviewerQueue
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case in := <-queue:
			if err := s.handleIntent(ctx, in); err != nil {
				classification := ClassifyFailure(err)
				if classification == ClassificationItemStop {
					s.emitter.Event("ITEM_STOP", map[string]any{
						"role":   role,
						"run_id": in.RunID,
						"error":  err.Error(),
					})
					continue
				}
				s.HardStop(fmt.Sprintf("%s: %v", classification, err))
			}
		}
	}
}

// handleIntent runs one intent end to end. Returned errors are classified by
// the worker loop; item stops keep the pool alive.
func (s *Supervisor) handleIntent(ctx context.Context, in *intent.RunIntent) error {
	if s.cfg.DryRun {
		s.emitter.Event("DRY_RUN_WOULD_EXECUTE", map[string]any{
			"role":     in.Role,
			"run_id":   in.RunID,
			"endpoint": in.Endpoint,
			"body":     in.Body,
		})
		return nil
	}

	issueNumber := s.resolveIssueNumber(in)
	startedAt := time.Now()

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	async.Loop(s.logger, "worker-heartbeat", heartbeatInterval, heartbeatStop, func(elapsed time.Duration) {
		s.emitter.Event("WORKER_HEARTBEAT", map[string]any{
			"role":      in.Role,
			"run_id":    in.RunID,
			"elapsed_s": int(elapsed.Seconds()),
		})
	})

	if s.cfg.Ledger != nil {
		if s.cfg.Ledger.Status(in.RunID) == ledger.StatusSucceeded {
			s.emitter.Event("LEDGER_SKIP", map[string]any{"run_id": in.RunID, "reason": "already_succeeded"})
			return nil
		}
		// A failed or skipped row is replaced so the retry attempt records
		// its own lifecycle.
		if err := s.cfg.Ledger.Upsert(ledger.Entry{
			RunID:      in.RunID,
			Role:       in.Role,
			IntentHash: in.Hash(),
			ReceivedAt: utcNowISO(),
			Status:     ledger.StatusQueued,
		}); err != nil {
			s.logger.Warn("ledger upsert %s: %v", in.RunID, err)
		}
		if err := s.cfg.Ledger.MarkRunning(in.RunID); err != nil {
			s.logger.Warn("ledger mark running %s: %v", in.RunID, err)
		}
	}

	s.gate.reserve(issueNumber, in.RunID, in.Role, s.stopCh, s.emitter)
	defer s.gate.release(issueNumber, in.RunID)

	s.metrics.WorkerStarted(in.Role)
	defer s.metrics.WorkerFinished(in.Role)

	startedFields := map[string]any{
		"role":                 in.Role,
		"run_id":               in.RunID,
		"endpoint":             in.Endpoint,
		"executor_queue_depth": len(s.executorQueue),
		"reviewer_queue_depth": len(s.reviewerQueue),
	}
	if issueNumber > 0 {
		startedFields["issue_number"] = issueNumber
	}
	s.emitter.Event("WORKER_STARTED", startedFields)

	runCtx := ctx
	if s.cfg.Tracing != nil {
		var span trace.Span
		runCtx, span = s.cfg.Tracing.StartRunSpan(ctx, in.Role, in.RunID, issueNumber)
		defer span.End()
	}

	result, err := s.executeIntent(runCtx, in)
	if err != nil {
		s.failRun(ctx, in, startedAt, err)
		return err
	}
	if err := s.finishRun(ctx, in, startedAt, result); err != nil {
		s.failRun(ctx, in, startedAt, err)
		return err
	}
	return nil
}

func (s *Supervisor) executeIntent(ctx context.Context, in *intent.RunIntent) (*codex.WorkerResult, error) {
	bundleRaw, err := s.cfg.Backend.GetAgentContext(ctx, in.Role)
	if err != nil {
		return nil, err
	}
	bundle, err := codex.ParseBundle(bundleRaw)
	if err != nil {
		return nil, err
	}
	return s.cfg.Driver.RunIntent(ctx, in, bundle, s.transcriptSink(in.RunID, in.Role))
}

func (s *Supervisor) transcriptSink(runID, role string) codex.EventSink {
	if s.cfg.Transcripts == nil {
		return nil
	}
	return s.cfg.Transcripts.EventSinkFor(runID, role)
}

// failRun records a failed run everywhere it needs recording: stderr events,
// reviewer outcome state, executor recovery transition, and the ledger.
func (s *Supervisor) failRun(ctx context.Context, in *intent.RunIntent, startedAt time.Time, err error) {
	classification := ClassifyFailure(err)
	errorCode := ErrorCodeOf(err)
	s.metrics.IncRunFailure(in.Role, classification)
	s.emitter.Event("WORKER_FAILED", map[string]any{
		"role":           in.Role,
		"run_id":         in.RunID,
		"elapsed_s":      int(time.Since(startedAt).Seconds()),
		"classification": classification,
		"error_code":     errorCode,
		"error":          err.Error(),
	})

	if in.Role == intent.RoleReviewer {
		s.emitter.Event("REVIEW_OUTCOME", map[string]any{
			"role":    intent.RoleReviewer,
			"run_id":  in.RunID,
			"outcome": "INCOMPLETE",
			"source":  "worker_exception",
		})
		if issue, ok := in.IssueNumber(); ok && issue > 0 {
			s.recordReviewerOutcomeState(issue, "INCOMPLETE", utcNowISO())
		}
	}
	if in.Role == intent.RoleExecutor {
		s.transitionExecutorFailureToBlocked(ctx, in.RunID, classification, err.Error())
	}

	if s.cfg.Ledger != nil {
		result := map[string]any{
			"status":                 "failed",
			"summary":                err.Error(),
			"urls":                   map[string]any{},
			"errors":                 []any{map[string]any{"error": err.Error(), "code": errorCode}},
			"failure_classification": classification,
			"error_code":             errorCode,
		}
		if in.Role == intent.RoleReviewer {
			result["reviewer_outcome"] = "INCOMPLETE"
			result["last_reviewer_feedback_at"] = utcNowISO()
		}
		if markErr := s.cfg.Ledger.MarkResult(in.RunID, ledger.StatusFailed, result); markErr != nil {
			s.logger.Warn("ledger mark failed %s: %v", in.RunID, markErr)
		}
	}
	s.metrics.ObserveRunDuration(in.Role, "failed", time.Since(startedAt))
}

// finishRun applies role post-processing to a completed agent run and records
// the terminal ledger row. Contract violations surface as errors and route
// back through failRun.
func (s *Supervisor) finishRun(ctx context.Context, in *intent.RunIntent, startedAt time.Time, result *codex.WorkerResult) error {
	completedAt := utcNowISO()
	reviewerOutcome := ""
	reviewCycleCount := -1

	if in.Role == intent.RoleReviewer {
		reviewerOutcome = result.Outcome
		if reviewerOutcome != "PASS" && reviewerOutcome != "FAIL" && reviewerOutcome != "INCOMPLETE" {
			return &codex.WorkerError{
				Code:    codex.CodeWorkerInvalidOutput,
				Message: "reviewer outcome is required",
				Details: map[string]any{"outcome": result.Outcome},
			}
		}
		s.emitter.Event("REVIEW_OUTCOME", map[string]any{
			"role":    intent.RoleReviewer,
			"run_id":  in.RunID,
			"outcome": reviewerOutcome,
			"status":  result.Status,
		})
		issue, hasIssue := in.IssueNumber()
		if hasIssue && issue > 0 {
			s.recordReviewerOutcomeState(issue, reviewerOutcome, completedAt)
			state := board.ReadState(s.cfg.StatePath)
			if _, item, ok := state.ResolveProjectItemID(issue, s.emitter); ok {
				reviewCycleCount = item.ReviewCycleCount
			}
		}
		if reviewerOutcome == "PASS" {
			if !hasIssue || issue <= 0 {
				return &backend.HTTPError{
					Code:    "backend_invalid_payload",
					Message: "reviewer pass requires issue_number in intent body",
					Payload: in.Body,
				}
			}
			prURL, projectItemID, err := s.resolveReviewerPRLinkage(ctx, issue)
			if err != nil {
				return err
			}
			if _, err := s.transitionReviewerPassToNeedsHumanApproval(ctx, in.RunID, issue, projectItemID, prURL,
				"Reviewer PASS outcome reached; awaiting human approval."); err != nil {
				return err
			}
		}
	}

	if in.Role == intent.RoleExecutor && result.Succeeded() {
		if extractPRURL(result.URLs) != "" {
			if result.MarkerVerified == nil || !*result.MarkerVerified {
				return &codex.WorkerError{
					Code:    codex.CodeWorkerInvalidOutput,
					Message: "executor must verify canonical PR marker/linkage for PR runs",
					Details: map[string]any{"run_id": in.RunID},
				}
			}
		}
		s.recordExecutorResponseState(in.RunID, completedAt)
	}

	s.emitter.Event("WORKER_FINISHED", map[string]any{
		"role":         in.Role,
		"run_id":       in.RunID,
		"elapsed_s":    int(time.Since(startedAt).Seconds()),
		"status":       result.Status,
		"summary":      clip(result.Summary, 500),
		"urls":         result.URLs,
		"errors_count": len(result.Errors),
	})

	if s.cfg.Ledger != nil {
		errorCode := ""
		if len(result.Errors) > 0 {
			errorCode, _ = result.Errors[0]["code"].(string)
		}
		status := ledger.StatusFailed
		failureClassification := ClassificationItemStop
		if result.Succeeded() {
			status = ledger.StatusSucceeded
			failureClassification = ""
		}
		row := map[string]any{
			"run_id":                 result.RunID,
			"role":                   result.Role,
			"status":                 result.Status,
			"summary":                result.Summary,
			"urls":                   result.URLs,
			"errors":                 result.Errors,
			"failure_classification": failureClassification,
			"error_code":             errorCode,
		}
		if in.Role == intent.RoleReviewer {
			row["reviewer_outcome"] = reviewerOutcome
			row["last_reviewer_feedback_at"] = completedAt
			if reviewCycleCount >= 0 {
				row["review_cycle_count"] = reviewCycleCount
			}
		}
		if in.Role == intent.RoleExecutor {
			row["last_executor_response_at"] = completedAt
		}
		if err := s.cfg.Ledger.MarkResult(in.RunID, status, row); err != nil {
			s.logger.Warn("ledger mark result %s: %v", in.RunID, err)
		}
	}

	if in.Role == intent.RoleExecutor && !result.Succeeded() {
		s.transitionExecutorFailureToBlocked(ctx, in.RunID, ClassificationItemStop, result.Summary)
	}

	status := "failed"
	if result.Succeeded() {
		status = "succeeded"
	}
	s.metrics.ObserveRunDuration(in.Role, status, time.Since(startedAt))
	return nil
}

// resolveIssueNumber reads body.issue_number; claim-ready executor intents
// omit it, so those poll the planner state briefly for the dispatch record.
func (s *Supervisor) resolveIssueNumber(in *intent.RunIntent) int {
	if issue, ok := in.IssueNumber(); ok && issue > 0 {
		return issue
	}
	if in.Role != intent.RoleExecutor {
		return 0
	}
	deadline := time.Now().Add(issueResolveWindow)
	for time.Now().Before(deadline) && !s.ShouldStop() {
		if issue, _, _, ok := s.resolveRunContext(in.RunID); ok {
			return issue
		}
		time.Sleep(issueResolveStep)
	}
	return 0
}

// resolveRunContext finds the state item recording an executor dispatch for
// runID.
func (s *Supervisor) resolveRunContext(runID string) (issueNumber int, projectItemID string, status string, ok bool) {
	state := board.ReadState(s.cfg.StatePath)
	for id, item := range state.Items {
		if item == nil || item.LastRunID != runID || item.LastDispatchedRole != intent.RoleExecutor {
			continue
		}
		if item.LastSeenIssueNumber <= 0 || strings.TrimSpace(id) == "" {
			continue
		}
		return item.LastSeenIssueNumber, id, item.LastSeenStatus, true
	}
	return 0, "", "", false
}

// updateStateItem applies a mutation to one existing state item and writes
// the file back atomically. Missing items are ignored; the planner owns item
// creation.
func (s *Supervisor) updateStateItem(projectItemID string, apply func(*board.StateItem)) {
	state := board.ReadState(s.cfg.StatePath)
	item, ok := state.Items[projectItemID]
	if !ok || item == nil {
		return
	}
	apply(item)
	if err := board.SaveState(s.cfg.StatePath, state); err != nil {
		s.logger.Warn("write state %s: %v", s.cfg.StatePath, err)
	}
}

func (s *Supervisor) recordReviewerOutcomeState(issueNumber int, outcome, recordedAt string) {
	state := board.ReadState(s.cfg.StatePath)
	projectItemID, item, ok := state.ResolveProjectItemID(issueNumber, s.emitter)
	if !ok {
		return
	}
	nextCycleCount := item.ReviewCycleCount
	if nextCycleCount < 0 {
		nextCycleCount = 0
	}
	if outcome == "FAIL" || outcome == "INCOMPLETE" {
		nextCycleCount++
	}
	s.updateStateItem(projectItemID, func(it *board.StateItem) {
		it.LastReviewerOutcome = outcome
		it.LastReviewerFeedbackAt = recordedAt
		it.ReviewCycleCount = nextCycleCount
	})
}

func (s *Supervisor) recordExecutorResponseState(runID, recordedAt string) {
	_, projectItemID, status, ok := s.resolveRunContext(runID)
	if !ok || status != "In Review" {
		return
	}
	s.updateStateItem(projectItemID, func(it *board.StateItem) {
		it.LastExecutorResponseAt = recordedAt
	})
}

// resolveReviewerPRLinkage asks the backend for the canonical PR linked to an
// issue under review.
func (s *Supervisor) resolveReviewerPRLinkage(ctx context.Context, issueNumber int) (prURL, projectItemID string, err error) {
	linkage, err := s.cfg.Backend.PostResolveLinkedPr(ctx, map[string]any{
		"role":         intent.RoleReviewer,
		"issue_number": issueNumber,
	})
	if err != nil {
		return "", "", err
	}
	prURL, _ = linkage["pr_url"].(string)
	if strings.TrimSpace(prURL) == "" {
		return "", "", &backend.HTTPError{Code: "backend_invalid_payload", Message: "review linkage missing pr_url", Payload: linkage}
	}
	projectItemID, _ = linkage["project_item_id"].(string)
	if strings.TrimSpace(projectItemID) == "" {
		return "", "", &backend.HTTPError{Code: "backend_invalid_payload", Message: "review linkage missing project_item_id", Payload: linkage}
	}
	return strings.TrimSpace(prURL), strings.TrimSpace(projectItemID), nil
}

func (s *Supervisor) transitionReviewerPassToNeedsHumanApproval(ctx context.Context, runID string, issueNumber int, projectItemID, prURL, reason string) (map[string]any, error) {
	return s.cfg.Backend.PostFieldUpdate(ctx, map[string]any{
		"role":            "ORCHESTRATOR",
		"project_item_id": projectItemID,
		"field":           "Status",
		"value":           "Needs Human Approval",
		"issue_number":    issueNumber,
		"pr_url":          prURL,
		"checks_performed": []any{
			"Canonical PR linkage resolved via backend",
			"Reviewer run completed with deterministic outcome",
		},
		"checks_passed": []any{
			"No unresolved blocking findings remain",
			"Item is ready for human merge decision",
		},
		"human_steps": []any{
			reason,
			"Review linked PR, merge if acceptable, and move item to Done after validation.",
		},
		"run_id": runID,
	})
}

// transitionExecutorFailureToBlocked moves a failed executor item to Blocked
// when the dispatch context is known and the item is still in a recoverable
// status. Backend failures here are logged, never propagated.
func (s *Supervisor) transitionExecutorFailureToBlocked(ctx context.Context, runID, failureClassification, failureMessage string) {
	issueNumber, projectItemID, status, ok := s.resolveRunContext(runID)
	if !ok {
		s.emitter.Event("WORKER_RECOVERY_SKIPPED", map[string]any{
			"role":   intent.RoleExecutor,
			"run_id": runID,
			"reason": "run_context_not_found",
		})
		return
	}
	if status != "In Progress" && status != "In Review" {
		s.emitter.Event("WORKER_RECOVERY_SKIPPED", map[string]any{
			"role":            intent.RoleExecutor,
			"run_id":          runID,
			"issue_number":    issueNumber,
			"project_item_id": projectItemID,
			"reason":          "status_not_recoverable",
			"status":          status,
		})
		return
	}

	var suggestedNextSteps []any
	if status == "In Review" {
		suggestedNextSteps = []any{
			"Inspect reviewer feedback and linked PR comments for unresolved items.",
			"Resume work on the existing linked PR branch (do not open a new PR).",
			"Move item back to In Review only after updates are pushed and verified.",
		}
	} else {
		suggestedNextSteps = []any{
			"Inspect runner logs and ledger entry for this run_id.",
			"Validate PR linkage and backend policy constraints.",
			"Move item to Ready only after remediation is complete.",
		}
	}

	payload, err := s.cfg.Backend.PostFieldUpdate(ctx, map[string]any{
		"role":                   "ORCHESTRATOR",
		"project_item_id":        projectItemID,
		"field":                  "Status",
		"value":                  "Blocked",
		"issue_number":           issueNumber,
		"failure_classification": failureClassification,
		"failure_message":        clip(failureMessage, 1000),
		"suggested_next_steps":   suggestedNextSteps,
		"run_id":                 runID,
	})
	if err != nil {
		fields := map[string]any{
			"role":            intent.RoleExecutor,
			"run_id":          runID,
			"issue_number":    issueNumber,
			"project_item_id": projectItemID,
			"error":           err.Error(),
		}
		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			fields["code"] = httpErr.Code
			fields["status_code"] = httpErr.StatusCode
			fields["payload"] = httpErr.Payload
		}
		s.emitter.Event("WORKER_RECOVERY_FAILED", fields)
		return
	}
	s.emitter.Event("WORKER_RECOVERY_STATUS_UPDATED", map[string]any{
		"role":            intent.RoleExecutor,
		"run_id":          runID,
		"issue_number":    issueNumber,
		"project_item_id": projectItemID,
		"from":            status,
		"to":              "Blocked",
		"backend_payload": payload,
	})
}

// extractPRURL pulls the first PR-looking URL from a result urls map.
func extractPRURL(urls map[string]string) string {
	for _, key := range []string{"pr_url", "pull_request", "pr", "resolved_pr"} {
		if value := strings.TrimSpace(urls[key]); value != "" {
			return value
		}
	}
	return ""
}

// clip bounds text for event payloads and backend fields.
func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
