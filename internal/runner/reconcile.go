package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"sprintd/internal/board"
	"sprintd/internal/ledger"
)

// reviewCycleCap blocks an item after this many reviewer FAIL/INCOMPLETE
// cycles without a PASS.
const reviewCycleCap = 5

// ReconcileStartupState rebuilds the local state file from the backend's
// board snapshot. Status epochs that survived the restart keep their
// timestamps and review bookkeeping; dispatch state never survives, because
// in-flight runs died with the previous process.
func (s *Supervisor) ReconcileStartupState(ctx context.Context, sprint string) map[string]any {
	payload, err := s.cfg.Backend.GetProjectItemsMetadata(ctx, sprint)
	if err != nil {
		return s.startupReconcileSkipped("remote_fetch_failed", err.Error())
	}
	remoteItems, ok := payload["items"].([]any)
	if !ok {
		return s.startupReconcileSkipped("invalid_payload", "metadata payload missing items list")
	}

	syncedAt := ""
	if asOf, ok := payload["as_of"].(string); ok {
		syncedAt = normalizeISO(asOf)
	}
	if syncedAt == "" {
		syncedAt = utcNowISO()
	}

	localState := board.LoadState(s.cfg.StatePath, s.emitter)
	pollCount := localState.PollCount
	nextItems := map[string]*board.StateItem{}

	droppedRemote := 0
	preservedEpochs := 0
	carriedReviewState := 0
	resetDispatchState := 0

	for _, raw := range remoteItems {
		obj, ok := raw.(map[string]any)
		if !ok {
			droppedRemote++
			continue
		}
		projectItemID := strings.TrimSpace(stringField(obj, "project_item_id"))
		issueNumber, issueOK := asInt(obj["issue_number"])
		status := strings.TrimSpace(stringField(obj, "status"))
		if projectItemID == "" || !issueOK || issueNumber <= 0 || status == "" {
			droppedRemote++
			continue
		}

		itemSprint := strings.TrimSpace(stringField(obj, "sprint"))
		if itemSprint == "" {
			itemSprint = sprint
		}
		previous := localState.Items[projectItemID]
		if previous == nil {
			previous = &board.StateItem{}
		}

		sameIssue := previous.LastSeenIssueNumber == issueNumber
		sameStatusEpoch := sameIssue && previous.LastSeenStatus == status
		if sameStatusEpoch {
			preservedEpochs++
		}

		next := &board.StateItem{
			LastSeenStatus:      status,
			LastSeenSprint:      itemSprint,
			LastSeenIssueNumber: issueNumber,
			LastSeenIssueTitle:  strings.TrimSpace(stringField(obj, "issue_title")),
			LastSeenIssueURL:    strings.TrimSpace(stringField(obj, "issue_url")),
			LastSeenAt:          syncedAt,
			StatusSinceAt:       syncedAt,
			StatusSincePoll:     pollCount,
		}
		if sameStatusEpoch {
			if since := normalizeISO(previous.StatusSinceAt); since != "" {
				next.StatusSinceAt = since
			}
			if previous.StatusSincePoll >= 0 {
				next.StatusSincePoll = previous.StatusSincePoll
			}
			if activity := normalizeISO(previous.LastActivityAt); activity != "" {
				next.LastActivityAt = activity
			}
			next.LastActivityIndicator = strings.TrimSpace(previous.LastActivityIndicator)
		}
		if next.LastActivityAt == "" {
			next.LastActivityAt = next.StatusSinceAt
		}
		if next.LastActivityIndicator == "" {
			if sameStatusEpoch {
				next.LastActivityIndicator = "status_unchanged"
			} else {
				next.LastActivityIndicator = "startup_rehydrated"
			}
		}

		// Review bookkeeping survives only within an unbroken In Review epoch.
		if status == "In Review" && sameStatusEpoch {
			if previous.ReviewCycleCount >= 0 {
				next.ReviewCycleCount = previous.ReviewCycleCount
			}
			outcome := strings.ToUpper(strings.TrimSpace(previous.LastReviewerOutcome))
			if outcome == "PASS" || outcome == "FAIL" || outcome == "INCOMPLETE" {
				next.LastReviewerOutcome = outcome
			}
			next.LastReviewerFeedbackAt = normalizeISO(previous.LastReviewerFeedbackAt)
			next.LastExecutorResponseAt = normalizeISO(previous.LastExecutorResponseAt)
			next.InReviewOrigin = strings.TrimSpace(previous.InReviewOrigin)
			if next.ReviewCycleCount > 0 || next.LastReviewerOutcome != "" ||
				next.LastReviewerFeedbackAt != "" || next.LastExecutorResponseAt != "" {
				carriedReviewState++
			}
		} else if status == "In Review" && previous.LastSeenStatus == "Needs Human Approval" {
			next.InReviewOrigin = "needs_human_approval"
		}

		if sameIssue {
			next.LastRunID = strings.TrimSpace(previous.LastRunID)
		}
		hadDispatchState := previous.LastDispatchedRole != "" ||
			previous.LastDispatchedStatus != "" ||
			previous.LastDispatchedAt != "" ||
			previous.LastDispatchedPoll > 0
		if hadDispatchState {
			resetDispatchState++
		}

		nextItems[projectItemID] = next
	}

	nextState := &board.State{
		PollCount:      pollCount,
		Items:          nextItems,
		SprintPlan:     localState.SprintPlan,
		OwnershipIndex: localState.OwnershipIndex,
	}
	pruned := 0
	for projectItemID := range localState.Items {
		if _, ok := nextItems[projectItemID]; !ok {
			pruned++
		}
	}
	changed := !reflect.DeepEqual(localState, nextState)

	result := map[string]any{
		"status":                  "APPLIED",
		"sprint":                  sprint,
		"dry_run":                 s.cfg.DryRun,
		"remote_items":            len(nextItems),
		"dropped_remote_items":    droppedRemote,
		"local_items_before":      len(localState.Items),
		"pruned_local_items":      pruned,
		"preserved_status_epochs": preservedEpochs,
		"carried_review_state":    carriedReviewState,
		"reset_dispatch_state":    resetDispatchState,
		"state_changed":           changed,
		"as_of":                   syncedAt,
	}

	if changed && !s.cfg.DryRun {
		if err := board.SaveState(s.cfg.StatePath, nextState); err != nil {
			s.logger.Warn("write reconciled state: %v", err)
		}
	}
	s.emitter.Event("STARTUP_RECONCILED", result)
	return result
}

func (s *Supervisor) startupReconcileSkipped(reason, errText string) map[string]any {
	result := map[string]any{
		"status": "SKIPPED",
		"reason": reason,
		"error":  errText,
	}
	s.emitter.Event("STARTUP_RECONCILED", result)
	return result
}

// HandleDispatchSummary runs the per-poll recovery handlers against one
// planner summary. Handler failures stay contained to the item they touch.
func (s *Supervisor) HandleDispatchSummary(ctx context.Context, summary *board.DispatchSummary) {
	s.recoverLostReviewerDispatches(summary)
	s.handleReviewStall(ctx, summary)
	s.handleBlockedRetries(ctx, summary)
	s.handleReviewCycleCaps(ctx, summary)
	s.handleRunningWatchdog(ctx, summary)
}

// recoverLostReviewerDispatches clears dispatch state for reviewer runs that
// died without recording an outcome, so the planner re-dispatches them.
// Nothing is recovered within the poll epoch that emitted the dispatch.
func (s *Supervisor) recoverLostReviewerDispatches(summary *board.DispatchSummary) {
	if s.cfg.Ledger == nil {
		return
	}
	nowISO := utcNowISO()
	state := board.ReadState(s.cfg.StatePath)

	for _, item := range summary.ProcessedItems {
		if item.Status != "In Review" {
			continue
		}
		stateItem := state.Items[item.ProjectItemID]
		if stateItem == nil {
			continue
		}
		if stateItem.LastDispatchedRole != "REVIEWER" || stateItem.LastDispatchedStatus != "In Review" {
			continue
		}
		if strings.TrimSpace(stateItem.LastReviewerOutcome) != "" {
			continue
		}
		if stateItem.LastDispatchedPoll >= summary.PollCount {
			continue
		}
		staleRunID := strings.TrimSpace(stateItem.LastRunID)
		if staleRunID == "" {
			continue
		}

		elapsedSeconds := secondsSince(stateItem.LastDispatchedAt, nowISO)

		recoveryReason := "ledger_entry_missing"
		if row, ok := s.cfg.Ledger.Get(staleRunID); ok {
			ledgerStatus := strings.ToLower(strings.TrimSpace(stringField(row, "status")))
			if ledgerStatus == ledger.StatusRunning {
				continue
			}
			if result, ok := row["result"].(map[string]any); ok {
				outcome := strings.ToUpper(strings.TrimSpace(stringField(result, "reviewer_outcome")))
				if outcome == "PASS" || outcome == "FAIL" || outcome == "INCOMPLETE" {
					continue
				}
			}
			if ledgerStatus == "" {
				ledgerStatus = "unknown"
			}
			recoveryReason = fmt.Sprintf("ledger_status_%s_without_outcome", ledgerStatus)
		}

		s.updateStateItem(item.ProjectItemID, func(it *board.StateItem) {
			it.LastDispatchedRole = ""
			it.LastDispatchedStatus = ""
			it.LastDispatchedAt = ""
			it.LastDispatchedPoll = 0
		})
		s.emitter.Event("REVIEW_DISPATCH_RECOVERED", map[string]any{
			"issue_number":    item.IssueNumber,
			"project_item_id": item.ProjectItemID,
			"stale_run_id":    staleRunID,
			"elapsed_s":       elapsedSeconds,
			"reason":          recoveryReason,
		})
	}
}

// handleReviewStall escalates items that keep cycling In Review past the
// stall threshold to Needs Human Approval, once the bounded second reviewer
// attempt has already happened.
func (s *Supervisor) handleReviewStall(ctx context.Context, summary *board.DispatchSummary) {
	for _, entry := range summary.InReviewChurn {
		if entry.InReviewPolls <= s.cfg.ReviewStallPolls {
			continue
		}
		if strings.TrimSpace(entry.ProjectItemID) == "" {
			continue
		}

		s.emitter.Event("REVIEW_STALL_DETECTED", map[string]any{
			"issue_number":    entry.IssueNumber,
			"project_item_id": entry.ProjectItemID,
			"in_review_polls": entry.InReviewPolls,
			"threshold":       s.cfg.ReviewStallPolls,
		})

		state := board.ReadState(s.cfg.StatePath)
		stateItem := state.Items[entry.ProjectItemID]
		if stateItem != nil {
			// The executor already answered the latest reviewer feedback;
			// the normal review cycle is still making progress.
			if isAfterISO(stateItem.LastExecutorResponseAt, stateItem.LastReviewerFeedbackAt) {
				continue
			}
			if stateItem.ReviewerDispatchesForCurrentStatus < 2 {
				continue
			}
		} else {
			continue
		}

		prURL, linkedProjectItemID, err := s.resolveReviewerPRLinkage(ctx, entry.IssueNumber)
		if err == nil && linkedProjectItemID != entry.ProjectItemID {
			err = fmt.Errorf("review linkage project_item_id mismatch: expected %s, got %s",
				entry.ProjectItemID, linkedProjectItemID)
		}
		if err == nil {
			var payload map[string]any
			payload, err = s.transitionReviewerPassToNeedsHumanApproval(ctx, entry.LastRunID,
				entry.IssueNumber, entry.ProjectItemID, prURL,
				"Escalated by orchestrator after repeated In Review stall; manual decision required.")
			if err == nil {
				s.emitter.Event("REVIEW_STALL_ESCALATED", map[string]any{
					"issue_number":    entry.IssueNumber,
					"project_item_id": entry.ProjectItemID,
					"in_review_polls": entry.InReviewPolls,
					"backend_payload": payload,
				})
				continue
			}
		}
		s.emitter.Event("REVIEW_STALL_ESCALATED", map[string]any{
			"issue_number":    entry.IssueNumber,
			"project_item_id": entry.ProjectItemID,
			"in_review_polls": entry.InReviewPolls,
			"error":           err.Error(),
			"status":          "failed",
		})
	}
}

// handleBlockedRetries moves Blocked items back to Ready after the cooldown
// window, when the recorded failure is retryable.
func (s *Supervisor) handleBlockedRetries(ctx context.Context, summary *board.DispatchSummary) {
	if s.cfg.Ledger == nil {
		return
	}
	nowISO := utcNowISO()
	state := board.ReadState(s.cfg.StatePath)

	for _, item := range summary.ProcessedItems {
		if item.Status != "Blocked" {
			continue
		}
		stateItem := state.Items[item.ProjectItemID]
		if stateItem == nil {
			continue
		}
		blockedMinutes := minutesSince(stateItem.StatusSinceAt, nowISO)
		if blockedMinutes < s.cfg.BlockedRetryMinutes {
			continue
		}
		runID := strings.TrimSpace(stateItem.LastRunID)
		if runID == "" {
			continue
		}
		row, ok := s.cfg.Ledger.Get(runID)
		if !ok {
			continue
		}
		result, ok := row["result"].(map[string]any)
		if !ok {
			continue
		}
		failureClassification := stringField(result, "failure_classification")
		errorCode := stringField(result, "error_code")
		if !IsRetryableFailure(failureClassification, errorCode) {
			continue
		}

		fields := map[string]any{
			"issue_number":           item.IssueNumber,
			"project_item_id":        item.ProjectItemID,
			"blocked_minutes":        blockedMinutes,
			"failure_classification": failureClassification,
			"error_code":             errorCode,
		}
		payload, err := s.cfg.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":                   "ORCHESTRATOR",
			"project_item_id":        item.ProjectItemID,
			"field":                  "Status",
			"value":                  "Ready",
			"issue_number":           item.IssueNumber,
			"retry_reason":           "automatic_retry_after_cooldown",
			"failure_classification": failureClassification,
			"failure_error_code":     errorCode,
			"blocked_minutes":        blockedMinutes,
			"run_id":                 runID,
			"suggested_next_steps": []any{
				"Re-run executor for this item.",
				"If failure repeats, inspect logs and keep item Blocked for human triage.",
			},
		})
		if err != nil {
			fields["status"] = "failed"
			fields["error"] = err.Error()
		} else {
			fields["backend_payload"] = payload
		}
		s.emitter.Event("BLOCKED_RETRY", fields)
	}
}

// handleReviewCycleCaps blocks items whose review loop hit the cycle cap.
func (s *Supervisor) handleReviewCycleCaps(ctx context.Context, summary *board.DispatchSummary) {
	state := board.ReadState(s.cfg.StatePath)
	for _, item := range summary.ProcessedItems {
		if item.Status != "In Review" {
			continue
		}
		stateItem := state.Items[item.ProjectItemID]
		if stateItem == nil || stateItem.ReviewCycleCount < reviewCycleCap {
			continue
		}
		runID := strings.TrimSpace(stateItem.LastRunID)

		fields := map[string]any{
			"issue_number":       item.IssueNumber,
			"project_item_id":    item.ProjectItemID,
			"review_cycle_count": stateItem.ReviewCycleCount,
		}
		payload, err := s.cfg.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":                   "ORCHESTRATOR",
			"project_item_id":        item.ProjectItemID,
			"field":                  "Status",
			"value":                  "Blocked",
			"issue_number":           item.IssueNumber,
			"failure_classification": ClassificationItemStop,
			"failure_message":        "Exceeded review iterations; needs human intervention.",
			"suggested_next_steps": []any{
				"Human triage required to unblock review loop.",
				"Decide whether to merge, split scope, or adjust acceptance criteria.",
			},
			"run_id":             runID,
			"review_cycle_count": stateItem.ReviewCycleCount,
		})
		if err != nil {
			fields["status"] = "failed"
			fields["error"] = err.Error()
		} else {
			fields["backend_payload"] = payload
		}
		s.emitter.Event("REVIEW_CYCLE_CAP_BLOCKED", fields)
	}
}

// handleRunningWatchdog fails ledger rows stuck in running beyond the
// watchdog timeout and pushes the item to Blocked.
func (s *Supervisor) handleRunningWatchdog(ctx context.Context, summary *board.DispatchSummary) {
	if s.cfg.Ledger == nil || s.cfg.WatchdogTimeout <= 0 {
		return
	}
	nowISO := utcNowISO()
	state := board.ReadState(s.cfg.StatePath)

	for _, item := range summary.ProcessedItems {
		if item.Status != "In Progress" && item.Status != "In Review" {
			continue
		}
		stateItem := state.Items[item.ProjectItemID]
		if stateItem == nil {
			continue
		}
		runID := strings.TrimSpace(stateItem.LastRunID)
		if runID == "" {
			continue
		}
		row, ok := s.cfg.Ledger.Get(runID)
		if !ok || stringField(row, "status") != ledger.StatusRunning {
			continue
		}
		startedAt := stringField(row, "running_at")
		if startedAt == "" {
			startedAt = stringField(row, "received_at")
		}
		elapsedSeconds := secondsSince(startedAt, nowISO)
		timeoutSeconds := int(s.cfg.WatchdogTimeout.Seconds())
		if elapsedSeconds <= timeoutSeconds {
			continue
		}

		message := fmt.Sprintf("Worker exceeded watchdog timeout (%ds).", timeoutSeconds)
		if err := s.cfg.Ledger.MarkResult(runID, ledger.StatusFailed, map[string]any{
			"status":                 "failed",
			"summary":                message,
			"urls":                   map[string]any{},
			"errors":                 []any{map[string]any{"code": "watchdog_timeout", "message": message}},
			"failure_classification": ClassificationHardStop,
			"error_code":             "watchdog_timeout",
		}); err != nil {
			s.logger.Warn("ledger watchdog mark %s: %v", runID, err)
		}
		s.emitter.Event("WORKER_WATCHDOG_TIMEOUT", map[string]any{
			"run_id":          runID,
			"issue_number":    item.IssueNumber,
			"project_item_id": item.ProjectItemID,
			"elapsed_s":       elapsedSeconds,
			"timeout_s":       timeoutSeconds,
		})
		s.transitionExecutorFailureToBlocked(ctx, runID, ClassificationHardStop, message)
	}
}

func stringField(obj map[string]any, key string) string {
	value, _ := obj[key].(string)
	return value
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
