// Package kickoff drafts a sprint plan through the planner agent, validates
// it against the issue contract, applies it to the backend board, and
// promotes the initial ready set.
package kickoff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sprintd/internal/backend"
	"sprintd/internal/board"
	"sprintd/internal/codex"
	"sprintd/internal/events"
	"sprintd/internal/ledger"
	"sprintd/internal/logging"
	"sprintd/internal/transcript"
)

// Backend is the slice of the policy client kickoff needs. *backend.Client
// satisfies it.
type Backend interface {
	GetAgentContext(ctx context.Context, role string) (map[string]any, error)
	PostPlanApply(ctx context.Context, body map[string]any) (map[string]any, error)
	PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error)
}

// Generator produces one JSON object from the agent toolchain.
// *codex.Driver satisfies it.
type Generator interface {
	GenerateJSON(ctx context.Context, bundle *codex.Bundle, prompt, developerNotes, sandbox string, sink codex.EventSink) (map[string]any, error)
}

// Runner executes the kickoff planning flow. Ledger nil disables run
// bookkeeping (dry runs); Promoter nil disables the empty-ready-set
// promotion fallback.
type Runner struct {
	Backend     Backend
	Generator   Generator
	Ledger      *ledger.Ledger
	Emitter     *events.Emitter
	Promoter    *board.Promoter
	Transcripts *transcript.Sink
	Logger      logging.Logger

	Sprint     string
	ReadyLimit int
	DryRun     bool
	PlanPath   string
}

// ReadGoalText resolves the goal text from the --goal flag or a goal file.
func ReadGoalText(goal, goalFile string) (string, error) {
	if goalFile != "" {
		raw, err := os.ReadFile(goalFile)
		if err != nil {
			return "", newError("kickoff_goal_missing", "read goal file: "+err.Error(), map[string]any{"path": goalFile})
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return "", newError("kickoff_goal_missing", "goal file is empty", map[string]any{"path": goalFile})
		}
		return text, nil
	}
	if goal != "" {
		text := strings.TrimSpace(goal)
		if text == "" {
			return "", newError("kickoff_goal_missing", "--goal must be non-empty", nil)
		}
		return text, nil
	}
	return "", newError("kickoff_goal_missing", "kickoff requires --goal or --goal-file", nil)
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Run drafts, validates, and applies the sprint plan. Failures are recorded
// in the ledger before the error is returned; exit-code mapping is the
// caller's job.
func (r *Runner) Run(ctx context.Context, goalText string) error {
	logger := logging.OrNop(r.Logger)
	runID := "kickoff-" + uuid.NewString()

	if r.Ledger != nil {
		if err := r.Ledger.Upsert(ledger.Entry{
			RunID:      runID,
			Role:       "ORCHESTRATOR",
			IntentHash: "kickoff:" + r.Sprint,
			ReceivedAt: utcNowISO(),
			Status:     ledger.StatusQueued,
		}); err != nil {
			logger.Warn("ledger upsert kickoff row: %v", err)
		}
		if err := r.Ledger.MarkRunning(runID); err != nil {
			logger.Warn("ledger mark kickoff running: %v", err)
		}
	}

	applyResult, err := r.run(ctx, runID, goalText)
	if err != nil {
		r.markResult(runID, "failed", err.Error(), failureErrors(err), failureDetails(err))
		return err
	}

	promoted, _ := applyResult["promoted"].([]any)
	r.markResult(runID, "succeeded", "Kickoff planning completed.", nil, map[string]any{
		"sprint":         r.Sprint,
		"ready_limit":    r.ReadyLimit,
		"apply_status":   applyResult["status"],
		"promoted_count": len(promoted),
	})
	return nil
}

func (r *Runner) run(ctx context.Context, runID, goalText string) (map[string]any, error) {
	rawBundle, err := r.Backend.GetAgentContext(ctx, "ORCHESTRATOR")
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	bundle, err := codex.ParseBundle(rawBundle)
	if err != nil {
		return nil, err
	}

	prompt, developerNotes := BuildPrompt(r.Sprint, goalText, r.ReadyLimit)

	var sink codex.EventSink
	if r.Transcripts != nil {
		sink = r.Transcripts.EventSinkFor(runID, "ORCHESTRATOR")
	}
	rawPlan, err := r.Generator.GenerateJSON(ctx, bundle, prompt, developerNotes, "read-only", sink)
	if err != nil {
		return nil, err
	}

	plan, err := ValidatePlan(rawPlan, r.Sprint, r.ReadyLimit)
	if err != nil {
		return nil, err
	}
	draft, err := PlanToDraft(plan)
	if err != nil {
		return nil, err
	}
	r.Emitter.Event("KICKOFF_PLAN", map[string]any{"plan": plan})
	r.Emitter.Event("KICKOFF_DRAFT", map[string]any{"draft": draft})

	applyResult, err := r.apply(ctx, plan, draft)
	if err != nil {
		return nil, err
	}

	resultEvent := map[string]any{}
	for key, value := range applyResult {
		resultEvent[key] = value
	}
	r.Emitter.Event("KICKOFF_RESULT", resultEvent)
	return applyResult, nil
}

// apply posts the draft and promotes the ready set. Dependency chaining and
// path ownership gates mirror the poll-time promotion engine; ready-set tasks
// that lose a gate are skipped, not failed.
func (r *Runner) apply(ctx context.Context, plan, draft map[string]any) (map[string]any, error) {
	readyTitles := stringList(plan["ready_set_titles"])

	if r.DryRun {
		r.Emitter.Event("KICKOFF_DRY_RUN", map[string]any{"ready_set_titles": toAnyList(readyTitles)})
		return map[string]any{"status": "DRY_RUN", "ready_set_titles": toAnyList(readyTitles)}, nil
	}

	applyPayload, err := r.Backend.PostPlanApply(ctx, map[string]any{"role": "ORCHESTRATOR", "draft": draft})
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	if status, _ := applyPayload["status"].(string); status != "APPLIED" {
		return nil, newError("kickoff_plan_apply_failed", "plan-apply did not return APPLIED",
			map[string]any{"payload": applyPayload})
	}

	scopeByIssue, _ := applyPayload["sprint_plan"].(map[string]any)
	ownershipIndex, _ := applyPayload["ownership_index"].(map[string]any)
	if scopeByIssue == nil {
		scopeByIssue = map[string]any{}
	}
	if ownershipIndex == nil {
		ownershipIndex = map[string]any{}
	}

	issues, _ := draft["issues"].([]any)
	created, ok := applyPayload["created"].([]any)
	if !ok || len(created) != len(issues) {
		details := map[string]any{"created_count": nil}
		if ok {
			details["created_count"] = len(created)
		}
		return nil, newError("kickoff_plan_apply_failed", "plan-apply response created list mismatch", details)
	}

	titleToProjectItemID := map[string]string{}
	for idx, rawIssue := range issues {
		issue, _ := rawIssue.(map[string]any)
		title, _ := issue["title"].(string)
		if strings.TrimSpace(title) == "" {
			return nil, newError("kickoff_invalid_draft", "draft issue missing title", nil)
		}
		if _, exists := titleToProjectItemID[title]; exists {
			return nil, newError("kickoff_title_collision", "title collision exists in draft issues",
				map[string]any{"title": title})
		}
		createdEntry, _ := created[idx].(map[string]any)
		projectItemID, _ := createdEntry["project_item_id"].(string)
		if strings.TrimSpace(projectItemID) == "" {
			return nil, newError("kickoff_plan_apply_failed", "plan-apply response missing project_item_id",
				map[string]any{"index": idx})
		}
		titleToProjectItemID[title] = projectItemID
	}

	// Persist a local plan cache (dependencies + created ids) so the poll
	// loop can deterministically promote dependency-free tasks later.
	tasksByTitle := map[string]map[string]any{}
	for _, rawTask := range toAnySlice(plan["tasks"]) {
		if task, ok := rawTask.(map[string]any); ok {
			if title, _ := task["title"].(string); title != "" {
				tasksByTitle[title] = task
			}
		}
	}
	var tasksPlan []any
	for idx, rawIssue := range issues {
		if idx == 0 {
			// goal issue, never promoted
			continue
		}
		issue, _ := rawIssue.(map[string]any)
		title, _ := issue["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		taskSrc, ok := tasksByTitle[title]
		if !ok {
			return nil, newError("kickoff_plan_cache_failed", "plan cache missing task metadata",
				map[string]any{"title": title})
		}
		createdEntry, _ := created[idx].(map[string]any)
		issueNumber := intField(createdEntry, "issue_number")
		projectItemID, _ := createdEntry["project_item_id"].(string)
		if issueNumber <= 0 {
			return nil, newError("kickoff_plan_cache_failed", "plan cache missing issue_number",
				map[string]any{"title": title})
		}
		if strings.TrimSpace(projectItemID) == "" {
			return nil, newError("kickoff_plan_cache_failed", "plan cache missing project_item_id",
				map[string]any{"title": title})
		}
		depends := taskSrc["depends_on_titles"]
		if depends == nil {
			depends = []any{}
		}
		tasksPlan = append(tasksPlan, map[string]any{
			"title":             title,
			"issue_number":      issueNumber,
			"project_item_id":   projectItemID,
			"priority":          taskSrc["priority"],
			"depends_on_titles": depends,
			"scope":             scopeByIssue[strconv.Itoa(issueNumber)],
		})
	}

	goalIssue, _ := issues[0].(map[string]any)
	goalCreated, _ := created[0].(map[string]any)
	planCache := map[string]any{
		"version":      1,
		"sprint":       draft["sprint"],
		"generated_at": utcNowISO(),
		"goal": map[string]any{
			"title":           goalIssue["title"],
			"issue_number":    goalCreated["issue_number"],
			"project_item_id": goalCreated["project_item_id"],
		},
		"tasks":            tasksPlan,
		"ready_set_titles": toAnyList(readyTitles),
		"sprint_plan":      scopeByIssue,
		"ownership_index":  ownershipIndex,
	}
	if err := board.SaveSprintPlan(r.PlanPath, planCache); err != nil {
		return nil, fmt.Errorf("save sprint plan cache: %w", err)
	}
	r.Emitter.Event("SPRINT_PLAN_SAVED", map[string]any{"path": r.PlanPath, "sprint": planCache["sprint"]})

	sprintPlan := board.NewSprintPlan(planCache)
	scopePlan := sprintPlan.ScopePlan()

	titleToIssueNumber := map[string]int{}
	statusByIssue := map[int]string{}
	for _, rawTask := range tasksPlan {
		task := rawTask.(map[string]any)
		issueNumber := intField(task, "issue_number")
		titleToIssueNumber[task["title"].(string)] = issueNumber
		statusByIssue[issueNumber] = "Backlog"
	}

	type reservation struct {
		issueNumber int
		path        string
	}
	var reserved []reservation
	var promoted []any

	for _, title := range readyTitles {
		projectItemID := titleToProjectItemID[title]
		if projectItemID == "" {
			return nil, newError("kickoff_ready_set_missing_mapping", "ready_set task not found in plan-apply results",
				map[string]any{"title": title})
		}
		issueNumber := titleToIssueNumber[title]
		if issueNumber <= 0 {
			return nil, newError("kickoff_ready_set_missing_mapping", "ready_set task missing issue_number mapping",
				map[string]any{"title": title})
		}

		meta := scopePlan[issueNumber]
		if meta != nil {
			if strings.ToUpper(strings.TrimSpace(meta.IsolationMode)) == "CHAINED" {
				blocked := false
				for _, dep := range meta.DependsOn {
					if dep <= 0 {
						continue
					}
					if statusByIssue[dep] != "Done" {
						r.Emitter.Event("BOARD_PROMOTION_SKIPPED_DEPENDENCY", map[string]any{
							"issue_number":      issueNumber,
							"depends_on":        dep,
							"depends_on_status": statusByIssue[dep],
							"reason":            "kickoff_ready_set",
						})
						blocked = true
						break
					}
				}
				if blocked {
					continue
				}
			}

			conflicted := false
			for _, owned := range meta.OwnsPaths {
				for _, other := range reserved {
					if board.PathsOverlap(owned, other.path) {
						r.Emitter.Event("BOARD_PROMOTION_SKIPPED_CONFLICT", map[string]any{
							"issue_number":          issueNumber,
							"conflict_issue_number": other.issueNumber,
							"path":                  board.NormalizeScopePath(owned),
							"conflict_path":         other.path,
							"reason":                "kickoff_ready_set",
						})
						conflicted = true
						break
					}
				}
				if conflicted {
					break
				}
			}
			if conflicted {
				continue
			}
		}

		updatePayload, err := r.Backend.PostFieldUpdate(ctx, map[string]any{
			"role":            "ORCHESTRATOR",
			"project_item_id": projectItemID,
			"field":           "Status",
			"value":           "Ready",
		})
		if err != nil {
			return nil, wrapBackendErr(err)
		}
		promoted = append(promoted, map[string]any{
			"title":           title,
			"project_item_id": projectItemID,
			"update_payload":  updatePayload,
		})
		r.Emitter.Event("BOARD_PROMOTION_APPLIED", map[string]any{
			"issue_number":    issueNumber,
			"project_item_id": projectItemID,
			"from":            "Backlog",
			"to":              "Ready",
			"reason":          "kickoff_ready_set",
			"backend_payload": updatePayload,
		})
		statusByIssue[issueNumber] = "Ready"
		if meta != nil {
			for _, owned := range meta.OwnsPaths {
				if normalized := board.NormalizeScopePath(owned); normalized != "" {
					reserved = append(reserved, reservation{issueNumber: issueNumber, path: normalized})
				}
			}
		}
	}

	if len(promoted) == 0 {
		// If every ready-set title is blocked by ownership chaining, fall
		// back to the regular promotion engine so the sprint can start.
		var processedItems []any
		for _, rawTask := range tasksPlan {
			task := rawTask.(map[string]any)
			issueNumber := intField(task, "issue_number")
			projectItemID, _ := task["project_item_id"].(string)
			if issueNumber <= 0 || strings.TrimSpace(projectItemID) == "" {
				continue
			}
			processedItems = append(processedItems, map[string]any{
				"issue_number":    issueNumber,
				"project_item_id": projectItemID,
				"status":          "Backlog",
			})
		}
		sprint, _ := planCache["sprint"].(string)
		fallbackSummary := board.ParseDispatchSummary(map[string]any{
			"type":            "DISPATCH_SUMMARY",
			"sprint":          sprint,
			"status_counts":   map[string]any{"Ready": 0, "Backlog": len(processedItems)},
			"processed_items": processedItems,
		})
		r.Emitter.Event("KICKOFF_READY_SET_EMPTY", map[string]any{
			"ready_set_titles":      toAnyList(readyTitles),
			"fallback_ready_target": r.ReadyLimit,
		})
		if r.Promoter != nil {
			if err := r.Promoter.AutopromoteReady(ctx, fallbackSummary, sprintPlan); err != nil {
				return nil, err
			}
		}
	}

	if promoted == nil {
		promoted = []any{}
	}
	return map[string]any{"status": "APPLIED", "plan_apply": applyPayload, "promoted": promoted}, nil
}

func (r *Runner) markResult(runID, status, summary string, errs []any, details map[string]any) {
	if r.Ledger == nil {
		return
	}
	result := map[string]any{
		"run_id":       runID,
		"role":         "ORCHESTRATOR",
		"status":       status,
		"summary":      summary,
		"urls":         map[string]any{},
		"errors":       errs,
		"completed_at": utcNowISO(),
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
	if err := r.Ledger.MarkResult(runID, ledgerStatus, result); err != nil {
		logging.OrNop(r.Logger).Warn("ledger mark kickoff result: %v", err)
	}
}

// wrapBackendErr folds backend write failures into the kickoff taxonomy.
// A 409 policy rejection during kickoff is a hard stop like any other.
func wrapBackendErr(err error) error {
	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		return newError("kickoff_backend_error", "kickoff backend request failed", map[string]any{
			"code":        httpErr.Code,
			"status_code": httpErr.StatusCode,
			"payload":     httpErr.Payload,
		})
	}
	return err
}

func failureErrors(err error) []any {
	code := "kickoff_failed"
	var kickoffErr *Error
	var workerErr *codex.WorkerError
	switch {
	case errors.As(err, &kickoffErr):
		code = kickoffErr.Code
	case errors.As(err, &workerErr):
		code = workerErr.Code
	}
	var handoff *board.RegenHandoffError
	if errors.As(err, &handoff) {
		code = "sanitization_regen_handoff_requested"
	}
	var exhausted *board.RegenExhaustedError
	if errors.As(err, &exhausted) {
		code = "sanitization_regen_exhausted"
	}
	var manual *board.CycleManualFixError
	if errors.As(err, &manual) {
		code = "malformed_item_data"
	}
	return []any{map[string]any{"code": code, "message": err.Error()}}
}

func failureDetails(err error) map[string]any {
	var kickoffErr *Error
	if errors.As(err, &kickoffErr) && len(kickoffErr.Details) > 0 {
		return kickoffErr.Details
	}
	var handoff *board.RegenHandoffError
	if errors.As(err, &handoff) {
		return map[string]any{"request_path": handoff.RequestPath}
	}
	return nil
}

func stringList(raw any) []string {
	var out []string
	for _, entry := range toAnySlice(raw) {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(raw any) []any {
	list, _ := raw.([]any)
	return list
}

func intField(obj map[string]any, key string) int {
	switch v := obj[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
