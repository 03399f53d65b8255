package board

import (
	"time"

	"sprintd/internal/events"
)

// Sanitizer runs dependency sanitization with the bounded regeneration loop
// in front of promotion. Attempt 0 patches cycles deterministically; later
// attempts hand off to the planner via a request sidecar next to the state
// file.
type Sanitizer struct {
	MaxAttempts int
	StatePath   string
	Emitter     *events.Emitter
}

// regenRequestPath is the sidecar consumed by external planning automation.
func (s *Sanitizer) regenRequestPath() string {
	return s.StatePath + ".regen-request.json"
}

// Run sanitizes plan until it is cycle-free or the attempt budget is spent.
// Error values distinguish the terminal conditions: *CycleManualFixError
// when regeneration is disabled, *RegenExhaustedError when attempts ran out,
// *RegenHandoffError when a planner request was written.
func (s *Sanitizer) Run(plan ScopePlan, originalSprintPlan map[string]any) (ScopePlan, error) {
	current := plan.clone()
	maxAttempts := s.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	var history []map[string]any
	attempts := 0

	for {
		sanitized, report, cycleErr := SanitizeGraph(current)
		s.Emitter.Event("DEPENDENCY_GRAPH_SANITIZED", map[string]any{"report": report})
		if cycleErr == nil {
			if len(history) > 0 {
				s.Emitter.Event("sanitization_regen_succeeded", map[string]any{
					"attempts": attempts,
					"history":  history,
				})
			}
			return sanitized, nil
		}

		if maxAttempts == 0 {
			s.Emitter.Event("DEPENDENCY_CYCLE_DETECTED", map[string]any{"cycles": cycleErr.Cycles})
			return nil, &CycleManualFixError{Cycles: cycleErr.Cycles}
		}

		if attempts >= maxAttempts {
			finalHistory := append(append([]map[string]any{}, history...), map[string]any{
				"attempt":             attempts,
				"tier":                "FINAL_SANITIZATION_FAILED",
				"sanitization_report": report,
				"cycle_error":         map[string]any{"cycles": cycleErr.Cycles},
			})
			s.Emitter.Event("sanitization_regen_exhausted", map[string]any{
				"attempts": attempts,
				"history":  finalHistory,
			})
			return nil, &RegenExhaustedError{History: finalHistory}
		}

		attempt, patched, err := s.attemptRegen(current, report, cycleErr, history, attempts, originalSprintPlan)
		if err != nil {
			return nil, err
		}
		history = append(history, attempt)
		current = patched
		attempts++

		if attempt["handoff_requested"] == true {
			s.Emitter.Event("sanitization_regen_handoff_requested", map[string]any{
				"attempts":     attempts,
				"history":      history,
				"request_path": attempt["request_path"],
			})
			return nil, &RegenHandoffError{History: history, RequestPath: s.regenRequestPath()}
		}
	}
}

// attemptRegen applies one repair tier. Attempt 0 drops the (last -> first)
// edge of each cycle; if that removed anything the loop retries. Otherwise
// the context is written to the regen-request sidecar for the planner.
func (s *Sanitizer) attemptRegen(current ScopePlan, report *SanitizeReport, cycleErr *CycleError,
	history []map[string]any, attemptNumber int, originalSprintPlan map[string]any) (map[string]any, ScopePlan, error) {

	patched := current.clone()
	var edgesRemoved []map[string]int
	for _, cycle := range cycleErr.Cycles {
		if len(cycle) == 0 {
			continue
		}
		fromIssue := cycle[len(cycle)-1]
		toIssue := cycle[0]
		meta, present := patched[fromIssue]
		if !present {
			continue
		}
		var next []int
		removed := false
		for _, dep := range meta.DependsOn {
			if dep == toIssue {
				removed = true
				continue
			}
			next = append(next, dep)
		}
		if !removed {
			continue
		}
		meta.DependsOn = next
		edgesRemoved = append(edgesRemoved, map[string]int{"from": fromIssue, "to": toIssue})
	}

	if attemptNumber == 0 && len(edgesRemoved) > 0 {
		return map[string]any{
			"attempt":             attemptNumber,
			"tier":                "DETERMINISTIC_PATCH",
			"cycles_targeted":     cycleErr.Cycles,
			"edges_removed":       edgesRemoved,
			"sanitization_report": report,
			"cycle_error":         map[string]any{"cycles": cycleErr.Cycles},
		}, patched, nil
	}

	context := map[string]any{
		"previous_sprint_plan": originalSprintPlan,
		"sanitization_report":  report,
		"cycle_error":          map[string]any{"cycles": cycleErr.Cycles},
		"attempt_history":      history,
		"instruction": "The depends_on graph for this sprint contains cycles or invalid edges that survived automated patching. " +
			"Revise the scope metadata for the affected issues only. Do not change unaffected issues.",
	}

	// Handoff contract: the supervisor writes context to
	// <state>.regen-request.json, external automation re-plans, and the
	// supervisor is restarted once updated scope metadata lands.
	requestPath := s.regenRequestPath()
	err := atomicWriteJSON(requestPath, map[string]any{
		"requested_at": time.Now().UTC().Format(time.RFC3339),
		"attempt":      attemptNumber,
		"tier":         "PLANNER_REGEN",
		"context":      context,
		"deterministic_patch_probe": map[string]any{
			"cycles_targeted": cycleErr.Cycles,
			"edges_removed":   edgesRemoved,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	return map[string]any{
		"attempt":             attemptNumber,
		"tier":                "PLANNER_REGEN",
		"cycles_targeted":     cycleErr.Cycles,
		"edges_removed":       edgesRemoved,
		"sanitization_report": report,
		"cycle_error":         map[string]any{"cycles": cycleErr.Cycles},
		"context_sent":        context,
		"request_path":        requestPath,
		"handoff_requested":   true,
	}, patched, nil
}
