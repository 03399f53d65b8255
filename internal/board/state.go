package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sprintd/internal/events"
)

// StateItem is the per-project-item record inside the orchestrator state
// file. It tracks the observed status epoch, the last dispatch, and reviewer
// cycle bookkeeping. Items are rewritten wholesale on every reconciliation.
type StateItem struct {
	LastSeenStatus      string `json:"last_seen_status,omitempty"`
	LastSeenSprint      string `json:"last_seen_sprint,omitempty"`
	LastSeenIssueNumber int    `json:"last_seen_issue_number,omitempty"`
	LastSeenIssueTitle  string `json:"last_seen_issue_title,omitempty"`
	LastSeenIssueURL    string `json:"last_seen_issue_url,omitempty"`
	LastSeenAt          string `json:"last_seen_at,omitempty"`
	StatusSinceAt       string `json:"status_since_at,omitempty"`
	StatusSincePoll     int    `json:"status_since_poll,omitempty"`

	LastActivityAt        string `json:"last_activity_at,omitempty"`
	LastActivityIndicator string `json:"last_activity_indicator,omitempty"`

	LastDispatchedRole   string `json:"last_dispatched_role,omitempty"`
	LastDispatchedStatus string `json:"last_dispatched_status,omitempty"`
	LastDispatchedAt     string `json:"last_dispatched_at,omitempty"`
	LastDispatchedPoll   int    `json:"last_dispatched_poll,omitempty"`
	LastRunID            string `json:"last_run_id,omitempty"`

	ReviewCycleCount                   int    `json:"review_cycle_count,omitempty"`
	LastReviewerOutcome                string `json:"last_reviewer_outcome,omitempty"`
	LastReviewerFeedbackAt             string `json:"last_reviewer_feedback_at,omitempty"`
	LastExecutorResponseAt             string `json:"last_executor_response_at,omitempty"`
	ReviewerDispatchesForCurrentStatus int    `json:"reviewer_dispatches_for_current_status,omitempty"`
	InReviewOrigin                     string `json:"in_review_origin,omitempty"`
}

func (it *StateItem) clone() *StateItem {
	if it == nil {
		return nil
	}
	cloned := *it
	return &cloned
}

// State is the orchestrator state document shared with the planner child via
// atomic file replacement.
type State struct {
	PollCount      int                   `json:"poll_count"`
	Items          map[string]*StateItem `json:"items"`
	SprintPlan     map[string]any        `json:"sprint_plan"`
	OwnershipIndex map[string]any        `json:"ownership_index"`
}

// EmptyState returns a well-formed zero state.
func EmptyState() *State {
	return &State{
		Items:          map[string]*StateItem{},
		SprintPlan:     map[string]any{},
		OwnershipIndex: map[string]any{},
	}
}

func (s *State) normalize() {
	if s.PollCount < 0 {
		s.PollCount = 0
	}
	if s.Items == nil {
		s.Items = map[string]*StateItem{}
	}
	if s.SprintPlan == nil {
		s.SprintPlan = map[string]any{}
	}
	if s.OwnershipIndex == nil {
		s.OwnershipIndex = map[string]any{}
	}
}

// Clone returns a deep copy of items; sprint_plan and ownership_index are
// shared (read-only by convention).
func (s *State) Clone() *State {
	cloned := &State{
		PollCount:      s.PollCount,
		Items:          make(map[string]*StateItem, len(s.Items)),
		SprintPlan:     s.SprintPlan,
		OwnershipIndex: s.OwnershipIndex,
	}
	for id, item := range s.Items {
		cloned.Items[id] = item.clone()
	}
	return cloned
}

// LoadState reads the orchestrator state file. A missing file yields an
// empty state. Invalid JSON or a non-object root quarantines the file with a
// .corrupt-<ms> suffix, emits ORCHESTRATOR_STATE_RESET_INVALID_JSON, and
// yields an empty state.
func LoadState(path string, emitter *events.Emitter) *State {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyState()
		}
		quarantineState(path, emitter, fmt.Sprintf("state file unreadable: %v", err))
		return EmptyState()
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		quarantineState(path, emitter, "state file contains invalid JSON")
		return EmptyState()
	}
	if _, ok := probe.(map[string]any); !ok {
		quarantineState(path, emitter, "state file must be a JSON object")
		return EmptyState()
	}

	state := EmptyState()
	if err := json.Unmarshal(raw, state); err != nil {
		quarantineState(path, emitter, "state file does not match the expected shape")
		return EmptyState()
	}
	state.normalize()
	return state
}

// ReadState is the non-destructive read used on the hot dispatch path. Any
// problem with the file yields an empty state; only reconciliation-time loads
// quarantine.
func ReadState(path string) *State {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EmptyState()
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return EmptyState()
	}
	if _, ok := probe.(map[string]any); !ok {
		return EmptyState()
	}
	state := EmptyState()
	if err := json.Unmarshal(raw, state); err != nil {
		return EmptyState()
	}
	state.normalize()
	return state
}

func quarantineState(path string, emitter *events.Emitter, reason string) {
	backupPath := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, backupPath); err != nil {
		backupPath = ""
	}
	emitter.Event("ORCHESTRATOR_STATE_RESET_INVALID_JSON", map[string]any{
		"path":        path,
		"backup_path": backupPath,
		"error":       reason,
	})
}

// SaveState writes the state file atomically.
func SaveState(path string, state *State) error {
	state.normalize()
	obj := map[string]any{
		"poll_count":      state.PollCount,
		"items":           state.Items,
		"sprint_plan":     state.SprintPlan,
		"ownership_index": state.OwnershipIndex,
	}
	return atomicWriteJSON(path, obj)
}

// atomicWriteJSON serializes obj and renames a temp file into place so a
// concurrent reader never sees a partial document.
func atomicWriteJSON(path string, obj any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tmpPath := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixMilli())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// IssueForRunID scans items for a dispatch matching runID and returns the
// recorded issue number.
func (s *State) IssueForRunID(runID string) (int, bool) {
	for _, item := range s.Items {
		if item != nil && item.LastRunID == runID && item.LastSeenIssueNumber > 0 {
			return item.LastSeenIssueNumber, true
		}
	}
	return 0, false
}

// ResolveProjectItemID finds the project item currently tracking an issue.
// Stale duplicates are resolved by freshest last_seen_at, then freshest
// status_since_at, then larger last_dispatched_poll, then larger id;
// observing duplicates emits DUPLICATE_PROJECT_ITEMS.
func (s *State) ResolveProjectItemID(issueNumber int, emitter *events.Emitter) (string, *StateItem, bool) {
	type candidate struct {
		id   string
		item *StateItem
	}
	var candidates []candidate
	for id, item := range s.Items {
		if item != nil && item.LastSeenIssueNumber == issueNumber {
			candidates = append(candidates, candidate{id: id, item: item})
		}
	}
	if len(candidates) == 0 {
		return "", nil, false
	}
	if len(candidates) > 1 {
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.id)
		}
		sort.Strings(ids)
		emitter.Event("DUPLICATE_PROJECT_ITEMS", map[string]any{
			"issue_number":     issueNumber,
			"project_item_ids": ids,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		// RFC 3339 timestamps order lexicographically.
		if c := strings.Compare(left.item.LastSeenAt, right.item.LastSeenAt); c != 0 {
			return c > 0
		}
		if c := strings.Compare(left.item.StatusSinceAt, right.item.StatusSinceAt); c != 0 {
			return c > 0
		}
		if left.item.LastDispatchedPoll != right.item.LastDispatchedPoll {
			return left.item.LastDispatchedPoll > right.item.LastDispatchedPoll
		}
		return left.id > right.id
	})
	return candidates[0].id, candidates[0].item, true
}
