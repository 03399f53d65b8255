// Package ledger persists run lifecycle rows so dispatch stays idempotent
// across supervisor restarts. One JSON document, replaced atomically on every
// mutation; a reader never sees a partial file.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Run lifecycle statuses. Progression is forward-only:
// queued -> running -> {succeeded, failed, skipped}.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

var (
	// ErrNotFound is returned by mark operations on absent rows.
	ErrNotFound = errors.New("run_id not in ledger")
	// ErrTerminal rejects transitions out of a terminal status.
	ErrTerminal = errors.New("row is terminal")
)

// Entry is one run row as written by Upsert.
type Entry struct {
	RunID      string
	Role       string
	IntentHash string
	ReceivedAt string
	Status     string
	Result     map[string]any
}

// Ledger is the durable run store. The root document is
// {plan_version, runs, tasks}; a legacy flat map keyed by run_id is upgraded
// in memory on load and written back structured.
type Ledger struct {
	path string

	mu          sync.Mutex
	loaded      bool
	planVersion string
	runs        map[string]map[string]any
	tasks       map[string]map[string]any
}

// New creates a ledger bound to path. Nothing is read until Load.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Load reads the ledger file. A missing file yields an empty ledger; invalid
// JSON or a non-object root is an error. Idempotent.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Ledger) loadLocked() error {
	if l.loaded {
		return nil
	}
	l.runs = map[string]map[string]any{}
	l.tasks = map[string]map[string]any{}

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("ledger file is not valid JSON: %s", l.path)
	}
	root, ok := value.(map[string]any)
	if !ok {
		return errors.New("ledger root must be a JSON object")
	}

	if runs, ok := root["runs"].(map[string]any); ok {
		for runID, row := range runs {
			if obj, ok := row.(map[string]any); ok {
				l.runs[runID] = obj
			}
		}
		if tasks, ok := root["tasks"].(map[string]any); ok {
			for itemID, row := range tasks {
				if obj, ok := row.(map[string]any); ok {
					l.tasks[itemID] = obj
				}
			}
		}
		if version, ok := root["plan_version"].(string); ok {
			l.planVersion = version
		}
	} else {
		// Legacy flat shape: every top-level object is a run row.
		for runID, row := range root {
			if obj, ok := row.(map[string]any); ok {
				l.runs[runID] = obj
			}
		}
	}
	l.loaded = true
	return nil
}

// Get returns a copy-free view of one run row.
func (l *Ledger) Get(runID string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return nil, false
	}
	row, ok := l.runs[runID]
	return row, ok
}

// Status returns the status string of a row, or "" when absent.
func (l *Ledger) Status(runID string) string {
	row, ok := l.Get(runID)
	if !ok {
		return ""
	}
	status, _ := row["status"].(string)
	return status
}

func isTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusSkipped
}

// Upsert writes a run row. A succeeded row is immutable; re-dispatch of a
// failed attempt replaces the row.
func (l *Ledger) Upsert(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	if existing, ok := l.runs[entry.RunID]; ok {
		if status, _ := existing["status"].(string); status == StatusSucceeded {
			return fmt.Errorf("upsert %s: %w", entry.RunID, ErrTerminal)
		}
	}
	row := map[string]any{
		"run_id":      entry.RunID,
		"role":        entry.Role,
		"intent_hash": entry.IntentHash,
		"received_at": entry.ReceivedAt,
		"status":      entry.Status,
	}
	if entry.Result != nil {
		row["result"] = entry.Result
	} else {
		row["result"] = nil
	}
	l.runs[entry.RunID] = row
	return l.writeLocked()
}

// MarkRunning moves a queued row to running and stamps running_at.
func (l *Ledger) MarkRunning(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	row, ok := l.runs[runID]
	if !ok {
		return fmt.Errorf("cannot mark running: %w", ErrNotFound)
	}
	if status, _ := row["status"].(string); isTerminal(status) {
		return fmt.Errorf("cannot mark running %s from %s: %w", runID, status, ErrTerminal)
	}
	row["status"] = StatusRunning
	row["running_at"] = time.Now().UTC().Format(time.RFC3339)
	return l.writeLocked()
}

// MarkResult records the terminal status and result payload for a row.
func (l *Ledger) MarkResult(runID, status string, result map[string]any) error {
	if !isTerminal(status) {
		return fmt.Errorf("mark result: %q is not a terminal status", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	row, ok := l.runs[runID]
	if !ok {
		return fmt.Errorf("cannot mark result: %w", ErrNotFound)
	}
	if current, _ := row["status"].(string); isTerminal(current) {
		return fmt.Errorf("cannot mark result %s from %s: %w", runID, current, ErrTerminal)
	}
	row["status"] = status
	row["result"] = result
	return l.writeLocked()
}

// TouchTaskActivity stamps last_activity_at for a project item.
func (l *Ledger) TouchTaskActivity(projectItemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	task, ok := l.tasks[projectItemID]
	if !ok {
		task = map[string]any{}
		l.tasks[projectItemID] = task
	}
	task["last_activity_at"] = time.Now().UTC().Format(time.RFC3339)
	return l.writeLocked()
}

// PlanVersion returns the plan version tag recorded in the ledger root.
func (l *Ledger) PlanVersion() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return ""
	}
	return l.planVersion
}

// SetPlanVersion records the plan version tag.
func (l *Ledger) SetPlanVersion(version string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(); err != nil {
		return err
	}
	l.planVersion = version
	return l.writeLocked()
}

// writeLocked flushes the structured document through a temp file renamed
// into place.
func (l *Ledger) writeLocked() error {
	root := map[string]any{
		"plan_version": l.planVersion,
		"runs":         l.runs,
		"tasks":        l.tasks,
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d", l.path, os.Getpid(), time.Now().UnixMilli())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
