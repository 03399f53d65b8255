package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintd/internal/board"
	"sprintd/internal/codex"
	"sprintd/internal/events"
	"sprintd/internal/intent"
	"sprintd/internal/ledger"
)

type fakeBackend struct {
	mu             sync.Mutex
	contextErr     error
	metadata       map[string]any
	metadataErr    error
	fieldUpdates   []map[string]any
	fieldUpdateErr error
	linkage        map[string]any
	linkageErr     error
}

func (f *fakeBackend) GetAgentContext(ctx context.Context, role string) (map[string]any, error) {
	if f.contextErr != nil {
		return nil, f.contextErr
	}
	return map[string]any{"role": role, "files": []any{}}, nil
}

func (f *fakeBackend) GetProjectItemsMetadata(ctx context.Context, sprint string) (map[string]any, error) {
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	return f.metadata, nil
}

func (f *fakeBackend) PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fieldUpdateErr != nil {
		return nil, f.fieldUpdateErr
	}
	f.fieldUpdates = append(f.fieldUpdates, body)
	return map[string]any{"status": "APPLIED"}, nil
}

func (f *fakeBackend) PostResolveLinkedPr(ctx context.Context, body map[string]any) (map[string]any, error) {
	if f.linkageErr != nil {
		return nil, f.linkageErr
	}
	return f.linkage, nil
}

func (f *fakeBackend) updates() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.fieldUpdates...)
}

type fakeDriver struct {
	mu     sync.Mutex
	calls  int
	result *codex.WorkerResult
	err    error
}

func (f *fakeDriver) RunIntent(ctx context.Context, in *intent.RunIntent, bundle *codex.Bundle, sink codex.EventSink) (*codex.WorkerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeDriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testHarness struct {
	sup     *Supervisor
	backend *fakeBackend
	driver  *fakeDriver
	buf     *bytes.Buffer
	ledger  *ledger.Ledger
	state   string
}

func newHarness(t *testing.T, backend *fakeBackend, driver *fakeDriver) *testHarness {
	t.Helper()
	dir := t.TempDir()
	buf := &bytes.Buffer{}
	led := ledger.New(filepath.Join(dir, "ledger.json"))
	statePath := filepath.Join(dir, "state.json")
	sup := NewSupervisor(Config{
		Backend:             backend,
		Ledger:              led,
		Driver:              driver,
		Emitter:             events.NewEmitter(buf, nil),
		Metrics:             MustNewMetrics(prometheus.NewRegistry()),
		StatePath:           statePath,
		ReviewStallPolls:    50,
		BlockedRetryMinutes: 15,
		WatchdogTimeout:     900 * time.Second,
	})
	return &testHarness{sup: sup, backend: backend, driver: driver, buf: buf, ledger: led, state: statePath}
}

func (h *testHarness) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(h.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &obj))
		if typ, ok := obj["type"].(string); ok {
			types = append(types, typ)
		}
	}
	return types
}

func mustIntent(t *testing.T, role, runID, endpoint string, extraBody map[string]any) *intent.RunIntent {
	t.Helper()
	body := map[string]any{"role": role, "run_id": runID}
	for key, value := range extraBody {
		body[key] = value
	}
	in, err := intent.ParseIntent(map[string]any{
		"type":     intent.TypeRunIntent,
		"role":     role,
		"run_id":   runID,
		"endpoint": endpoint,
		"body":     body,
	})
	require.NoError(t, err)
	return in
}

func executorIntent(t *testing.T, runID string, issue int) *intent.RunIntent {
	return mustIntent(t, intent.RoleExecutor, runID, "/internal/executor/claim-ready-item",
		map[string]any{"issue_number": float64(issue)})
}

func reviewerIntent(t *testing.T, runID string, issue int) *intent.RunIntent {
	return mustIntent(t, intent.RoleReviewer, runID, "/internal/reviewer/resolve-linked-pr",
		map[string]any{"issue_number": float64(issue)})
}

func seedState(t *testing.T, path string, items map[string]*board.StateItem) {
	t.Helper()
	require.NoError(t, board.SaveState(path, &board.State{Items: items}))
}

func TestHandleIntentDryRunSkipsExecution(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{}
	h := newHarness(t, backend, driver)
	h.sup.cfg.DryRun = true

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.NoError(t, err)

	assert.Equal(t, 0, driver.callCount())
	assert.Contains(t, h.eventTypes(t), "DRY_RUN_WOULD_EXECUTE")
}

func TestHandleIntentSkipsSucceededLedgerRow(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{}
	h := newHarness(t, backend, driver)

	require.NoError(t, h.ledger.Upsert(ledger.Entry{RunID: "run-1", Role: "EXECUTOR", Status: ledger.StatusQueued}))
	require.NoError(t, h.ledger.MarkResult("run-1", ledger.StatusSucceeded, map[string]any{"status": "succeeded"}))

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.NoError(t, err)

	assert.Equal(t, 0, driver.callCount())
	assert.Contains(t, h.eventTypes(t), "LEDGER_SKIP")
}

func TestHandleIntentReplacesFailedLedgerRow(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "EXECUTOR",
		Status:  "succeeded",
		Summary: "retry completed the task",
		URLs:    map[string]string{},
	}}
	h := newHarness(t, backend, driver)

	require.NoError(t, h.ledger.Upsert(ledger.Entry{RunID: "run-1", Role: "EXECUTOR", Status: ledger.StatusQueued}))
	require.NoError(t, h.ledger.MarkResult("run-1", ledger.StatusFailed, map[string]any{"status": "failed"}))

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.NoError(t, err)

	assert.Equal(t, 1, driver.callCount())
	assert.NotContains(t, h.eventTypes(t), "LEDGER_SKIP")
	assert.Equal(t, ledger.StatusSucceeded, h.ledger.Status("run-1"))
}

func TestHandleIntentExecutorSuccess(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "EXECUTOR",
		Status:  "succeeded",
		Summary: "implemented the task",
		URLs:    map[string]string{},
	}}
	h := newHarness(t, backend, driver)

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.NoError(t, err)

	assert.Equal(t, 1, driver.callCount())
	types := h.eventTypes(t)
	assert.Contains(t, types, "WORKER_STARTED")
	assert.Contains(t, types, "WORKER_FINISHED")
	assert.Equal(t, ledger.StatusSucceeded, h.ledger.Status("run-1"))
}

func TestHandleIntentExecutorPRRequiresVerifiedMarker(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "EXECUTOR",
		Status:  "succeeded",
		Summary: "opened a PR",
		URLs:    map[string]string{"pr_url": "https://github.com/acme/repo/pull/12"},
	}}
	h := newHarness(t, backend, driver)

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.Error(t, err)

	var workerErr *codex.WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, codex.CodeWorkerInvalidOutput, workerErr.Code)
	assert.Equal(t, ledger.StatusFailed, h.ledger.Status("run-1"))
	assert.Contains(t, h.eventTypes(t), "WORKER_FAILED")
}

func TestHandleIntentExecutorFailureMovesItemToBlocked(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{err: &codex.WorkerError{Code: codex.CodeMCPTimeout, Message: "agent run timed out"}}
	h := newHarness(t, backend, driver)

	seedState(t, h.state, map[string]*board.StateItem{
		"PVTI_7": {
			LastSeenStatus:      "In Progress",
			LastSeenIssueNumber: 7,
			LastDispatchedRole:  "EXECUTOR",
			LastRunID:           "run-1",
		},
	})

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.Error(t, err)
	assert.Equal(t, ClassificationItemStop, ClassifyFailure(err))

	updates := backend.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "Blocked", updates[0]["value"])
	assert.Equal(t, "PVTI_7", updates[0]["project_item_id"])
	assert.Equal(t, ClassificationItemStop, updates[0]["failure_classification"])

	types := h.eventTypes(t)
	assert.Contains(t, types, "WORKER_FAILED")
	assert.Contains(t, types, "WORKER_RECOVERY_STATUS_UPDATED")

	row, ok := h.ledger.Get("run-1")
	require.True(t, ok)
	result, ok := row["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, codex.CodeMCPTimeout, result["error_code"])
}

func TestHandleIntentExecutorFailureWithoutContextSkipsRecovery(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{err: &codex.WorkerError{Code: codex.CodeMCPTimeout, Message: "agent run timed out"}}
	h := newHarness(t, backend, driver)

	err := h.sup.handleIntent(context.Background(), executorIntent(t, "run-1", 7))
	require.Error(t, err)

	assert.Empty(t, backend.updates())
	assert.Contains(t, h.eventTypes(t), "WORKER_RECOVERY_SKIPPED")
}

func TestHandleIntentReviewerPassFlow(t *testing.T) {
	backend := &fakeBackend{linkage: map[string]any{
		"pr_url":          "https://github.com/acme/repo/pull/12",
		"project_item_id": "PVTI_7",
	}}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "REVIEWER",
		Status:  "succeeded",
		Outcome: "PASS",
		Summary: "all checks passed",
		URLs:    map[string]string{},
	}}
	h := newHarness(t, backend, driver)

	seedState(t, h.state, map[string]*board.StateItem{
		"PVTI_7": {LastSeenStatus: "In Review", LastSeenIssueNumber: 7},
	})

	err := h.sup.handleIntent(context.Background(), reviewerIntent(t, "run-1", 7))
	require.NoError(t, err)

	updates := backend.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "Needs Human Approval", updates[0]["value"])
	assert.Equal(t, "https://github.com/acme/repo/pull/12", updates[0]["pr_url"])

	types := h.eventTypes(t)
	assert.Contains(t, types, "REVIEW_OUTCOME")
	assert.Contains(t, types, "WORKER_FINISHED")

	row, ok := h.ledger.Get("run-1")
	require.True(t, ok)
	result, ok := row["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PASS", result["reviewer_outcome"])

	state := board.ReadState(h.state)
	item := state.Items["PVTI_7"]
	require.NotNil(t, item)
	assert.Equal(t, "PASS", item.LastReviewerOutcome)
	assert.Equal(t, 0, item.ReviewCycleCount)
}

func TestHandleIntentReviewerFailIncrementsCycleCount(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "REVIEWER",
		Status:  "succeeded",
		Outcome: "FAIL",
		Summary: "tests missing",
		URLs:    map[string]string{},
	}}
	h := newHarness(t, backend, driver)

	seedState(t, h.state, map[string]*board.StateItem{
		"PVTI_7": {LastSeenStatus: "In Review", LastSeenIssueNumber: 7, ReviewCycleCount: 1},
	})

	err := h.sup.handleIntent(context.Background(), reviewerIntent(t, "run-1", 7))
	require.NoError(t, err)

	assert.Empty(t, backend.updates())
	state := board.ReadState(h.state)
	item := state.Items["PVTI_7"]
	require.NotNil(t, item)
	assert.Equal(t, "FAIL", item.LastReviewerOutcome)
	assert.Equal(t, 2, item.ReviewCycleCount)
}

func TestHandleIntentReviewerMissingOutcome(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{result: &codex.WorkerResult{
		RunID:   "run-1",
		Role:    "REVIEWER",
		Status:  "succeeded",
		Summary: "forgot the verdict",
		URLs:    map[string]string{},
	}}
	h := newHarness(t, backend, driver)

	err := h.sup.handleIntent(context.Background(), reviewerIntent(t, "run-1", 7))
	require.Error(t, err)

	var workerErr *codex.WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, codex.CodeWorkerInvalidOutput, workerErr.Code)

	row, ok := h.ledger.Get("run-1")
	require.True(t, ok)
	result, ok := row["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "INCOMPLETE", result["reviewer_outcome"])
}

func TestResolveIssueNumberFromDispatchState(t *testing.T) {
	backend := &fakeBackend{}
	driver := &fakeDriver{}
	h := newHarness(t, backend, driver)

	seedState(t, h.state, map[string]*board.StateItem{
		"PVTI_9": {
			LastSeenStatus:      "In Progress",
			LastSeenIssueNumber: 9,
			LastDispatchedRole:  "EXECUTOR",
			LastRunID:           "run-claim",
		},
	})

	in := mustIntent(t, intent.RoleExecutor, "run-claim", "/internal/executor/claim-ready-item", nil)
	assert.Equal(t, 9, h.sup.resolveIssueNumber(in))
}

func TestExtractPRURL(t *testing.T) {
	assert.Equal(t, "https://x/pr/1", extractPRURL(map[string]string{"pr_url": "https://x/pr/1"}))
	assert.Equal(t, "https://x/pr/2", extractPRURL(map[string]string{"pull_request": " https://x/pr/2 "}))
	assert.Equal(t, "https://x/pr/3", extractPRURL(map[string]string{"resolved_pr": "https://x/pr/3"}))
	assert.Equal(t, "", extractPRURL(map[string]string{"homepage": "https://x"}))
	assert.Equal(t, "", extractPRURL(nil))
}

func TestHardStopLatch(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, &fakeDriver{})
	assert.False(t, h.sup.ShouldStop())

	h.sup.HardStop("first reason")
	h.sup.HardStop("second reason")

	assert.True(t, h.sup.ShouldStop())
	assert.Equal(t, "first reason", h.sup.StopReason())
	select {
	case <-h.sup.Done():
	default:
		t.Fatal("stop channel should be closed")
	}
}
