package board

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpdater struct {
	mu     sync.Mutex
	bodies []map[string]any
	err    error
}

func (f *fakeUpdater) PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.bodies = append(f.bodies, body)
	return map[string]any{"ok": true}, nil
}

func (f *fakeUpdater) all() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.bodies...)
}

func promoterForTest(t *testing.T, updater *fakeUpdater, buf *bytes.Buffer, readyTarget int) *Promoter {
	t.Helper()
	emitter := testEmitter(buf)
	return &Promoter{
		Backend:     updater,
		Emitter:     emitter,
		Sanitizer:   &Sanitizer{MaxAttempts: 2, StatePath: filepath.Join(t.TempDir(), "state.json"), Emitter: emitter},
		ReadyTarget: readyTarget,
	}
}

func summaryFor(sprint string, ready int, processed ...map[string]any) *DispatchSummary {
	items := make([]any, 0, len(processed))
	for _, item := range processed {
		items = append(items, item)
	}
	return ParseDispatchSummary(map[string]any{
		"sprint":          sprint,
		"poll_count":      float64(7),
		"status_counts":   map[string]any{"Ready": float64(ready)},
		"processed_items": items,
	})
}

func processedItem(issue int, id, status string) map[string]any {
	return map[string]any{"issue_number": float64(issue), "project_item_id": id, "status": status}
}

func planWith(sprint string, tasks []any, scopes map[string]any) *SprintPlan {
	return NewSprintPlan(map[string]any{
		"version":     float64(1),
		"sprint":      sprint,
		"tasks":       tasks,
		"sprint_plan": scopes,
	})
}

func TestAutopromotePromotesUpToDeficit(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S1", 1,
		processedItem(1, "PVTI_1", "Backlog"),
		processedItem(2, "PVTI_2", "Backlog"),
		processedItem(3, "PVTI_3", "Done"),
	)
	plan := planWith("S1", []any{
		map[string]any{"title": "[TASK] a", "issue_number": float64(1), "priority": "P1"},
		map[string]any{"title": "[TASK] b", "issue_number": float64(2), "priority": "P0"},
		map[string]any{"title": "[TASK] c", "issue_number": float64(3), "priority": "P0"},
	}, map[string]any{
		"1": map[string]any{"owns_paths": []any{"pkg/a"}, "touch_paths": []any{"pkg/a/x.go"}},
		"2": map[string]any{"owns_paths": []any{"pkg/b"}, "touch_paths": []any{"pkg/b/y.go"}},
	})

	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))

	// Deficit is 1; P0 issue 2 wins the ordering.
	bodies := updater.all()
	require.Len(t, bodies, 1)
	assert.Equal(t, "PVTI_2", bodies[0]["project_item_id"])
	assert.Equal(t, "Ready", bodies[0]["value"])
	assert.Equal(t, "ORCHESTRATOR", bodies[0]["role"])
	assert.Contains(t, emittedTypes(t, &buf), "BOARD_PROMOTION_APPLIED")
}

func TestAutopromotePriorityValidatedOnlyForBacklogCandidates(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S1", 0,
		processedItem(1, "PVTI_1", "Done"),
		processedItem(2, "PVTI_2", "Backlog"),
	)
	plan := planWith("S1", []any{
		// Malformed priority on an already-promoted task is tolerated.
		map[string]any{"title": "[TASK] done", "issue_number": float64(1), "priority": "bogus"},
		map[string]any{"title": "[TASK] next", "issue_number": float64(2), "priority": "P0"},
	}, map[string]any{
		"2": map[string]any{"owns_paths": []any{"pkg/b"}, "touch_paths": []any{"pkg/b/y.go"}},
	})

	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))
	bodies := updater.all()
	require.Len(t, bodies, 1)
	assert.Equal(t, "PVTI_2", bodies[0]["project_item_id"])

	// The same malformed priority on a Backlog candidate is an error.
	badPlan := planWith("S1", []any{
		map[string]any{"title": "[TASK] next", "issue_number": float64(2), "priority": "bogus"},
	}, map[string]any{
		"2": map[string]any{"owns_paths": []any{"pkg/b"}, "touch_paths": []any{"pkg/b/y.go"}},
	})
	err := promoter.AutopromoteReady(context.Background(), summary, badPlan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority missing/invalid")
}

func TestAutopromoteSkipsOwnershipConflicts(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 3)

	summary := summaryFor("S1", 0,
		processedItem(1, "PVTI_1", "In Progress"),
		processedItem(2, "PVTI_2", "Backlog"),
	)
	plan := planWith("S1", []any{
		map[string]any{"title": "[TASK] active", "issue_number": float64(1), "priority": "P0"},
		map[string]any{"title": "[TASK] blocked", "issue_number": float64(2), "priority": "P0"},
	}, map[string]any{
		"1": map[string]any{"owns_paths": []any{"src/core"}, "touch_paths": []any{"src/core/a.go"}},
		"2": map[string]any{"owns_paths": []any{"src/core/sub"}, "touch_paths": []any{"src/core/sub/b.go"}},
	})

	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))
	assert.Empty(t, updater.all())
	assert.Contains(t, emittedTypes(t, &buf), "BOARD_PROMOTION_SKIPPED_CONFLICT")
}

func TestAutopromoteChainedGateRequiresDoneDeps(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S1", 0,
		processedItem(1, "PVTI_1", "In Review"),
		processedItem(2, "PVTI_2", "Backlog"),
	)
	plan := planWith("S1", []any{
		map[string]any{"title": "[TASK] first", "issue_number": float64(1), "priority": "P0"},
		map[string]any{"title": "[TASK] second", "issue_number": float64(2), "priority": "P0"},
	}, map[string]any{
		"1": map[string]any{"owns_paths": []any{"mod"}, "touch_paths": []any{"mod/a.go"}},
		"2": map[string]any{
			"owns_paths": []any{"mod"}, "touch_paths": []any{"mod/b.go"},
			"depends_on": []any{float64(1)}, "isolation_mode": "CHAINED",
		},
	})

	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))
	assert.Empty(t, updater.all())
	assert.Contains(t, emittedTypes(t, &buf), "BOARD_PROMOTION_SKIPPED_DEPENDENCY")
}

func TestAutopromoteChainedOverDonePredecessor(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S1", 0,
		processedItem(1, "PVTI_1", "Done"),
		processedItem(2, "PVTI_2", "Backlog"),
	)
	plan := planWith("S1", []any{
		map[string]any{"title": "[TASK] first", "issue_number": float64(1), "priority": "P0"},
		map[string]any{"title": "[TASK] second", "issue_number": float64(2), "priority": "P0",
			"depends_on_titles": []any{"[TASK] first"}},
	}, map[string]any{
		"1": map[string]any{"owns_paths": []any{"mod"}, "touch_paths": []any{"mod/a.go"}},
		"2": map[string]any{
			"owns_paths": []any{"mod"}, "touch_paths": []any{"mod/b.go"},
			"depends_on": []any{float64(1)}, "isolation_mode": "CHAINED",
		},
	})

	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))
	bodies := updater.all()
	require.Len(t, bodies, 1)
	assert.Equal(t, "PVTI_2", bodies[0]["project_item_id"])
}

func TestAutopromoteDryRunPostsNothing(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 1)
	promoter.DryRun = true

	summary := summaryFor("S1", 0, processedItem(5, "PVTI_5", "Backlog"))
	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, nil))

	assert.Empty(t, updater.all())
	assert.Contains(t, emittedTypes(t, &buf), "BOARD_PROMOTION_APPLIED")
}

func TestAutopromoteWithoutPlanFallsBackToBacklog(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S1", 0,
		processedItem(9, "PVTI_9", "Backlog"),
		processedItem(4, "PVTI_4", "Backlog"),
	)
	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, nil))

	bodies := updater.all()
	require.Len(t, bodies, 2)
	// Same fallback priority; issue order decides.
	assert.Equal(t, "PVTI_4", bodies[0]["project_item_id"])
	assert.Equal(t, "PVTI_9", bodies[1]["project_item_id"])
}

func TestAutopromoteSprintMismatchIsNoop(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)

	summary := summaryFor("S2", 0, processedItem(1, "PVTI_1", "Backlog"))
	plan := planWith("S1", []any{}, nil)
	require.NoError(t, promoter.AutopromoteReady(context.Background(), summary, plan))
	assert.Empty(t, updater.all())
}

func TestAutopromoteCyclePropagates(t *testing.T) {
	updater := &fakeUpdater{}
	var buf bytes.Buffer
	promoter := promoterForTest(t, updater, &buf, 2)
	promoter.Sanitizer.MaxAttempts = 0

	summary := summaryFor("S1", 0, processedItem(1, "PVTI_1", "Backlog"))
	plan := planWith("S1", []any{}, map[string]any{
		"1": map[string]any{"owns_paths": []any{"x"}, "touch_paths": []any{"x/a.go"}, "depends_on": []any{float64(2)}},
		"2": map[string]any{"owns_paths": []any{"x"}, "touch_paths": []any{"x/b.go"}, "depends_on": []any{float64(1)}},
	})

	err := promoter.AutopromoteReady(context.Background(), summary, plan)
	var manual *CycleManualFixError
	require.ErrorAs(t, err, &manual)
	assert.Empty(t, updater.all())
}
