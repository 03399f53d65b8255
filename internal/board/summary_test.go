package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDispatchSummary(t *testing.T) {
	raw := map[string]any{
		"sprint":     "S1",
		"poll_count": float64(4),
		"status_counts": map[string]any{
			"Ready":   float64(2),
			"Backlog": float64(5),
			"Done":    "not-a-number",
		},
		"processed_items": []any{
			map[string]any{"issue_number": float64(1), "project_item_id": "PVTI_1", "status": "Ready"},
			map[string]any{"issue_number": float64(2), "project_item_id": "PVTI_2", "status": "In Review"},
			// Malformed rows are dropped, not fatal.
			map[string]any{"issue_number": float64(0), "project_item_id": "PVTI_3", "status": "Ready"},
			map[string]any{"issue_number": float64(4), "project_item_id": " ", "status": "Ready"},
			"not-an-object",
		},
		"needs_attention": map[string]any{
			"in_review_churn": []any{
				map[string]any{
					"issue_number":    float64(2),
					"project_item_id": "PVTI_2",
					"in_review_polls": float64(12),
					"last_run_id":     "run-2",
				},
				map[string]any{"issue_number": float64(0)},
			},
		},
	}

	summary := ParseDispatchSummary(raw)
	assert.Equal(t, "S1", summary.Sprint)
	assert.Equal(t, 4, summary.PollCount)
	assert.Equal(t, 2, summary.StatusCounts["Ready"])
	assert.Equal(t, 5, summary.StatusCounts["Backlog"])
	assert.NotContains(t, summary.StatusCounts, "Done")

	require.Len(t, summary.ProcessedItems, 2)
	assert.Equal(t, 1, summary.ProcessedItems[0].IssueNumber)
	assert.Equal(t, "In Review", summary.ProcessedItems[1].Status)

	require.Len(t, summary.InReviewChurn, 1)
	assert.Equal(t, 12, summary.InReviewChurn[0].InReviewPolls)
	assert.Equal(t, "run-2", summary.InReviewChurn[0].LastRunID)

	assert.Equal(t, raw, summary.Raw())
}

func TestDispatchSummaryLookupMaps(t *testing.T) {
	summary := ParseDispatchSummary(map[string]any{
		"processed_items": []any{
			map[string]any{"issue_number": float64(1), "project_item_id": "PVTI_1", "status": "Ready"},
			map[string]any{"issue_number": float64(2), "project_item_id": "PVTI_2", "status": "Blocked"},
		},
	})

	assert.Equal(t, map[int]string{1: "Ready", 2: "Blocked"}, summary.StatusByIssue())
	assert.Equal(t, map[int]string{1: "PVTI_1", 2: "PVTI_2"}, summary.ProjectItemIDByIssue())
}

func TestParseDispatchSummaryEmpty(t *testing.T) {
	summary := ParseDispatchSummary(map[string]any{})
	assert.Empty(t, summary.Sprint)
	assert.Zero(t, summary.PollCount)
	assert.Empty(t, summary.ProcessedItems)
	assert.Empty(t, summary.InReviewChurn)
	assert.False(t, summary.hasProcessedItems)
}
