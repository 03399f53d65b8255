package board

import "strings"

// ProcessedItem is one board row observed by the planner in a poll.
type ProcessedItem struct {
	IssueNumber   int
	ProjectItemID string
	Status        string
}

// ChurnEntry flags an In Review item that keeps cycling.
type ChurnEntry struct {
	IssueNumber   int
	ProjectItemID string
	InReviewPolls int
	LastRunID     string
}

// DispatchSummary is the planner's per-poll stderr report.
type DispatchSummary struct {
	Sprint         string
	PollCount      int
	StatusCounts   map[string]int
	ProcessedItems []ProcessedItem
	InReviewChurn  []ChurnEntry

	hasProcessedItems bool
	raw               map[string]any
}

// ParseDispatchSummary projects a planner DISPATCH_SUMMARY event into a
// typed record. Malformed entries are skipped, not fatal; the planner owns
// that contract.
func ParseDispatchSummary(obj map[string]any) *DispatchSummary {
	summary := &DispatchSummary{raw: obj, StatusCounts: map[string]int{}}
	summary.Sprint, _ = obj["sprint"].(string)
	if n, ok := toInt(obj["poll_count"]); ok {
		summary.PollCount = n
	}

	if counts, ok := obj["status_counts"].(map[string]any); ok {
		for status, value := range counts {
			if n, ok := toInt(value); ok {
				summary.StatusCounts[status] = n
			}
		}
	}

	if processed, ok := obj["processed_items"].([]any); ok {
		summary.hasProcessedItems = true
		for _, entry := range processed {
			item, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			issueNumber, _ := toInt(item["issue_number"])
			projectItemID, _ := item["project_item_id"].(string)
			status, _ := item["status"].(string)
			if issueNumber <= 0 || strings.TrimSpace(projectItemID) == "" || strings.TrimSpace(status) == "" {
				continue
			}
			summary.ProcessedItems = append(summary.ProcessedItems, ProcessedItem{
				IssueNumber:   issueNumber,
				ProjectItemID: projectItemID,
				Status:        status,
			})
		}
	}

	if attention, ok := obj["needs_attention"].(map[string]any); ok {
		if churn, ok := attention["in_review_churn"].([]any); ok {
			for _, entry := range churn {
				item, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				issueNumber, _ := toInt(item["issue_number"])
				if issueNumber <= 0 {
					continue
				}
				projectItemID, _ := item["project_item_id"].(string)
				polls, _ := toInt(item["in_review_polls"])
				lastRunID, _ := item["last_run_id"].(string)
				summary.InReviewChurn = append(summary.InReviewChurn, ChurnEntry{
					IssueNumber:   issueNumber,
					ProjectItemID: projectItemID,
					InReviewPolls: polls,
					LastRunID:     lastRunID,
				})
			}
		}
	}
	return summary
}

// Raw exposes the original summary object for formatting and passthrough.
func (s *DispatchSummary) Raw() map[string]any {
	return s.raw
}

// StatusByIssue maps issue number to its latest observed status.
func (s *DispatchSummary) StatusByIssue() map[int]string {
	out := make(map[int]string, len(s.ProcessedItems))
	for _, item := range s.ProcessedItems {
		out[item.IssueNumber] = item.Status
	}
	return out
}

// ProjectItemIDByIssue maps issue number to its project item id.
func (s *DispatchSummary) ProjectItemIDByIssue() map[int]string {
	out := make(map[int]string, len(s.ProcessedItems))
	for _, item := range s.ProcessedItems {
		out[item.IssueNumber] = item.ProjectItemID
	}
	return out
}
