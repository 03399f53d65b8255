package board

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"sprintd/internal/events"
)

// activeStatuses reserve their ownership paths against new promotions.
var activeStatuses = map[string]bool{
	"Ready":                true,
	"In Progress":          true,
	"In Review":            true,
	"Needs Human Approval": true,
}

// FieldUpdater posts board field updates. *backend.Client satisfies this.
type FieldUpdater interface {
	PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error)
}

// Promoter keeps the Ready buffer filled from Backlog without violating
// ownership isolation or CHAINED ordering.
type Promoter struct {
	Backend     FieldUpdater
	Emitter     *events.Emitter
	Sanitizer   *Sanitizer
	ReadyTarget int
	DryRun      bool
}

type promotionCandidate struct {
	issueNumber   int
	projectItemID string
	title         string
	priority      string
}

type reservedPath struct {
	issueNumber int
	path        string
}

// AutopromoteReady computes and applies Backlog-to-Ready promotions for one
// dispatch summary. Sanitization failures propagate so the supervisor can
// map them to exit codes.
func (p *Promoter) AutopromoteReady(ctx context.Context, summary *DispatchSummary, plan *SprintPlan) error {
	if p.ReadyTarget <= 0 {
		return nil
	}
	if plan != nil && summary.Sprint != plan.Sprint() {
		return nil
	}
	if !summary.hasProcessedItems {
		return nil
	}

	statusByIssue := summary.StatusByIssue()
	projectItemIDByIssue := summary.ProjectItemIDByIssue()

	scopePlan, err := p.Sanitizer.Run(plan.ScopePlan(), plan.Raw())
	if err != nil {
		return err
	}

	deficit := p.ReadyTarget - summary.StatusCounts["Ready"]
	if deficit <= 0 {
		return nil
	}

	eligible, err := p.eligibleCandidates(plan, summary, statusByIssue, projectItemIDByIssue)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		left, right := eligible[i], eligible[j]
		if leftRank, rightRank := priorityRank(left.priority), priorityRank(right.priority); leftRank != rightRank {
			return leftRank < rightRank
		}
		return left.issueNumber < right.issueNumber
	})

	reserved := reservedOwnership(statusByIssue, scopePlan)

	promoted := 0
	for _, candidate := range eligible {
		if promoted >= deficit {
			break
		}
		meta := scopePlan[candidate.issueNumber]
		if meta != nil {
			isolationMode := strings.ToUpper(strings.TrimSpace(meta.IsolationMode))

			if isolationMode == "CHAINED" {
				if dep, depStatus, blocked := firstBlockedDependency(meta, statusByIssue); blocked {
					p.Emitter.Event("BOARD_PROMOTION_SKIPPED_DEPENDENCY", map[string]any{
						"issue_number":      candidate.issueNumber,
						"depends_on":        dep,
						"depends_on_status": depStatus,
					})
					continue
				}
			}

			if conflict := findOwnershipConflict(candidate.issueNumber, isolationMode, meta, reserved, statusByIssue); conflict != nil {
				p.Emitter.Event("BOARD_PROMOTION_SKIPPED_CONFLICT", map[string]any{
					"issue_number":          candidate.issueNumber,
					"conflict_issue_number": conflict.issueNumber,
					"path":                  conflict.ownedPath,
					"conflict_path":         conflict.reservedPath,
				})
				continue
			}
		}

		body := map[string]any{
			"role":            "ORCHESTRATOR",
			"project_item_id": candidate.projectItemID,
			"field":           "Status",
			"value":           "Ready",
		}
		if p.DryRun {
			p.Emitter.Event("BOARD_PROMOTION_APPLIED", map[string]any{
				"issue_number":    candidate.issueNumber,
				"project_item_id": candidate.projectItemID,
				"from":            "Backlog",
				"to":              "Ready",
				"reason":          "ready_buffer_low",
				"dry_run":         true,
				"body":            body,
			})
			continue
		}

		payload, err := p.Backend.PostFieldUpdate(ctx, body)
		if err != nil {
			return err
		}
		p.Emitter.Event("BOARD_PROMOTION_APPLIED", map[string]any{
			"issue_number":    candidate.issueNumber,
			"project_item_id": candidate.projectItemID,
			"from":            "Backlog",
			"to":              "Ready",
			"reason":          "ready_buffer_low",
			"dry_run":         false,
			"backend_payload": payload,
		})
		promoted++
		if meta != nil {
			for _, owned := range meta.normalizedOwns() {
				reserved = append(reserved, reservedPath{issueNumber: candidate.issueNumber, path: owned})
			}
		}
	}
	return nil
}

// eligibleCandidates builds the ordered promotion pool: Backlog items whose
// title-level dependencies are all Done. Without a plan every Backlog item
// is eligible at P2.
func (p *Promoter) eligibleCandidates(plan *SprintPlan, summary *DispatchSummary,
	statusByIssue map[int]string, projectItemIDByIssue map[int]string) ([]promotionCandidate, error) {

	if plan == nil {
		var eligible []promotionCandidate
		for _, item := range summary.ProcessedItems {
			if item.Status != "Backlog" {
				continue
			}
			eligible = append(eligible, promotionCandidate{
				issueNumber:   item.IssueNumber,
				projectItemID: item.ProjectItemID,
				title:         fmt.Sprintf("#%d", item.IssueNumber),
				priority:      "P2",
			})
		}
		return eligible, nil
	}

	tasks, err := plan.Tasks()
	if err != nil {
		return nil, err
	}
	issueByTitle := make(map[string]int, len(tasks))
	for _, task := range tasks {
		issueByTitle[task.Title] = task.IssueNumber
	}

	var eligible []promotionCandidate
	for _, task := range tasks {
		if statusByIssue[task.IssueNumber] != "Backlog" {
			continue
		}
		if task.Priority != "P0" && task.Priority != "P1" && task.Priority != "P2" {
			return nil, fmt.Errorf("sprint plan task priority missing/invalid")
		}

		depsDone := true
		for _, depTitle := range task.DependsOnTitles {
			depIssue, ok := issueByTitle[depTitle]
			if !ok {
				return nil, fmt.Errorf("sprint plan dependency title missing mapping")
			}
			if statusByIssue[depIssue] != "Done" {
				depsDone = false
				break
			}
		}
		if !depsDone {
			continue
		}

		projectItemID := projectItemIDByIssue[task.IssueNumber]
		if strings.TrimSpace(projectItemID) == "" {
			return nil, fmt.Errorf("missing project_item_id mapping for task")
		}

		eligible = append(eligible, promotionCandidate{
			issueNumber:   task.IssueNumber,
			projectItemID: projectItemID,
			title:         task.Title,
			priority:      task.Priority,
		})
	}
	return eligible, nil
}

// reservedOwnership seeds the in-use path set from items in active statuses.
func reservedOwnership(statusByIssue map[int]string, scopePlan ScopePlan) []reservedPath {
	var reserved []reservedPath
	issues := make([]int, 0, len(statusByIssue))
	for issue := range statusByIssue {
		issues = append(issues, issue)
	}
	sort.Ints(issues)
	for _, issue := range issues {
		if !activeStatuses[statusByIssue[issue]] {
			continue
		}
		meta := scopePlan[issue]
		if meta == nil {
			continue
		}
		for _, path := range meta.normalizedOwns() {
			reserved = append(reserved, reservedPath{issueNumber: issue, path: path})
		}
	}
	return reserved
}

func firstBlockedDependency(meta *ScopeMeta, statusByIssue map[int]string) (int, string, bool) {
	for _, dep := range meta.DependsOn {
		if dep <= 0 {
			continue
		}
		if status := statusByIssue[dep]; status != "Done" {
			return dep, status, true
		}
	}
	return 0, "", false
}

type ownershipConflict struct {
	issueNumber  int
	ownedPath    string
	reservedPath string
}

// findOwnershipConflict rejects overlap with actively-worked issues.
// CHAINED items may overlap predecessors that already reached Done.
func findOwnershipConflict(issueNumber int, isolationMode string, meta *ScopeMeta,
	reserved []reservedPath, statusByIssue map[int]string) *ownershipConflict {

	for _, owned := range meta.OwnsPaths {
		for _, entry := range reserved {
			if entry.issueNumber == issueNumber {
				continue
			}
			if isolationMode == "CHAINED" && statusByIssue[entry.issueNumber] == "Done" {
				continue
			}
			if PathsOverlap(owned, entry.path) {
				return &ownershipConflict{
					issueNumber:  entry.issueNumber,
					ownedPath:    NormalizeScopePath(owned),
					reservedPath: entry.path,
				}
			}
		}
	}
	return nil
}
