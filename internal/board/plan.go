package board

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SprintPlan is the read-only plan cache produced by kickoff. The raw
// document is kept dynamic; typed views are projected on demand.
type SprintPlan struct {
	raw map[string]any
}

// NewSprintPlan wraps a raw plan object. nil stays nil.
func NewSprintPlan(raw map[string]any) *SprintPlan {
	if raw == nil {
		return nil
	}
	return &SprintPlan{raw: raw}
}

// LoadSprintPlan reads the plan cache file. A missing file returns nil
// without error.
func LoadSprintPlan(path string) (*SprintPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sprint plan: %w", err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("parse sprint plan: %w", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("sprint plan must be a JSON object")
	}
	return &SprintPlan{raw: obj}, nil
}

// SaveSprintPlan writes the plan cache atomically.
func SaveSprintPlan(path string, raw map[string]any) error {
	return atomicWriteJSON(path, raw)
}

// Sprint returns the plan's sprint id.
func (p *SprintPlan) Sprint() string {
	if p == nil {
		return ""
	}
	sprint, _ := p.raw["sprint"].(string)
	return sprint
}

// Raw exposes the underlying document for regen-context snapshots.
func (p *SprintPlan) Raw() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p.raw
}

// PlanTask is one task row from the plan, validated for promotion.
type PlanTask struct {
	Title           string
	IssueNumber     int
	ProjectItemID   string
	Priority        string
	DependsOnTitles []string
}

// Tasks projects and validates the plan's task rows. Title is required and
// depends_on_titles entries must be non-empty strings. Priority is carried
// as-is; promotion validates it only for Backlog candidates.
func (p *SprintPlan) Tasks() ([]PlanTask, error) {
	rawTasks, ok := p.raw["tasks"].([]any)
	if !ok {
		return nil, fmt.Errorf("sprint plan tasks missing/invalid")
	}
	var tasks []PlanTask
	for _, entry := range rawTasks {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		issueNumber, _ := toInt(obj["issue_number"])
		title, _ := obj["title"].(string)
		if issueNumber <= 0 {
			continue
		}
		if strings.TrimSpace(title) == "" {
			continue
		}
		priority, _ := obj["priority"].(string)
		var depends []string
		if rawDepends, present := obj["depends_on_titles"]; present && rawDepends != nil {
			list, ok := rawDepends.([]any)
			if !ok {
				return nil, fmt.Errorf("sprint plan task depends_on_titles missing/invalid")
			}
			for _, dep := range list {
				s, ok := dep.(string)
				if !ok || strings.TrimSpace(s) == "" {
					return nil, fmt.Errorf("sprint plan task depends_on_titles missing/invalid")
				}
				depends = append(depends, s)
			}
		}
		projectItemID, _ := obj["project_item_id"].(string)
		tasks = append(tasks, PlanTask{
			Title:           title,
			IssueNumber:     issueNumber,
			ProjectItemID:   projectItemID,
			Priority:        priority,
			DependsOnTitles: depends,
		})
	}
	return tasks, nil
}

// ScopePlan projects the per-issue scope map. The "sprint_plan" map keyed by
// issue number is preferred; task-level scope objects are the fallback.
func (p *SprintPlan) ScopePlan() ScopePlan {
	if p == nil {
		return ScopePlan{}
	}

	out := ScopePlan{}
	if rawScopes, ok := p.raw["sprint_plan"].(map[string]any); ok {
		for key, value := range rawScopes {
			issueNumber, err := strconv.Atoi(key)
			if err != nil || issueNumber <= 0 {
				continue
			}
			scope, ok := value.(map[string]any)
			if !ok {
				continue
			}
			out[issueNumber] = ParseScopeMeta(scope)
		}
		if len(out) > 0 {
			return out
		}
	}

	rawTasks, ok := p.raw["tasks"].([]any)
	if !ok {
		return out
	}
	for _, entry := range rawTasks {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		issueNumber, _ := toInt(obj["issue_number"])
		if issueNumber <= 0 {
			continue
		}
		scope, ok := obj["scope"].(map[string]any)
		if !ok {
			continue
		}
		out[issueNumber] = ParseScopeMeta(scope)
	}
	return out
}
