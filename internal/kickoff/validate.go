package kickoff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	validSprints    = map[string]bool{"M1": true, "M2": true, "M3": true, "M4": true}
	validPriorities = map[string]bool{"P0": true, "P1": true, "P2": true}
	validSizes      = map[string]bool{"S": true, "M": true, "L": true}
	validTaskAreas  = map[string]bool{"infra": true, "api": true, "orchestrator": true, "runner": true, "docs": true, "tests": true}
	// Policy areas the backend accepts on created issues.
	validPolicyAreas = map[string]bool{"db": true, "api": true, "web": true, "providers": true, "infra": true, "docs": true}

	autoCloseRe = regexp.MustCompile(`(?i)\b(?:closes|closed|fixes|fixed|resolves|resolved)\s*#\d+\b`)
	taskTitleRe = regexp.MustCompile(`^\[TASK\]\s+\S`)
	goalTitleRe = regexp.MustCompile(`^\[SPRINT GOAL\]\s+(M1|M2|M3|M4):\s+\S`)
)

// Error is a kickoff contract violation. Kickoff errors are always hard stops.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func newError(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// IssueBody is the parsed section structure of one drafted issue.
type IssueBody struct {
	Goal               string
	NonGoals           []string
	AcceptanceCriteria []string
	FilesLikelyTouched []string
	DefinitionOfDone   []string
}

func requireString(value any, field string) (string, error) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", newError("kickoff_invalid_field", field+" must be a non-empty string", map[string]any{"field": field})
	}
	return strings.TrimSpace(s), nil
}

func requireStringList(value any, field string, allowEmpty bool) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		if value == nil && allowEmpty {
			return nil, nil
		}
		return nil, newError("kickoff_invalid_field", field+" must be an array of strings", map[string]any{"field": field})
	}
	var out []string
	for idx, entry := range list {
		s, ok := entry.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, newError("kickoff_invalid_field",
				fmt.Sprintf("%s[%d] must be a non-empty string", field, idx),
				map[string]any{"field": field, "index": idx})
		}
		out = append(out, strings.TrimSpace(s))
	}
	if !allowEmpty && len(out) == 0 {
		return nil, newError("kickoff_invalid_field", field+" must be a non-empty array", map[string]any{"field": field})
	}
	return out, nil
}

func assertNoAutoClose(text, where string) error {
	if match := autoCloseRe.FindString(text); match != "" {
		return newError("kickoff_forbidden_autoclose", "auto-close keyword detected (forbidden)",
			map[string]any{"where": where, "match": match})
	}
	return nil
}

func splitMarkdownSections(markdown string) map[string][]string {
	sections := map[string][]string{}
	current := ""
	seen := false
	for _, rawLine := range strings.Split(markdown, "\n") {
		line := strings.TrimRight(rawLine, " \t")
		if strings.HasPrefix(line, "## ") {
			current = strings.ToLower(strings.TrimSpace(line[3:]))
			seen = true
			if _, ok := sections[current]; !ok {
				sections[current] = []string{}
			}
			continue
		}
		if !seen {
			continue
		}
		sections[current] = append(sections[current], line)
	}
	return sections
}

func parseListItems(lines []string) []string {
	var items []string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
		case strings.HasPrefix(line, "- [ ] "):
			items = append(items, strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
			items = append(items, strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "- "):
			items = append(items, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "* "):
			items = append(items, strings.TrimSpace(line[2:]))
		}
	}
	var out []string
	for _, item := range items {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseIssueBody enforces the exact section structure every drafted issue
// body must carry.
func ParseIssueBody(markdown string) (*IssueBody, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, newError("kickoff_invalid_body_markdown", "body_markdown must be a non-empty string", nil)
	}
	sections := splitMarkdownSections(markdown)

	require := func(name string) ([]string, error) {
		lines, ok := sections[strings.ToLower(name)]
		if !ok {
			return nil, newError("kickoff_body_markdown_missing_section",
				"body_markdown missing required section: "+name, map[string]any{"section": name})
		}
		return lines, nil
	}

	goalLines, err := require("Goal")
	if err != nil {
		return nil, err
	}
	goal := strings.TrimSpace(strings.Join(goalLines, "\n"))
	if goal == "" {
		return nil, newError("kickoff_body_markdown_invalid", "body_markdown Goal section must not be empty", nil)
	}

	body := &IssueBody{Goal: goal}
	for _, section := range []struct {
		name   string
		target *[]string
	}{
		{"Non-goals", &body.NonGoals},
		{"Acceptance Criteria", &body.AcceptanceCriteria},
		{"Files Likely Touched", &body.FilesLikelyTouched},
		{"Definition of Done", &body.DefinitionOfDone},
	} {
		lines, err := require(section.name)
		if err != nil {
			return nil, err
		}
		items := parseListItems(lines)
		if len(items) == 0 {
			return nil, newError("kickoff_body_markdown_invalid",
				"body_markdown section must have at least one list item: "+section.name,
				map[string]any{"section": section.name})
		}
		*section.target = items
	}
	return body, nil
}

// mapTaskAreaToPolicyArea folds drafting areas onto the backend policy areas.
func mapTaskAreaToPolicyArea(area string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(area)) {
	case "infra", "orchestrator", "runner", "tests":
		return "infra", nil
	case "api":
		return "api", nil
	case "docs":
		return "docs", nil
	}
	return "", newError("kickoff_invalid_area", "task area is not supported",
		map[string]any{"area": area, "allowed": sortedKeys(validTaskAreas)})
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ValidatePlan checks a generated kickoff plan against the drafting contract
// and returns the normalized document.
func ValidatePlan(plan map[string]any, sprint string, readyLimit int) (map[string]any, error) {
	if !validSprints[sprint] {
		return nil, newError("kickoff_invalid_sprint", "sprint must be one of M1, M2, M3, M4", map[string]any{"sprint": sprint})
	}
	if readyLimit < 1 || readyLimit > 3 {
		return nil, newError("kickoff_invalid_ready_limit", "ready_limit must be an integer between 1 and 3",
			map[string]any{"ready_limit": readyLimit})
	}
	if plan == nil {
		return nil, newError("kickoff_invalid", "kickoff plan must be a JSON object", nil)
	}

	planSprint, err := requireString(plan["sprint"], "sprint")
	if err != nil {
		return nil, err
	}
	if planSprint != sprint {
		return nil, newError("kickoff_sprint_mismatch", "kickoff plan sprint mismatch",
			map[string]any{"expected": sprint, "actual": planSprint})
	}

	goalIssue, ok := plan["goal_issue"].(map[string]any)
	if !ok {
		return nil, newError("kickoff_invalid_field", "goal_issue must be an object", map[string]any{"field": "goal_issue"})
	}
	goalTitle, err := requireString(goalIssue["title"], "goal_issue.title")
	if err != nil {
		return nil, err
	}
	if !goalTitleRe.MatchString(goalTitle) {
		return nil, newError("kickoff_invalid_goal_title", "goal_issue.title must match '[SPRINT GOAL] Mx: <short>'",
			map[string]any{"title": goalTitle})
	}
	goalBody, err := requireString(goalIssue["body_markdown"], "goal_issue.body_markdown")
	if err != nil {
		return nil, err
	}
	goalLabels, err := requireStringList(goalIssue["labels"], "goal_issue.labels", false)
	if err != nil {
		return nil, err
	}
	hasGoalLabel := false
	for _, label := range goalLabels {
		if label == "meta:sprint-goal" {
			hasGoalLabel = true
		}
	}
	if !hasGoalLabel {
		return nil, newError("kickoff_missing_goal_label", "goal_issue.labels must include meta:sprint-goal",
			map[string]any{"labels": goalLabels})
	}

	goalFields, ok := goalIssue["fields"].(map[string]any)
	if !ok {
		return nil, newError("kickoff_invalid_field", "goal_issue.fields must be an object", map[string]any{"field": "goal_issue.fields"})
	}
	for key, expected := range map[string]string{
		"Sprint": sprint, "Status": "Backlog", "Priority": "P0", "Size": "S", "Area": "docs",
	} {
		if actual, _ := goalFields[key].(string); actual != expected {
			return nil, newError("kickoff_invalid_goal_fields", "goal_issue.fields mismatch",
				map[string]any{"field": key, "expected": expected, "actual": goalFields[key]})
		}
	}

	rawTasks, ok := plan["tasks"].([]any)
	if !ok {
		return nil, newError("kickoff_invalid_field", "tasks must be an array", map[string]any{"field": "tasks"})
	}
	if len(rawTasks) < 3 || len(rawTasks) > 25 {
		return nil, newError("kickoff_invalid_task_count", "tasks length must be between 3 and 25",
			map[string]any{"count": len(rawTasks)})
	}

	var tasks []map[string]any
	var titles []string
	for idx, rawTask := range rawTasks {
		task, ok := rawTask.(map[string]any)
		if !ok {
			return nil, newError("kickoff_invalid_task", "task must be an object", map[string]any{"index": idx})
		}
		title, err := requireString(task["title"], fmt.Sprintf("tasks[%d].title", idx))
		if err != nil {
			return nil, err
		}
		if !taskTitleRe.MatchString(title) {
			return nil, newError("kickoff_invalid_task_title", "task title must start with '[TASK] '",
				map[string]any{"index": idx, "title": title})
		}
		bodyMarkdown, err := requireString(task["body_markdown"], fmt.Sprintf("tasks[%d].body_markdown", idx))
		if err != nil {
			return nil, err
		}
		priority, err := requireString(task["priority"], fmt.Sprintf("tasks[%d].priority", idx))
		if err != nil {
			return nil, err
		}
		if !validPriorities[priority] {
			return nil, newError("kickoff_invalid_priority", "task priority must be P0, P1, or P2",
				map[string]any{"index": idx, "priority": priority})
		}
		size, err := requireString(task["size"], fmt.Sprintf("tasks[%d].size", idx))
		if err != nil {
			return nil, err
		}
		if !validSizes[size] {
			return nil, newError("kickoff_invalid_size", "task size must be S, M, or L",
				map[string]any{"index": idx, "size": size})
		}
		area, err := requireString(task["area"], fmt.Sprintf("tasks[%d].area", idx))
		if err != nil {
			return nil, err
		}
		area = strings.ToLower(area)
		if !validTaskAreas[area] {
			return nil, newError("kickoff_invalid_area", "task area is invalid",
				map[string]any{"index": idx, "area": area, "allowed": sortedKeys(validTaskAreas)})
		}
		depends, err := requireStringList(task["depends_on_titles"], fmt.Sprintf("tasks[%d].depends_on_titles", idx), true)
		if err != nil {
			return nil, err
		}
		initialStatus, err := requireString(task["initial_status"], fmt.Sprintf("tasks[%d].initial_status", idx))
		if err != nil {
			return nil, err
		}
		if initialStatus != "Backlog" {
			return nil, newError("kickoff_invalid_initial_status", "tasks must start in Backlog",
				map[string]any{"index": idx, "initial_status": initialStatus})
		}

		titles = append(titles, title)
		dependsList := make([]any, 0, len(depends))
		for _, dep := range depends {
			dependsList = append(dependsList, dep)
		}
		tasks = append(tasks, map[string]any{
			"title":             title,
			"body_markdown":     bodyMarkdown,
			"priority":          priority,
			"size":              size,
			"area":              area,
			"depends_on_titles": dependsList,
			"initial_status":    initialStatus,
		})
	}

	titleSet := map[string]bool{}
	for _, title := range titles {
		if titleSet[title] {
			return nil, newError("kickoff_title_collision", "task titles must be unique", nil)
		}
		titleSet[title] = true
	}
	for idx, task := range tasks {
		for _, rawDep := range task["depends_on_titles"].([]any) {
			dep := rawDep.(string)
			if !titleSet[dep] {
				return nil, newError("kickoff_unknown_dependency", "dependency title not found in tasks",
					map[string]any{"index": idx, "depends_on_title": dep})
			}
			if dep == task["title"] {
				return nil, newError("kickoff_invalid_dependency", "task cannot depend on itself", map[string]any{"index": idx})
			}
		}
	}

	readyTitles, err := requireStringList(plan["ready_set_titles"], "ready_set_titles", true)
	if err != nil {
		return nil, err
	}
	if len(readyTitles) > readyLimit {
		return nil, newError("kickoff_ready_set_too_large", "ready_set_titles length exceeds ready_limit",
			map[string]any{"ready_limit": readyLimit, "count": len(readyTitles)})
	}
	readySeen := map[string]bool{}
	for _, title := range readyTitles {
		if readySeen[title] {
			return nil, newError("kickoff_ready_set_duplicate", "ready_set_titles must be unique", nil)
		}
		readySeen[title] = true
	}
	taskByTitle := map[string]map[string]any{}
	for _, task := range tasks {
		taskByTitle[task["title"].(string)] = task
	}
	for _, title := range readyTitles {
		task, ok := taskByTitle[title]
		if !ok {
			return nil, newError("kickoff_ready_set_unknown_title", "ready_set_titles references an unknown task title",
				map[string]any{"title": title})
		}
		if depends := task["depends_on_titles"].([]any); len(depends) > 0 {
			return nil, newError("kickoff_ready_set_has_dependencies", "ready_set_titles must reference dependency-free tasks only",
				map[string]any{"title": title, "depends_on_titles": depends})
		}
		if task["priority"] != "P0" {
			return nil, newError("kickoff_ready_set_not_p0", "ready_set_titles must reference P0 tasks only",
				map[string]any{"title": title, "priority": task["priority"]})
		}
	}

	rationale, err := requireString(plan["prioritization_rationale"], "prioritization_rationale")
	if err != nil {
		return nil, err
	}

	if err := assertNoAutoClose(goalTitle, "goal_issue.title"); err != nil {
		return nil, err
	}
	if err := assertNoAutoClose(goalBody, "goal_issue.body_markdown"); err != nil {
		return nil, err
	}
	for idx, task := range tasks {
		if err := assertNoAutoClose(task["title"].(string), fmt.Sprintf("tasks[%d].title", idx)); err != nil {
			return nil, err
		}
		if err := assertNoAutoClose(task["body_markdown"].(string), fmt.Sprintf("tasks[%d].body_markdown", idx)); err != nil {
			return nil, err
		}
	}
	if err := assertNoAutoClose(rationale, "prioritization_rationale"); err != nil {
		return nil, err
	}

	readyList := make([]any, 0, len(readyTitles))
	for _, title := range readyTitles {
		readyList = append(readyList, title)
	}
	taskList := make([]any, 0, len(tasks))
	for _, task := range tasks {
		taskList = append(taskList, task)
	}
	return map[string]any{
		"sprint": planSprint,
		"goal_issue": map[string]any{
			"title":         goalTitle,
			"body_markdown": goalBody,
			"labels":        toAnyList(goalLabels),
			"fields":        goalFields,
		},
		"tasks":                    taskList,
		"ready_set_titles":         readyList,
		"prioritization_rationale": rationale,
	}, nil
}

func toAnyList(items []string) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

// PlanToDraft converts a validated plan into the plan-apply draft. The goal
// issue is always index zero.
func PlanToDraft(plan map[string]any) (map[string]any, error) {
	goalIssue := plan["goal_issue"].(map[string]any)
	goalParsed, err := ParseIssueBody(goalIssue["body_markdown"].(string))
	if err != nil {
		return nil, err
	}
	goalFields := goalIssue["fields"].(map[string]any)

	issues := []any{map[string]any{
		"title":                goalIssue["title"],
		"goal":                 goalParsed.Goal,
		"non_goals":            toAnyList(goalParsed.NonGoals),
		"acceptance_criteria":  toAnyList(goalParsed.AcceptanceCriteria),
		"files_likely_touched": toAnyList(goalParsed.FilesLikelyTouched),
		"definition_of_done":   toAnyList(goalParsed.DefinitionOfDone),
		"size":                 goalFields["Size"],
		"area":                 goalFields["Area"],
		"priority":             goalFields["Priority"],
		"initial_status":       "Backlog",
		"labels":               goalIssue["labels"],
	}}

	for _, rawTask := range plan["tasks"].([]any) {
		task := rawTask.(map[string]any)
		parsed, err := ParseIssueBody(task["body_markdown"].(string))
		if err != nil {
			return nil, err
		}
		policyArea, err := mapTaskAreaToPolicyArea(task["area"].(string))
		if err != nil {
			return nil, err
		}
		issues = append(issues, map[string]any{
			"title":                task["title"],
			"goal":                 parsed.Goal,
			"non_goals":            toAnyList(parsed.NonGoals),
			"acceptance_criteria":  toAnyList(parsed.AcceptanceCriteria),
			"files_likely_touched": toAnyList(parsed.FilesLikelyTouched),
			"definition_of_done":   toAnyList(parsed.DefinitionOfDone),
			"size":                 task["size"],
			"area":                 policyArea,
			"priority":             task["priority"],
			"initial_status":       task["initial_status"],
		})
	}

	for idx, rawIssue := range issues {
		issue := rawIssue.(map[string]any)
		area, _ := issue["area"].(string)
		if !validPolicyAreas[area] {
			return nil, newError("kickoff_invalid_policy_area", "draft issue area is not allowed by backend policy",
				map[string]any{"index": idx, "area": area, "allowed": sortedKeys(validPolicyAreas)})
		}
	}

	return map[string]any{"sprint": plan["sprint"], "issues": issues}, nil
}
