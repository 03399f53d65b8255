package kickoff

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the planner prompt and the developer instructions for a
// kickoff generation run.
func BuildPrompt(sprint, goalText string, readyLimit int) (prompt, developerInstructions string) {
	schema := "{\n" +
		fmt.Sprintf("  \"sprint\": %q,\n", sprint) +
		"  \"goal_issue\": {\n" +
		fmt.Sprintf("    \"title\": \"[SPRINT GOAL] %s: <short>\",\n", sprint) +
		"    \"body_markdown\": \"<markdown>\",\n" +
		"    \"labels\": [\"meta:sprint-goal\"],\n" +
		fmt.Sprintf("    \"fields\": {\"Sprint\":%q,\"Status\":\"Backlog\",\"Priority\":\"P0\",\"Size\":\"S\",\"Area\":\"docs\"}\n", sprint) +
		"  },\n" +
		"  \"tasks\": [\n" +
		"    {\n" +
		"      \"title\": \"[TASK] <short>\",\n" +
		"      \"body_markdown\": \"<markdown>\",\n" +
		"      \"priority\": \"P0|P1|P2\",\n" +
		"      \"size\": \"S|M|L\",\n" +
		"      \"area\": \"infra|api|orchestrator|runner|docs|tests\",\n" +
		"      \"depends_on_titles\": [\"[TASK] ...\"],\n" +
		"      \"initial_status\": \"Backlog\"\n" +
		"    }\n" +
		"  ],\n" +
		"  \"ready_set_titles\": [\"[TASK] ...\"],\n" +
		"  \"prioritization_rationale\": \"...\"\n" +
		"}\n"

	markdownRequirements := "For every body_markdown (goal + tasks), you MUST use this exact section structure with these exact headings:\n" +
		"## Goal\n" +
		"<one or more lines>\n" +
		"## Non-goals\n" +
		"- <bullet>\n" +
		"## Acceptance Criteria\n" +
		"- [ ] <checkbox item>\n" +
		"## Files Likely Touched\n" +
		"- <path>\n" +
		"## Definition of Done\n" +
		"- [ ] <checkbox item>\n"

	prompt = "You are ORCHESTRATOR (kickoff-only). Your output is a machine-validated JSON plan.\n" +
		"You are drafting sprint issues for EXECUTOR/REVIEWER runs. You are not implementing the work yourself.\n" +
		"Return JSON only. No prose. No markdown code fences.\n" +
		"Do not use auto-close keywords (Closes/Fixes/Resolves #N).\n\n" +
		fmt.Sprintf("Sprint: %s\n", sprint) +
		fmt.Sprintf("Ready limit: %d (ready_set_titles length must be <= %d and <= 3)\n\n", readyLimit, readyLimit) +
		"Goal text (verbatim):\n" +
		strings.TrimSpace(goalText) + "\n\n" +
		"Hard constraints:\n" +
		"- tasks length must be between 3 and 25\n" +
		"- Every task must set initial_status=Backlog\n" +
		"- depends_on_titles must reference exact task titles (including [TASK] prefix)\n" +
		"- ready_set_titles must reference existing tasks with zero dependencies and priority=P0 only\n" +
		"- goal_issue.labels must include meta:sprint-goal\n" +
		"- goal_issue.fields must be exactly: Sprint=sprint, Status=Backlog, Priority=P0, Size=S, Area=docs\n\n" +
		"Quality constraints (non-negotiable):\n" +
		"- Tasks MUST be direct, executable engineering work that implements the goal.\n" +
		"- Tasks MUST implement goal.txt in code. Do not create process/runbook/template tasks unless goal.txt is about process tooling." +
		"Do NOT create meta-process tasks like: defining templates, writing runbooks, creating a backlog map, or drafting reviewer/executor checklists.\n" +
		"- Do NOT make the sprint about improving this orchestration system; the sprint is about implementing the goal in the target repository.\n" +
		"- The sprint goal issue may touch docs, but sprint tasks should generally touch real product code/assets, not just markdown.\n" +
		"- ready_set_titles should include the most dependency-free P0 implementation tasks.\n\n" +
		fmt.Sprintf("Output schema (exact keys):\n%s\n", schema) +
		fmt.Sprintf("\n%s\n", markdownRequirements) +
		"Notes:\n" +
		"- Task count should be intelligently sized for the goal (within bounds).\n" +
		"- Prefer dependency-light P0 tasks in ready_set_titles.\n"

	developerInstructions = "Return JSON only (single object) matching the provided schema exactly. " +
		"Do not include any additional keys. " +
		"No prose, no markdown, no code fences. " +
		"Do not use auto-close keywords. " +
		"Ensure body_markdown uses the required headings and list formats."

	return prompt, developerInstructions
}
