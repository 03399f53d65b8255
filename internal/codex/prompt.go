package codex

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prompts sent alongside every dispatched intent. The bundle stays the
// source of truth; these are supervisor-level guardrails.
const (
	developerInstructions = "Treat base-instructions as executable contract. Do not rewrite or summarize it. " +
		"Do not attempt to start the backend server. " +
		"Do not read or write outside the repository workspace. " +
		"Never merge PRs or close issues. Fail closed on ambiguity."

	strictReplayPrompt = "Re-output the final result as JSON only with keys: run_id, role, status, summary, urls, errors. " +
		"No prose."

	strictReplayPromptKickoff = "Re-output the final result as JSON only. No prose. No markdown."
)

const reviewerRules = "Reviewer-specific constraints:\n" +
	"- Leave feedback as GitHub ISSUE comments only.\n" +
	"- Do NOT call github.pull_request_review_write and do NOT submit approvals.\n" +
	"- Do NOT change project status directly; runner handles status transition on PASS.\n" +
	"- For findings, use checklist IDs (R1, R2, ...) with explicit done conditions.\n" +
	"- Do NOT demand videos, screenshots, or other human-only artifacts.\n" +
	"- Prefer verification via tests and deterministic manual steps.\n" +
	"- If CI/checks are missing or pending with zero checks, treat that as N/A (not a standalone failure).\n" +
	"- Canonical linkage note: the EXECUTOR_RUN_V1 marker is often an HTML comment and will be hidden in rendered views. Trust backend /internal/reviewer/resolve-linked-pr; do not claim the marker is missing if the backend resolved the PR.\n" +
	"- If executable behavior changed and there are no tests and no deterministic manual verification steps, FAIL with a concrete request.\n"

const executorRules = "Executor-specific constraints:\n" +
	"- For any created/updated PR, enforce canonical linkage in PR body and issue comment.\n" +
	"- After opening or updating PR, re-fetch PR body and patch it if marker/linkage is missing.\n" +
	"- This check must be idempotent.\n" +
	"- IMPORTANT: If you output any PR URL in urls (pr_url/pull_request/pr/resolved_pr), you MUST set marker_verified=true.\n" +
	"- If intent.endpoint is /internal/reviewer/resolve-linked-pr, this is an In Review fixup run:\n" +
	"  - Do NOT open a new PR.\n" +
	"  - Use the backend response (pr_number/pr_url/head_ref/head_sha) to check out the existing PR head branch and push new commits to it.\n" +
	"  - New commits must descend from head_sha (no history rewrite).\n" +
	"  - Do not force-push.\n" +
	"- Only modify files within the task's Allowed touch paths (see the issue's ## Scope section). " +
	"If you need to modify files outside scope, comment on the issue requesting scope expansion " +
	"and stop the run.\n"

// Bundle is the role context fetched from the backend: a role name plus the
// instruction files the agent must follow verbatim.
type Bundle struct {
	Role  string
	Files []BundleFile
}

// BundleFile is one instruction file inside a bundle.
type BundleFile struct {
	Path    string
	Content string
}

// ParseBundle validates the raw agent-context payload.
func ParseBundle(raw map[string]any) (*Bundle, error) {
	role, _ := raw["role"].(string)
	if strings.TrimSpace(role) == "" {
		return nil, newWorkerError(CodeBundleInvalid, "agent context bundle missing role", nil)
	}
	files, ok := raw["files"].([]any)
	if !ok {
		return nil, newWorkerError(CodeBundleInvalid, "agent context bundle missing files array", nil)
	}

	bundle := &Bundle{Role: strings.TrimSpace(role)}
	for _, entry := range files {
		file, _ := entry.(map[string]any)
		path, _ := file["path"].(string)
		if strings.TrimSpace(path) == "" {
			return nil, newWorkerError(CodeBundleInvalid, "bundle file missing path", nil)
		}
		content, ok := file["content"].(string)
		if !ok {
			return nil, newWorkerError(CodeBundleInvalid, "bundle file missing content", map[string]any{"path": path})
		}
		bundle.Files = append(bundle.Files, BundleFile{Path: strings.TrimSpace(path), Content: content})
	}
	return bundle, nil
}

// BaseInstructions serializes the bundle verbatim into the base-instructions
// block handed to the agent.
func (b *Bundle) BaseInstructions() string {
	parts := []string{"ROLE: " + b.Role, "BUNDLE_FILES_BEGIN"}
	for _, file := range b.Files {
		parts = append(parts, "FILE_BEGIN "+file.Path, file.Content, "FILE_END "+file.Path)
	}
	parts = append(parts, "BUNDLE_FILES_END")
	return strings.Join(parts, "\n")
}

// BuildWorkerPrompt renders the full prompt for one intent dispatch.
func BuildWorkerPrompt(intentPayload map[string]any, role, runID, backendBaseURL string) (string, error) {
	intentJSON, err := json.MarshalIndent(intentPayload, "", "  ")
	if err != nil {
		return "", newWorkerError(CodeWorkerInvalidIntent, "intent payload is not serializable", map[string]any{"error": err.Error()})
	}

	roleRules := ""
	switch strings.ToUpper(strings.TrimSpace(role)) {
	case "REVIEWER":
		roleRules = reviewerRules
	case "EXECUTOR":
		roleRules = executorRules
	}

	return "You are a Codex worker executing exactly one RUN_INTENT.\n" +
		"Non-negotiable rules:\n" +
		"- Treat the provided bundle as executable contract; do not summarize, rewrite, or omit any content.\n" +
		"- Do not merge PRs. Do not close issues. Do not use auto-close keywords.\n" +
		"- Never bypass backend policy gates; all state changes must go through backend endpoints.\n" +
		"- Do NOT attempt to start or run the backend server; if the backend endpoint is unreachable, fail closed.\n" +
		"- Do not read or write files outside the repository workspace. Never use /tmp or home-directory paths.\n" +
		"- Fail closed on ambiguity.\n\n" +
		"Backend base URL: " + backendBaseURL + "\n\n" +
		roleRules + "\n" +
		"RUN_INTENT (verbatim):\n" +
		string(intentJSON) + "\n\n" +
		"Execution requirement:\n" +
		"- Call the backend endpoint at: <backend base URL> + intent.endpoint with JSON body intent.body.\n" +
		"- Then follow the role runbook (from base-instructions) to complete the workflow.\n\n" +
		"Return EXACTLY one JSON object and nothing else (no prose, no markdown, no wrappers) with this exact shape:\n" +
		"{\n" +
		fmt.Sprintf("  %q: %q,\n", "run_id", runID) +
		fmt.Sprintf("  %q: %q,\n", "role", role) +
		"  \"status\": \"succeeded\"|\"failed\",\n" +
		"  \"outcome\": null|\"PASS\"|\"FAIL\"|\"INCOMPLETE\",\n" +
		"  \"summary\": \"...\",\n" +
		"  \"urls\": {\"key\":\"value\"},\n" +
		"  \"errors\": [{\"code\":\"...\",\"message\":\"...\"}],\n" +
		"  \"marker_verified\": true|false|null\n" +
		"}\n", nil
}

// sandboxForRole maps a worker role to its codex sandbox mode. Worker roles
// must reach backend internal endpoints for claim/linkage/transition calls.
func sandboxForRole(role string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(role)) {
	case "EXECUTOR", "REVIEWER":
		return "danger-full-access", nil
	}
	return "", newWorkerError(CodeWorkerInvalidIntent, "intent role must be EXECUTOR or REVIEWER", nil)
}
