package codex

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ResultMarker prefixes an embedded result payload when the agent wraps it
// in prose.
const ResultMarker = "RUNNER_RESULT_JSON:"

var (
	fenceOpenRe  = regexp.MustCompile("(?i)^```(?:json)?\\s*\n?")
	fenceCloseRe = regexp.MustCompile("\n?```\\s*$")
)

// WorkerResult is the structured verdict an agent must emit for one run.
type WorkerResult struct {
	RunID          string           `json:"run_id"`
	Role           string           `json:"role"`
	Status         string           `json:"status"`
	Outcome        string           `json:"outcome,omitempty"`
	Summary        string           `json:"summary"`
	URLs           map[string]string `json:"urls"`
	Errors         []map[string]any `json:"errors"`
	MarkerVerified *bool            `json:"marker_verified,omitempty"`
}

// Succeeded reports whether the agent claimed success.
func (r *WorkerResult) Succeeded() bool {
	return r.Status == "succeeded"
}

// stripResultWrapping removes the optional marker prefix and markdown fences.
func stripResultWrapping(content string) string {
	raw := strings.TrimSpace(content)
	if idx := strings.Index(raw, ResultMarker); idx >= 0 {
		raw = strings.TrimSpace(raw[idx+len(ResultMarker):])
	}
	raw = fenceOpenRe.ReplaceAllString(raw, "")
	raw = fenceCloseRe.ReplaceAllString(raw, "")
	return strings.TrimSpace(raw)
}

// ParseWorkerResult validates agent output against the result contract.
// Identity must match the dispatched intent, status must be terminal, and
// reviewers must emit an explicit outcome.
func ParseWorkerResult(content, expectedRunID, expectedRole string) (*WorkerResult, error) {
	raw := stripResultWrapping(content)

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, newWorkerError(CodeWorkerInvalidOutput,
			"agent output was not valid JSON; worker must output JSON only",
			map[string]any{"error": err.Error(), "content": clipText(content, 2000)})
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, newWorkerError(CodeWorkerInvalidOutput,
			"worker result must be a JSON object",
			map[string]any{"content": clipText(content, 2000)})
	}

	runID, _ := obj["run_id"].(string)
	role, _ := obj["role"].(string)
	if runID != expectedRunID || role != expectedRole {
		return nil, newWorkerError(CodeWorkerIdentity, "worker result identity mismatch", map[string]any{
			"expected": map[string]any{"run_id": expectedRunID, "role": expectedRole},
			"actual":   map[string]any{"run_id": obj["run_id"], "role": obj["role"]},
		})
	}

	status, _ := obj["status"].(string)
	if status != "succeeded" && status != "failed" {
		return nil, newWorkerError(CodeWorkerInvalidOutput,
			"worker result status must be succeeded|failed",
			map[string]any{"status": obj["status"]})
	}

	outcome := ""
	if rawOutcome, present := obj["outcome"]; present && rawOutcome != nil {
		s, ok := rawOutcome.(string)
		if !ok {
			return nil, newWorkerError(CodeWorkerInvalidOutput,
				"worker result outcome must be a string when provided", nil)
		}
		outcome = strings.ToUpper(strings.TrimSpace(s))
	}
	if expectedRole == "REVIEWER" {
		switch outcome {
		case "PASS", "FAIL", "INCOMPLETE":
		default:
			return nil, newWorkerError(CodeWorkerInvalidOutput,
				"reviewer worker must emit outcome PASS|FAIL|INCOMPLETE",
				map[string]any{"outcome": obj["outcome"]})
		}
	}

	summary, ok := obj["summary"].(string)
	if !ok {
		return nil, newWorkerError(CodeWorkerInvalidOutput, "worker result summary must be a string", nil)
	}

	urls := map[string]string{}
	if rawURLs, ok := obj["urls"].(map[string]any); ok {
		for key, value := range rawURLs {
			urls[key] = fmt.Sprintf("%v", value)
		}
	}

	var workerErrors []map[string]any
	if rawErrors, ok := obj["errors"].([]any); ok {
		for _, entry := range rawErrors {
			if m, ok := entry.(map[string]any); ok {
				workerErrors = append(workerErrors, m)
				continue
			}
			workerErrors = append(workerErrors, map[string]any{"error": fmt.Sprintf("%v", entry)})
		}
	}

	var markerVerified *bool
	if rawMarker, present := obj["marker_verified"]; present && rawMarker != nil {
		b, ok := rawMarker.(bool)
		if !ok {
			return nil, newWorkerError(CodeWorkerInvalidOutput,
				"worker result marker_verified must be a boolean when provided", nil)
		}
		markerVerified = &b
	}

	return &WorkerResult{
		RunID:          runID,
		Role:           role,
		Status:         status,
		Outcome:        outcome,
		Summary:        summary,
		URLs:           urls,
		Errors:         workerErrors,
		MarkerVerified: markerVerified,
	}, nil
}

// ExtractText pulls agent text from a tool result. structuredContent.content
// is preferred; a plain content string or joined text blocks serve as
// fallbacks.
func ExtractText(toolResult map[string]any) (string, error) {
	if structured, ok := toolResult["structuredContent"].(map[string]any); ok {
		if content, ok := structured["content"].(string); ok && strings.TrimSpace(content) != "" {
			return content, nil
		}
	}

	switch content := toolResult["content"].(type) {
	case string:
		if strings.TrimSpace(content) != "" {
			return content, nil
		}
	case []any:
		var chunks []string
		for _, entry := range content {
			block, ok := entry.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				chunks = append(chunks, text)
			}
		}
		if joined := strings.TrimSpace(strings.Join(chunks, "\n")); joined != "" {
			return joined, nil
		}
	}

	return "", newWorkerError(CodeWorkerInvalidOutput, "codex tool returned no text content", nil)
}

// ExtractThreadID pulls the conversation handle needed for codex-reply.
func ExtractThreadID(toolResult map[string]any) (string, error) {
	if structured, ok := toolResult["structuredContent"].(map[string]any); ok {
		if threadID, ok := structured["threadId"].(string); ok && strings.TrimSpace(threadID) != "" {
			return strings.TrimSpace(threadID), nil
		}
	}
	return "", newWorkerError(CodeWorkerInvalidOutput, "codex tool result missing structuredContent.threadId", nil)
}

// ThinkingText renders agent output for the transcript. Structured results
// become a readable summary block; anything else passes through verbatim.
func ThinkingText(content string) string {
	raw := strings.TrimSpace(content)
	if raw == "" {
		return ""
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return raw
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return raw
	}

	var lines []string
	if summary, ok := obj["summary"].(string); ok && strings.TrimSpace(summary) != "" {
		lines = append(lines, strings.TrimSpace(summary))
	}
	if status, ok := obj["status"].(string); ok && strings.TrimSpace(status) != "" {
		lines = append(lines, "Status: "+strings.TrimSpace(status))
	}
	if outcome, ok := obj["outcome"].(string); ok && strings.TrimSpace(outcome) != "" {
		lines = append(lines, "Outcome: "+strings.TrimSpace(outcome))
	}
	if urls, ok := obj["urls"].(map[string]any); ok && len(urls) > 0 {
		lines = append(lines, "Linked URLs:")
		keys := make([]string, 0, len(urls))
		for key := range urls {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if value, ok := urls[key].(string); ok && strings.TrimSpace(value) != "" {
				lines = append(lines, "- "+key+": "+strings.TrimSpace(value))
			}
		}
	}
	if errorsList, ok := obj["errors"].([]any); ok && len(errorsList) > 0 {
		lines = append(lines, "Errors:")
		for _, entry := range errorsList {
			if m, ok := entry.(map[string]any); ok {
				message := firstString(m, "message", "error", "code")
				if message != "" {
					lines = append(lines, "- "+message)
					continue
				}
			}
			lines = append(lines, fmt.Sprintf("- %v", entry))
		}
	}

	if len(lines) == 0 {
		return raw
	}
	return strings.Join(lines, "\n")
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
