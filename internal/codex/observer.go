package codex

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

var (
	stderrErrorHintRe   = regexp.MustCompile(`(?i)(error|failed|exception|traceback|timeout|refused|unreachable)`)
	stderrCommandHintRe = regexp.MustCompile(`(?i)^(?:\$|command:|running command:|run command:)\s*(.+)$`)
)

// handshake methods are protocol noise, not transcript material.
var handshakeMethods = map[string]struct{}{
	"initialize":                {},
	"tools/list":                {},
	"shutdown":                  {},
	"notifications/initialized": {},
	"exit":                      {},
}

// StderrObserver scans agent stderr lines for transcript-worthy signals:
// executed commands and error-ish text. Observations are clipped, deduplicated
// against the last emission, and forwarded to the transcript writer. Nothing
// in this path may abort the run.
type StderrObserver struct {
	writer *TranscriptWriter

	mu              sync.Mutex
	lastObservation string
}

// NewStderrObserver creates an observer feeding writer.
func NewStderrObserver(writer *TranscriptWriter) *StderrObserver {
	return &StderrObserver{writer: writer}
}

// Observe processes one stderr line. Safe for concurrent use.
func (o *StderrObserver) Observe(line string) {
	for _, observation := range ExtractStderrObservations(line) {
		o.mu.Lock()
		duplicate := observation == o.lastObservation
		if !duplicate {
			o.lastObservation = observation
		}
		o.mu.Unlock()
		if duplicate {
			continue
		}
		o.writer.SystemObservation(observation)
	}
}

// ExtractStderrObservations parses one stderr line into transcript
// observations.
func ExtractStderrObservations(line string) []string {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil
	}

	var payload any
	if err := json.Unmarshal([]byte(stripped), &payload); err == nil {
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil
		}
		if method, ok := obj["method"].(string); ok {
			if _, handshake := handshakeMethods[method]; handshake {
				return nil
			}
		}
		var observations []string
		for _, command := range extractExecCommands(obj) {
			observations = append(observations, "Command: "+clipText(command, 600))
		}
		if message := extractErrorMessage(obj); message != "" {
			observations = append(observations, "Worker error detail: "+message)
		}
		return observations
	}

	if match := stderrCommandHintRe.FindStringSubmatch(stripped); match != nil {
		command := strings.TrimSpace(match[1])
		if command != "" {
			return []string{"Command: " + clipText(command, 600)}
		}
		return nil
	}

	if stderrErrorHintRe.MatchString(stripped) {
		return []string{"Worker stderr: " + clipText(stripped, 600)}
	}
	return nil
}

// extractExecCommands walks a JSON payload looking for executed-command
// shapes emitted by agent tooling.
func extractExecCommands(payload any) []string {
	var commands []string

	var visit func(node any)
	visit = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			recipient, _ := n["recipient_name"].(string)
			if recipient == "functions.exec_command" || recipient == "exec_command" {
				if params, ok := n["parameters"].(map[string]any); ok {
					if cmd, ok := params["cmd"].(string); ok && strings.TrimSpace(cmd) != "" {
						commands = append(commands, strings.TrimSpace(cmd))
					}
				}
			}
			if cmd, ok := n["cmd"].(string); ok && strings.TrimSpace(cmd) != "" {
				toolName, _ := n["tool"].(string)
				if toolName == "" {
					toolName, _ = n["name"].(string)
				}
				switch strings.ToLower(strings.TrimSpace(toolName)) {
				case "exec_command", "functions.exec_command", "shell", "command":
					commands = append(commands, strings.TrimSpace(cmd))
				}
			}
			for _, value := range n {
				switch value.(type) {
				case map[string]any, []any:
					visit(value)
				}
			}
		case []any:
			for _, entry := range n {
				visit(entry)
			}
		}
	}
	visit(payload)

	seen := map[string]struct{}{}
	deduped := commands[:0]
	for _, command := range commands {
		if _, ok := seen[command]; ok {
			continue
		}
		seen[command] = struct{}{}
		deduped = append(deduped, command)
	}
	return deduped
}

// extractErrorMessage pulls the first error-ish string out of a payload.
func extractErrorMessage(payload map[string]any) string {
	var candidates []string

	var appendText func(value any)
	appendText = func(value any) {
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				candidates = append(candidates, strings.TrimSpace(v))
			}
		case map[string]any:
			for _, key := range []string{"message", "error", "code", "detail"} {
				if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
					candidates = append(candidates, strings.TrimSpace(s))
				}
			}
		case []any:
			for _, entry := range v {
				appendText(entry)
			}
		}
	}
	for _, key := range []string{"error", "message", "msg", "details", "exception"} {
		appendText(payload[key])
	}

	for _, candidate := range candidates {
		if stderrErrorHintRe.MatchString(candidate) {
			return clipText(candidate, 600)
		}
	}
	return ""
}

func clipText(value string, maxChars int) string {
	text := strings.TrimSpace(value)
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimRight(string(runes[:maxChars-3]), " ") + "..."
}
