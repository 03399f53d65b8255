// Package intent parses and validates the line-delimited JSON contracts at
// the planner and agent boundaries. Values cross the boundary as dynamic
// JSON, are validated here, and leave as typed records.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TypeRunIntent is the only accepted planner intent type.
	TypeRunIntent = "RUN_INTENT"

	RoleExecutor = "EXECUTOR"
	RoleReviewer = "REVIEWER"
)

// allowedEndpointsByRole is the per-role endpoint allow-list. Executors also
// carry the reviewer linkage endpoint for In Review fixup runs.
var allowedEndpointsByRole = map[string][]string{
	RoleExecutor: {"/internal/executor/claim-ready-item", "/internal/reviewer/resolve-linked-pr"},
	RoleReviewer: {"/internal/reviewer/resolve-linked-pr"},
}

// Error is a planner contract violation. Intent errors always classify as
// hard stops.
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

// RunIntent is one validated planner instruction to perform an agent run.
type RunIntent struct {
	Type     string
	Role     string
	RunID    string
	Endpoint string
	Body     map[string]any

	raw map[string]any
}

// Hash returns the SHA-256 hex of the canonical serialization of the raw
// envelope. It is the idempotency key for the run ledger.
func (in *RunIntent) Hash() string {
	digest, err := HashValue(in.raw)
	if err != nil {
		// The raw map came out of a JSON decoder, so every value is
		// canonicalizable; reaching here means a programming error.
		panic(fmt.Sprintf("intent hash: %v", err))
	}
	return digest
}

// Payload returns the raw envelope as decoded from the planner line. The
// agent receives this verbatim.
func (in *RunIntent) Payload() map[string]any {
	return in.raw
}

// IssueNumber returns body.issue_number when present and integral.
func (in *RunIntent) IssueNumber() (int, bool) {
	return intField(in.Body, "issue_number")
}

func intField(obj map[string]any, key string) (int, bool) {
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// ParseJSONLine decodes one planner stdout line into a JSON object.
func ParseJSONLine(line string) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(line)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, newError("intent_invalid_json", "planner emitted invalid JSONL", map[string]any{"error": err.Error()})
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, newError("intent_invalid_type", "intent line must be a JSON object", nil)
	}
	return obj, nil
}

// ParseIntent validates a decoded intent object against the planner contract.
func ParseIntent(value map[string]any) (*RunIntent, error) {
	allowedKeys := map[string]struct{}{"type": {}, "role": {}, "run_id": {}, "endpoint": {}, "body": {}}
	var extra []string
	for key := range value {
		if _, ok := allowedKeys[key]; !ok {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		return nil, newError("intent_unknown_fields", "intent has unknown fields", map[string]any{"fields": extra})
	}

	intentType, _ := value["type"].(string)
	if intentType != TypeRunIntent {
		return nil, newError("intent_type_mismatch", "intent type mismatch", map[string]any{"type": value["type"]})
	}

	rawRole, _ := value["role"].(string)
	role := strings.ToUpper(strings.TrimSpace(rawRole))
	if _, ok := allowedEndpointsByRole[role]; !ok {
		return nil, newError("intent_invalid_role", "intent role must be EXECUTOR or REVIEWER", map[string]any{"role": value["role"]})
	}

	runID, _ := value["run_id"].(string)
	if strings.TrimSpace(runID) == "" {
		return nil, newError("intent_missing_run_id", "intent run_id is required", nil)
	}

	rawEndpoint, _ := value["endpoint"].(string)
	endpoint := strings.TrimSpace(rawEndpoint)
	if !strings.HasPrefix(endpoint, "/internal/") {
		return nil, newError("intent_invalid_endpoint", "intent endpoint is required", map[string]any{"endpoint": value["endpoint"]})
	}
	if !endpointAllowed(role, endpoint) {
		return nil, newError("intent_endpoint_not_allowed", "intent endpoint is not allowed for role", map[string]any{
			"role":     role,
			"endpoint": endpoint,
			"allowed":  allowedEndpointsByRole[role],
		})
	}

	body, ok := value["body"].(map[string]any)
	if !ok {
		return nil, newError("intent_invalid_body", "intent body must be an object", nil)
	}
	if bodyRole, _ := body["role"].(string); bodyRole != role {
		return nil, newError("intent_role_mismatch", "intent body.role must match intent role", nil)
	}
	if bodyRunID, _ := body["run_id"].(string); bodyRunID != runID {
		return nil, newError("intent_run_id_mismatch", "intent body.run_id must match intent run_id", nil)
	}

	return &RunIntent{
		Type:     TypeRunIntent,
		Role:     role,
		RunID:    runID,
		Endpoint: endpoint,
		Body:     body,
		raw:      value,
	}, nil
}

func endpointAllowed(role, endpoint string) bool {
	for _, allowed := range allowedEndpointsByRole[role] {
		if endpoint == allowed {
			return true
		}
	}
	return false
}
