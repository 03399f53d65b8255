package intent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntentLine() string {
	return `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"run-1",` +
		`"endpoint":"/internal/executor/claim-ready-item",` +
		`"body":{"role":"EXECUTOR","run_id":"run-1","issue_number":7}}`
}

func mustParse(t *testing.T, line string) *RunIntent {
	t.Helper()
	obj, err := ParseJSONLine(line)
	require.NoError(t, err)
	in, err := ParseIntent(obj)
	require.NoError(t, err)
	return in
}

func parseCode(t *testing.T, line string) string {
	t.Helper()
	obj, err := ParseJSONLine(line)
	if err == nil {
		_, err = ParseIntent(obj)
	}
	require.Error(t, err)
	var intentErr *Error
	require.True(t, errors.As(err, &intentErr))
	return intentErr.Code
}

func TestParseIntentValid(t *testing.T) {
	in := mustParse(t, validIntentLine())
	assert.Equal(t, RoleExecutor, in.Role)
	assert.Equal(t, "run-1", in.RunID)
	assert.Equal(t, "/internal/executor/claim-ready-item", in.Endpoint)

	issue, ok := in.IssueNumber()
	require.True(t, ok)
	assert.Equal(t, 7, issue)
}

func TestParseIntentNormalizesRole(t *testing.T) {
	line := `{"type":"RUN_INTENT","role":" executor ","run_id":"run-1",` +
		`"endpoint":"/internal/executor/claim-ready-item",` +
		`"body":{"role":"EXECUTOR","run_id":"run-1"}}`
	in := mustParse(t, line)
	assert.Equal(t, RoleExecutor, in.Role)
}

func TestParseIntentErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		code string
	}{
		{"invalid json", `{not json`, "intent_invalid_json"},
		{"non object", `[1,2,3]`, "intent_invalid_type"},
		{"unknown field", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{"role":"EXECUTOR","run_id":"r"},"extra":1}`, "intent_unknown_fields"},
		{"wrong type", `{"type":"OTHER","role":"EXECUTOR","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{}}`, "intent_type_mismatch"},
		{"bad role", `{"type":"RUN_INTENT","role":"PLANNER","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{}}`, "intent_invalid_role"},
		{"missing run id", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"  ","endpoint":"/internal/executor/claim-ready-item","body":{}}`, "intent_missing_run_id"},
		{"bad endpoint", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"r","endpoint":"/public/x","body":{}}`, "intent_invalid_endpoint"},
		{"endpoint not allowed", `{"type":"RUN_INTENT","role":"REVIEWER","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{}}`, "intent_endpoint_not_allowed"},
		{"body not object", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":"x"}`, "intent_invalid_body"},
		{"body role mismatch", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{"role":"REVIEWER","run_id":"r"}}`, "intent_role_mismatch"},
		{"body run id mismatch", `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"r","endpoint":"/internal/executor/claim-ready-item","body":{"role":"EXECUTOR","run_id":"other"}}`, "intent_run_id_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, parseCode(t, tt.line))
		})
	}
}

func TestExecutorMayCarryReviewerLinkageEndpoint(t *testing.T) {
	line := `{"type":"RUN_INTENT","role":"EXECUTOR","run_id":"run-2",` +
		`"endpoint":"/internal/reviewer/resolve-linked-pr",` +
		`"body":{"role":"EXECUTOR","run_id":"run-2"}}`
	in := mustParse(t, line)
	assert.Equal(t, "/internal/reviewer/resolve-linked-pr", in.Endpoint)
}
