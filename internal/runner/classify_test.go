package runner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"sprintd/internal/backend"
	"sprintd/internal/codex"
	"sprintd/internal/intent"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "intent contract violation is a hard stop",
			err:  &intent.Error{Code: "intent_invalid_role", Message: "bad role"},
			want: ClassificationHardStop,
		},
		{
			name: "backend unreachable is transient",
			err:  &backend.HTTPError{Code: "backend_unreachable", Message: "connection refused"},
			want: ClassificationTransient,
		},
		{
			name: "backend 409 is an item stop",
			err:  &backend.HTTPError{Code: "backend_error_status", StatusCode: 409, Message: "conflict"},
			want: ClassificationItemStop,
		},
		{
			name: "backend 503 is transient",
			err:  &backend.HTTPError{Code: "backend_error_status", StatusCode: 503, Message: "unavailable"},
			want: ClassificationTransient,
		},
		{
			name: "backend 403 is a hard stop",
			err:  &backend.HTTPError{Code: "backend_error_status", StatusCode: 403, Message: "forbidden"},
			want: ClassificationHardStop,
		},
		{
			name: "mcp timeout is an item stop",
			err:  &codex.WorkerError{Code: codex.CodeMCPTimeout, Message: "timed out"},
			want: ClassificationItemStop,
		},
		{
			name: "identity mismatch is an item stop",
			err:  &codex.WorkerError{Code: codex.CodeWorkerIdentity, Message: "wrong run_id"},
			want: ClassificationItemStop,
		},
		{
			name: "unexpected worker code is a hard stop",
			err:  &codex.WorkerError{Code: codex.CodeMCPProtocolMismatch, Message: "protocol"},
			want: ClassificationHardStop,
		},
		{
			name: "untyped error fails closed",
			err:  errors.New("boom"),
			want: ClassificationHardStop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.err))
		})
	}
}

func TestExitCodeForClassification(t *testing.T) {
	assert.Equal(t, 4, ExitCodeForClassification(ClassificationTransient))
	assert.Equal(t, 2, ExitCodeForClassification(ClassificationHardStop))
	assert.Equal(t, 0, ExitCodeForClassification(ClassificationItemStop))
	assert.Equal(t, 2, ExitCodeForClassification("SOMETHING_ELSE"))
}

func TestIsRetryableFailure(t *testing.T) {
	assert.True(t, IsRetryableFailure("TRANSIENT", ""))
	assert.True(t, IsRetryableFailure("transient", "anything"))
	assert.True(t, IsRetryableFailure("ITEM_STOP", codex.CodeMCPTimeout))
	assert.True(t, IsRetryableFailure("HARD_STOP", "backend_unreachable"))
	assert.True(t, IsRetryableFailure("", codex.CodeMCPStdioUnavailable))
	assert.True(t, IsRetryableFailure("", codex.CodeMCPErrorResponse))
	assert.False(t, IsRetryableFailure("ITEM_STOP", codex.CodeWorkerInvalidOutput))
	assert.False(t, IsRetryableFailure("HARD_STOP", ""))
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, codex.CodeMCPTimeout, ErrorCodeOf(&codex.WorkerError{Code: codex.CodeMCPTimeout}))
	assert.Equal(t, "backend_unreachable", ErrorCodeOf(&backend.HTTPError{Code: "backend_unreachable"}))
	assert.Equal(t, "intent_invalid_json", ErrorCodeOf(&intent.Error{Code: "intent_invalid_json"}))
	assert.Equal(t, "unknown_error", ErrorCodeOf(errors.New("boom")))
}
