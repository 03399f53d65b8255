package codex

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResultContent() string {
	return `{"run_id":"run-1","role":"EXECUTOR","status":"succeeded","outcome":null,` +
		`"summary":"done","urls":{"pr_url":"https://example.com/pr/1"},"errors":[],"marker_verified":true}`
}

func workerErrCode(t *testing.T, err error) string {
	t.Helper()
	var workerErr *WorkerError
	require.True(t, errors.As(err, &workerErr), "expected WorkerError, got %v", err)
	return workerErr.Code
}

func TestParseWorkerResultValid(t *testing.T) {
	result, err := ParseWorkerResult(validResultContent(), "run-1", "EXECUTOR")
	require.NoError(t, err)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "succeeded", result.Status)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "https://example.com/pr/1", result.URLs["pr_url"])
	require.NotNil(t, result.MarkerVerified)
	assert.True(t, *result.MarkerVerified)
}

func TestParseWorkerResultStripsFencesAndMarker(t *testing.T) {
	content := "Some prose first.\nRUNNER_RESULT_JSON: ```json\n" + validResultContent() + "\n```"
	result, err := ParseWorkerResult(content, "run-1", "EXECUTOR")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Summary)
}

func TestParseWorkerResultIdentityMismatch(t *testing.T) {
	_, err := ParseWorkerResult(validResultContent(), "run-2", "EXECUTOR")
	assert.Equal(t, CodeWorkerIdentity, workerErrCode(t, err))

	_, err = ParseWorkerResult(validResultContent(), "run-1", "REVIEWER")
	assert.Equal(t, CodeWorkerIdentity, workerErrCode(t, err))
}

func TestParseWorkerResultInvalidShapes(t *testing.T) {
	cases := map[string]string{
		"not json":       "this is prose",
		"not an object":  `[1,2,3]`,
		"bad status":     `{"run_id":"run-1","role":"EXECUTOR","status":"maybe","summary":"x"}`,
		"missing summary": `{"run_id":"run-1","role":"EXECUTOR","status":"failed"}`,
		"bad marker":     `{"run_id":"run-1","role":"EXECUTOR","status":"failed","summary":"x","marker_verified":"yes"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWorkerResult(content, "run-1", "EXECUTOR")
			assert.Equal(t, CodeWorkerInvalidOutput, workerErrCode(t, err))
		})
	}
}

func TestParseWorkerResultReviewerOutcome(t *testing.T) {
	base := `{"run_id":"run-1","role":"REVIEWER","status":"succeeded","summary":"ok","outcome":%q}`

	_, err := ParseWorkerResult(`{"run_id":"run-1","role":"REVIEWER","status":"succeeded","summary":"ok"}`, "run-1", "REVIEWER")
	assert.Equal(t, CodeWorkerInvalidOutput, workerErrCode(t, err))

	for _, outcome := range []string{"pass", "FAIL", " incomplete "} {
		result, err := ParseWorkerResult(fmt.Sprintf(base, outcome), "run-1", "REVIEWER")
		require.NoError(t, err, "outcome %q", outcome)
		assert.Contains(t, []string{"PASS", "FAIL", "INCOMPLETE"}, result.Outcome)
	}
}

func TestParseWorkerResultNormalizesLooseFields(t *testing.T) {
	content := `{"run_id":"run-1","role":"EXECUTOR","status":"failed","summary":"x",` +
		`"urls":"nope","errors":["plain string",{"code":"e1"}]}`
	result, err := ParseWorkerResult(content, "run-1", "EXECUTOR")
	require.NoError(t, err)
	assert.Empty(t, result.URLs)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "plain string", result.Errors[0]["error"])
	assert.Equal(t, "e1", result.Errors[1]["code"])
}

func TestExtractTextPrefersStructuredContent(t *testing.T) {
	toolResult := map[string]any{
		"structuredContent": map[string]any{"content": "structured text"},
		"content":           []any{map[string]any{"type": "text", "text": "block text"}},
	}
	text, err := ExtractText(toolResult)
	require.NoError(t, err)
	assert.Equal(t, "structured text", text)
}

func TestExtractTextFallbacks(t *testing.T) {
	text, err := ExtractText(map[string]any{"content": "plain string"})
	require.NoError(t, err)
	assert.Equal(t, "plain string", text)

	text, err = ExtractText(map[string]any{"content": []any{
		map[string]any{"type": "text", "text": "first"},
		map[string]any{"type": "image", "data": "ignored"},
		map[string]any{"type": "text", "text": "second"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", text)

	_, err = ExtractText(map[string]any{"content": []any{}})
	assert.Equal(t, CodeWorkerInvalidOutput, workerErrCode(t, err))
}

func TestExtractThreadID(t *testing.T) {
	threadID, err := ExtractThreadID(map[string]any{
		"structuredContent": map[string]any{"threadId": " thread-42 "},
	})
	require.NoError(t, err)
	assert.Equal(t, "thread-42", threadID)

	_, err = ExtractThreadID(map[string]any{"structuredContent": map[string]any{}})
	assert.Equal(t, CodeWorkerInvalidOutput, workerErrCode(t, err))
}

func TestThinkingTextRendersStructuredResult(t *testing.T) {
	content := `{"summary":"Opened PR","status":"succeeded","outcome":"PASS",` +
		`"urls":{"pr":"https://example.com/1","issue":"https://example.com/2"},` +
		`"errors":[{"message":"minor warning"}]}`
	rendered := ThinkingText(content)
	assert.Contains(t, rendered, "Opened PR")
	assert.Contains(t, rendered, "Status: succeeded")
	assert.Contains(t, rendered, "Outcome: PASS")
	assert.Contains(t, rendered, "- issue: https://example.com/2")
	assert.Contains(t, rendered, "- minor warning")
}

func TestThinkingTextPassthrough(t *testing.T) {
	assert.Equal(t, "just prose", ThinkingText("just prose"))
	assert.Equal(t, "[1,2]", ThinkingText("[1,2]"))
	assert.Equal(t, "", ThinkingText("   "))
}
