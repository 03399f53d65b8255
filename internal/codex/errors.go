// Package codex drives one agent invocation end to end: spawn the codex MCP
// server, hand it the intent, enforce the output contract (with exactly one
// strict re-ask), and tear the session down.
package codex

import "fmt"

// Worker error codes. The failure classifier treats a known subset as
// item-level stops; everything else is a hard stop.
const (
	CodeMCPTimeout          = "mcp_timeout"
	CodeMCPErrorResponse    = "mcp_error_response"
	CodeMCPInvalidResult    = "mcp_invalid_result"
	CodeMCPInvalidJSON      = "mcp_invalid_json"
	CodeMCPInvalidTools     = "mcp_invalid_tools"
	CodeMCPStdioUnavailable = "mcp_stdio_unavailable"
	CodeMCPProtocolMismatch = "mcp_protocol_mismatch"
	CodeMCPMissingCodexTool = "mcp_missing_codex_tool"
	CodeWorkerInvalidOutput = "worker_invalid_output"
	CodeWorkerIdentity      = "worker_identity_mismatch"
	CodeWorkerInvalidIntent = "worker_invalid_intent"
	CodeBundleInvalid       = "bundle_invalid"
	CodeInvalidPrompt       = "codex_invalid_prompt"
	CodeMCPCheckFailed      = "codex_mcp_check_failed"
	CodeMCPServersMissing   = "codex_mcp_servers_missing"
)

// WorkerError is a typed agent-side failure.
type WorkerError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *WorkerError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func newWorkerError(code, message string, details map[string]any) *WorkerError {
	return &WorkerError{Code: code, Message: message, Details: details}
}
