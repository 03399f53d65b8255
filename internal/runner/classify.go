// Package runner is the supervisor core: it drives the planner child, pulls
// validated intents into role worker pools, executes agent runs through the
// codex driver, and reconciles board state between polls.
package runner

import (
	"errors"
	"strings"

	"sprintd/internal/backend"
	"sprintd/internal/codex"
	"sprintd/internal/intent"
)

// Failure classifications. TRANSIENT asks for a retry later, ITEM_STOP
// abandons one item and keeps the sprint going, HARD_STOP tears the
// supervisor down.
const (
	ClassificationHardStop  = "HARD_STOP"
	ClassificationItemStop  = "ITEM_STOP"
	ClassificationTransient = "TRANSIENT"
)

// itemStopWorkerCodes are the agent-side failures that stay contained to the
// item being worked on.
var itemStopWorkerCodes = map[string]bool{
	codex.CodeMCPTimeout:          true,
	codex.CodeMCPErrorResponse:    true,
	codex.CodeMCPInvalidResult:    true,
	codex.CodeMCPInvalidJSON:      true,
	codex.CodeWorkerInvalidOutput: true,
	codex.CodeWorkerIdentity:      true,
	codex.CodeMCPStdioUnavailable: true,
}

// retryableErrorCodes qualify a Blocked item for automatic retry after the
// cooldown window, independent of classification.
var retryableErrorCodes = map[string]bool{
	codex.CodeMCPTimeout:          true,
	"backend_unreachable":         true,
	codex.CodeMCPStdioUnavailable: true,
	codex.CodeMCPErrorResponse:    true,
}

// ClassifyFailure maps an error to its failure classification. Unknown errors
// fail closed as hard stops.
func ClassifyFailure(err error) string {
	var intentErr *intent.Error
	if errors.As(err, &intentErr) {
		return ClassificationHardStop
	}

	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == "backend_unreachable":
			return ClassificationTransient
		case httpErr.StatusCode == 409:
			return ClassificationItemStop
		case httpErr.StatusCode >= 500:
			return ClassificationTransient
		}
		// Backend 4xx is fail-closed; the payload carries the policy verdict.
		return ClassificationHardStop
	}

	var workerErr *codex.WorkerError
	if errors.As(err, &workerErr) {
		if itemStopWorkerCodes[workerErr.Code] {
			return ClassificationItemStop
		}
		return ClassificationHardStop
	}
	return ClassificationHardStop
}

// ExitCodeForClassification maps a classification to the process exit code.
func ExitCodeForClassification(classification string) int {
	switch classification {
	case ClassificationTransient:
		return 4
	case ClassificationHardStop:
		return 2
	case ClassificationItemStop:
		return 0
	}
	return 2
}

// IsRetryableFailure reports whether a recorded failure qualifies for the
// blocked-item automatic retry path.
func IsRetryableFailure(failureClassification, errorCode string) bool {
	if strings.ToUpper(strings.TrimSpace(failureClassification)) == ClassificationTransient {
		return true
	}
	return retryableErrorCodes[strings.TrimSpace(errorCode)]
}

// ErrorCodeOf extracts the machine code from a typed failure, or
// "unknown_error" for anything untyped.
func ErrorCodeOf(err error) string {
	var workerErr *codex.WorkerError
	if errors.As(err, &workerErr) {
		return workerErr.Code
	}
	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	var intentErr *intent.Error
	if errors.As(err, &intentErr) {
		return intentErr.Code
	}
	return "unknown_error"
}
