package codex

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// requiredMCPServers are the codex-side MCP servers worker runbooks rely on
// for PR/issue/project operations.
var requiredMCPServers = []string{"github", "github_projects"}

// AssertGitHubMCPAvailable fails closed when the codex CLI is not configured
// with the GitHub MCP servers enabled. Runs `codex mcp list` with a short
// timeout and scans its output.
func AssertGitHubMCPAvailable(ctx context.Context, codexBin string) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, codexBin, "mcp", "list")
	outputBytes, err := cmd.CombinedOutput()
	output := string(outputBytes)
	if checkCtx.Err() != nil {
		return newWorkerError(CodeMCPCheckFailed, "failed to check codex mcp configuration",
			map[string]any{"error": checkCtx.Err().Error()})
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return newWorkerError(CodeMCPCheckFailed, "failed to check codex mcp configuration",
				map[string]any{"error": err.Error()})
		}
		return newWorkerError(CodeMCPCheckFailed, "codex mcp list failed", map[string]any{
			"exit_code": cmd.ProcessState.ExitCode(),
			"output":    clipText(output, 2000),
		})
	}

	var missing []string
	for _, name := range requiredMCPServers {
		if !mcpServerEnabled(output, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return newWorkerError(CodeMCPServersMissing, "required codex mcp servers are not enabled", map[string]any{
			"missing": missing,
			"hint":    "Run `codex mcp login github` and ensure GITHUB_PAT is set.",
		})
	}
	return nil
}

func mcpServerEnabled(output, name string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), name) {
			return strings.Contains(line, "enabled")
		}
	}
	return false
}
