package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sprintd/internal/intent"
	"sprintd/internal/logging"
	"sprintd/internal/mcp"
)

const (
	initializeTimeout = 30 * time.Second
	listToolsTimeout  = 30 * time.Second

	defaultToolsCallTimeout = 30 * time.Minute
	defaultReplyTimeout     = 3 * time.Minute
)

// Config describes how to spawn and drive one codex MCP session.
type Config struct {
	CodexBin         string
	CodexMCPArgs     []string
	BackendBaseURL   string
	ToolsCallTimeout time.Duration
	ReplyTimeout     time.Duration
	Logger           logging.Logger
}

// Driver executes agent runs over the codex MCP server. Each invocation
// spawns a fresh session and tears it down before returning.
type Driver struct {
	cfg Config
}

// NewDriver creates a driver from config, applying timeout defaults.
func NewDriver(cfg Config) *Driver {
	if cfg.ToolsCallTimeout <= 0 {
		cfg.ToolsCallTimeout = defaultToolsCallTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return &Driver{cfg: cfg}
}

// session bundles the per-invocation plumbing: the MCP client, the
// transcript writer, and the stderr observer feeding it.
type session struct {
	client *mcp.Client
	writer *TranscriptWriter
}

func (d *Driver) openSession(ctx context.Context, sink EventSink) (*session, error) {
	writer := NewTranscriptWriter(sink)
	observer := NewStderrObserver(writer)

	process := mcp.NewProcessManager(mcp.ProcessConfig{
		Command:    d.cfg.CodexBin,
		Args:       d.cfg.CodexMCPArgs,
		StderrLine: observer.Observe,
	})
	client := mcp.NewClient("codex", process)

	writer.SystemObservation("Initializing Codex MCP session.")
	if err := client.Start(ctx, initializeTimeout); err != nil {
		wrapped := wrapMCPError("initialize", err)
		d.recordFailure(writer, wrapped)
		return nil, wrapped
	}

	tools, err := client.ListTools(ctx, listToolsTimeout)
	if err != nil {
		_ = client.Shutdown(ctx)
		wrapped := wrapMCPError("tools/list", err)
		d.recordFailure(writer, wrapped)
		return nil, wrapped
	}
	found := false
	for _, tool := range tools {
		if tool.Name == "codex" {
			found = true
			break
		}
	}
	if !found {
		_ = client.Shutdown(ctx)
		missing := newWorkerError(CodeMCPMissingCodexTool, "codex tool not available on mcp server", nil)
		d.recordFailure(writer, missing)
		return nil, missing
	}

	return &session{client: client, writer: writer}, nil
}

func (s *session) close(ctx context.Context) {
	_ = s.client.Shutdown(ctx)
}

// RunIntent executes one validated intent end to end and returns the agent's
// structured verdict. The output contract allows exactly one strict re-ask
// before the run fails as worker_invalid_output.
func (d *Driver) RunIntent(ctx context.Context, in *intent.RunIntent, bundle *Bundle, sink EventSink) (result *WorkerResult, err error) {
	sandbox, err := sandboxForRole(in.Role)
	if err != nil {
		return nil, err
	}
	backendBaseURL := strings.TrimSpace(d.cfg.BackendBaseURL)
	if backendBaseURL == "" {
		return nil, newWorkerError(CodeWorkerInvalidIntent, "backend base url is required", nil)
	}

	prompt, err := BuildWorkerPrompt(in.Payload(), in.Role, in.RunID, backendBaseURL)
	if err != nil {
		return nil, err
	}

	sess, err := d.openSession(ctx, sink)
	if err != nil {
		return nil, err
	}
	defer sess.close(ctx)
	defer func() {
		if err != nil {
			d.recordFailure(sess.writer, err)
		}
	}()

	sess.writer.MessageToAgent(prompt)
	sess.writer.SystemObservation("Dispatching task to agent.")

	toolResult, err := sess.client.CallToolRaw(ctx, "codex", map[string]any{
		"prompt":             prompt,
		"base-instructions":  bundle.BaseInstructions(),
		"developer-instructions": developerInstructions,
		"cwd":                ".",
		"sandbox":            sandbox,
		"approval-policy":    "never",
	}, d.cfg.ToolsCallTimeout)
	if err != nil {
		return nil, wrapMCPError("tools/call", err)
	}
	sess.writer.ToolExecuted("codex")
	sess.writer.SystemObservation("Agent response received.")

	threadID, err := ExtractThreadID(toolResult)
	if err != nil {
		return nil, err
	}
	text, err := ExtractText(toolResult)
	if err != nil {
		return nil, err
	}
	sess.writer.AgentThinking(ThinkingText(text))

	result, parseErr := ParseWorkerResult(text, in.RunID, in.Role)
	if parseErr == nil {
		return result, nil
	}

	// One strict re-ask to remove ambiguity about output shape.
	sess.writer.SystemObservation("Initial agent response was not valid JSON; requesting strict JSON replay.")
	replayResult, err := sess.client.CallToolRaw(ctx, "codex-reply", map[string]any{
		"threadId": threadID,
		"prompt":   strictReplayPrompt,
	}, d.cfg.ReplyTimeout)
	if err != nil {
		return nil, wrapMCPError("tools/call", err)
	}
	sess.writer.ToolExecuted("codex-reply")
	sess.writer.SystemObservation("Received strict JSON replay from agent.")

	replayText, err := ExtractText(replayResult)
	if err != nil {
		return nil, err
	}
	sess.writer.AgentThinking(ThinkingText(replayText))
	return ParseWorkerResult(replayText, in.RunID, in.Role)
}

// GenerateJSON asks the agent for a single JSON object, outside the run
// contract. The kickoff planner drafts go through here with a read-only
// sandbox.
func (d *Driver) GenerateJSON(ctx context.Context, bundle *Bundle, prompt, developerNotes, sandbox string, sink EventSink) (obj map[string]any, err error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, newWorkerError(CodeInvalidPrompt, "prompt is required", nil)
	}
	if strings.TrimSpace(developerNotes) == "" {
		return nil, newWorkerError(CodeInvalidPrompt, "developer instructions are required", nil)
	}
	if strings.TrimSpace(sandbox) == "" {
		sandbox = "read-only"
	}

	sess, err := d.openSession(ctx, sink)
	if err != nil {
		return nil, err
	}
	defer sess.close(ctx)
	defer func() {
		if err != nil {
			d.recordFailure(sess.writer, err)
		}
	}()

	sess.writer.MessageToAgent(prompt)
	sess.writer.SystemObservation("Dispatching task to agent.")

	toolResult, err := sess.client.CallToolRaw(ctx, "codex", map[string]any{
		"prompt":             prompt,
		"base-instructions":  bundle.BaseInstructions(),
		"developer-instructions": developerNotes,
		"cwd":                ".",
		"sandbox":            sandbox,
		"approval-policy":    "never",
	}, d.cfg.ToolsCallTimeout)
	if err != nil {
		return nil, wrapMCPError("tools/call", err)
	}
	sess.writer.ToolExecuted("codex")
	sess.writer.SystemObservation("Agent response received.")

	threadID, err := ExtractThreadID(toolResult)
	if err != nil {
		return nil, err
	}
	text, err := ExtractText(toolResult)
	if err != nil {
		return nil, err
	}
	sess.writer.AgentThinking(ThinkingText(text))

	if obj, ok := decodeJSONObject(text); ok {
		return obj, nil
	}

	sess.writer.SystemObservation("Initial agent response was not valid JSON; requesting strict JSON replay.")
	replayResult, err := sess.client.CallToolRaw(ctx, "codex-reply", map[string]any{
		"threadId": threadID,
		"prompt":   strictReplayPromptKickoff,
	}, d.cfg.ReplyTimeout)
	if err != nil {
		return nil, wrapMCPError("tools/call", err)
	}
	sess.writer.ToolExecuted("codex-reply")
	sess.writer.SystemObservation("Received strict JSON replay from agent.")

	replayText, err := ExtractText(replayResult)
	if err != nil {
		return nil, err
	}
	sess.writer.AgentThinking(ThinkingText(replayText))

	if obj, ok := decodeJSONObject(replayText); ok {
		return obj, nil
	}
	return nil, newWorkerError(CodeWorkerInvalidOutput, "codex output was not valid JSON",
		map[string]any{"content": clipText(replayText, 2000)})
}

func decodeJSONObject(text string) (map[string]any, bool) {
	raw := stripResultWrapping(text)
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	obj, ok := parsed.(map[string]any)
	return obj, ok
}

func (d *Driver) recordFailure(writer *TranscriptWriter, err error) {
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		writer.SystemObservation(fmt.Sprintf("Worker failure (%s): %s", workerErr.Code, clipText(err.Error(), 700)))
		return
	}
	writer.SystemObservation("Worker failure: " + clipText(err.Error(), 700))
}

// wrapMCPError classifies transport failures into worker error codes.
func wrapMCPError(method string, err error) error {
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		return err
	}

	details := map[string]any{"method": method, "error": err.Error()}
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		return newWorkerError(CodeMCPTimeout, "mcp call timed out", details)
	case errors.Is(err, mcp.ErrInvalidJSON):
		return newWorkerError(CodeMCPInvalidJSON, "mcp server emitted non-json output", details)
	case errors.Is(err, mcp.ErrStdioUnavailable):
		return newWorkerError(CodeMCPStdioUnavailable, "mcp server stdio is not available", details)
	}

	var mismatch *mcp.ProtocolMismatchError
	if errors.As(err, &mismatch) {
		return newWorkerError(CodeMCPProtocolMismatch, "mcp protocol version mismatch",
			map[string]any{"expected": mismatch.Client, "actual": mismatch.Server})
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return newWorkerError(CodeMCPErrorResponse, "mcp server returned error",
			map[string]any{"method": method, "error": rpcErr.Error()})
	}
	return newWorkerError(CodeMCPInvalidResult, "mcp server returned invalid result", details)
}
