package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sprintd/internal/async"
	"sprintd/internal/logging"
)

// MCPProtocolVersion is the protocol constant announced during initialize.
// The server must echo it back; a mismatch is fatal.
const MCPProtocolVersion = "2024-11-05"

// ErrTimeout marks a request that exceeded its deadline.
var ErrTimeout = errors.New("mcp request timed out")

// ErrInvalidJSON marks a server stdout line that was not a JSON-RPC message.
// It fails every in-flight call; a server that emits garbage on stdout cannot
// be trusted to deliver the matching reply.
var ErrInvalidJSON = errors.New("mcp server emitted invalid json")

// ProtocolMismatchError reports a server that negotiated a different
// protocol version.
type ProtocolMismatchError struct {
	Client string
	Server string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("mcp protocol mismatch: client=%s server=%s", e.Client, e.Server)
}

type callResult struct {
	resp *Response
	err  error
}

// Client implements an MCP client over stdio transport.
type Client struct {
	serverName   string
	process      *ProcessManager
	idGen        *RequestIDGenerator
	pendingCalls map[int64]chan callResult
	mu           sync.RWMutex
	logger       logging.Logger
	initialized  bool
	serverInfo   *ServerInfo
}

// ClientInfo is sent during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is received during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ToolSchema describes one tool advertised by the server.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool result content.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// NewClient creates an MCP client bound to a process manager.
func NewClient(serverName string, process *ProcessManager) *Client {
	return &Client{
		serverName:   serverName,
		process:      process,
		idGen:        NewRequestIDGenerator(),
		pendingCalls: make(map[int64]chan callResult),
		logger:       logging.NewComponentLogger(fmt.Sprintf("MCPClient[%s]", serverName)),
	}
}

// Start spawns the server process, begins the read loop, and performs the
// initialize handshake within timeout.
func (c *Client) Start(ctx context.Context, timeout time.Duration) error {
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server process: %w", err)
	}

	async.Go(c.logger, "mcp.client.readLoop", func() {
		c.readLoop()
	})

	if err := c.initialize(ctx, timeout); err != nil {
		_ = c.process.Stop(5 * time.Second)
		return err
	}
	return nil
}

// Shutdown tears the session down: best-effort shutdown RPC, exit
// notification, then process stop with a short grace.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.process.IsRunning() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := c.call(shutdownCtx, "shutdown", nil, 5*time.Second); err != nil {
			c.logger.Debug("shutdown rpc failed: %v", err)
		}
		cancel()
		if err := c.Notify("exit", nil); err != nil {
			c.logger.Debug("exit notification failed: %v", err)
		}
	}
	return c.process.Stop(2 * time.Second)
}

func (c *Client) initialize(ctx context.Context, timeout time.Duration) error {
	params := map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"clientInfo": ClientInfo{
			Name:    "sprintd",
			Version: "0.1.0",
		},
	}

	result, err := c.call(ctx, "initialize", params, timeout)
	if err != nil {
		return fmt.Errorf("initialize call failed: %w", err)
	}

	var initResult InitializeResult
	if err := unmarshalResult(result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}
	if initResult.ProtocolVersion != MCPProtocolVersion {
		return &ProtocolMismatchError{Client: MCPProtocolVersion, Server: initResult.ProtocolVersion}
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	if err := c.Notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification: %v", err)
	}
	return nil
}

// ListTools retrieves the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context, timeout time.Duration) ([]ToolSchema, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}
	result, err := c.call(ctx, "tools/list", nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list call failed: %w", err)
	}
	var response struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := unmarshalResult(result, &response); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return response.Tools, nil
}

// CallTool executes a tool with a per-call timeout.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any, timeout time.Duration) (*ToolCallResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	result, err := c.call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}
	var toolResult ToolCallResult
	if err := unmarshalResult(result, &toolResult); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &toolResult, nil
}

// CallToolRaw executes a tool and returns the result object without imposing
// the ToolCallResult shape. Some servers return result fields (content as a
// bare string, structuredContent extensions) that the typed decode would
// reject.
func (c *Client) CallToolRaw(ctx context.Context, name string, arguments map[string]any, timeout time.Duration) (map[string]any, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	result, err := c.call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool result is not an object")
	}
	return obj, nil
}

// call sends one JSON-RPC request and waits for the matching response.
// Replies whose id does not match any in-flight request are dropped by the
// read loop, so notifications and stale replies never unblock a caller.
func (c *Client) call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (any, error) {
	id := c.idGen.Next()
	req := NewRequest(id, method, params)

	data, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan callResult, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.process.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-respChan:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.IsError() {
			return nil, result.resp.Error
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	}
}

// Notify sends a JSON-RPC notification (no response expected).
func (c *Client) Notify(method string, params map[string]any) error {
	notif := NewNotification(method, params)
	data, err := Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	data = append(data, '\n')
	return c.process.Write(data)
}

// readLoop routes server stdout lines to waiting callers by request id.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.process.GetStdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := UnmarshalResponse(line)
		if err != nil {
			c.failPending(fmt.Errorf("%w: %v", ErrInvalidJSON, err))
			continue
		}
		id, ok := normalizeID(resp.ID)
		if !ok {
			// Server-initiated notification or request; out of scope here.
			continue
		}

		c.mu.RLock()
		ch, found := c.pendingCalls[id]
		c.mu.RUnlock()
		if !found {
			c.logger.Debug("no pending call for response id=%v", resp.ID)
			continue
		}
		select {
		case ch <- callResult{resp: resp}:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("read loop error: %v", err)
	}
}

// failPending delivers err to every in-flight call.
func (c *Client) failPending(err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.pendingCalls {
		select {
		case ch <- callResult{err: err}:
		default:
		}
	}
}

// normalizeID converts a decoded JSON id into the int64 key space used for
// outbound requests.
func normalizeID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// IsInitialized reports whether the handshake completed.
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// GetServerInfo returns the connected server's identity.
func (c *Client) GetServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func unmarshalResult(result any, target any) error {
	data, err := Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
