// Package backend is the typed HTTP/JSON client for the policy backend that
// owns the project board. Every response must be a JSON object; every failure
// surfaces as an *HTTPError carrying a machine code the failure classifier
// understands.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sprintd/internal/logging"
)

// HTTPError is a typed backend failure.
//
// Codes: backend_unreachable (transport, StatusCode 0), backend_http_error
// (status >= 400), backend_invalid_payload (non-object JSON response).
type HTTPError struct {
	Code       string
	StatusCode int
	Message    string
	Payload    any
	Details    map[string]any
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Client is a thin JSON client bound to one backend base URL. GET supports
// query parameters; POST always sends compact JSON.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger
}

// NewClient builds a Client. timeout bounds every request end to end.
func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logging.OrNop(logger),
	}
}

// WithTimeout returns a copy of the client using a different request timeout.
// The transcript sink uses this to clamp its fire-and-forget posts.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{baseURL: c.baseURL, http: &http.Client{Timeout: timeout}, logger: c.logger}
}

// Timeout returns the per-request timeout the client was built with.
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// GetJSON performs a GET and returns the decoded object payload.
func (c *Client) GetJSON(ctx context.Context, path string, params map[string]string) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, path, params, nil)
}

// PostJSON performs a POST with a compact JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) request(ctx context.Context, method, path string, params map[string]string, body map[string]any) (map[string]any, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		query := url.Values{}
		for key, value := range params {
			query.Set(key, value)
		}
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(body); err != nil {
			return nil, &HTTPError{Code: "backend_invalid_payload", Message: "request body is not serializable"}
		}
		reader = bytes.NewReader(bytes.TrimRight(buf.Bytes(), "\n"))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &HTTPError{Code: "backend_unreachable", Message: "backend request failed", Details: map[string]any{"reason": err.Error()}}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		details := map[string]any{"reason": err.Error()}
		return nil, &HTTPError{Code: "backend_unreachable", Message: "backend request failed", Payload: details, Details: details}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		details := map[string]any{"reason": err.Error()}
		return nil, &HTTPError{Code: "backend_unreachable", Message: "backend request failed", Payload: details, Details: details}
	}

	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		payload = map[string]any{"raw": string(raw)}
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			Code:       "backend_http_error",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("backend returned HTTP %d", resp.StatusCode),
			Payload:    payload,
		}
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, &HTTPError{
			Code:       "backend_invalid_payload",
			StatusCode: resp.StatusCode,
			Message:    "backend JSON payload must be an object",
			Payload:    payload,
		}
	}
	return obj, nil
}

// Preflight checks the orchestrator gate. The supervisor may not run unless
// the response carries status=PASS.
func (c *Client) Preflight(ctx context.Context) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/preflight", map[string]string{"role": "ORCHESTRATOR"})
}

// GetAgentContext fetches the verbatim per-role instruction bundle.
func (c *Client) GetAgentContext(ctx context.Context, role string) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/agent-context", map[string]string{"role": role})
}

// GetProjectItemsMetadata fetches the authoritative board snapshot for a sprint.
func (c *Client) GetProjectItemsMetadata(ctx context.Context, sprint string) (map[string]any, error) {
	return c.GetJSON(ctx, "/internal/metadata/project-items", map[string]string{"role": "ORCHESTRATOR", "sprint": sprint})
}

// PostFieldUpdate mutates one project-item field through the write-through policy.
func (c *Client) PostFieldUpdate(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/project-item/update-field", body)
}

// PostPlanApply submits a kickoff plan draft.
func (c *Client) PostPlanApply(ctx context.Context, draft map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/plan-apply", draft)
}

// PostResolveLinkedPr resolves the PR linked to an issue under review.
func (c *Client) PostResolveLinkedPr(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/reviewer/resolve-linked-pr", body)
}

// PostTranscriptEvent streams one transcript chunk. Callers treat failures as
// best-effort and swallow them.
func (c *Client) PostTranscriptEvent(ctx context.Context, body map[string]any) (map[string]any, error) {
	return c.PostJSON(ctx, "/internal/logs/events", body)
}
