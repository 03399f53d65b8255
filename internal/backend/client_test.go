package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprintd/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 5*time.Second, logging.Nop())
}

func TestGetJSONSendsQueryParams(t *testing.T) {
	var gotPath, gotRole string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRole = r.URL.Query().Get("role")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"PASS"}`)
	})

	payload, err := client.Preflight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/internal/preflight", gotPath)
	assert.Equal(t, "ORCHESTRATOR", gotRole)
	assert.Equal(t, "PASS", payload["status"])
}

func TestPostJSONSendsCompactBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		io.WriteString(w, `{"ok":true}`)
	})

	_, err := client.PostFieldUpdate(context.Background(), map[string]any{"field": "Status"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"field":"Status"}`, string(gotBody))
}

func TestHTTPStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":"conflict"}`)
	})

	_, err := client.GetJSON(context.Background(), "/internal/x", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "backend_http_error", httpErr.Code)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
}

func TestNonObjectPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[1,2,3]`)
	})

	_, err := client.GetJSON(context.Background(), "/internal/x", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "backend_invalid_payload", httpErr.Code)
}

func TestNonJSONBodyWrappedAsRaw(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "boom")
	})

	_, err := client.GetJSON(context.Background(), "/internal/x", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "backend_http_error", httpErr.Code)
	payload, ok := httpErr.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", payload["raw"])
}

func TestUnreachableBackend(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 500*time.Millisecond, logging.Nop())

	_, err := client.GetJSON(context.Background(), "/internal/x", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "backend_unreachable", httpErr.Code)
	assert.Equal(t, 0, httpErr.StatusCode)
}
