package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDsAreMonotonicInt64(t *testing.T) {
	gen := NewRequestIDGenerator()

	var first int64 = gen.Next()
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), gen.Next())
	assert.Equal(t, int64(3), gen.Next())
}

func TestRequestIDsAreUniqueUnderConcurrency(t *testing.T) {
	gen := NewRequestIDGenerator()
	const workers = 8
	const perWorker = 100

	results := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				results <- gen.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	var max int64
	for id := range results {
		assert.False(t, seen[id], "duplicate request id %d", id)
		seen[id] = true
		if id > max {
			max = id
		}
	}
	assert.Equal(t, int64(workers*perWorker), max)
}

func TestNewRequestMarshalsIntegerID(t *testing.T) {
	gen := NewRequestIDGenerator()
	req := NewRequest(gen.Next(), "tools/call", map[string]any{"name": "codex"})

	data, err := Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":1`)
	assert.Contains(t, string(data), `"jsonrpc":"2.0"`)
	assert.Contains(t, string(data), `"method":"tools/call"`)
}

func TestNewNotificationHasNoID(t *testing.T) {
	notif := NewNotification("notifications/initialized", nil)
	assert.Equal(t, JSONRPCVersion, notif.JSONRPC)

	data, err := Marshal(notif)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.NotContains(t, obj, "id")
}

func TestUnmarshalResponse(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"jsonrpc":"2.0","id":7,"result":{"status":"ok"}}`))
	require.NoError(t, err)
	assert.Equal(t, float64(7), resp.ID)
	assert.False(t, resp.IsError())

	resp, err = UnmarshalResponse([]byte(`{"jsonrpc":"2.0","id":8,"error":{"code":-32602,"message":"bad params"}}`))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestUnmarshalResponseRejectsInvalidJSON(t *testing.T) {
	_, err := UnmarshalResponse([]byte("not valid json"))
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ParseError, rpcErr.Code)
}

func TestUnmarshalResponseRejectsWrongVersion(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"jsonrpc":"1.0","id":1,"result":"x"}`))
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, InvalidRequest, rpcErr.Code)
}

func TestRPCErrorFormatting(t *testing.T) {
	plain := &RPCError{Code: ParseError, Message: "parse failed"}
	assert.Equal(t, "JSON-RPC error -32700: parse failed", plain.Error())

	detailed := &RPCError{Code: InvalidRequest, Message: "invalid request", Data: "missing method"}
	assert.Equal(t, "JSON-RPC error -32600: invalid request (data: missing method)", detailed.Error())
	assert.True(t, errors.As(error(detailed), new(*RPCError)))
}
