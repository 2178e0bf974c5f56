package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaiss-ai/httpmcp/mcp"
)

// testResponse mirrors the JSON-RPC response envelope for assertions.
type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *mcp.RPCError   `json:"error"`
	ID      interface{}     `json:"id"`
}

func newTestServer(t *testing.T, options ...Option) *serverImpl {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	options = append([]Option{WithLogger(logger)}, options...)
	return NewServer("test-server", options...).GetServer()
}

func dispatch(t *testing.T, s *serverImpl, message string) []byte {
	t.Helper()
	response, err := s.handleMessage([]byte(message))
	require.NoError(t, err)
	return response
}

func parseResponse(t *testing.T, raw []byte) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func initializeDefaultSession(t *testing.T, s *serverImpl) {
	t.Helper()
	raw := dispatch(t, s, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test-client","version":"0.1.0"}}}`)
	resp := parseResponse(t, raw)
	require.Nil(t, resp.Error)
	dispatch(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func TestHandleMessageParseError(t *testing.T) {
	s := newTestServer(t)

	raw := dispatch(t, s, `{"jsonrpc":"2.0",`)
	resp := parseResponse(t, raw)

	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeParseError, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

func TestHandleMessageMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	initializeDefaultSession(t, s)

	raw := dispatch(t, s, `{"jsonrpc":"2.0","id":7,"method":"does/not/exist"}`)
	resp := parseResponse(t, raw)

	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeMethodNotFound, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "does/not/exist", data["method"])
}

func TestHandleMessageNotificationsNeverAnswered(t *testing.T) {
	s := newTestServer(t)
	initializeDefaultSession(t, s)

	tests := []struct {
		name    string
		message string
	}{
		{"initialized", `{"jsonrpc":"2.0","method":"notifications/initialized"}`},
		{"cancelled", `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`},
		{"unknown notification", `{"jsonrpc":"2.0","method":"notifications/whatever"}`},
		{"unknown method as notification", `{"jsonrpc":"2.0","method":"no/such/method"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := dispatch(t, s, tt.message)
			assert.Nil(t, response)
		})
	}
}

func TestHandleMessageLifecycleGate(t *testing.T) {
	s := newTestServer(t)

	// Before initialize, feature methods are rejected.
	raw := dispatch(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := parseResponse(t, raw)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeServerNotInitialized, resp.Error.Code)

	// Ping is legal in every phase.
	raw = dispatch(t, s, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp = parseResponse(t, raw)
	assert.Nil(t, resp.Error)

	initializeDefaultSession(t, s)

	raw = dispatch(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	resp = parseResponse(t, raw)
	assert.Nil(t, resp.Error)
}

func TestHandleMessageClosedSession(t *testing.T) {
	s := newTestServer(t)
	initializeDefaultSession(t, s)
	s.defaultSession.Close()

	raw := dispatch(t, s, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp := parseResponse(t, raw)

	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "session closed", resp.Error.Data)
}

func TestInitializeIdempotent(t *testing.T) {
	s := newTestServer(t)

	first := parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"a","version":"1"}}}`))
	require.Nil(t, first.Error)

	// A repeated initialize returns the cached result, even with different
	// params.
	second := parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"b","version":"2"}}}`))
	require.Nil(t, second.Error)
	assert.JSONEq(t, string(first.Result), string(second.Result))
}

func TestInitializeMissingProtocolVersion(t *testing.T) {
	s := newTestServer(t)

	resp := parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"a","version":"1"}}}`))

	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
}

func TestInitializeReportsCapabilities(t *testing.T) {
	s := newTestServer(t)
	s.Tool("echo", "echoes", func(ctx *Context, args interface{}) (interface{}, error) {
		return "ok", nil
	})

	resp := parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`))
	require.Nil(t, resp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
	assert.True(t, result.Capabilities.Tools.ListChanged)
	assert.Nil(t, result.Capabilities.Resources)
	assert.Nil(t, result.Capabilities.Prompts)
}

func TestHandleBatchMessage(t *testing.T) {
	s := newTestServer(t)
	initializeDefaultSession(t, s)

	t.Run("empty batch is a single error", func(t *testing.T) {
		resp := parseResponse(t, dispatch(t, s, `[]`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrCodeInvalidRequest, resp.Error.Code)
	})

	t.Run("notifications are skipped in responses", func(t *testing.T) {
		raw := dispatch(t, s, `[
			{"jsonrpc":"2.0","id":1,"method":"ping"},
			{"jsonrpc":"2.0","method":"notifications/progress"},
			{"jsonrpc":"2.0","id":2,"method":"ping"}
		]`)

		var responses []testResponse
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 2)
		assert.Equal(t, float64(1), responses[0].ID)
		assert.Equal(t, float64(2), responses[1].ID)
	})

	t.Run("id-less request is a notification regardless of method", func(t *testing.T) {
		raw := dispatch(t, s, `[
			{"jsonrpc":"2.0","id":1,"method":"ping"},
			{"jsonrpc":"2.0","method":"ping"}
		]`)

		var responses []testResponse
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 1)
		assert.Equal(t, float64(1), responses[0].ID)
	})

	t.Run("all notifications produce no reply", func(t *testing.T) {
		raw := dispatch(t, s, `[
			{"jsonrpc":"2.0","method":"notifications/progress"},
			{"jsonrpc":"2.0","method":"notifications/cancelled"}
		]`)
		assert.Nil(t, raw)
	})

	t.Run("errors and successes are mixed in order", func(t *testing.T) {
		raw := dispatch(t, s, `[
			{"jsonrpc":"2.0","id":1,"method":"nope"},
			{"jsonrpc":"2.0","id":2,"method":"ping"}
		]`)

		var responses []testResponse
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 2)
		require.NotNil(t, responses[0].Error)
		assert.Equal(t, mcp.ErrCodeMethodNotFound, responses[0].Error.Code)
		assert.Nil(t, responses[1].Error)
	})
}

func TestLoggingSetLevel(t *testing.T) {
	s := newTestServer(t)
	initializeDefaultSession(t, s)

	resp := parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"debug"}}`))
	require.Nil(t, resp.Error)
	assert.Equal(t, slog.LevelDebug, s.logLevel.Level())

	resp = parseResponse(t, dispatch(t, s,
		`{"jsonrpc":"2.0","id":2,"method":"logging/setLevel","params":{"level":"verbose"}}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleSessionMessage(t *testing.T) {
	s := newTestServer(t)

	// An empty session id creates a new session.
	response, sessionID, err := s.HandleSessionMessage("", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), nil)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	resp := parseResponse(t, response)
	assert.Nil(t, resp.Error)

	// The returned id addresses the same session afterwards.
	_, again, err := s.HandleSessionMessage(sessionID, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, sessionID, again)

	// Unknown ids are rejected.
	_, _, err = s.HandleSessionMessage("no-such-session", []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSession)
}
