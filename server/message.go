package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/renaiss-ai/httpmcp/events"
	"github.com/renaiss-ai/httpmcp/mcp"
)

// handleMessage is the transport-facing entry point. Transports that do not
// track sessions themselves (stdio, websocket, message brokers) route all
// traffic through the default session.
func (s *serverImpl) handleMessage(message []byte) ([]byte, error) {
	return HandleMessageForSession(s, s.defaultSession, message, nil)
}

// HandleMessageForSession processes an incoming JSON-RPC message within the
// given session. It handles both single messages and batches, and returns
// the serialized response, or nil when the message produces no answer
// (notifications, or a batch of only notifications). The meta map carries
// transport metadata such as HTTP headers.
func HandleMessageForSession(s *serverImpl, session *ClientSession, message []byte, meta map[string]string) ([]byte, error) {
	if mcp.IsBatch(message) {
		return handleBatchMessage(s, session, message, meta)
	}
	return handleSingleMessage(s, session, message, meta)
}

// handleBatchMessage processes a JSON-RPC batch. Entries run sequentially;
// responses keep the order of their id-bearing requests. An empty batch is
// a single Invalid Request error, per JSON-RPC 2.0.
func handleBatchMessage(s *serverImpl, session *ClientSession, message []byte, meta map[string]string) ([]byte, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(message, &batch); err != nil {
		s.logger.Error("failed to parse batch message", "error", err)
		return createErrorResponse(nil, mcp.ErrCodeParseError, "Parse error", "Invalid batch format"), nil
	}

	if len(batch) == 0 {
		return createErrorResponse(nil, mcp.ErrCodeInvalidRequest, "Invalid Request", "Batch cannot be empty"), nil
	}

	var responses []json.RawMessage
	for _, rawMessage := range batch {
		response, _ := handleSingleMessage(s, session, rawMessage, meta)
		if response != nil {
			responses = append(responses, response)
		}
	}

	// A batch of only notifications gets no reply at all.
	if len(responses) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, response := range responses {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(response)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// handleSingleMessage processes one JSON-RPC message and returns its
// serialized response, or nil for notifications.
func handleSingleMessage(s *serverImpl, session *ClientSession, message []byte, meta map[string]string) ([]byte, error) {
	ctx, err := NewContext(context.Background(), message, s)
	if err != nil {
		s.logger.Error("failed to parse request", "error", err)
		return createErrorResponse(nil, mcp.ErrCodeParseError, "Parse error", err.Error()), nil
	}
	ctx.Session = session
	for k, v := range meta {
		ctx.SetHeader(k, v)
	}

	isNotification := ctx.Request.IsNotification()

	if rpcErr := ctx.Request.Validate(); rpcErr != nil {
		if isNotification {
			return nil, nil
		}
		return createErrorResponse(ctx.Request.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), nil
	}

	method := ctx.Request.Method

	// Notifications are handled before the lifecycle gate and never answered.
	if strings.HasPrefix(method, "notifications/") {
		s.handleNotification(ctx)
		return nil, nil
	}

	// Lifecycle gate: before initialize only initialize and ping are legal,
	// and nothing is legal on a closed session.
	if session != nil && !session.CanCall(method) {
		if isNotification {
			return nil, nil
		}
		if session.Phase() == PhaseClosed {
			return createErrorResponse(ctx.Request.ID, mcp.ErrCodeInvalidRequest, "Invalid Request", "session closed"), nil
		}
		return createErrorResponse(ctx.Request.ID, mcp.ErrCodeServerNotInitialized, "Server not initialized", method), nil
	}

	var result interface{}

	switch method {
	// Lifecycle methods
	case "initialize":
		result, err = s.ProcessInitialize(ctx)
	case "ping":
		result, err = s.ProcessPing(ctx)

	// Tool methods
	case "tools/list":
		result, err = s.ProcessToolList(ctx)
	case "tools/call":
		result, err = s.ProcessToolCall(ctx)

	// Resource methods
	case "resources/list":
		result, err = s.ProcessResourceList(ctx)
	case "resources/read":
		result, err = s.ProcessResourceRead(ctx)
	case "resources/templates/list":
		result, err = s.ProcessResourceTemplatesList(ctx)

	// Prompt methods
	case "prompts/list":
		result, err = s.ProcessPromptList(ctx)
	case "prompts/get":
		result, err = s.ProcessPromptGet(ctx)

	// Utility methods
	case "logging/setLevel":
		result, err = s.ProcessLoggingSetLevel(ctx)

	default:
		if isNotification {
			return nil, nil
		}
		return createErrorResponse(ctx.Request.ID, mcp.ErrCodeMethodNotFound, "Method not found",
			map[string]interface{}{"method": method}), nil
	}

	if err != nil {
		go func() {
			rpcErr := errorToRPC(err)
			events.Publish[events.RequestFailedEvent](s.events, events.TopicRequestFailed, events.RequestFailedEvent{
				Method: method,
				Code:   rpcErr.Code,
				Error:  err.Error(),
			})
		}()

		// Notifications never get a reply, not even an error.
		if isNotification {
			s.logger.Error("notification handler failed", "method", method, "error", err)
			return nil, nil
		}

		rpcErr := errorToRPC(err)
		return createErrorResponse(ctx.Request.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), nil
	}

	if isNotification {
		return nil, nil
	}

	response := mcp.NewSuccessResponse(ctx.Request.ID, result)
	responseBytes, err := response.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return createErrorResponse(ctx.Request.ID, mcp.ErrCodeInternalError, "Internal error", "Failed to marshal response"), nil
	}

	return responseBytes, nil
}

// handleNotification routes client notifications. Unknown notification
// methods are dropped silently.
func (s *serverImpl) handleNotification(ctx *Context) {
	switch ctx.Request.Method {
	case "notifications/initialized":
		s.handleInitializedNotification()
	case "notifications/cancelled",
		"notifications/progress",
		"notifications/roots/list_changed":
		s.logger.Debug("notification received", "method", ctx.Request.Method)
	default:
		s.logger.Debug("unknown notification ignored", "method", ctx.Request.Method)
	}
}
