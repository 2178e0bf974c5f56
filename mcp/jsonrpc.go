// Package mcp provides the shared protocol model for the MCP implementation:
// JSON-RPC 2.0 envelopes, the MCP domain objects exchanged over them, and
// protocol version negotiation. The types here carry no behavior beyond
// construction, validation, and serialization.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the fixed version string every envelope must carry.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Implementation-defined error codes (-32000 to -32099 server range).
const (
	ErrCodeUnauthorized         = -32000
	ErrCodeServerNotInitialized = -32001
	ErrCodeResourceNotFound     = -32002
)

// Request represents a JSON-RPC 2.0 request or notification envelope.
// An absent ID marks the envelope as a notification: no response is ever
// produced for it, regardless of method or outcome.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response envelope. Exactly one of
// Result or Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so an RPCError can travel as a
// plain Go error through handler boundaries.
func (e *RPCError) Error() string {
	return e.Message
}

// NewRequest creates a request envelope. Pass a nil id for a notification.
func NewRequest(method string, params json.RawMessage, id interface{}) *Request {
	return &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// IsNotification reports whether the envelope carries no id and therefore
// must never be answered.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Validate checks the structural envelope rules: the fixed protocol version
// tag and a non-empty method name. Structural violations are reported as
// InvalidRequest errors.
func (r *Request) Validate() *RPCError {
	if r.JSONRPC != JSONRPCVersion {
		return &RPCError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC version"}
	}
	if r.Method == "" {
		return &RPCError{Code: ErrCodeInvalidRequest, Message: "method cannot be empty"}
	}
	return nil
}

// NewSuccessResponse creates a response envelope carrying a result.
func NewSuccessResponse(id interface{}, result interface{}) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates a response envelope carrying an error object.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		Error:   &RPCError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// Marshal serializes the response to JSON bytes.
func (r *Response) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// IsBatch reports whether the raw payload is a JSON array (a batch) rather
// than a single envelope object.
func IsBatch(message []byte) bool {
	trimmed := bytes.TrimSpace(message)
	return len(trimmed) > 0 && trimmed[0] == '['
}
