package server

import (
	"errors"
	"fmt"

	"github.com/renaiss-ai/httpmcp/mcp"
)

// Registration errors returned when a capability cannot be added to the
// server's registry.
var (
	// ErrDuplicateCapability is returned when a tool, resource, or prompt
	// is registered under a name or URI that is already taken.
	ErrDuplicateCapability = errors.New("capability already registered")

	// ErrIncompleteResource is returned when a resource is registered
	// without both its list and read handlers.
	ErrIncompleteResource = errors.New("resource requires both list and read handlers")

	// ErrEmptyName is returned when a capability is registered with an
	// empty name or URI.
	ErrEmptyName = errors.New("capability name cannot be empty")
)

// ToolNotFoundError indicates a tools/call referenced an unregistered tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// ResourceNotFoundError indicates a resources/read URI matched neither an
// exact registration nor any template.
type ResourceNotFoundError struct {
	URI string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.URI)
}

// PromptNotFoundError indicates a prompts/get referenced an unregistered
// prompt.
type PromptNotFoundError struct {
	Name string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt not found: %s", e.Name)
}

// InvalidParametersError indicates a request carried malformed or missing
// parameters.
type InvalidParametersError struct {
	Message string
}

func (e *InvalidParametersError) Error() string {
	return e.Message
}

// NewInvalidParametersError creates an InvalidParametersError with the
// given message.
func NewInvalidParametersError(message string) *InvalidParametersError {
	return &InvalidParametersError{Message: message}
}

// NotInitializedError indicates a request arrived before the initialize
// handshake completed.
type NotInitializedError struct {
	Method string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("server not initialized: %s", e.Method)
}

// UnauthorizedError indicates the request failed authentication.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// errorToRPC maps a handler error onto its JSON-RPC error object. Not-found
// errors carry the missing name or URI in the data field so clients can act
// on it without parsing messages.
func errorToRPC(err error) *mcp.RPCError {
	var toolErr *ToolNotFoundError
	if errors.As(err, &toolErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeMethodNotFound,
			Message: "Tool not found",
			Data:    map[string]interface{}{"name": toolErr.Name},
		}
	}

	var resErr *ResourceNotFoundError
	if errors.As(err, &resErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeResourceNotFound,
			Message: "Resource not found",
			Data:    map[string]interface{}{"uri": resErr.URI},
		}
	}

	var promptErr *PromptNotFoundError
	if errors.As(err, &promptErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeMethodNotFound,
			Message: "Prompt not found",
			Data:    map[string]interface{}{"name": promptErr.Name},
		}
	}

	var paramsErr *InvalidParametersError
	if errors.As(err, &paramsErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeInvalidParams,
			Message: "Invalid params",
			Data:    paramsErr.Message,
		}
	}

	var initErr *NotInitializedError
	if errors.As(err, &initErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeServerNotInitialized,
			Message: "Server not initialized",
			Data:    initErr.Method,
		}
	}

	var authErr *UnauthorizedError
	if errors.As(err, &authErr) {
		return &mcp.RPCError{
			Code:    mcp.ErrCodeUnauthorized,
			Message: "Unauthorized",
			Data:    authErr.Error(),
		}
	}

	return &mcp.RPCError{
		Code:    mcp.ErrCodeInternalError,
		Message: "Internal error",
		Data:    err.Error(),
	}
}

// createErrorResponse serializes a JSON-RPC 2.0 error response.
func createErrorResponse(id interface{}, code int, message string, data interface{}) []byte {
	response := mcp.NewErrorResponse(id, code, message, data)
	responseBytes, _ := response.Marshal() // struct marshaling always succeeds
	return responseBytes
}
