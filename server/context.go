package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/renaiss-ai/httpmcp/mcp"
)

// Context carries per-request state through the dispatch pipeline. It embeds
// a standard context for cancellation and deadlines, the parsed request
// envelope, the client session, and any transport metadata such as HTTP
// headers.
type Context struct {
	context.Context

	// RequestID is a server-assigned identifier for this request, used to
	// correlate log lines. It is independent of the JSON-RPC id.
	RequestID string

	// Request is the parsed JSON-RPC envelope.
	Request *mcp.Request

	// Session is the client session this request belongs to.
	Session *ClientSession

	// Metadata holds transport-specific request data. HTTP transports put
	// lowercased header names here.
	Metadata map[string]string

	server *serverImpl
}

// NewContext parses a raw JSON-RPC message and builds the request context.
// A parse failure or an envelope that fails validation is returned as an
// error; the caller maps it onto the appropriate protocol error response.
func NewContext(parent context.Context, message []byte, s *serverImpl) (*Context, error) {
	var req mcp.Request
	if err := json.Unmarshal(message, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}

	return &Context{
		Context:   parent,
		RequestID: uuid.NewString(),
		Request:   &req,
		Metadata:  make(map[string]string),
		server:    s,
	}, nil
}

// Header returns a transport metadata value by name, case-insensitively.
func (c *Context) Header(name string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[strings.ToLower(name)]
}

// SetHeader stores a transport metadata value under a lowercased key.
func (c *Context) SetHeader(name, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[strings.ToLower(name)] = value
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
// It returns "" when the header is absent or uses a different scheme.
func (c *Context) BearerToken() string {
	auth := c.Header("authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// SessionID returns the id of the session this request belongs to, or ""
// when no session is attached.
func (c *Context) SessionID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.ID
}

// ProtocolVersion returns the protocol version negotiated for this
// request's session.
func (c *Context) ProtocolVersion() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.ProtocolVersion
}

// Logger returns the server logger scoped with this request's id.
func (c *Context) Logger() *slog.Logger {
	if c.server == nil {
		return slog.Default()
	}
	return c.server.logger.With("requestID", c.RequestID)
}
