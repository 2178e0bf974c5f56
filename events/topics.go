package events

import "time"

// Standard topic constants. These are the public contract for what
// embedders can subscribe to on a server's event subject.
const (
	// Server lifecycle events
	TopicServerInitialized = "server.initialized"
	TopicServerShutdown    = "server.shutdown"

	// Session events
	TopicSessionOpened = "session.opened"
	TopicSessionClosed = "session.closed"

	// Registration events
	TopicToolRegistered     = "tool.registered"
	TopicResourceRegistered = "resource.registered"
	TopicPromptRegistered   = "prompt.registered"

	// Operation events
	TopicToolExecuted     = "tool.executed"
	TopicResourceAccessed = "resource.accessed"
	TopicPromptExecuted   = "prompt.executed"

	// Error events
	TopicRequestFailed = "request.failed"

	// Stream events (SSE and other push channels)
	TopicStreamOpened = "stream.opened"
	TopicStreamClosed = "stream.closed"
)

// ClientInfo identifies the client implementation behind a session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInitializedEvent is emitted when the server is ready to accept
// requests.
type ServerInitializedEvent struct {
	ServerName        string    `json:"serverName"`
	ProtocolVersion   string    `json:"protocolVersion"`
	InitializedAt     time.Time `json:"initializedAt"`
	TransportType     string    `json:"transportType,omitempty"`
	TransportEndpoint string    `json:"transportEndpoint,omitempty"`
	ToolCount         int       `json:"toolCount"`
	ResourceCount     int       `json:"resourceCount"`
	PromptCount       int       `json:"promptCount"`
}

// ServerShutdownEvent is emitted when the server is shutting down.
type ServerShutdownEvent struct {
	ServerName   string    `json:"serverName"`
	ShutdownAt   time.Time `json:"shutdownAt"`
	GracefulExit bool      `json:"gracefulExit"`
	Reason       string    `json:"reason,omitempty"`
}

// SessionOpenedEvent is emitted when a client session completes the
// initialize handshake.
type SessionOpenedEvent struct {
	SessionID       string     `json:"sessionId"`
	ProtocolVersion string     `json:"protocolVersion"`
	OpenedAt        time.Time  `json:"openedAt"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// SessionClosedEvent is emitted when a session is terminated, either by
// the client or by the server.
type SessionClosedEvent struct {
	SessionID       string    `json:"sessionId"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	OpenedAt        time.Time `json:"openedAt,omitempty"`
	ClosedAt        time.Time `json:"closedAt"`
	Reason          string    `json:"reason,omitempty"`
}

// ToolRegisteredEvent is emitted when a tool is registered with the server.
type ToolRegisteredEvent struct {
	ToolName     string                 `json:"toolName"`
	Description  string                 `json:"description"`
	RegisteredAt time.Time              `json:"registeredAt"`
	Schema       map[string]interface{} `json:"schema,omitempty"`
}

// ResourceRegisteredEvent is emitted when a resource is registered with
// the server.
type ResourceRegisteredEvent struct {
	URI          string    `json:"uri"`
	Description  string    `json:"description"`
	Templated    bool      `json:"templated"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// PromptRegisteredEvent is emitted when a prompt is registered with the
// server.
type PromptRegisteredEvent struct {
	PromptName   string    `json:"promptName"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// ToolExecutedEvent is emitted after a tools/call completes.
type ToolExecutedEvent struct {
	ToolName   string    `json:"toolName"`
	ExecutedAt time.Time `json:"executedAt"`
	DurationMS int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ResourceAccessedEvent is emitted after a resources/read or
// resources/list completes.
type ResourceAccessedEvent struct {
	URI        string    `json:"uri,omitempty"`
	Method     string    `json:"method"`
	AccessedAt time.Time `json:"accessedAt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// PromptExecutedEvent is emitted after a prompts/get completes.
type PromptExecutedEvent struct {
	PromptName   string    `json:"promptName"`
	ExecutedAt   time.Time `json:"executedAt"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	MessageCount int       `json:"messageCount,omitempty"`
}

// RequestFailedEvent is emitted when request processing produces a
// protocol-level error response.
type RequestFailedEvent struct {
	Method string `json:"method"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
}

// StreamOpenedEvent is emitted when a push stream is established.
type StreamOpenedEvent struct {
	SessionID string    `json:"sessionId,omitempty"`
	Transport string    `json:"transport"`
	OpenedAt  time.Time `json:"openedAt"`
}

// StreamClosedEvent is emitted when a push stream ends.
type StreamClosedEvent struct {
	SessionID string    `json:"sessionId,omitempty"`
	Transport string    `json:"transport"`
	ClosedAt  time.Time `json:"closedAt"`
	LastSeq   uint64    `json:"lastSeq"`
	Reason    string    `json:"reason,omitempty"`
}
