// Package server provides the server-side implementation of the MCP
// protocol. It offers a builder-style API for registering tools, resources,
// and prompt templates, and for serving them over the supported transports.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/renaiss-ai/httpmcp/events"
	"github.com/renaiss-ai/httpmcp/mcp"
	"github.com/renaiss-ai/httpmcp/transport"
	mcphttp "github.com/renaiss-ai/httpmcp/transport/http"
	"github.com/renaiss-ai/httpmcp/transport/mqtt"
	"github.com/renaiss-ai/httpmcp/transport/nats"
	"github.com/renaiss-ai/httpmcp/transport/stdio"
	"github.com/renaiss-ai/httpmcp/transport/ws"
)

const (
	// maxPageSize caps list responses; longer lists paginate with cursors.
	maxPageSize = 50

	// defaultRequestTimeout bounds tool handler execution.
	defaultRequestTimeout = 30 * time.Second

	// serverVersion is reported in initialize responses unless overridden.
	serverVersion = "1.0.0"
)

// ErrUnknownSession is returned when a request references a session id the
// server does not know. HTTP transports map it to a 404.
var ErrUnknownSession = transport.ErrUnknownSession

// Server represents an MCP server with fluent configuration methods.
type Server interface {
	// Run starts the server and blocks until it is shut down.
	Run() error

	// Shutdown gracefully shuts down the server.
	Shutdown() error

	// Tool registers a tool. The handler must have signature
	// func(ctx *Context, args StructType) (interface{}, error); the input
	// schema is generated from the struct's JSON tags.
	Tool(name, description string, handler interface{}, annotations ...map[string]interface{}) Server

	// Resource registers a resource under an exact URI or a URI template
	// with {parameter} segments. Both handlers are required.
	Resource(uri, description string, listHandler ResourceListFunc, readHandler ResourceReadFunc) Server

	// ResourceWithMimeType is Resource with a default MIME type advertised
	// in list entries.
	ResourceWithMimeType(uri, description, mimeType string, listHandler ResourceListFunc, readHandler ResourceReadFunc) Server

	// Prompt registers a prompt template. Variables in {{name}} form become
	// required arguments.
	Prompt(name, description string, templates ...PromptTemplate) Server

	// Logger returns the server's logger.
	Logger() *slog.Logger

	// Events returns the server's event subject for subscribing to
	// lifecycle and operation events.
	Events() *events.Subject

	// ListTools returns all registered tools in registration order.
	ListTools() []mcp.Tool

	// ListResources returns descriptors for all non-template resources.
	ListResources() []mcp.Resource

	// ListPrompts returns all registered prompts in registration order.
	ListPrompts() []mcp.Prompt

	// AsHTTP configures the server to serve MCP over HTTP with SSE
	// streaming on the given address.
	AsHTTP(address string, options ...mcphttp.Option) Server

	// AsStdio configures the server to communicate over standard I/O.
	AsStdio(logFile ...string) Server

	// AsWebsocket configures the server to communicate over WebSocket.
	AsWebsocket(address string) Server

	// AsMQTT configures the server to communicate over an MQTT broker.
	AsMQTT(brokerURL string, options ...mqtt.Option) Server

	// AsNATS configures the server to communicate over NATS.
	AsNATS(serverURL string, options ...nats.Option) Server

	// GetServer returns the underlying server implementation.
	// This is primarily for internal use and testing.
	GetServer() *serverImpl
}

// Option represents a server configuration option.
type Option func(*serverImpl)

// serverImpl satisfies the HTTP transport's session and stream
// interfaces so streams report their lifecycle through the event bus.
var (
	_ mcphttp.SessionHandler = (*serverImpl)(nil)
	_ mcphttp.StreamObserver = (*serverImpl)(nil)
)

// serverImpl is the concrete implementation of the Server interface.
type serverImpl struct {
	// name identifies this server instance in logs and initialize responses.
	name string

	// version is reported as the server version in initialize responses.
	version string

	// instructions is optional guidance returned to clients in initialize.
	instructions string

	// tools holds registered tools; toolOrder preserves registration order.
	tools     map[string]*Tool
	toolOrder []string

	// resources holds registered resources keyed by URI or template.
	resources     map[string]*Resource
	resourceOrder []string

	// prompts holds registered prompt templates.
	prompts     map[string]*Prompt
	promptOrder []string

	// transport is the configured communication transport.
	transport transport.Transport

	// logger is the structured logger for server logs.
	logger *slog.Logger

	// logLevel is the dynamic level honored by logging/setLevel.
	logLevel *slog.LevelVar

	// versionDetector negotiates the protocol version during initialize.
	versionDetector *mcp.VersionDetector

	// sessionManager owns client sessions.
	sessionManager *SessionManager

	// defaultSession serves transports that do not track sessions.
	defaultSession *ClientSession

	// requestTimeout bounds tool handler execution.
	requestTimeout time.Duration

	// initialized is set once the client sends notifications/initialized.
	// Feature notifications queue until then.
	initialized          bool
	pendingNotifications [][]byte

	// events is the server's event subject.
	events *events.Subject

	// done unblocks Run when the server shuts down.
	done     chan struct{}
	shutdown sync.Once

	// mu protects concurrent access to server state.
	mu sync.RWMutex
}

// NewServer creates a new MCP server with the given name and options.
// By default the server uses stdio transport and logs to stderr at the
// info level.
func NewServer(name string, options ...Option) Server {
	logLevel := new(slog.LevelVar)

	s := &serverImpl{
		name:                 name,
		version:              serverVersion,
		tools:                make(map[string]*Tool),
		resources:            make(map[string]*Resource),
		prompts:              make(map[string]*Prompt),
		logLevel:             logLevel,
		logger:               slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})),
		versionDetector:      mcp.NewVersionDetector(),
		sessionManager:       NewSessionManager(),
		requestTimeout:       defaultRequestTimeout,
		pendingNotifications: [][]byte{},
		done:                 make(chan struct{}),
	}

	s.defaultSession = s.sessionManager.CreateSession()
	s.transport = stdio.NewTransport()

	for _, option := range options {
		option(s)
	}

	s.events = events.NewSubject(
		events.WithLogger(s.logger),
		events.WithBufferSize(1024),
		events.WithReplay(100),
	)

	return s
}

// WithLogger sets the server's logger. Note that logging/setLevel only
// adjusts the default stderr logger; a custom logger manages its own level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *serverImpl) {
		s.logger = logger
	}
}

// WithVersion sets the server version reported in initialize responses.
func WithVersion(version string) Option {
	return func(s *serverImpl) {
		s.version = version
	}
}

// WithInstructions sets optional usage instructions returned to clients
// during initialize.
func WithInstructions(instructions string) Option {
	return func(s *serverImpl) {
		s.instructions = instructions
	}
}

// WithRequestTimeout bounds how long a tool or resource handler may run.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *serverImpl) {
		s.requestTimeout = timeout
	}
}

// Logger returns the server's logger.
func (s *serverImpl) Logger() *slog.Logger {
	return s.logger
}

// Events returns the server's event subject.
func (s *serverImpl) Events() *events.Subject {
	return s.events
}

// GetServer returns the underlying server implementation.
func (s *serverImpl) GetServer() *serverImpl {
	return s
}

// ProcessInitialize processes an initialize request. It negotiates the
// protocol version, attaches a session, and returns the server's
// capabilities. Initialize is idempotent per session: a repeated initialize
// returns the response cached from the first one.
func (s *serverImpl) ProcessInitialize(ctx *Context) (interface{}, error) {
	session := ctx.Session
	if session == nil {
		session = s.sessionManager.CreateSession()
		ctx.Session = session
	}

	// A repeated initialize on an already-initialized session returns the
	// original result unchanged.
	if cached, done := session.InitResult(); done {
		return cached, nil
	}

	var params mcp.InitializeParams
	if ctx.Request.Params != nil {
		if err := json.Unmarshal(ctx.Request.Params, &params); err != nil {
			return nil, NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
		}
	}
	if params.ProtocolVersion == "" {
		return nil, NewInvalidParametersError("missing protocolVersion")
	}

	protocolVersion, err := s.versionDetector.Validate(params.ProtocolVersion)
	if err != nil {
		return nil, NewInvalidParametersError(err.Error())
	}

	result := mcp.InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.buildCapabilities(),
		ServerInfo: mcp.Implementation{
			Name:    s.name,
			Version: s.version,
		},
		Instructions: s.instructions,
	}

	cached, first := session.markInitialized(protocolVersion, params.ClientInfo, result)
	if !first {
		return cached, nil
	}

	s.logger.Info("client initialized",
		"sessionID", session.ID,
		"protocolVersion", protocolVersion,
		"client", params.ClientInfo.Name)

	go func() {
		events.Publish[events.SessionOpenedEvent](s.events, events.TopicSessionOpened, events.SessionOpenedEvent{
			SessionID:       session.ID,
			ProtocolVersion: protocolVersion,
			OpenedAt:        time.Now(),
			ClientInfo: events.ClientInfo{
				Name:    params.ClientInfo.Name,
				Version: params.ClientInfo.Version,
			},
		})
	}()

	return result, nil
}

// buildCapabilities advertises only the capability groups that have
// registrations. Logging is always advertised because logging/setLevel is
// always available.
func (s *serverImpl) buildCapabilities() mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := mcp.ServerCapabilities{
		Logging: map[string]interface{}{},
	}
	if len(s.tools) > 0 {
		caps.Tools = &mcp.ToolsCapability{ListChanged: true}
	}
	if len(s.resources) > 0 {
		caps.Resources = &mcp.ResourcesCapability{ListChanged: true}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &mcp.PromptsCapability{ListChanged: true}
	}
	return caps
}

// ProcessPing processes a ping request. Ping is legal in every session
// phase and returns an empty object.
func (s *serverImpl) ProcessPing(ctx *Context) (interface{}, error) {
	return map[string]interface{}{}, nil
}

// ProcessLoggingSetLevel processes a logging/setLevel request, adjusting
// the server's dynamic log level.
func (s *serverImpl) ProcessLoggingSetLevel(ctx *Context) (interface{}, error) {
	if ctx.Request.Params == nil {
		return nil, NewInvalidParametersError("missing params in logging/setLevel")
	}

	var params mcp.LoggingSetLevelParams
	if err := json.Unmarshal(ctx.Request.Params, &params); err != nil {
		return nil, NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
	}

	level, err := mapLogLevel(params.Level)
	if err != nil {
		return nil, NewInvalidParametersError(err.Error())
	}

	s.logLevel.Set(level)
	s.logger.Info("log level changed", "level", params.Level)
	return map[string]interface{}{}, nil
}

// mapLogLevel converts an MCP logging level onto slog's scale. The
// syslog-style levels above error all map to slog's error level.
func mapLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "notice":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error", "critical", "alert", "emergency":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown logging level: %s", level)
	}
}

// HandleSessionMessage processes a message within the session identified
// by sessionID, creating a new session when the id is empty. It returns
// the response bytes and the id of the session that handled the message.
// Session-tracking transports (HTTP) use this entry point.
func (s *serverImpl) HandleSessionMessage(sessionID string, message []byte, meta map[string]string) ([]byte, string, error) {
	var session *ClientSession
	if sessionID == "" {
		session = s.sessionManager.CreateSession()
	} else {
		var ok bool
		session, ok = s.sessionManager.GetSession(sessionID)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
	}

	response, err := HandleMessageForSession(s, session, message, meta)
	return response, session.ID, err
}

// CloseSession terminates a session. Used by HTTP transports to implement
// DELETE-based session termination.
func (s *serverImpl) CloseSession(sessionID string) bool {
	closed := s.sessionManager.CloseSession(sessionID)
	if closed {
		go func() {
			events.Publish[events.SessionClosedEvent](s.events, events.TopicSessionClosed, events.SessionClosedEvent{
				SessionID: sessionID,
				ClosedAt:  time.Now(),
				Reason:    "client_requested",
			})
		}()
	}
	return closed
}

// StreamOpened records that a push stream was established for a session.
func (s *serverImpl) StreamOpened(sessionID string) {
	go func() {
		events.Publish[events.StreamOpenedEvent](s.events, events.TopicStreamOpened, events.StreamOpenedEvent{
			SessionID: sessionID,
			Transport: "http",
			OpenedAt:  time.Now(),
		})
	}()
}

// StreamClosed records that a push stream ended after delivering events
// up to lastEventID.
func (s *serverImpl) StreamClosed(sessionID string, lastEventID uint64) {
	go func() {
		events.Publish[events.StreamClosedEvent](s.events, events.TopicStreamClosed, events.StreamClosedEvent{
			SessionID: sessionID,
			Transport: "http",
			ClosedAt:  time.Now(),
			LastSeq:   lastEventID,
		})
	}()
}

// Run starts the server and blocks until Shutdown is called or the
// transport fails to start.
func (s *serverImpl) Run() error {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	if t == nil {
		return errors.New("no transport configured, use AsStdio(), AsHTTP(), AsWebsocket(), AsMQTT(), or AsNATS()")
	}

	t.SetLogger(s.logger)
	t.SetDebugHandler(func(message string) {
		s.logger.Debug("transport", "message", message)
	})
	t.SetMessageHandler(s.handleMessage)

	if err := t.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	if err := t.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.logger.Info("server started", "name", s.name, "transport", fmt.Sprintf("%T", t))

	s.mu.RLock()
	toolCount := len(s.tools)
	resourceCount := len(s.resources)
	promptCount := len(s.prompts)
	s.mu.RUnlock()

	go func() {
		events.Publish[events.ServerInitializedEvent](s.events, events.TopicServerInitialized, events.ServerInitializedEvent{
			ServerName:      s.name,
			ProtocolVersion: s.versionDetector.Latest(),
			InitializedAt:   time.Now(),
			TransportType:   fmt.Sprintf("%T", t),
			ToolCount:       toolCount,
			ResourceCount:   resourceCount,
			PromptCount:     promptCount,
		})
	}()

	<-s.done
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *serverImpl) Shutdown() error {
	var err error
	s.shutdown.Do(func() {
		s.logger.Info("shutting down server", "name", s.name)

		go func() {
			events.Publish[events.ServerShutdownEvent](s.events, events.TopicServerShutdown, events.ServerShutdownEvent{
				ServerName:   s.name,
				ShutdownAt:   time.Now(),
				GracefulExit: true,
			})
		}()

		s.mu.RLock()
		t := s.transport
		s.mu.RUnlock()

		if t != nil {
			if stopErr := t.Stop(); stopErr != nil {
				s.logger.Error("error stopping transport", "error", stopErr)
				err = stopErr
			}
		}

		events.Complete(s.events)
		close(s.done)

		s.logger.Info("server shutdown complete", "name", s.name)
	})
	return err
}

// sendNotification sends a server-to-client notification over the
// transport. Failures are logged, not returned.
func (s *serverImpl) sendNotification(method string, params interface{}) {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return
	}

	notification := map[string]interface{}{
		"jsonrpc": mcp.JSONRPCVersion,
		"method":  method,
	}
	if params != nil {
		notification["params"] = params
	}

	message, err := json.Marshal(notification)
	if err != nil {
		s.logger.Error("failed to marshal notification", "error", err)
		return
	}

	if err := t.Send(message); err != nil {
		s.logger.Error("failed to send notification", "method", method, "error", err)
	}
}

// notifyListChanged queues or sends a <kind>/list_changed notification.
// Callers hold s.mu.
func (s *serverImpl) notifyListChanged(kind string) {
	method := fmt.Sprintf("notifications/%s/list_changed", kind)

	if !s.initialized {
		notification, err := json.Marshal(map[string]interface{}{
			"jsonrpc": mcp.JSONRPCVersion,
			"method":  method,
		})
		if err != nil {
			return
		}
		s.pendingNotifications = append(s.pendingNotifications, notification)
		return
	}

	go s.sendNotification(method, nil)
}

// handleInitializedNotification flushes notifications queued before the
// client finished its handshake.
func (s *serverImpl) handleInitializedNotification() {
	s.mu.Lock()
	s.initialized = true
	pending := s.pendingNotifications
	s.pendingNotifications = nil
	t := s.transport
	s.mu.Unlock()

	s.logger.Debug("client ready, flushing pending notifications", "count", len(pending))

	for _, notification := range pending {
		if t == nil {
			break
		}
		if err := t.Send(notification); err != nil {
			s.logger.Error("failed to send pending notification", "error", err)
		}
	}
}

// ListTools returns all registered tools in registration order.
func (s *serverImpl) ListTools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		tool := s.tools[name]
		tools = append(tools, mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Schema,
			Annotations: tool.Annotations,
		})
	}
	return tools
}

// ListResources returns descriptors for all non-template resources in
// registration order.
func (s *serverImpl) ListResources() []mcp.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := make([]mcp.Resource, 0, len(s.resourceOrder))
	for _, uri := range s.resourceOrder {
		res := s.resources[uri]
		if res.IsTemplate {
			continue
		}
		resources = append(resources, mcp.Resource{
			URI:         res.URI,
			Name:        res.URI,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}
	return resources
}

// ListPrompts returns all registered prompts in registration order.
func (s *serverImpl) ListPrompts() []mcp.Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompts := make([]mcp.Prompt, 0, len(s.promptOrder))
	for _, name := range s.promptOrder {
		prompt := s.prompts[name]
		prompts = append(prompts, mcp.Prompt{
			Name:        prompt.Name,
			Description: prompt.Description,
			Arguments:   prompt.Arguments,
		})
	}
	return prompts
}

// AsHTTP configures the server to serve MCP over HTTP with SSE streaming.
func (s *serverImpl) AsHTTP(address string, options ...mcphttp.Option) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = mcphttp.NewTransport(address, s, options...)
	return s
}

// AsStdio configures the server to communicate over standard I/O.
func (s *serverImpl) AsStdio(logFile ...string) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(logFile) > 0 && logFile[0] != "" {
		s.transport = stdio.NewTransportWithLogFile(logFile[0])
	} else {
		s.transport = stdio.NewTransport()
	}
	return s
}

// AsWebsocket configures the server to communicate over WebSocket.
func (s *serverImpl) AsWebsocket(address string) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = ws.NewTransport(address)
	return s
}

// AsMQTT configures the server to communicate over an MQTT broker.
func (s *serverImpl) AsMQTT(brokerURL string, options ...mqtt.Option) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = mqtt.NewTransport(brokerURL, options...)
	return s
}

// AsNATS configures the server to communicate over NATS.
func (s *serverImpl) AsNATS(serverURL string, options ...nats.Option) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nats.NewTransport(serverURL, options...)
	return s
}
