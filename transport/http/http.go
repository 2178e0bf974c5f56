// Package http provides a streamable HTTP implementation of the MCP
// transport. A single endpoint serves POST for request dispatch, GET for a
// server-to-client SSE stream, and DELETE for session termination, with
// sessions correlated through the Mcp-Session-Id header.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/renaiss-ai/httpmcp/auth"
	"github.com/renaiss-ai/httpmcp/mcp"
	"github.com/renaiss-ai/httpmcp/transport"
)

const (
	// DefaultMCPEndpoint is the default MCP endpoint path.
	DefaultMCPEndpoint = "/mcp"

	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is how often idle SSE streams receive a
	// keep-alive comment.
	DefaultKeepAliveInterval = 15 * time.Second

	// DefaultStreamBufferSize is the per-connection SSE queue capacity.
	DefaultStreamBufferSize = 64

	// SessionHeader carries the session id on requests and responses.
	SessionHeader = "Mcp-Session-Id"
)

// SessionHandler dispatches messages within sessions. The server
// implementation satisfies this; the transport never interprets message
// contents itself.
type SessionHandler interface {
	// HandleSessionMessage processes a message in the session identified
	// by sessionID, creating a session when the id is empty. It returns
	// the response (nil for notifications) and the handling session's id.
	// An unknown id yields an error wrapping transport.ErrUnknownSession.
	HandleSessionMessage(sessionID string, message []byte, meta map[string]string) ([]byte, string, error)

	// CloseSession terminates a session, reporting whether it existed.
	CloseSession(sessionID string) bool
}

// StreamObserver is an optional interface a SessionHandler may implement
// to be told when push streams open and close. StreamClosed reports the
// last event id the stream delivered before ending.
type StreamObserver interface {
	StreamOpened(sessionID string)
	StreamClosed(sessionID string, lastEventID uint64)
}

// Option configures a Transport.
type Option func(*Transport)

// WithPathPrefix sets a prefix for the endpoint path (e.g. "/api").
func WithPathPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" && !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		t.pathPrefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithMCPEndpoint overrides the MCP endpoint path.
func WithMCPEndpoint(path string) Option {
	return func(t *Transport) {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		t.mcpEndpoint = path
	}
}

// WithTokenValidator enables bearer-token authentication on every request.
func WithTokenValidator(validator auth.TokenValidator) Option {
	return func(t *Transport) {
		t.validator = validator
	}
}

// WithKeepAliveInterval sets the SSE keep-alive interval.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(t *Transport) {
		t.keepAlive = interval
	}
}

// WithStreamBufferSize sets the per-connection SSE queue capacity. Clients
// that fall further behind than this are disconnected.
func WithStreamBufferSize(size int) Option {
	return func(t *Transport) {
		t.streamBuffer = size
	}
}

// Transport implements transport.Transport over streamable HTTP.
type Transport struct {
	transport.BaseTransport

	addr         string
	server       *http.Server
	pathPrefix   string
	mcpEndpoint  string
	handler      SessionHandler
	validator    auth.TokenValidator
	keepAlive    time.Duration
	streamBuffer int

	mu      sync.Mutex
	streams map[*stream]struct{}
}

// NewTransport creates a streamable HTTP transport serving the given
// session handler.
func NewTransport(addr string, handler SessionHandler, options ...Option) *Transport {
	t := &Transport{
		addr:         addr,
		handler:      handler,
		mcpEndpoint:  DefaultMCPEndpoint,
		keepAlive:    DefaultKeepAliveInterval,
		streamBuffer: DefaultStreamBufferSize,
		streams:      make(map[*stream]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Endpoint returns the complete path the transport serves.
func (t *Transport) Endpoint() string {
	return t.pathPrefix + t.mcpEndpoint
}

// Initialize initializes the transport.
func (t *Transport) Initialize() error {
	if t.handler == nil {
		return errors.New("http transport requires a session handler")
	}
	return nil
}

// Start starts the HTTP server.
func (t *Transport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.Endpoint(), t.ServeHTTP)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.GetLogger().Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down and closes every open stream.
func (t *Transport) Stop() error {
	t.mu.Lock()
	for st := range t.streams {
		st.close()
	}
	t.streams = make(map[*stream]struct{})
	t.mu.Unlock()

	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Send broadcasts a server-originated message to every open SSE stream.
// Streams whose buffer is full are disconnected.
func (t *Transport) Send(message []byte) error {
	t.mu.Lock()
	streams := make([]*stream, 0, len(t.streams))
	for st := range t.streams {
		streams = append(streams, st)
	}
	t.mu.Unlock()

	for _, st := range streams {
		if !st.enqueue(message) {
			t.GetLogger().Warn("dropping slow stream", "sessionID", st.sessionID)
			t.removeStream(st)
		}
	}
	return nil
}

// ServeHTTP routes MCP endpoint requests by method. Exposed so the
// transport can be mounted on an existing mux.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(w, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleStream(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorize checks the bearer token when a validator is configured. A
// failed check answers with 401 and a JSON-RPC Unauthorized error body.
func (t *Transport) authorize(w http.ResponseWriter, r *http.Request) bool {
	if t.validator == nil {
		return true
	}

	token := bearerToken(r)
	if err := t.validator.Validate(r.Context(), token); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		response := mcp.NewErrorResponse(nil, mcp.ErrCodeUnauthorized, "Unauthorized", err.Error())
		body, _ := response.Marshal()
		w.Write(body)
		return false
	}
	return true
}

// handlePost dispatches a request or batch. Notifications are acknowledged
// with 204 No Content; everything else returns the JSON-RPC response with
// the session id echoed in the Mcp-Session-Id header.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	meta := requestMeta(r)
	sessionID := r.Header.Get(SessionHeader)

	response, handledBy, err := t.handler.HandleSessionMessage(sessionID, body, meta)
	if err != nil {
		if errors.Is(err, transport.ErrUnknownSession) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		t.GetLogger().Error("message handling failed", "error", err)
		http.Error(w, "Message handling failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionHeader, handledBy)

	if response == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(response); err != nil {
		t.GetLogger().Error("failed to write response", "error", err)
	}
}

// handleStream opens an SSE stream for server-to-client messages. A
// Last-Event-ID header is accepted but events are not replayed; the new
// stream's ids restart from 1, and clients treat the restart as a signal
// to refresh state they derived from the old stream.
func (t *Transport) handleStream(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		http.Error(w, "text/event-stream not accepted", http.StatusNotAcceptable)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		t.GetLogger().Debug("stream resume requested, restarting sequence",
			"sessionID", sessionID,
			"lastEventID", lastEventID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}
	w.WriteHeader(http.StatusOK)

	st := newStream(sessionID, t.streamBuffer)
	t.mu.Lock()
	t.streams[st] = struct{}{}
	t.mu.Unlock()

	observer, _ := t.handler.(StreamObserver)
	if observer != nil {
		observer.StreamOpened(sessionID)
	}

	t.GetLogger().Debug("stream opened", "sessionID", sessionID)
	st.serve(w, r, t.keepAlive)
	t.removeStream(st)
	t.GetLogger().Debug("stream closed", "sessionID", sessionID, "lastSeq", st.lastSeq())

	if observer != nil {
		observer.StreamClosed(sessionID, st.lastSeq())
	}
}

// handleDelete terminates the session named in the Mcp-Session-Id header
// and closes its streams.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}

	if !t.handler.CloseSession(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	t.mu.Lock()
	for st := range t.streams {
		if st.sessionID == sessionID {
			st.close()
			delete(t.streams, st)
		}
	}
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"session_terminated"}`))
}

func (t *Transport) removeStream(st *stream) {
	st.close()
	t.mu.Lock()
	delete(t.streams, st)
	t.mu.Unlock()
}

// StreamCount returns the number of open SSE streams.
func (t *Transport) StreamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// requestMeta flattens the request headers into the lowercased metadata
// map handlers receive.
func requestMeta(r *http.Request) map[string]string {
	meta := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) > 0 {
			meta[strings.ToLower(name)] = values[0]
		}
	}
	meta["remote-addr"] = r.RemoteAddr
	return meta
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
