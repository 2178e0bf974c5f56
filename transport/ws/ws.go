// Package ws provides a WebSocket implementation of the transport layer.
//
// Each WebSocket connection carries newline-free JSON-RPC messages as
// text frames. Responses go back on the originating connection;
// server-initiated messages are broadcast to every open connection.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/renaiss-ai/httpmcp/transport"
)

// DefaultPath is the default HTTP path accepting WebSocket upgrades.
const DefaultPath = "/ws"

// DefaultShutdownTimeout bounds graceful HTTP server shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Transport implements transport.Transport over WebSocket connections.
type Transport struct {
	transport.BaseTransport
	addr   string
	path   string
	server *http.Server

	mu    sync.Mutex
	conns map[net.Conn]*connState
}

type connState struct {
	writeMu sync.Mutex
}

// Option configures the WebSocket transport.
type Option func(*Transport)

// WithPath sets the HTTP path accepting WebSocket upgrades.
func WithPath(path string) Option {
	return func(t *Transport) {
		t.path = path
	}
}

// NewTransport creates a new server-side WebSocket transport listening
// on the given address.
func NewTransport(addr string, options ...Option) *Transport {
	t := &Transport{
		addr:  addr,
		path:  DefaultPath,
		conns: make(map[net.Conn]*connState),
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// Initialize prepares the HTTP server that accepts upgrades.
func (t *Transport) Initialize() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleUpgrade)
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}
	return nil
}

// Start begins listening for WebSocket connections.
func (t *Transport) Start() error {
	if t.server == nil {
		if err := t.Initialize(); err != nil {
			return err
		}
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.GetLogger().Error("websocket server error", "error", err)
		}
	}()
	return nil
}

// Stop closes all connections and shuts down the HTTP server.
func (t *Transport) Stop() error {
	t.mu.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[net.Conn]*connState)
	t.mu.Unlock()

	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Send broadcasts a server-initiated message to every open connection.
func (t *Transport) Send(message []byte) error {
	t.mu.Lock()
	conns := make(map[net.Conn]*connState, len(t.conns))
	for conn, st := range t.conns {
		conns[conn] = st
	}
	t.mu.Unlock()

	for conn, st := range conns {
		if err := t.writeFrame(conn, st, message); err != nil {
			t.GetLogger().Debug("dropping websocket connection",
				"remote", conn.RemoteAddr().String(), "error", err)
			t.removeConn(conn)
		}
	}
	return nil
}

// ConnectionCount reports the number of open connections.
func (t *Transport) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		t.GetLogger().Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	st := &connState{}
	t.mu.Lock()
	t.conns[conn] = st
	t.mu.Unlock()

	t.GetLogger().Debug("websocket connection opened", "remote", conn.RemoteAddr().String())
	go t.readLoop(conn, st)
}

// readLoop reads frames from one connection and dispatches each message.
func (t *Transport) readLoop(conn net.Conn, st *connState) {
	defer func() {
		t.removeConn(conn)
		conn.Close()
		t.GetLogger().Debug("websocket connection closed", "remote", conn.RemoteAddr().String())
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		t.GetLogger().Debug("received websocket message", "size", len(data))
		response, err := t.HandleMessage(data)
		if err != nil {
			t.GetLogger().Error("message handler error", "error", err)
			continue
		}
		if response == nil {
			continue
		}
		if err := t.writeFrame(conn, st, response); err != nil {
			return
		}
	}
}

func (t *Transport) writeFrame(conn net.Conn, st *connState, message []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return wsutil.WriteServerMessage(conn, ws.OpText, message)
}

func (t *Transport) removeConn(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}
