package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renaiss-ai/httpmcp/mcp"
)

// SessionPhase describes where a client session is in its lifecycle.
// Transitions are monotonic: Uninitialized -> Initialized -> Closed.
type SessionPhase int

const (
	// PhaseUninitialized is the phase before the initialize handshake.
	// Only initialize and ping are legal.
	PhaseUninitialized SessionPhase = iota

	// PhaseInitialized is the normal operating phase.
	PhaseInitialized

	// PhaseClosed is terminal. No request ever reopens a closed session.
	PhaseClosed
)

// String returns the phase name for logs.
func (p SessionPhase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitialized:
		return "initialized"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientSession tracks one client's connection state.
type ClientSession struct {
	// ID is the server-assigned session identifier.
	ID string

	// ProtocolVersion is the version negotiated during initialize.
	ProtocolVersion string

	// ClientInfo is the implementation info the client sent in initialize.
	ClientInfo mcp.Implementation

	// Created is when the session was opened.
	Created time.Time

	mu    sync.Mutex
	phase SessionPhase

	// initResult caches the initialize response so a repeated initialize
	// on the same session returns the original answer.
	initResult interface{}
}

// Phase returns the session's current lifecycle phase.
func (s *ClientSession) Phase() SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CanCall reports whether the given method is legal in the session's
// current phase. Ping is always legal; before initialization only
// initialize, ping, and notifications are accepted; a closed session
// rejects everything.
func (s *ClientSession) CanCall(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseClosed:
		return false
	case PhaseUninitialized:
		return method == "initialize" || method == "ping"
	default:
		return true
	}
}

// InitResult returns the cached initialize response and whether the
// session has completed the handshake.
func (s *ClientSession) InitResult() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult, s.phase == PhaseInitialized
}

// markInitialized transitions the session to PhaseInitialized and records
// the negotiated version and cached initialize result. Returns the cached
// result and false when the session was already initialized.
func (s *ClientSession) markInitialized(version string, info mcp.Implementation, result interface{}) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseUninitialized {
		return s.initResult, false
	}
	s.phase = PhaseInitialized
	s.ProtocolVersion = version
	s.ClientInfo = info
	s.initResult = result
	return result, true
}

// Close transitions the session to PhaseClosed. Closing twice is a no-op.
func (s *ClientSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseClosed
}

// SessionManager owns all live client sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ClientSession),
	}
}

// CreateSession opens a new uninitialized session with a fresh id.
func (m *SessionManager) CreateSession() *ClientSession {
	session := &ClientSession{
		ID:      uuid.NewString(),
		Created: time.Now(),
		phase:   PhaseUninitialized,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return session
}

// GetSession looks up a session by id.
func (m *SessionManager) GetSession(id string) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// CloseSession closes and removes a session. Returns false when the id is
// unknown.
func (m *SessionManager) CloseSession(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		session.Close()
	}
	return ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
