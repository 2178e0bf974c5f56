// Package transport provides the transport layer implementations for the
// MCP protocol.
//
// This package contains the Transport interface and shared base
// functionality; the concrete transports live in subpackages.
package transport

import (
	"errors"
	"log/slog"
	"os"
)

// ErrUnknownSession is returned when a message references a session id the
// server does not know.
var ErrUnknownSession = errors.New("unknown session")

// MessageHandler represents a function that handles incoming messages.
// A nil response means the message was a notification and gets no reply.
type MessageHandler func(message []byte) ([]byte, error)

// DebugHandler represents a function that receives debug messages from the
// transport.
type DebugHandler func(message string)

// Transport represents a communication transport for MCP messages.
type Transport interface {
	// Initialize initializes the transport
	Initialize() error

	// Start starts the transport
	Start() error

	// Stop stops the transport
	Stop() error

	// Send sends a server-originated message (notification or push) over
	// the transport.
	Send(message []byte) error

	// SetMessageHandler sets the message handler
	SetMessageHandler(handler MessageHandler)

	// SetDebugHandler sets a handler for debug messages
	SetDebugHandler(handler DebugHandler)

	// SetLogger sets the structured logger
	SetLogger(logger *slog.Logger)

	// GetLogger returns the current logger
	GetLogger() *slog.Logger
}

// BaseTransport provides common transport functionality.
type BaseTransport struct {
	handler      MessageHandler
	debugHandler DebugHandler
	logger       *slog.Logger
}

// SetMessageHandler sets the message handler.
func (t *BaseTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

// SetDebugHandler sets the debug handler.
func (t *BaseTransport) SetDebugHandler(handler DebugHandler) {
	t.debugHandler = handler
}

// GetDebugHandler returns the current debug handler.
func (t *BaseTransport) GetDebugHandler() DebugHandler {
	return t.debugHandler
}

// SetLogger sets the structured logger.
func (t *BaseTransport) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// GetLogger returns the current logger, creating a stderr default if none
// is set.
func (t *BaseTransport) GetLogger() *slog.Logger {
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return t.logger
}

// Debug forwards a message to the debug handler when one is set.
func (t *BaseTransport) Debug(message string) {
	if t.debugHandler != nil {
		t.debugHandler(message)
	}
}

// HandleMessage handles an incoming message.
func (t *BaseTransport) HandleMessage(message []byte) ([]byte, error) {
	if t.handler == nil {
		return nil, errors.New("no message handler set")
	}
	return t.handler(message)
}
