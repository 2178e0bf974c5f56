// Package nats provides a NATS implementation of the transport layer.
//
// Requests arrive on a subject tree below a configurable prefix. When a
// request carries a reply subject the response goes straight back on it,
// so clients can use the NATS request/reply pattern; server-initiated
// messages are published on a broadcast subject.
package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/renaiss-ai/httpmcp/transport"
)

// DefaultSubjectPrefix is the default prefix for all protocol subjects.
const DefaultSubjectPrefix = "mcp"

// DefaultConnectTimeout bounds the initial server connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// Transport implements transport.Transport on top of a NATS connection.
type Transport struct {
	transport.BaseTransport
	serverURL     string
	clientName    string
	subjectPrefix string
	username      string
	password      string
	conn          *nats.Conn
	sub           *nats.Subscription
	done          chan struct{}
}

// Option configures the NATS transport.
type Option func(*Transport)

// NewTransport creates a new server-side NATS transport.
func NewTransport(serverURL string, options ...Option) *Transport {
	t := &Transport{
		serverURL:     serverURL,
		subjectPrefix: DefaultSubjectPrefix,
		done:          make(chan struct{}),
	}

	for _, option := range options {
		option(t)
	}

	if t.clientName == "" {
		t.clientName = "mcp-server"
	}

	return t
}

// WithClientName sets the connection name reported to the NATS server.
func WithClientName(name string) Option {
	return func(t *Transport) {
		t.clientName = name
	}
}

// WithSubjectPrefix sets the prefix shared by all protocol subjects.
func WithSubjectPrefix(prefix string) Option {
	return func(t *Transport) {
		t.subjectPrefix = prefix
	}
}

// WithCredentials sets the username and password for server authentication.
func WithCredentials(username, password string) Option {
	return func(t *Transport) {
		t.username = username
		t.password = password
	}
}

// Initialize validates the transport configuration.
func (t *Transport) Initialize() error {
	if t.serverURL == "" {
		return errors.New("nats: server URL is required")
	}
	return nil
}

// Start connects to the NATS server and subscribes to the request subjects.
func (t *Transport) Start() error {
	opts := []nats.Option{
		nats.Name(t.clientName),
		nats.Timeout(DefaultConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.GetLogger().Warn("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.GetLogger().Info("reconnected to NATS server", "url", nc.ConnectedUrl())
		}),
	}
	if t.username != "" {
		opts = append(opts, nats.UserInfo(t.username, t.password))
	}

	conn, err := nats.Connect(t.serverURL, opts...)
	if err != nil {
		return fmt.Errorf("nats: connect to %s: %w", t.serverURL, err)
	}
	t.conn = conn

	subject := fmt.Sprintf("%s.requests.>", t.subjectPrefix)
	sub, err := conn.Subscribe(subject, t.messageHandler)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats: subscribe to %s: %w", subject, err)
	}
	t.sub = sub

	return nil
}

// Stop drains the subscription and closes the connection.
func (t *Transport) Stop() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}

	if t.sub != nil {
		if err := t.sub.Drain(); err != nil {
			t.GetLogger().Warn("failed to drain subscription", "error", err)
		}
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

// Send broadcasts a server-initiated message on the notification subject.
func (t *Transport) Send(message []byte) error {
	if t.conn == nil || !t.conn.IsConnected() {
		return errors.New("not connected to NATS server")
	}
	subject := fmt.Sprintf("%s.notifications", t.subjectPrefix)
	return t.conn.Publish(subject, message)
}

// messageHandler dispatches an incoming message and replies on the
// request's reply subject when one is present.
func (t *Transport) messageHandler(msg *nats.Msg) {
	response, err := t.HandleMessage(msg.Data)
	if err != nil {
		t.GetLogger().Error("message handler error", "subject", msg.Subject, "error", err)
		return
	}
	if response == nil || msg.Reply == "" {
		return
	}

	if err := msg.Respond(response); err != nil {
		t.GetLogger().Error("failed to publish response", "subject", msg.Reply, "error", err)
	}
}
