// Package mqtt provides an MQTT implementation of the transport layer.
//
// The server subscribes to a request topic tree and routes each response
// back to the per-client response topic derived from the request topic,
// which makes it suitable for IoT-style deployments where clients sit
// behind a shared broker.
package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/renaiss-ai/httpmcp/transport"
)

// DefaultQoS is the default Quality of Service level for broker traffic.
const DefaultQoS = 1

// DefaultConnectTimeout bounds the initial broker connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// DefaultTopicPrefix is the default prefix for all protocol topics.
const DefaultTopicPrefix = "mcp"

// DefaultRequestTopic is the topic segment carrying client requests.
const DefaultRequestTopic = "requests"

// DefaultResponseTopic is the topic segment carrying server responses.
const DefaultResponseTopic = "responses"

// Transport implements transport.Transport on top of an MQTT broker.
type Transport struct {
	transport.BaseTransport
	brokerURL     string
	clientID      string
	client        paho.Client
	topicPrefix   string
	requestTopic  string
	responseTopic string
	qos           byte
	username      string
	password      string
	cleanSession  bool
	connected     bool
	subs          map[string]byte
	done          chan struct{}
}

// Option configures the MQTT transport.
type Option func(*Transport)

// NewTransport creates a new server-side MQTT transport.
func NewTransport(brokerURL string, options ...Option) *Transport {
	t := &Transport{
		brokerURL:     brokerURL,
		topicPrefix:   DefaultTopicPrefix,
		requestTopic:  DefaultRequestTopic,
		responseTopic: DefaultResponseTopic,
		qos:           DefaultQoS,
		cleanSession:  true,
		subs:          make(map[string]byte),
		done:          make(chan struct{}),
	}

	for _, option := range options {
		option(t)
	}

	if t.clientID == "" {
		t.clientID = fmt.Sprintf("mcp-server-%d", time.Now().UnixNano())
	}

	return t
}

// WithClientID sets the MQTT client identifier.
func WithClientID(clientID string) Option {
	return func(t *Transport) {
		t.clientID = clientID
	}
}

// WithQoS sets the Quality of Service level (0, 1, or 2).
func WithQoS(qos byte) Option {
	return func(t *Transport) {
		if qos <= 2 {
			t.qos = qos
		}
	}
}

// WithCredentials sets the username and password for broker authentication.
func WithCredentials(username, password string) Option {
	return func(t *Transport) {
		t.username = username
		t.password = password
	}
}

// WithTopicPrefix sets the prefix shared by all protocol topics.
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.topicPrefix = strings.Trim(prefix, "/")
	}
}

// WithCleanSession controls whether the broker session starts clean.
func WithCleanSession(clean bool) Option {
	return func(t *Transport) {
		t.cleanSession = clean
	}
}

// Initialize builds the broker client. No network traffic happens here.
func (t *Transport) Initialize() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(t.brokerURL)
	opts.SetClientID(t.clientID)
	opts.SetCleanSession(t.cleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(DefaultConnectTimeout)

	if t.username != "" {
		opts.SetUsername(t.username)
		opts.SetPassword(t.password)
	}

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		t.connected = false
		t.GetLogger().Warn("lost connection to MQTT broker", "error", err)
	})

	// Resubscribe on reconnect; paho drops subscriptions for clean sessions.
	opts.SetOnConnectHandler(func(client paho.Client) {
		t.connected = true
		for topic, qos := range t.subs {
			if err := t.subscribe(topic, qos); err != nil {
				t.GetLogger().Error("failed to resubscribe", "topic", topic, "error", err)
			}
		}
	})

	t.client = paho.NewClient(opts)
	return nil
}

// Start connects to the broker and subscribes to the request topic tree.
func (t *Transport) Start() error {
	if t.client == nil {
		if err := t.Initialize(); err != nil {
			return err
		}
	}

	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.connected = true

	requestTopic := fmt.Sprintf("%s/%s/+", t.topicPrefix, t.requestTopic)
	return t.subscribe(requestTopic, t.qos)
}

// Stop disconnects from the broker.
func (t *Transport) Stop() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}

	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// Send broadcasts a server-initiated message on the shared response topic.
func (t *Transport) Send(message []byte) error {
	if !t.connected {
		return errors.New("not connected to MQTT broker")
	}

	topic := fmt.Sprintf("%s/%s", t.topicPrefix, t.responseTopic)
	token := t.client.Publish(topic, t.qos, false, message)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// messageHandler dispatches an incoming broker message and routes the
// response to the client-specific response topic when the request topic
// carries a client identifier.
func (t *Transport) messageHandler(client paho.Client, msg paho.Message) {
	response, err := t.HandleMessage(msg.Payload())
	if err != nil {
		t.GetLogger().Error("message handler error", "topic", msg.Topic(), "error", err)
		return
	}
	if response == nil {
		return
	}

	responseTopic := fmt.Sprintf("%s/%s", t.topicPrefix, t.responseTopic)
	if clientID := t.clientIDFromTopic(msg.Topic()); clientID != "" {
		responseTopic = fmt.Sprintf("%s/%s/%s", t.topicPrefix, t.responseTopic, clientID)
	}

	token := t.client.Publish(responseTopic, t.qos, false, response)
	token.Wait()
}

// clientIDFromTopic extracts the trailing client identifier from a
// request topic of the form {prefix}/{requestTopic}/{clientID}.
func (t *Transport) clientIDFromTopic(topic string) string {
	prefix := fmt.Sprintf("%s/%s/", t.topicPrefix, t.requestTopic)
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	clientID := strings.TrimPrefix(topic, prefix)
	if strings.Contains(clientID, "/") {
		return ""
	}
	return clientID
}

func (t *Transport) subscribe(topic string, qos byte) error {
	token := t.client.Subscribe(topic, qos, t.messageHandler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.subs[topic] = qos
	return nil
}
