// Package events provides a typed in-process publish/subscribe bus.
// Server internals publish lifecycle and operation events to topics;
// embedders subscribe with typed handlers to observe the runtime without
// hooking into request processing.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultBufferSize = 1024
	publishTimeout    = 100 * time.Millisecond
)

// event is the envelope carried through the subject's channel.
type event struct {
	topic   string
	payload any
	conn    net.Conn
}

// subscriber is one registered handler on a topic. The invoke closure
// performs the type assertion for the subscriber's event type and skips
// payloads of other types.
type subscriber struct {
	id     int
	invoke func(ctx context.Context, payload any, conn net.Conn) error
}

// Subject is the event bus. Create one with NewSubject and shut it down
// with Complete.
type Subject struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	cache  map[string][]event
	nextID int

	ch     chan event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	replaySize int
}

// Option configures a Subject.
type Option func(*Subject)

// WithLogger sets the logger used for handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subject) {
		s.logger = logger
	}
}

// WithBufferSize sets the capacity of the internal event channel.
func WithBufferSize(size int) Option {
	return func(s *Subject) {
		s.ch = make(chan event, size)
	}
}

// WithReplay enables a per-topic cache of the last n events, delivered
// synchronously to subscribers that opt into replay.
func WithReplay(n int) Option {
	return func(s *Subject) {
		s.replaySize = n
	}
}

// NewSubject creates a Subject and starts its event loop.
func NewSubject(opts ...Option) *Subject {
	s := &Subject{
		subs:   make(map[string][]*subscriber),
		cache:  make(map[string][]event),
		ch:     make(chan event, defaultBufferSize),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.eventLoop()
	return s
}

// Complete stops the subject's event loop. Pending events still in the
// channel are dropped. Safe to call more than once.
func Complete(s *Subject) {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Subject) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.ch:
			s.dispatch(evt)
		}
	}
}

func (s *Subject) dispatch(evt event) {
	s.mu.Lock()
	if s.replaySize > 0 {
		cached := append(s.cache[evt.topic], evt)
		if len(cached) > s.replaySize {
			cached = cached[len(cached)-s.replaySize:]
		}
		s.cache[evt.topic] = cached
	}
	subs := make([]*subscriber, len(s.subs[evt.topic]))
	copy(subs, s.subs[evt.topic])
	s.mu.Unlock()

	// Live events are delivered asynchronously; ordering across
	// subscribers is not guaranteed.
	for _, sub := range subs {
		go func(sub *subscriber) {
			if err := sub.invoke(context.Background(), evt.payload, evt.conn); err != nil {
				s.logger.Error("event handler error",
					"topic", evt.topic,
					"error", err)
			}
		}(sub)
	}
}

// Subscription is a handle returned by Subscribe, used to cancel it.
type Subscription struct {
	subject *Subject
	topic   string
	id      int
}

// Unsubscribe removes the handler from the topic.
func (s *Subscription) Unsubscribe() {
	s.subject.mu.Lock()
	defer s.subject.mu.Unlock()

	subs := s.subject.subs[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			s.subject.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a typed handler on a topic. The handler must be
// either func(context.Context, T) error or func(context.Context, T, net.Conn) error;
// anything else panics. Passing replay=true delivers the topic's cached
// events synchronously, in publish order, before Subscribe returns.
// Events whose payload is not of type T are skipped.
func Subscribe[T any](s *Subject, topic string, handler any, replay ...bool) *Subscription {
	var invoke func(ctx context.Context, payload any, conn net.Conn) error

	switch h := handler.(type) {
	case func(context.Context, T) error:
		invoke = func(ctx context.Context, payload any, _ net.Conn) error {
			evt, ok := payload.(T)
			if !ok {
				return nil
			}
			return h(ctx, evt)
		}
	case func(context.Context, T, net.Conn) error:
		invoke = func(ctx context.Context, payload any, conn net.Conn) error {
			evt, ok := payload.(T)
			if !ok {
				return nil
			}
			return h(ctx, evt, conn)
		}
	default:
		panic(fmt.Sprintf("events: unsupported handler type %T for topic %q", handler, topic))
	}

	s.mu.Lock()
	s.nextID++
	sub := &subscriber{id: s.nextID, invoke: invoke}
	s.subs[topic] = append(s.subs[topic], sub)

	var cached []event
	if len(replay) > 0 && replay[0] {
		cached = make([]event, len(s.cache[topic]))
		copy(cached, s.cache[topic])
	}
	s.mu.Unlock()

	// Replay is synchronous so subscribers observe cached events in the
	// order they were published.
	for _, evt := range cached {
		if err := sub.invoke(context.Background(), evt.payload, evt.conn); err != nil {
			s.logger.Error("event handler error",
				"topic", topic,
				"error", err)
		}
	}

	return &Subscription{subject: s, topic: topic, id: sub.id}
}

// Publish emits an event to a topic. An optional net.Conn scopes the
// event to a specific connection; handlers that accept a conn receive it.
// Publish fails if the subject's channel stays full past a short timeout.
func Publish[T any](s *Subject, topic string, evt T, conn ...net.Conn) error {
	e := event{topic: topic, payload: evt}
	if len(conn) > 0 {
		e.conn = conn[0]
	}

	select {
	case s.ch <- e:
		return nil
	case <-time.After(publishTimeout):
		return fmt.Errorf("failed to emit event on topic %q: channel full", topic)
	}
}
