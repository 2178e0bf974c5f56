package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// event is one SSE frame queued for delivery on a stream.
type event struct {
	seq  uint64
	data []byte
}

// stream is one client's SSE connection. Event ids are assigned per
// connection, starting at 1 and strictly increasing; the channel preserves
// assignment order so ids are delivered monotonically. The queue is
// bounded: a client that cannot keep up is disconnected rather than
// buffered without limit.
type stream struct {
	sessionID string

	mu      sync.Mutex
	nextSeq uint64
	closed  bool

	events chan event
	done   chan struct{}
}

func newStream(sessionID string, bufferSize int) *stream {
	return &stream{
		sessionID: sessionID,
		nextSeq:   1,
		events:    make(chan event, bufferSize),
		done:      make(chan struct{}),
	}
}

// enqueue assigns the next event id and queues the frame. It reports false
// when the stream is closed or its buffer is full; a full buffer means the
// client has fallen too far behind and the connection should be dropped.
func (st *stream) enqueue(data []byte) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false
	}

	evt := event{seq: st.nextSeq, data: data}
	select {
	case st.events <- evt:
		st.nextSeq++
		return true
	default:
		return false
	}
}

// close marks the stream dead and wakes its writer. Safe to call twice.
func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.done)
}

// lastSeq returns the highest event id assigned so far.
func (st *stream) lastSeq() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq - 1
}

// serve writes queued events to the client until the stream or the request
// context ends. Keep-alive comments go out whenever the connection has
// been idle for a full interval.
func (st *stream) serve(w http.ResponseWriter, r *http.Request, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-st.done:
			return
		case evt := <-st.events:
			if _, err := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", evt.seq, evt.data); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(keepAlive)
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
