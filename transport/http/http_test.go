package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaiss-ai/httpmcp/auth"
	"github.com/renaiss-ai/httpmcp/transport"
)

// stubHandler is a minimal SessionHandler that tracks sessions and answers
// every id-bearing request with a canned pong response.
type stubHandler struct {
	mu       sync.Mutex
	sessions map[string]bool
	nextID   int
	lastMeta map[string]string
}

func newStubHandler() *stubHandler {
	return &stubHandler{sessions: make(map[string]bool)}
}

func (h *stubHandler) HandleSessionMessage(sessionID string, message []byte, meta map[string]string) ([]byte, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastMeta = meta

	if sessionID == "" {
		h.nextID++
		sessionID = fmt.Sprintf("session-%d", h.nextID)
		h.sessions[sessionID] = true
	} else if !h.sessions[sessionID] {
		return nil, "", fmt.Errorf("%w: %s", transport.ErrUnknownSession, sessionID)
	}

	// Messages without an id are notifications and get no response.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(message, &envelope); err == nil {
		if _, hasID := envelope["id"]; !hasID {
			return nil, sessionID, nil
		}
	}

	return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), sessionID, nil
}

func (h *stubHandler) CloseSession(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessions[sessionID] {
		return false
	}
	delete(h.sessions, sessionID)
	return true
}

func newTestTransport(options ...Option) (*Transport, *stubHandler) {
	handler := newStubHandler()
	t := NewTransport(":0", handler, options...)
	return t, handler
}

func postJSON(t *testing.T, tr *Transport, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, tr.Endpoint(), bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)
	return rec
}

func TestHandlePostDispatch(t *testing.T) {
	tr, _ := newTestTransport()

	rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "session-1", rec.Header().Get(SessionHeader))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
}

func TestHandlePostReusesSession(t *testing.T) {
	tr, _ := newTestTransport()

	first := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	sessionID := first.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	second := postJSON(t, tr, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, map[string]string{SessionHeader: sessionID})
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, sessionID, second.Header().Get(SessionHeader))
}

func TestHandlePostNotificationNoContent(t *testing.T) {
	tr, _ := newTestTransport()

	rec := postJSON(t, tr, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandlePostUnknownSession(t *testing.T) {
	tr, _ := newTestTransport()

	rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{SessionHeader: "ghost"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePostRequiresJSONContentType(t *testing.T) {
	tr, _ := newTestTransport()

	req := httptest.NewRequest(http.MethodPost, tr.Endpoint(), strings.NewReader("jsonrpc"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePostForwardsHeadersAsMeta(t *testing.T) {
	tr, handler := newTestTransport()

	postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, map[string]string{
		"Authorization":   "Bearer tok123",
		"X-Custom-Header": "custom-value",
	})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "Bearer tok123", handler.lastMeta["authorization"])
	assert.Equal(t, "custom-value", handler.lastMeta["x-custom-header"])
	assert.NotEmpty(t, handler.lastMeta["remote-addr"])
}

func TestAuthorization(t *testing.T) {
	tr, _ := newTestTransport(WithTokenValidator(auth.NewStaticTokenValidator("sekret")))

	t.Run("missing token rejected", func(t *testing.T) {
		rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		var body struct {
			Error struct {
				Code int `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, -32000, body.Error.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer sekret"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleDelete(t *testing.T) {
	tr, handler := newTestTransport()

	rec := postJSON(t, tr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	sessionID := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, sessionID)

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, tr.Endpoint(), nil)
		rec := httptest.NewRecorder()
		tr.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, tr.Endpoint(), nil)
		req.Header.Set(SessionHeader, "ghost")
		rec := httptest.NewRecorder()
		tr.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("terminates the session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, tr.Endpoint(), nil)
		req.Header.Set(SessionHeader, sessionID)
		rec := httptest.NewRecorder()
		tr.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"session_terminated"}`, rec.Body.String())

		handler.mu.Lock()
		defer handler.mu.Unlock()
		assert.False(t, handler.sessions[sessionID])
	})
}

func TestStreamRejectsWrongAccept(t *testing.T) {
	tr, _ := newTestTransport()

	req := httptest.NewRequest(http.MethodGet, tr.Endpoint(), nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

// sseClient opens a live SSE stream against a test server and exposes the
// frames it reads.
func openStream(t *testing.T, server *httptest.Server, headers map[string]string) (*bufio.Reader, func()) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, server.URL+DefaultMCPEndpoint, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return bufio.NewReader(resp.Body), func() { resp.Body.Close() }
}

// readEventIDs reads SSE frames until count "id:" lines have been seen.
func readEventIDs(t *testing.T, reader *bufio.Reader, count int) []string {
	t.Helper()

	var ids []string
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	for len(ids) < count {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended after %d of %d ids", len(ids), count)
			}
			if strings.HasPrefix(line, "id: ") {
				ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
			}
		case <-deadline:
			t.Fatalf("timed out after reading %d of %d ids", len(ids), count)
		}
	}
	return ids
}

func TestStreamDeliversEventsWithIncreasingIDs(t *testing.T) {
	tr, _ := newTestTransport()
	server := httptest.NewServer(http.HandlerFunc(tr.ServeHTTP))
	defer server.Close()

	reader, closeStream := openStream(t, server, nil)
	defer closeStream()

	require.Eventually(t, func() bool { return tr.StreamCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)))
	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","method":"notifications/resources/list_changed"}`)))
	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","method":"notifications/prompts/list_changed"}`)))

	ids := readEventIDs(t, reader, 3)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestStreamResumeRestartsAtOne(t *testing.T) {
	tr, _ := newTestTransport()
	server := httptest.NewServer(http.HandlerFunc(tr.ServeHTTP))
	defer server.Close()

	// A client reconnecting with Last-Event-ID gets a fresh stream whose
	// ids restart from 1; nothing is replayed.
	reader, closeStream := openStream(t, server, map[string]string{"Last-Event-ID": "41"})
	defer closeStream()

	require.Eventually(t, func() bool { return tr.StreamCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Send([]byte(`{}`)))
	ids := readEventIDs(t, reader, 1)
	assert.Equal(t, []string{"1"}, ids)
}

func TestStreamKeepAlive(t *testing.T) {
	tr, _ := newTestTransport(WithKeepAliveInterval(30 * time.Millisecond))
	server := httptest.NewServer(http.HandlerFunc(tr.ServeHTTP))
	defer server.Close()

	reader, closeStream := openStream(t, server, nil)
	defer closeStream()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keepalive") {
			return
		}
	}
	t.Fatal("no keepalive comment received")
}

func TestStreamClosedOnStop(t *testing.T) {
	tr, _ := newTestTransport()
	server := httptest.NewServer(http.HandlerFunc(tr.ServeHTTP))
	defer server.Close()

	_, closeStream := openStream(t, server, nil)
	defer closeStream()

	require.Eventually(t, func() bool { return tr.StreamCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Stop())
	assert.Equal(t, 0, tr.StreamCount())
}

// observingHandler extends stubHandler with stream lifecycle tracking.
type observingHandler struct {
	*stubHandler
	obsMu    sync.Mutex
	opened   []string
	closed   []string
	lastSeqs []uint64
}

func (h *observingHandler) StreamOpened(sessionID string) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.opened = append(h.opened, sessionID)
}

func (h *observingHandler) StreamClosed(sessionID string, lastEventID uint64) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.closed = append(h.closed, sessionID)
	h.lastSeqs = append(h.lastSeqs, lastEventID)
}

func (h *observingHandler) openedCount() int {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	return len(h.opened)
}

func (h *observingHandler) closedWith() (int, []uint64) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	return len(h.closed), append([]uint64(nil), h.lastSeqs...)
}

func TestStreamLifecycleObserver(t *testing.T) {
	handler := &observingHandler{stubHandler: newStubHandler()}
	tr := NewTransport("127.0.0.1:0", handler)
	server := httptest.NewServer(http.HandlerFunc(tr.ServeHTTP))
	defer server.Close()

	reader, closeStream := openStream(t, server, nil)

	require.Eventually(t, func() bool { return handler.openedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Send([]byte(`{}`)))
	ids := readEventIDs(t, reader, 1)
	require.Equal(t, []string{"1"}, ids)

	closeStream()

	// The close callback carries the last delivered event id.
	require.Eventually(t, func() bool {
		count, seqs := handler.closedWith()
		return count == 1 && len(seqs) == 1 && seqs[0] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamEnqueue(t *testing.T) {
	st := newStream("s1", 2)

	assert.True(t, st.enqueue([]byte("a")))
	assert.True(t, st.enqueue([]byte("b")))
	// Buffer full: the client has fallen behind.
	assert.False(t, st.enqueue([]byte("c")))
	assert.Equal(t, uint64(2), st.lastSeq())

	st.close()
	assert.False(t, st.enqueue([]byte("d")))

	// close is idempotent.
	st.close()
}

func TestEndpointWithPrefix(t *testing.T) {
	tr := NewTransport(":0", newStubHandler(), WithPathPrefix("api"), WithMCPEndpoint("rpc"))
	assert.Equal(t, "/api/rpc", tr.Endpoint())
}
