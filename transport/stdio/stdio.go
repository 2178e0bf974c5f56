// Package stdio provides a standard I/O implementation of the MCP
// transport, suitable for child-process servers driven by a local client.
package stdio

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/renaiss-ai/httpmcp/transport"
)

// looksLikeJSONRPC reports whether a line plausibly carries a JSON-RPC
// message or batch. Stdin often carries stray log output from the parent
// process; anything that is not JSON-RPC is dropped instead of being
// answered with a parse error.
func looksLikeJSONRPC(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		// Batches are validated downstream; an array shape is enough here.
		var batch []json.RawMessage
		return json.Unmarshal(data, &batch) == nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return false
	}
	version, ok := raw["jsonrpc"].(string)
	if !ok || version != "2.0" {
		return false
	}

	_, hasMethod := raw["method"]
	_, hasID := raw["id"]
	_, hasResult := raw["result"]
	_, hasError := raw["error"]
	return hasMethod || (hasID && (hasResult || hasError))
}

// Transport implements the transport.Transport interface over standard
// input and output. Messages are newline-delimited.
type Transport struct {
	transport.BaseTransport

	reader *bufio.Reader
	writer *bufio.Writer
	done   chan struct{}
}

// NewTransport creates a stdio transport bound to os.Stdin and os.Stdout.
func NewTransport() *Transport {
	return NewTransportWithIO(os.Stdin, os.Stdout)
}

// NewTransportWithIO creates a stdio transport with custom streams. Used
// in tests and for embedding.
func NewTransportWithIO(in io.Reader, out io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
		done:   make(chan struct{}),
	}
}

// NewTransportWithLogFile creates a stdio transport that sends its logs to
// the given file instead of stderr, keeping stdout clean for protocol
// traffic.
func NewTransportWithLogFile(path string) *Transport {
	t := NewTransport()
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		t.SetLogger(slog.New(slog.NewTextHandler(f, nil)))
	}
	return t
}

// Initialize initializes the transport.
func (t *Transport) Initialize() error {
	return nil
}

// Start begins reading from stdin.
func (t *Transport) Start() error {
	go t.readLoop()
	return nil
}

// Stop stops the read loop.
func (t *Transport) Stop() error {
	close(t.done)
	return nil
}

// Send writes a message to stdout followed by a newline.
func (t *Transport) Send(message []byte) error {
	if _, err := t.writer.Write(message); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *Transport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		line, err := t.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// The parent process may send more input later; back off
				// instead of spinning.
				select {
				case <-t.done:
					return
				case <-time.After(100 * time.Millisecond):
					continue
				}
			}
			t.Debug("stdio read error: " + err.Error())
			continue
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if !looksLikeJSONRPC([]byte(line)) {
			t.Debug("stdio dropped non-JSON-RPC input")
			continue
		}

		response, err := t.HandleMessage([]byte(line))
		if err != nil {
			t.Debug("stdio handler error: " + err.Error())
			continue
		}
		if response != nil {
			if err := t.Send(response); err != nil {
				t.GetLogger().Error("failed to send response", "error", err)
			}
		}
	}
}
