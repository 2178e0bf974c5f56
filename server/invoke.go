package server

import (
	"fmt"
	"time"
)

// invokeHandler runs a user-supplied handler in its own goroutine with panic
// recovery and the server's request timeout. Panics, cancellation, and
// timeouts all come back as plain errors so the dispatch boundary can map
// them to protocol errors. The name identifies the handler in error text,
// e.g. "tool add" or "resource docs://readme".
func (s *serverImpl) invokeHandler(ctx *Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{nil, fmt.Errorf("%s handler panicked: %v", name, r)}
			}
		}()
		res, err := fn()
		resultCh <- outcome{res, err}
	}()

	timeout := s.requestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s execution cancelled", name)
	case <-timer.C:
		return nil, fmt.Errorf("%s execution timed out after %s", name, timeout)
	}
}
