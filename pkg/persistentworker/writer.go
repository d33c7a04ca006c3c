package persistentworker

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// responseWriter serialises all responses onto the single output stream.
type responseWriter struct {
	mu       sync.Mutex
	w        *bufio.Writer
	requests *registry
}

func newResponseWriter(w io.Writer, requests *registry) *responseWriter {
	return &responseWriter{
		w:        bufio.NewWriter(w),
		requests: requests,
	}
}

// WriteResponse encodes resp and, if beforeWrite still returns true once the output lock is held,
// writes and flushes it. Either way the registry entry for the request is removed before the lock
// is released, so a write is never retried or duplicated.
func (rw *responseWriter) WriteResponse(e *activeRequest, resp WorkResponse, beforeWrite func() bool) (written bool, err error) {
	buf := AppendWorkResponse(make([]byte, 0, ResponseSize(resp)), resp)

	rw.mu.Lock()
	defer rw.mu.Unlock()
	defer rw.requests.Delete(resp.RequestID, e)
	if !beforeWrite() {
		return false, nil
	}
	if _, err := rw.w.Write(buf); err != nil {
		return false, fmt.Errorf("writing response for request %d: %w", resp.RequestID, err)
	}
	if err := rw.w.Flush(); err != nil {
		return false, fmt.Errorf("flushing response for request %d: %w", resp.RequestID, err)
	}
	return true, nil
}

func alwaysWrite() bool { return true }
