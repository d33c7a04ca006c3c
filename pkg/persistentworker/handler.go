package persistentworker

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/trace"
)

// WorkContext is everything a Handler gets to know about a single request.
type WorkContext struct {
	RequestID int32
	Arguments []string
	Inputs    []Input
	Verbosity int32
	// BaseDir is the worker's working directory, joined with the request's sandbox directory if it has one.
	BaseDir string
	// Output collects the human-readable output of the request. It is owned by this request alone.
	Output io.Writer
	// Span is the trace span covering this request.
	Span trace.Span
}

// Handler processes individual work requests.
// Implementations should be thread-safe as HandleRequest may be called
// concurrently from multiple goroutines.
type Handler interface {
	// HandleRequest processes a single work request and returns its exit code.
	// The context is cancelled if Bazel sends a cancel request for this work, in which
	// case the worker has already answered the request and whatever is returned is discarded.
	// A non-nil error is written to the request's output and reported with exit code -1.
	HandleRequest(ctx context.Context, wc *WorkContext) (int, error)
}

// HandlerFunc is a function adapter that implements Handler.
type HandlerFunc func(context.Context, *WorkContext) (int, error)

// HandleRequest calls the function itself.
func (f HandlerFunc) HandleRequest(ctx context.Context, wc *WorkContext) (int, error) {
	return f(ctx, wc)
}
