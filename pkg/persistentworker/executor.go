package persistentworker

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// execute drives a single request from stateNotStarted to stateFinished.
// If a cancel or shutdown finishes the request first, execute writes nothing.
func (w *Worker) execute(ctx context.Context, e *activeRequest) {
	req := e.req
	if err := w.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while queued; whoever cancelled us has answered the request.
		return
	}
	defer w.sem.Release(1)

	if !e.state.transition(stateNotStarted, stateStarted) {
		if s := e.state.load(); s != stateFinished {
			panic(fmt.Sprintf("request %d is in state %s after failing to start it", req.RequestID, s))
		}
		return
	}

	w.metrics.inFlight.Inc()
	defer w.metrics.inFlight.Dec()

	ctx, span := w.tracer.Start(ctx, "WorkRequest", trace.WithAttributes(
		attribute.Int("worker.request_id", int(req.RequestID)),
		attribute.Int("worker.arguments", len(req.Arguments)),
		attribute.Int("worker.inputs", len(req.Inputs)),
		attribute.Int("worker.verbosity", int(req.Verbosity)),
		attribute.String("worker.sandbox_dir", req.SandboxDir),
		attribute.String("worker.instance", w.id.String()),
	))
	defer span.End()

	if req.Verbosity > 1 {
		log.Debug("[request %d] Received work request: arguments=%q inputs=%d sandbox=%q", req.RequestID, req.Arguments, len(req.Inputs), req.SandboxDir)
	}

	var output bytes.Buffer
	start := time.Now()
	exitCode, err := w.invoke(ctx, &WorkContext{
		RequestID: req.RequestID,
		Arguments: req.Arguments,
		Inputs:    req.Inputs,
		Verbosity: req.Verbosity,
		BaseDir:   w.baseDir(req),
		Output:    &output,
		Span:      span,
	})
	w.metrics.duration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil {
		if output.Len() > 0 && !bytes.HasSuffix(output.Bytes(), []byte{'\n'}) {
			output.WriteByte('\n')
		}
		output.WriteString(err.Error())
		exitCode = ExitCodeFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
	span.SetAttributes(attribute.Int("worker.exit_code", exitCode))

	resp := WorkResponse{
		ExitCode:  int32(exitCode),
		Output:    output.String(),
		RequestID: req.RequestID,
	}
	outcome := outcomeCompleted
	if exitCode != 0 {
		outcome = outcomeFailed
	}
	written, err := w.writeResponse(e, resp, func() bool {
		return e.state.transition(stateStarted, stateFinished)
	}, outcome)
	if err != nil {
		span.RecordError(err)
	} else if !written {
		span.SetStatus(codes.Error, "cancelled")
		log.Debug("[request %d] Discarding result, the request was already answered", req.RequestID)
	} else if req.Verbosity > 1 {
		log.Debug("[request %d] Sent work response: exit code %d, %d bytes of output", req.RequestID, exitCode, output.Len())
	}
}

// invoke calls the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, wc *WorkContext) (exitCode int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.handler.HandleRequest(ctx, wc)
}

// baseDir returns the directory a request's relative paths are resolved against.
func (w *Worker) baseDir(req *WorkRequest) string {
	if req.SandboxDir == "" {
		return w.workDir
	} else if filepath.IsAbs(req.SandboxDir) {
		return req.SandboxDir
	}
	return filepath.Join(w.workDir, req.SandboxDir)
}
