// Package persistentworker implements the worker side of Bazel's multiplex persistent worker protocol.
//
// Requests are read from a single input stream, handled concurrently, and answered
// on a single output stream in whatever order they complete. Every accepted request
// gets exactly one response, even when its completion races with a cancel request
// or with the worker shutting down.
package persistentworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("persistentworker")

const tracerName = "github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"

// ErrDuplicateRequest is logged when the peer reuses the id of a request that is still active.
var ErrDuplicateRequest = errors.New("request id is already active")

// Worker is a generic persistent worker that handles Bazel work requests.
// It manages goroutine orchestration, concurrent request processing, and response writing.
// It supports Bazel's cancellation protocol as described at:
// https://bazel.build/remote/creating#cancellation
type Worker struct {
	handler       Handler
	maxWorkers    int
	input         io.Reader
	output        io.Writer
	workDir       string
	onCancel      func(int32)
	tracer        trace.Tracer
	metrics       *metrics
	limits        Limits
	shutdownGrace time.Duration
	id            uuid.UUID

	requests *registry
	out      *responseWriter
	sem      *semaphore.Weighted
	tasks    sync.WaitGroup
}

// NewWorker creates a new persistent worker with the given handler and options.
func NewWorker(handler Handler, opts ...Option) *Worker {
	w := &Worker{
		handler:       handler,
		maxWorkers:    defaultMaxWorkers(),
		input:         defaultInput(),
		output:        defaultOutput(),
		limits:        DefaultLimits(),
		shutdownGrace: DefaultShutdownGrace,
		id:            uuid.New(),
		requests:      newRegistry(defaultShardCount),
	}

	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	if w.metrics == nil {
		w.metrics = newMetrics(nil)
	}
	return w
}

// ID returns the unique id of this worker instance.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Run starts the persistent worker, reading work requests from input and writing responses to output.
// It blocks until the input stream is closed, ctx is cancelled, or a malformed request is read.
// Before returning it answers every request that is still active with exit code 2.
//
// When Run is stopped through ctx, the goroutine reading input stays blocked until the
// current read on input returns; closing input releases it. It does not log or deliver
// anything once Run has returned.
//
// It returns nil if the input stream ended, an error wrapping ctx's error if it was stopped,
// and a *DecodeError if the input could not be decoded.
func (w *Worker) Run(ctx context.Context) error {
	if w.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		w.workDir = wd
	}
	w.out = newResponseWriter(w.output, w.requests)
	w.sem = semaphore.NewWeighted(int64(w.maxWorkers))
	// Requests outlive a cancelled ctx until the drain below has answered them.
	taskCtx := context.WithoutCancel(ctx)

	log.Info("Persistent worker %s starting, handling up to %d requests at once", w.id, w.maxWorkers)

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	reqs := make(chan *WorkRequest)
	readErr := make(chan error, 1)
	go w.readRequests(readCtx, reqs, readErr)

	var runErr error
loop:
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				if runErr = <-readErr; runErr == nil && ctx.Err() != nil {
					runErr = fmt.Errorf("worker stopped: %w", ctx.Err())
				}
				break loop
			}
			if err := w.dispatch(ctx, taskCtx, req); err != nil {
				runErr = err
				break loop
			}
		case <-ctx.Done():
			runErr = fmt.Errorf("worker stopped: %w", ctx.Err())
			break loop
		}
	}

	if err := w.drain(); err != nil {
		if runErr == nil {
			return err
		}
		return multierror.Append(runErr, err)
	}
	log.Info("Persistent worker %s shut down", w.id)
	return runErr
}

// readRequests decodes requests from the input stream until it ends or fails.
// It sends exactly one value on errs before closing reqs.
func (w *Worker) readRequests(ctx context.Context, reqs chan<- *WorkRequest, errs chan<- error) {
	defer close(reqs)
	reader := bufio.NewReader(w.input)
	for {
		req, err := ReadWorkRequest(reader, w.limits)
		if ctx.Err() != nil {
			// Run has already stopped; nothing is listening any more.
			errs <- nil
			return
		}
		if err != nil {
			if isClosed(err) {
				log.Debug("Input stream closed: %s", err)
				errs <- nil
				return
			}
			errs <- err
			return
		} else if req == nil {
			log.Debug("Reached end of input stream")
			errs <- nil
			return
		}
		select {
		case reqs <- req:
		case <-ctx.Done():
			errs <- nil
			return
		}
	}
}

// isClosed returns true if err indicates the input was closed underneath a read.
func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// dispatch handles a single decoded request: either a cancel signal or new work.
func (w *Worker) dispatch(ctx, taskCtx context.Context, req *WorkRequest) error {
	if req.Cancel {
		w.cancelRequest(req.RequestID)
		return nil
	}
	if req.RequestID == 0 {
		// The peer only sends the next singleplex request once it has the previous response,
		// but our own cleanup of the previous one may not have happened yet.
		if err := w.requests.AwaitAbsent(ctx, 0); err != nil {
			return fmt.Errorf("waiting for previous singleplex request: %w", err)
		}
	}
	e := &activeRequest{req: req, task: newTask(taskCtx)}
	if !w.requests.Add(req.RequestID, e) {
		w.metrics.protocolViolations.Inc()
		log.Error("Dropping request %d: %s", req.RequestID, ErrDuplicateRequest)
		return nil
	}
	w.tasks.Add(1)
	e.task.Start(func(ctx context.Context) {
		defer w.tasks.Done()
		w.execute(ctx, e)
	})
	return nil
}

// cancelRequest answers a cancel signal for the given request, if it is still active.
func (w *Worker) cancelRequest(id int32) {
	e, ok := w.requests.Get(id)
	if !ok {
		log.Debug("Ignoring cancel for request %d, it is no longer active", id)
		return
	}
	if !e.state.finish() {
		log.Debug("Ignoring cancel for request %d, it has already finished", id)
		return
	}
	if w.onCancel != nil {
		w.onCancel(id)
	}
	e.task.Cancel()
	w.writeResponse(e, WorkResponse{RequestID: id, WasCancelled: true}, alwaysWrite, outcomeCancelled)
}

// drain answers every request that is still active with ExitCodeShutdown, then waits
// a bounded time for their handlers to return.
func (w *Worker) drain() error {
	var result *multierror.Error
	for _, e := range w.requests.Values() {
		if !e.state.finish() {
			continue
		}
		e.task.Cancel()
		resp := WorkResponse{ExitCode: ExitCodeShutdown, RequestID: e.req.RequestID}
		if _, err := w.writeResponse(e, resp, alwaysWrite, outcomeShutdown); err != nil {
			result = multierror.Append(result, err)
		}
	}
	w.requests.Clear()
	w.awaitTasks()
	return result.ErrorOrNil()
}

func (w *Worker) awaitTasks() {
	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.shutdownGrace):
		log.Warning("Some requests did not stop within %s of being cancelled", w.shutdownGrace)
	}
}

// writeResponse writes a response through the shared writer and records the outcome.
func (w *Worker) writeResponse(e *activeRequest, resp WorkResponse, beforeWrite func() bool, outcome string) (bool, error) {
	written, err := w.out.WriteResponse(e, resp, beforeWrite)
	if err != nil {
		log.Error("%s", err)
		return false, err
	}
	if written {
		w.metrics.responses.WithLabelValues(outcome).Inc()
	}
	return written, nil
}
