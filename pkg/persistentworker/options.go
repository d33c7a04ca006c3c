package persistentworker

import (
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Bounds on the default number of concurrent workers.
const (
	minDefaultWorkers = 2
	maxDefaultWorkers = 14
)

// DefaultShutdownGrace is how long Run waits for cancelled requests to return once it is shutting down.
const DefaultShutdownGrace = 5 * time.Second

// Option configures a Worker.
type Option func(*Worker)

// WithMaxWorkers sets the maximum number of concurrent workers.
// If not specified, defaults to the number of usable CPUs, clamped to [2, 14].
func WithMaxWorkers(max int) Option {
	return func(w *Worker) {
		if max > 0 {
			w.maxWorkers = max
		}
	}
}

// WithInput sets the input reader for work requests.
// If not specified, defaults to os.Stdin.
func WithInput(r io.Reader) Option {
	return func(w *Worker) {
		w.input = r
	}
}

// WithOutput sets the output writer for work responses.
// If not specified, defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(worker *Worker) {
		worker.output = w
	}
}

// WithWorkDir sets the directory that sandbox directories are resolved against.
// If not specified, defaults to the process' working directory.
func WithWorkDir(dir string) Option {
	return func(w *Worker) {
		w.workDir = dir
	}
}

// WithCancelNotifier sets a function called with the request id whenever the worker
// commits to answering a cancel request. It runs inline and must not block.
func WithCancelNotifier(f func(requestID int32)) Option {
	return func(w *Worker) {
		w.onCancel = f
	}
}

// WithTracer sets the tracer used to create a span for each request.
// If not specified, the global tracer provider is used.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		w.tracer = tracer
	}
}

// WithMetrics registers the worker's metrics with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(w *Worker) {
		w.metrics = newMetrics(reg)
	}
}

// WithLimits sets the limits applied when decoding requests.
func WithLimits(limits Limits) Option {
	return func(w *Worker) {
		w.limits = limits
	}
}

// WithShutdownGrace sets how long Run waits for cancelled requests to return when shutting down.
func WithShutdownGrace(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.shutdownGrace = d
		}
	}
}

// WithID sets the instance id reported in logs and spans.
// If not specified, a random one is generated.
func WithID(id uuid.UUID) Option {
	return func(w *Worker) {
		w.id = id
	}
}

// defaultMaxWorkers returns the default number of concurrent workers.
func defaultMaxWorkers() int {
	return clampWorkers(runtime.GOMAXPROCS(0))
}

func clampWorkers(n int) int {
	if n < minDefaultWorkers {
		return minDefaultWorkers
	} else if n > maxDefaultWorkers {
		return maxDefaultWorkers
	}
	return n
}

// defaultInput returns the default input reader.
func defaultInput() io.Reader {
	return os.Stdin
}

// defaultOutput returns the default output writer.
func defaultOutput() io.Writer {
	return os.Stdout
}
