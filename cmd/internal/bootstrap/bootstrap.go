// Package bootstrap contains the startup sequence shared by every subcommand that runs as a
// persistent worker: flag and config parsing, logging, tracing, metrics, and exit codes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
	"github.com/thought-machine/go-flags"
	"go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/op/go-logging.v1"

	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/config"
	workerlogging "github.com/bazel-contrib/rules_worker/worker_tool/pkg/logging"
	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/tracing"
)

var log = logging.MustGetLogger("bootstrap")

// Process exit codes.
const (
	ExitOK          = 0
	ExitFault       = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

const flushTimeout = 5 * time.Second

// Subcommand describes one entry point of the worker binary.
type Subcommand struct {
	// Name is used for logging, tracing and as the metrics job name.
	Name string
	// Options, if non-nil, is a pointer to a go-flags struct holding the subcommand's startup flags.
	Options any
	// NewHandler creates the handler once Options has been populated.
	NewHandler func() (persistentworker.Handler, error)
	// OneShot handles a single invocation outside of a worker. If nil the subcommand
	// refuses to run without --persistent_worker.
	OneShot func(ctx context.Context, args []string) error
}

// opts are the startup flags common to every worker.
type opts struct {
	Config      string `long:"worker_config" description:"YAML file holding the worker configuration"`
	MaxWorkers  int    `long:"max_workers" description:"Maximum number of requests to handle at once"`
	LogLevel    string `long:"log_level" description:"Level of logging written to stderr"`
	LogFile     string `long:"log_file" description:"File to additionally write diagnostic logs to"`
	MetricsFile string `long:"metrics_file" description:"File to write metrics to on shutdown, in the Prometheus text format"`
	TraceFile   string `long:"trace_file" description:"File to write request spans to"`
}

// Main runs sub with the given arguments and returns the process exit code.
func Main(ctx context.Context, sub Subcommand, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, sub, args, os.Stdin, os.Stdout)
}

func run(ctx context.Context, sub Subcommand, args []string, stdin io.Reader, stdout io.Writer) int {
	args, isWorker, err := persistentworker.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", sub.Name, err)
		return ExitUsage
	}
	if !isWorker {
		return oneShot(ctx, sub, args)
	}

	cfg, err := parseConfig(sub, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", sub.Name, err)
		return ExitUsage
	}
	closeLogs, err := workerlogging.Init(cfg.LogLevel, cfg.LogFile, cfg.LogFileLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", sub.Name, err)
		return ExitUsage
	}
	defer closeLogs()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warning("Failed to set GOMAXPROCS: %s", err)
	}

	handler, err := sub.NewHandler()
	if err != nil {
		log.Error("Failed to initialise %s: %s", sub.Name, err)
		return ExitUsage
	}

	id := uuid.New()
	stopTracing, err := tracing.Init(cfg.TraceFile, sub.Name, id.String())
	if err != nil {
		log.Error("%s", err)
		return ExitUsage
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := stopTracing(ctx); err != nil {
			log.Warning("%s", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	w := persistentworker.NewWorker(handler,
		persistentworker.WithID(id),
		persistentworker.WithInput(stdin),
		persistentworker.WithOutput(stdout),
		persistentworker.WithMaxWorkers(cfg.MaxWorkers),
		persistentworker.WithLimits(persistentworker.Limits{MaxMessageSize: cfg.MaxMessageSize}),
		persistentworker.WithShutdownGrace(cfg.ShutdownGrace),
		persistentworker.WithTracer(otel.Tracer("github.com/bazel-contrib/rules_worker/worker_tool/"+sub.Name)),
		persistentworker.WithMetrics(reg),
		persistentworker.WithCancelNotifier(func(requestID int32) {
			log.Info("Request %d cancelled", requestID)
		}),
	)
	runErr := w.Run(ctx)
	exportMetrics(reg, cfg, sub.Name, id)

	switch {
	case runErr == nil:
		return ExitOK
	case errors.Is(runErr, context.Canceled):
		log.Warning("%s", runErr)
		return ExitInterrupted
	default:
		log.Error("%s", runErr)
		return ExitFault
	}
}

// parseConfig parses the common startup flags along with the subcommand's own, and merges them
// over the config file if one was given.
func parseConfig(sub Subcommand, args []string) (*config.Config, error) {
	var o opts
	parser := flags.NewNamedParser(sub.Name, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddGroup("Worker options", "", &o); err != nil {
		return nil, err
	}
	if sub.Options != nil {
		if _, err := parser.AddGroup(sub.Name+" options", "", sub.Options); err != nil {
			return nil, err
		}
	}
	extra, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	} else if len(extra) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", extra)
	}

	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, err
	}
	if o.MaxWorkers != 0 {
		cfg.MaxWorkers = o.MaxWorkers
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.LogFile = o.LogFile
	}
	if o.MetricsFile != "" {
		cfg.MetricsFile = o.MetricsFile
	}
	if o.TraceFile != "" {
		cfg.TraceFile = o.TraceFile
	}
	return cfg, nil
}

func oneShot(ctx context.Context, sub Subcommand, args []string) int {
	if sub.OneShot == nil {
		fmt.Fprintf(os.Stderr, "%s: can only be run as a persistent worker (pass %s)\n", sub.Name, persistentworker.PersistentWorkerFlag)
		return ExitUsage
	}
	closeLogs, err := workerlogging.Init("warning", "", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", sub.Name, err)
		return ExitFault
	}
	defer closeLogs()
	if err := sub.OneShot(ctx, args); err != nil {
		if errors.Is(err, context.Canceled) {
			return ExitInterrupted
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", sub.Name, err)
		return ExitFault
	}
	return ExitOK
}

// exportMetrics writes the final metric values to a file and/or a pushgateway, as configured.
// Failures are logged but don't change the exit code.
func exportMetrics(reg *prometheus.Registry, cfg *config.Config, job string, id uuid.UUID) {
	if cfg.MetricsFile != "" {
		if err := writeMetricsFile(reg, cfg.MetricsFile); err != nil {
			log.Warning("Failed to write metrics: %s", err)
		}
	}
	if cfg.MetricsPushURL != "" {
		if err := push.New(cfg.MetricsPushURL, job).
			Gatherer(reg).
			Grouping("instance", id.String()).
			Format(expfmt.FmtText).
			Push(); err != nil {
			log.Warning("Error pushing to Prometheus pushgateway: %s", err)
		}
	}
}

func writeMetricsFile(reg prometheus.Gatherer, path string) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(f, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
