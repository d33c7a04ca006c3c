// Package run implements a persistent worker that runs a tool once per work request,
// which lets any command line be driven through Bazel's multiplex worker protocol.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"gopkg.in/op/go-logging.v1"

	"github.com/bazel-contrib/rules_worker/worker_tool/cmd/internal/bootstrap"
	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
)

var log = logging.MustGetLogger("run")

type workerOpts struct {
	Tool string `long:"tool" required:"true" description:"Command line of the tool to run for each request; the request's arguments are appended to it"`
}

// RunProcess is the entry point for the run subcommand.
func RunProcess(ctx context.Context, args []string) {
	opts := &workerOpts{}
	os.Exit(bootstrap.Main(ctx, bootstrap.Subcommand{
		Name:    "run",
		Options: opts,
		NewHandler: func() (persistentworker.Handler, error) {
			return newToolRunner(opts.Tool)
		},
	}, args))
}

type toolRunner struct {
	argv []string
}

func newToolRunner(cmdline string) (*toolRunner, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("invalid tool command line %q: %w", cmdline, err)
	} else if len(argv) == 0 {
		return nil, fmt.Errorf("empty tool command line")
	}
	return &toolRunner{argv: argv}, nil
}

// HandleRequest runs the tool in the request's base directory with the request's arguments.
// The tool's stdout and stderr become the response output and its exit code the response's.
func (tr *toolRunner) HandleRequest(ctx context.Context, wc *persistentworker.WorkContext) (int, error) {
	args := append(tr.argv[1:len(tr.argv):len(tr.argv)], wc.Arguments...)
	cmd := exec.CommandContext(ctx, tr.argv[0], args...)
	cmd.Dir = wc.BaseDir
	cmd.Stdout = wc.Output
	cmd.Stderr = wc.Output
	if wc.Verbosity > 1 {
		log.Debug("[request %d] Running %q in %s", wc.RequestID, cmd.Args, cmd.Dir)
	}

	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
