package hash

import (
	"context"
	"fmt"
	"os"

	"github.com/thought-machine/go-flags"
	"gopkg.in/op/go-logging.v1"

	"github.com/bazel-contrib/rules_worker/worker_tool/cmd/internal/bootstrap"
	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
)

var log = logging.MustGetLogger("hash")

// HashProcess is the entry point for the hash subcommand.
func HashProcess(ctx context.Context, args []string) {
	opts := &workerOpts{}
	os.Exit(bootstrap.Main(ctx, bootstrap.Subcommand{
		Name:    "hash",
		Options: opts,
		NewHandler: func() (persistentworker.Handler, error) {
			return newPersistentHasher(opts.CheatMode), nil
		},
		OneShot: oneShot,
	}, args))
}

// workerOpts are the startup flags of the hash worker.
type workerOpts struct {
	CheatMode bool `long:"cheat_mode" description:"Take sha256 hashes from the input digests Bazel sends instead of reading files"`
}

func oneShot(ctx context.Context, args []string) error {
	req, err := parseHashRequest(args)
	if err != nil {
		return err
	}
	hashBytes, err := computeHash(ctx, req.input, req.digest, req.uncompressed, true)
	if err != nil {
		return err
	}
	return writeHashOutput(hashBytes, req)
}

// hashRequest holds parsed hash request parameters.
type hashRequest struct {
	digest       string
	encoding     string
	uncompressed bool
	input        string
	output       string
}

// requestOpts are the arguments of a single hash request.
type requestOpts struct {
	Digest       string `long:"digest" default:"sha256" choice:"sha256" choice:"sha512" description:"Hash algorithm"`
	Encoding     string `long:"encoding" default:"raw" choice:"raw" choice:"hex" choice:"sri" choice:"oci-digest" description:"Output encoding"`
	Uncompressed bool   `long:"uncompressed" description:"Hash the decompressed contents of a gzip or zstd input"`
	Args         struct {
		Input  string `positional-arg-name:"input"`
		Output string `positional-arg-name:"output"`
	} `positional-args:"yes" required:"yes"`
}

// parseHashRequest parses hash request arguments.
func parseHashRequest(args []string) (*hashRequest, error) {
	var opts requestOpts
	extra, err := flags.NewParser(&opts, flags.PassDoubleDash).ParseArgs(args)
	if err != nil {
		return nil, err
	} else if len(extra) > 0 {
		return nil, fmt.Errorf("expected 2 positional arguments (input, output), got %d", 2+len(extra))
	}
	return &hashRequest{
		digest:       opts.Digest,
		encoding:     opts.Encoding,
		uncompressed: opts.Uncompressed,
		input:        opts.Args.Input,
		output:       opts.Args.Output,
	}, nil
}
