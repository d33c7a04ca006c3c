package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bazel-contrib/rules_worker/worker_tool/cmd/hash"
	"github.com/bazel-contrib/rules_worker/worker_tool/cmd/run"
)

const usage = `Usage: worker [COMMAND] [ARGS...]

Commands:
  hash    computes the digest of a file (sha256 or sha512)
  run     runs a tool once per work request

Both commands run as a Bazel persistent worker when passed --persistent_worker.`

func Run(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	command := args[1]
	switch command {
	case "hash":
		hash.HashProcess(ctx, args[2:])
	case "run":
		run.RunProcess(ctx, args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func main() {
	ctx := context.Background()
	Run(ctx, os.Args)
}
