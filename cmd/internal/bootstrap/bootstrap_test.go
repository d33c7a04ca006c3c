package bootstrap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bazel-contrib/rules_worker/worker_tool/pkg/persistentworker"
)

type echoOpts struct {
	Prefix string `long:"prefix" default:"echo"`
}

func echoSubcommand() (Subcommand, *echoOpts) {
	o := &echoOpts{}
	return Subcommand{
		Name:    "echo",
		Options: o,
		NewHandler: func() (persistentworker.Handler, error) {
			return persistentworker.HandlerFunc(func(ctx context.Context, wc *persistentworker.WorkContext) (int, error) {
				fmt.Fprintf(wc.Output, "%s %v", o.Prefix, wc.Arguments)
				return 0, nil
			}), nil
		},
	}, o
}

func encodeRequests(reqs ...*persistentworker.WorkRequest) []byte {
	var buf []byte
	for _, req := range reqs {
		buf = persistentworker.AppendWorkRequest(buf, req)
	}
	return buf
}

// readOutput reads one response from r and returns its output field.
func readOutput(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
		if num == 2 && typ == protowire.BytesType {
			v, _ := protowire.ConsumeString(b)
			return v, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return "", nil
}

func TestRunWorker(t *testing.T) {
	sub, _ := echoSubcommand()
	metricsFile := filepath.Join(t.TempDir(), "worker.prom")
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	codes := make(chan int, 1)
	go func() {
		codes <- run(context.Background(), sub, []string{"--persistent_worker", "--prefix=hi", "--metrics_file", metricsFile}, inR, outW)
		outW.Close()
	}()

	_, err := inW.Write(encodeRequests(&persistentworker.WorkRequest{Arguments: []string{"a"}, RequestID: 1}))
	require.NoError(t, err)
	output, err := readOutput(bufio.NewReader(outR))
	require.NoError(t, err)
	assert.Equal(t, "hi [a]", output)

	// End of stream only once the response is in, so nothing is left to drain.
	require.NoError(t, inW.Close())
	select {
	case code := <-codes:
		assert.Equal(t, ExitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the worker to stop")
	}

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `persistent_worker_responses_total{outcome="completed"} 1`)
	assert.NotContains(t, string(metrics), `outcome="shutdown"`)
}

func TestRunDrainsAtEndOfStream(t *testing.T) {
	sub := Subcommand{
		Name: "block",
		NewHandler: func() (persistentworker.Handler, error) {
			return persistentworker.HandlerFunc(func(ctx context.Context, wc *persistentworker.WorkContext) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			}), nil
		},
	}
	metricsFile := filepath.Join(t.TempDir(), "worker.prom")
	stdin := bytes.NewReader(encodeRequests(&persistentworker.WorkRequest{Arguments: []string{"a"}, RequestID: 1}))
	var stdout bytes.Buffer

	code := run(context.Background(), sub, []string{"--persistent_worker", "--metrics_file", metricsFile}, stdin, &stdout)
	assert.Equal(t, ExitOK, code)
	output, err := readOutput(bufio.NewReader(&stdout))
	require.NoError(t, err)
	assert.Empty(t, output)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `persistent_worker_responses_total{outcome="shutdown"} 1`)
}

func TestRunWorkerFromConfigFile(t *testing.T) {
	sub, _ := echoSubcommand()
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "worker.prom")
	cfgFile := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("max_workers: 3\nmetrics_file: "+metricsFile+"\n"), 0o644))

	code := run(context.Background(), sub, []string{"--persistent_worker", "--worker_config", cfgFile}, bytes.NewReader(nil), &bytes.Buffer{})
	assert.Equal(t, ExitOK, code)
	assert.FileExists(t, metricsFile)
}

func TestRunRequiresPersistentWorkerFlag(t *testing.T) {
	sub, _ := echoSubcommand()
	assert.Equal(t, ExitUsage, run(context.Background(), sub, []string{"--prefix=hi"}, bytes.NewReader(nil), &bytes.Buffer{}))
}

func TestRunBadFlags(t *testing.T) {
	sub, _ := echoSubcommand()
	assert.Equal(t, ExitUsage, run(context.Background(), sub, []string{"--persistent_worker", "--no_such_flag"}, bytes.NewReader(nil), &bytes.Buffer{}))
	assert.Equal(t, ExitUsage, run(context.Background(), sub, []string{"--persistent_worker", "positional"}, bytes.NewReader(nil), &bytes.Buffer{}))
}

func TestRunBadConfig(t *testing.T) {
	sub, _ := echoSubcommand()
	cfgFile := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("log_level: chatty\n"), 0o644))
	assert.Equal(t, ExitUsage, run(context.Background(), sub, []string{"--persistent_worker", "--worker_config", cfgFile}, bytes.NewReader(nil), &bytes.Buffer{}))
}

func TestRunHandlerInitFailure(t *testing.T) {
	sub := Subcommand{
		Name: "broken",
		NewHandler: func() (persistentworker.Handler, error) {
			return nil, errors.New("no tool configured")
		},
	}
	assert.Equal(t, ExitUsage, run(context.Background(), sub, []string{"--persistent_worker"}, bytes.NewReader(nil), &bytes.Buffer{}))
}

func TestRunDecodeErrorIsFault(t *testing.T) {
	sub, _ := echoSubcommand()
	stdin := bytes.NewReader([]byte{0x05, 0x0a})
	assert.Equal(t, ExitFault, run(context.Background(), sub, []string{"--persistent_worker"}, stdin, &bytes.Buffer{}))
}

// signallingReader closes done once a read on it has returned an error.
type signallingReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (sr *signallingReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if err != nil {
		sr.once.Do(func() { close(sr.done) })
	}
	return n, err
}

func TestRunCancelled(t *testing.T) {
	sub, _ := echoSubcommand()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A reader that never returns, so only the cancellation can stop the worker.
	r, w := io.Pipe()
	stdin := &signallingReader{r: r, done: make(chan struct{})}
	assert.Equal(t, ExitInterrupted, run(ctx, sub, []string{"--persistent_worker"}, stdin, &bytes.Buffer{}))

	// Release the worker's input reader before the next test swaps logging backends.
	require.NoError(t, w.Close())
	select {
	case <-stdin.done:
	case <-time.After(5 * time.Second):
		t.Fatal("input reader was not released")
	}
}

func TestOneShot(t *testing.T) {
	var got []string
	sub := Subcommand{
		Name: "once",
		OneShot: func(ctx context.Context, args []string) error {
			got = args
			return nil
		},
	}
	assert.Equal(t, ExitOK, run(context.Background(), sub, []string{"in", "out"}, bytes.NewReader(nil), &bytes.Buffer{}))
	assert.Equal(t, []string{"in", "out"}, got)

	sub.OneShot = func(ctx context.Context, args []string) error { return errors.New("failed") }
	assert.Equal(t, ExitFault, run(context.Background(), sub, nil, bytes.NewReader(nil), &bytes.Buffer{}))
}
