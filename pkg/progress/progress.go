// Package progress shows progress bars on stderr for long-running one-shot operations.
// Nothing is displayed unless stderr is a terminal, so a worker driven by Bazel never sees them.
package progress

import (
	"context"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/progress"
	"golang.org/x/term"
)

type contextKey string

const writerKey contextKey = "progressWriter"

// isTTY reports whether stderr is a terminal.
var isTTY = func() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Start creates and starts a progress writer for tracking multiple concurrent operations.
// Returns a context with the writer attached and a stop function to call when done.
//
// Usage:
//
//	ctx, stop := progress.Start(ctx, "hashed")
//	defer stop()
func Start(ctx context.Context, doneMessage string) (context.Context, func()) {
	if !isTTY() {
		return ctx, func() {}
	}

	pw := progress.NewWriter()
	pw.SetAutoStop(false)

	style := progress.StyleDefault
	style.Visibility.Time = false
	style.Visibility.Percentage = true
	style.Visibility.Speed = true
	style.Visibility.Tracker = true
	style.Visibility.Value = true
	style.Options.DoneString = doneMessage
	pw.SetStyle(style)

	pw.SetTrackerLength(40)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetOutputWriter(os.Stderr)

	go pw.Render()

	return context.WithValue(ctx, writerKey, pw), func() { pw.Stop() }
}

func fromContext(ctx context.Context) progress.Writer {
	if pw, ok := ctx.Value(writerKey).(progress.Writer); ok {
		return pw
	}
	return nil
}

// Reader wraps r so that reading from it advances a tracker labelled desc.
// If no progress writer was started on ctx, r is returned unchanged.
func Reader(ctx context.Context, r io.Reader, size int64, desc string) io.Reader {
	pw := fromContext(ctx)
	if pw == nil {
		return r
	}
	tracker := &progress.Tracker{
		Message: desc,
		Total:   size,
		Units:   progress.UnitsBytes,
	}
	pw.AppendTracker(tracker)
	return &trackingReader{r: r, tracker: tracker}
}

type trackingReader struct {
	r       io.Reader
	tracker *progress.Tracker
}

func (tr *trackingReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	tr.tracker.Increment(int64(n))
	if err == io.EOF {
		tr.tracker.MarkAsDone()
	} else if err != nil {
		tr.tracker.MarkAsErrored()
	}
	return n, err
}
