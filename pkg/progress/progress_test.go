package progress

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderWithoutTerminal(t *testing.T) {
	isTTY = func() bool { return false }
	ctx, stop := Start(context.Background(), "done")
	defer stop()

	r := strings.NewReader("abc")
	assert.Same(t, r, Reader(ctx, r, 3, "input"))
}

func TestTrackingReader(t *testing.T) {
	tracker := &progress.Tracker{Total: 11, Units: progress.UnitsBytes}
	r := &trackingReader{r: strings.NewReader("hello world"), tracker: tracker}

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
	assert.EqualValues(t, 11, tracker.Value())
	assert.True(t, tracker.IsDone())
	assert.False(t, tracker.IsErrored())
}
