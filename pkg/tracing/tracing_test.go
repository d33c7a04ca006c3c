package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.trace")
	shutdown, err := Init(path, "hash", "1234")
	require.NoError(t, err)

	_, span := otel.Tracer("tracing_test").Start(context.Background(), "WorkRequest")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"Name":"WorkRequest"`)
	assert.Contains(t, string(contents), "1234")
}

func TestInitWithoutFile(t *testing.T) {
	shutdown, err := Init("", "hash", "1234")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitBadPath(t *testing.T) {
	_, err := Init(filepath.Join(t.TempDir(), "missing", "worker.trace"), "hash", "1234")
	assert.Error(t, err)
}
