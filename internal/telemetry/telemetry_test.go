package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, closer, err := InitLogger(dir, true)
	require.NoError(t, err)

	logger.Debug("probe", "session_id", 42)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "vlabassist.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"probe"`)
	assert.Contains(t, string(data), `"session_id":42`)
	assert.Contains(t, string(data), `"service":"vlabassist"`)
}

func TestInitTelemetry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "otel")

	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "probe")
	span.End()

	assert.DirExists(t, dir)
}
