package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/pkg/logger"
)

func TestLoad(t *testing.T) {
	t.Run("Should load defaults with no environment set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
		assert.Equal(t, logger.InfoLevel, cfg.Log.Level)
		assert.Equal(t, int64(60_000), cfg.Audit.SnapshotIntervalMillis)
	})

	t.Run("Should override fields from CASEFLOW_ variables", func(t *testing.T) {
		t.Setenv("CASEFLOW_AUDIT_SPAN_BUFFER_SIZE", "128")
		t.Setenv("CASEFLOW_SCHEDULER_MAX_FIXPOINT_ITERATIONS", "50")
		t.Setenv("CASEFLOW_LOG_LEVEL", "debug")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 128, cfg.Audit.SpanBufferSize)
		assert.Equal(t, 50, cfg.Scheduler.MaxFixpointIterations)
		assert.Equal(t, logger.DebugLevel, cfg.Log.Level)
	})

	t.Run("Should reject out-of-range overrides", func(t *testing.T) {
		t.Setenv("CASEFLOW_AUTHZ_SCOPE_CACHE_SIZE", "0")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("Should reject an unknown log level", func(t *testing.T) {
		t.Setenv("CASEFLOW_LOG_LEVEL", "verbose")
		_, err := Load()
		require.Error(t, err)
	})
}
