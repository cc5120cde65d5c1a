package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEngineConfig() *EngineConfig {
	return &EngineConfig{
		BucketWidth:             time.Minute,
		MaxLateness:             30 * time.Second,
		ClockSkewTolerance:      5 * time.Second,
		SessionTTL:              30 * time.Minute,
		CohortPeriod:            168 * time.Hour,
		AnomalyWindowSize:       30,
		AnomalyKSigma:           2.0,
		AnomalyWarmup:           5,
		PublisherBufferCapacity: 64,
		WorkerCount:             4,
		LogLevel:                slog.LevelInfo,
	}
}

func TestEngineConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EngineConfig)
		wantErr error
	}{
		{"valid", func(*EngineConfig) {}, nil},
		{"zero bucket width", func(c *EngineConfig) { c.BucketWidth = 0 }, ErrInvalidBucketWidth},
		{"negative max lateness", func(c *EngineConfig) { c.MaxLateness = -time.Second }, ErrInvalidMaxLateness},
		{"zero clock skew", func(c *EngineConfig) { c.ClockSkewTolerance = 0 }, ErrInvalidClockSkew},
		{"zero session TTL", func(c *EngineConfig) { c.SessionTTL = 0 }, ErrInvalidSessionTTL},
		{"zero cohort period", func(c *EngineConfig) { c.CohortPeriod = 0 }, ErrInvalidCohortPeriod},
		{"anomaly window below minimum", func(c *EngineConfig) { c.AnomalyWindowSize = 1 }, ErrInvalidAnomalyWindow},
		{"zero k-sigma", func(c *EngineConfig) { c.AnomalyKSigma = 0 }, ErrInvalidAnomalyKSigma},
		{"warm-up below minimum", func(c *EngineConfig) { c.AnomalyWarmup = 1 }, ErrInvalidAnomalyWarmup},
		{"zero publisher capacity", func(c *EngineConfig) { c.PublisherBufferCapacity = 0 }, ErrInvalidPublisherCapacity},
		{"zero workers", func(c *EngineConfig) { c.WorkerCount = 0 }, ErrInvalidWorkerCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validEngineConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEngineConfigDefaults(t *testing.T) {
	// Point the slice path at a non-existent file so a developer's local
	// .funnel.yaml cannot leak into the test.
	t.Setenv("FUNNEL_SLICE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := LoadEngineConfig()

	assert.Equal(t, time.Minute, cfg.BucketWidth)
	assert.Equal(t, 30*time.Second, cfg.MaxLateness)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 2.0, cfg.AnomalyKSigma)
	assert.Equal(t, DefaultDimensionSlices(), cfg.DimensionSlices)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEngineConfigFromEnv(t *testing.T) {
	t.Setenv("FUNNEL_BUCKET_WIDTH", "10s")
	t.Setenv("FUNNEL_MAX_LATENESS", "5s")
	t.Setenv("FUNNEL_ANOMALY_WINDOW_SIZE", "12")
	t.Setenv("FUNNEL_ANOMALY_K_SIGMA", "3.5")
	t.Setenv("FUNNEL_WORKER_COUNT", "8")
	t.Setenv("FUNNEL_SLICE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := LoadEngineConfig()

	assert.Equal(t, 10*time.Second, cfg.BucketWidth)
	assert.Equal(t, 5*time.Second, cfg.MaxLateness)
	assert.Equal(t, 12, cfg.AnomalyWindowSize)
	assert.Equal(t, 3.5, cfg.AnomalyKSigma)
	assert.Equal(t, 8, cfg.WorkerCount)
}

func TestLoadSliceFile(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		slices := LoadSliceFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Equal(t, DefaultDimensionSlices(), slices)
	})

	t.Run("invalid yaml returns defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("dimension_slices: {not a list"), 0o600))

		slices := LoadSliceFile(path)
		assert.Equal(t, DefaultDimensionSlices(), slices)
	})

	t.Run("configured combinations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".funnel.yaml")
		content := "dimension_slices:\n  - [device_type]\n  - [device_type, traffic_source]\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		slices := LoadSliceFile(path)
		assert.Equal(t, [][]string{
			{"device_type"},
			{"device_type", "traffic_source"},
		}, slices)
	})
}
