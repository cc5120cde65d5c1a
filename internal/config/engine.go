package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultBucketWidth        = time.Minute
	defaultMaxLateness        = 30 * time.Second
	defaultClockSkewTolerance = 5 * time.Second
	defaultSessionTTL         = 30 * time.Minute
	defaultCohortPeriod       = 168 * time.Hour
	defaultAnomalyWindowSize  = 30
	defaultAnomalyKSigma      = 2.0
	defaultAnomalyWarmup      = 5
	defaultPublisherCapacity  = 64
	defaultWorkerCount        = 4

	// minAnomalySamples is the floor for both the rolling window and the
	// warm-up gate: a deviation cannot be judged against fewer than two samples.
	minAnomalySamples = 2
)

// Sentinel errors for engine configuration validation. Any of these at
// startup is fatal: the engine refuses to run with an invalid configuration.
var (
	ErrInvalidBucketWidth       = errors.New("bucket width must be positive")
	ErrInvalidMaxLateness       = errors.New("max lateness must be positive")
	ErrInvalidClockSkew         = errors.New("clock skew tolerance must be positive")
	ErrInvalidSessionTTL        = errors.New("session TTL must be positive")
	ErrInvalidCohortPeriod      = errors.New("cohort period must be positive")
	ErrInvalidAnomalyWindow     = errors.New("anomaly window size must be at least 2")
	ErrInvalidAnomalyKSigma     = errors.New("anomaly k-sigma must be positive")
	ErrInvalidAnomalyWarmup     = errors.New("anomaly warm-up must be at least 2")
	ErrInvalidPublisherCapacity = errors.New("publisher buffer capacity must be positive")
	ErrInvalidWorkerCount       = errors.New("worker count must be at least 1")
)

// EngineConfig holds the windowed aggregation engine configuration.
//
// All values are loaded from FUNNEL_* environment variables with defaults;
// dimension slices may additionally come from an optional YAML file
// (see LoadSliceFile).
type EngineConfig struct {
	// BucketWidth is the fixed width of aggregation time buckets.
	BucketWidth time.Duration

	// MaxLateness is the grace period after a bucket's nominal end during
	// which out-of-order events are still admitted into that bucket. A bucket
	// covering [t, t+width) finalizes at t+width+MaxLateness.
	MaxLateness time.Duration

	// ClockSkewTolerance bounds how far into the future an event timestamp
	// may lie and still be admitted.
	ClockSkewTolerance time.Duration

	// SessionTTL is the inactivity window after which session state is evicted.
	SessionTTL time.Duration

	// CohortPeriod is the width of cohort acquisition periods.
	CohortPeriod time.Duration

	// AnomalyWindowSize is the number of finalized bucket values the rolling
	// statistics cover (W).
	AnomalyWindowSize int

	// AnomalyKSigma is the deviation multiplier for flagging (k).
	AnomalyKSigma float64

	// AnomalyWarmup is the minimum sample count before any flag can fire.
	AnomalyWarmup int

	// PublisherBufferCapacity bounds each subscriber's undelivered-bucket
	// buffer; the oldest entry is dropped when the buffer is full.
	PublisherBufferCapacity int

	// WorkerCount is the number of session-partitioned ingestion workers.
	WorkerCount int

	// DimensionSlices lists the dimension combinations to materialize in
	// addition to the unsliced aggregate. Each entry is a combination of
	// "device_type", "traffic_source", "customer_segment".
	DimensionSlices [][]string

	// LogLevel is the slog level for engine logging.
	LogLevel slog.Level
}

// LoadEngineConfig loads engine configuration from FUNNEL_* environment
// variables with defaults, merging dimension slices from the optional slice
// file when present.
func LoadEngineConfig() *EngineConfig {
	cfg := &EngineConfig{
		BucketWidth:             GetEnvDuration("FUNNEL_BUCKET_WIDTH", defaultBucketWidth),
		MaxLateness:             GetEnvDuration("FUNNEL_MAX_LATENESS", defaultMaxLateness),
		ClockSkewTolerance:      GetEnvDuration("FUNNEL_CLOCK_SKEW_TOLERANCE", defaultClockSkewTolerance),
		SessionTTL:              GetEnvDuration("FUNNEL_SESSION_TTL", defaultSessionTTL),
		CohortPeriod:            GetEnvDuration("FUNNEL_COHORT_PERIOD", defaultCohortPeriod),
		AnomalyWindowSize:       GetEnvInt("FUNNEL_ANOMALY_WINDOW_SIZE", defaultAnomalyWindowSize),
		AnomalyKSigma:           GetEnvFloat("FUNNEL_ANOMALY_K_SIGMA", defaultAnomalyKSigma),
		AnomalyWarmup:           GetEnvInt("FUNNEL_ANOMALY_WARMUP", defaultAnomalyWarmup),
		PublisherBufferCapacity: GetEnvInt("FUNNEL_PUBLISHER_BUFFER_CAPACITY", defaultPublisherCapacity),
		WorkerCount:             GetEnvInt("FUNNEL_WORKER_COUNT", defaultWorkerCount),
		LogLevel:                GetEnvLogLevel("FUNNEL_LOG_LEVEL", slog.LevelInfo),
	}

	slicePath := GetEnvStr("FUNNEL_SLICE_CONFIG_PATH", DefaultSliceConfigPath)
	cfg.DimensionSlices = LoadSliceFile(slicePath)

	return cfg
}

// Validate checks the engine configuration. It returns the first violation
// found; callers treat any error as fatal at startup.
func (c *EngineConfig) Validate() error {
	if c.BucketWidth <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidBucketWidth, c.BucketWidth)
	}

	if c.MaxLateness <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidMaxLateness, c.MaxLateness)
	}

	if c.ClockSkewTolerance <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidClockSkew, c.ClockSkewTolerance)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSessionTTL, c.SessionTTL)
	}

	if c.CohortPeriod <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidCohortPeriod, c.CohortPeriod)
	}

	if c.AnomalyWindowSize < minAnomalySamples {
		return fmt.Errorf("%w: got %d", ErrInvalidAnomalyWindow, c.AnomalyWindowSize)
	}

	if c.AnomalyKSigma <= 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidAnomalyKSigma, c.AnomalyKSigma)
	}

	if c.AnomalyWarmup < minAnomalySamples {
		return fmt.Errorf("%w: got %d", ErrInvalidAnomalyWarmup, c.AnomalyWarmup)
	}

	if c.PublisherBufferCapacity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidPublisherCapacity, c.PublisherBufferCapacity)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, c.WorkerCount)
	}

	return nil
}
