// Package engine wires the funnel pipeline together: validation, partitioned
// session workers, timer-driven bucket finalization, cohort accounting,
// anomaly detection and publication.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/anomaly"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/clock"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/cohort"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/publish"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/session"
)

// ErrEngineStopped is returned by Offer after shutdown has begun.
var ErrEngineStopped = errors.New("engine stopped")

// workerQueueSize is the per-worker intake buffer.
const workerQueueSize = 256

// finalizeTickInterval drives bucket finalization and session eviction when
// the engine runs on the system clock.
const finalizeTickInterval = time.Second

type (
	// Stats is a point-in-time snapshot of the pipeline's diagnostic
	// counters. Every dropped or rejected item shows up here; nothing is
	// silently discarded.
	Stats struct {
		Accepted          uint64 `json:"accepted"`
		Rejected          uint64 `json:"rejected"`
		LateDropped       uint64 `json:"late_dropped"`
		Evicted           uint64 `json:"evicted"`
		Finalized         uint64 `json:"finalized"`
		SubscriberDropped uint64 `json:"subscriber_dropped"`
		LiveSessions      int    `json:"live_sessions"`
		OpenBuckets       int    `json:"open_buckets"`

		// AbandonedByStage counts TTL-evicted sessions that never purchased,
		// keyed by the highest stage they reached.
		AbandonedByStage map[string]uint64 `json:"abandoned_by_stage"`
	}

	// Engine owns the full pipeline. Events enter through Offer, are
	// validated, and are routed to the worker owning their session shard,
	// so same-session events are processed in order while distinct sessions
	// proceed in parallel.
	Engine struct {
		cfg    config.EngineConfig
		logger *slog.Logger
		clk    clock.Clock

		validator *event.Validator
		tracker   *session.Tracker
		agg       *funnel.Aggregator
		cohorts   *cohort.Engine
		detector  *anomaly.Detector
		pub       *publish.Publisher

		workers []chan *event.Event
		wg      sync.WaitGroup

		// intakeMu guards the stopped flag against Offer racing channel close.
		intakeMu sync.RWMutex
		stopped  bool

		stop     chan struct{}
		stopOnce sync.Once

		accepted  atomic.Uint64
		rejected  atomic.Uint64
		evicted   atomic.Uint64
		finalized atomic.Uint64

		abandonMu sync.Mutex
		abandoned map[event.Stage]uint64
	}
)

// New builds an engine from validated configuration. The clock is injectable
// so tests can drive finalization deterministically.
func New(cfg config.EngineConfig, logger *slog.Logger, clk clock.Clock) (*Engine, error) {
	specs, err := funnel.ParseSliceSpecs(cfg.DimensionSlices)
	if err != nil {
		return nil, fmt.Errorf("parse dimension slices: %w", err)
	}

	workers := make([]chan *event.Event, cfg.WorkerCount)
	for i := range workers {
		workers[i] = make(chan *event.Event, workerQueueSize)
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		validator: event.NewValidator(cfg.MaxLateness, cfg.ClockSkewTolerance),
		tracker:   session.NewTracker(cfg.WorkerCount, cfg.SessionTTL, cfg.BucketWidth),
		agg:       funnel.NewAggregator(cfg.BucketWidth, cfg.MaxLateness, specs),
		cohorts:   cohort.NewEngine(cfg.CohortPeriod),
		detector:  anomaly.NewDetector(cfg.AnomalyWindowSize, cfg.AnomalyKSigma, cfg.AnomalyWarmup),
		pub:       publish.NewPublisher(cfg.PublisherBufferCapacity),
		workers:   workers,
		stop:      make(chan struct{}),
		abandoned: make(map[event.Stage]uint64),
	}, nil
}

// Start launches the worker pool and the finalization ticker.
func (e *Engine) Start() {
	for _, ch := range e.workers {
		e.wg.Add(1)

		go e.runWorker(ch)
	}

	e.wg.Add(1)

	go e.runTicker()

	e.logger.Info("engine started",
		slog.Int("workers", len(e.workers)),
		slog.Duration("bucket_width", e.cfg.BucketWidth),
		slog.Duration("max_lateness", e.cfg.MaxLateness),
		slog.Duration("session_ttl", e.cfg.SessionTTL),
	)
}

// Offer validates an event and hands it to the worker owning its session.
// Validation failures are counted and returned, never retried.
func (e *Engine) Offer(evt *event.Event) error {
	e.intakeMu.RLock()
	defer e.intakeMu.RUnlock()

	if e.stopped {
		return ErrEngineStopped
	}

	if err := e.validator.Validate(evt, e.clk.Now()); err != nil {
		e.rejected.Add(1)

		return err
	}

	e.accepted.Add(1)
	e.workers[session.ShardIndex(evt.SessionID, len(e.workers))] <- evt

	return nil
}

// Tick finalizes due buckets and evicts expired sessions at the clock's
// current time. The ticker goroutine calls this on an interval; tests call
// it directly after advancing a fake clock.
func (e *Engine) Tick() {
	now := e.clk.Now()

	e.publishFinalized(e.agg.FinalizeDue(now), now)

	if evicted := e.tracker.EvictExpired(now); len(evicted) > 0 {
		e.evicted.Add(uint64(len(evicted)))

		for _, ev := range evicted {
			if !ev.Purchased {
				e.abandonMu.Lock()
				e.abandoned[ev.Highest]++
				e.abandonMu.Unlock()

				e.logger.Debug("session abandoned",
					slog.String("session_id", ev.SessionID),
					slog.String("highest_stage", ev.Highest.String()),
				)
			}
		}
	}
}

// Stop shuts the pipeline down in order: stop intake, drain workers,
// finalize all open buckets, publish, halt. No metric is recomputed after
// finalization; the flush preserves everything committed so far.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.intakeMu.Lock()
		e.stopped = true
		e.intakeMu.Unlock()

		close(e.stop)

		for _, ch := range e.workers {
			close(ch)
		}
	})

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("drain workers: %w", ctx.Err())
	}

	now := e.clk.Now()
	e.publishFinalized(e.agg.FinalizeAll(now), now)
	e.pub.Close()

	e.logger.Info("engine stopped", slog.Uint64("accepted", e.accepted.Load()))

	return nil
}

// Publisher exposes the read side for snapshots, history and subscriptions.
func (e *Engine) Publisher() *publish.Publisher {
	return e.pub
}

// Cohorts exposes the cohort read model.
func (e *Engine) Cohorts() *cohort.Engine {
	return e.cohorts
}

// Alerts returns up to limit recent anomaly alerts.
func (e *Engine) Alerts(limit int) []anomaly.Alert {
	return e.detector.Recent(limit)
}

// Stats snapshots the diagnostic counters.
func (e *Engine) Stats() Stats {
	e.abandonMu.Lock()

	abandoned := make(map[string]uint64, len(e.abandoned))
	for stage, n := range e.abandoned {
		abandoned[stage.String()] = n
	}

	e.abandonMu.Unlock()

	return Stats{
		Accepted:          e.accepted.Load(),
		Rejected:          e.rejected.Load(),
		LateDropped:       e.agg.LateDropped(),
		Evicted:           e.evicted.Load(),
		Finalized:         e.finalized.Load(),
		SubscriberDropped: e.pub.Dropped(),
		LiveSessions:      e.tracker.Len(),
		OpenBuckets:       e.agg.OpenBuckets(),
		AbandonedByStage:  abandoned,
	}
}

func (e *Engine) runWorker(ch <-chan *event.Event) {
	defer e.wg.Done()

	for evt := range ch {
		e.process(evt)
	}
}

func (e *Engine) process(evt *event.Event) {
	tr, changed := e.tracker.Advance(evt)

	for _, stage := range tr.NewlyReached {
		e.cohorts.Observe(evt.CustomerID, tr.Dims.CustomerSegment, stage, evt.Timestamp)
	}

	if changed {
		e.agg.OnAdvance(tr)
	}
}

func (e *Engine) runTicker() {
	defer e.wg.Done()

	ticker := time.NewTicker(finalizeTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) publishFinalized(buckets []*funnel.BucketMetrics, now time.Time) {
	if len(buckets) == 0 {
		return
	}

	e.finalized.Add(uint64(len(buckets)))

	for _, b := range buckets {
		for _, alert := range e.detector.Evaluate(b, now) {
			e.logger.Warn("metric anomaly",
				slog.String("metric", alert.Metric),
				slog.String("slice", string(alert.Slice)),
				slog.Float64("value", alert.Value),
				slog.Float64("mean", alert.Mean),
				slog.String("severity", alert.Severity),
			)
		}
	}

	e.pub.Publish(buckets)
}
