package funnel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/session"
)

type (
	// Aggregator maintains the arena of open buckets and converts session
	// transitions into per-bucket distinct-session stage counts.
	//
	// Attribution: a session's stage reaches always land in the bucket
	// containing its first event, so each bucket's funnel is internally
	// consistent.
	Aggregator struct {
		mu sync.Mutex

		width       time.Duration
		maxLateness time.Duration
		specs       []SliceSpec

		// open holds accumulating buckets keyed by (start, slice).
		open map[bucketKey]*BucketMetrics

		// watermark is the exclusive finalization frontier: buckets starting
		// before it are closed. Transitions attributed before the watermark
		// are late and dropped.
		watermark time.Time

		lateDropped atomic.Uint64
	}

	bucketKey struct {
		start time.Time
		slice SliceKey
	}
)

// NewAggregator creates an Aggregator for the given bucket width, lateness
// window and materialized slice specs. The unsliced aggregate is always
// materialized in addition to the specs.
func NewAggregator(width, maxLateness time.Duration, specs []SliceSpec) *Aggregator {
	return &Aggregator{
		width:       width,
		maxLateness: maxLateness,
		specs:       specs,
		open:        make(map[bucketKey]*BucketMetrics),
	}
}

// OnAdvance applies a session transition to the origin bucket's counters,
// in the unsliced aggregate and every matching materialized slice.
//
// Transitions whose origin bucket has already finalized increment the
// late-dropped diagnostic counter and are otherwise ignored: finalized
// buckets are immutable.
func (a *Aggregator) OnAdvance(tr session.Transition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tr.OriginBucket.Before(a.watermark) {
		a.lateDropped.Add(1)

		return
	}

	keys := make([]SliceKey, 0, len(a.specs)+1)
	keys = append(keys, AggregateKey)

	for _, spec := range a.specs {
		keys = append(keys, spec.KeyFor(tr.Dims))
	}

	for _, key := range keys {
		b := a.bucketFor(tr.OriginBucket, key)

		for _, stage := range tr.NewlyReached {
			b.StageCounts[stage]++
		}

		b.Revenue += tr.Revenue

		if tr.AbandonmentReason != "" {
			b.AbandonmentReasons[tr.AbandonmentReason]++
		}
	}
}

// FinalizeDue closes every bucket whose lateness window has elapsed
// (start + width + maxLateness ≤ now) and returns the finalized metrics
// ordered by bucket start, then slice key. Finalization is time-driven: it
// must be called on schedule even when no events arrive.
func (a *Aggregator) FinalizeDue(now time.Time) []*BucketMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Buckets starting before the cutoff have seen out their full lateness
	// window.
	cutoff := now.Add(-a.width).Add(-a.maxLateness).Add(time.Nanosecond)

	if cutoff.After(a.watermark) {
		a.watermark = cutoff
	}

	return a.finalizeBefore(a.watermark, now)
}

// FinalizeAll closes every remaining open bucket regardless of lateness.
// Used at shutdown so no committed aggregate is lost; the arena accepts no
// further transitions for the flushed range.
func (a *Aggregator) FinalizeAll(now time.Time) []*BucketMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	var latest time.Time

	for key := range a.open {
		if key.start.After(latest) {
			latest = key.start
		}
	}

	frontier := latest.Add(a.width)
	if frontier.After(a.watermark) {
		a.watermark = frontier
	}

	return a.finalizeBefore(a.watermark, now)
}

// LateDropped returns the number of transitions dropped because their
// origin bucket had already finalized.
func (a *Aggregator) LateDropped() uint64 {
	return a.lateDropped.Load()
}

// OpenBuckets returns the number of accumulating buckets.
func (a *Aggregator) OpenBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.open)
}

// finalizeBefore closes open buckets starting before the frontier.
// Caller must hold the mutex.
func (a *Aggregator) finalizeBefore(frontier, now time.Time) []*BucketMetrics {
	var finalized []*BucketMetrics

	for key, b := range a.open {
		if key.start.Before(frontier) {
			b.finalize(now)
			finalized = append(finalized, b)
			delete(a.open, key)
		}
	}

	sort.Slice(finalized, func(i, j int) bool {
		if !finalized[i].BucketStart.Equal(finalized[j].BucketStart) {
			return finalized[i].BucketStart.Before(finalized[j].BucketStart)
		}

		return finalized[i].Slice < finalized[j].Slice
	})

	return finalized
}

// bucketFor returns the open bucket for (start, slice), creating it on
// first touch. Caller must hold the mutex.
func (a *Aggregator) bucketFor(start time.Time, slice SliceKey) *BucketMetrics {
	key := bucketKey{start: start, slice: slice}

	b, ok := a.open[key]
	if !ok {
		b = newBucketMetrics(start, a.width, slice)
		a.open[key] = b
	}

	return b
}
