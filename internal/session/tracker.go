// Package session maintains per-session funnel progress state with bounded
// memory and TTL eviction.
//
// The tracker is the single owner of session state: it is sharded by session
// ID hash so same-session updates serialize on one shard while cross-session
// updates proceed in parallel.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

type (
	// Dimensions are the slicing attributes fixed at session creation. The
	// first event for a session pins them so every stage count for one
	// session lands in one dimension slice.
	Dimensions struct {
		DeviceType      string
		TrafficSource   string
		CustomerSegment string
	}

	// State is the funnel progress of one session. Owned exclusively by the
	// tracker; callers only ever see copies.
	State struct {
		SessionID  string
		CustomerID string

		// Highest is the furthest stage reached. Monotonic: stage
		// regressions never lower it.
		Highest event.Stage

		// FirstSeen/LastSeen are event times, not arrival times.
		FirstSeen time.Time
		LastSeen  time.Time

		// seen records which stages the session has reached, by stage index.
		// Reaching a stage implies reaching every earlier stage, which keeps
		// per-bucket stage counts monotone even for sparse event streams.
		seen [event.NumStages]bool

		// OriginBucket is the start of the bucket containing the session's
		// first event. All stage reaches attribute back to it.
		OriginBucket time.Time

		Dims Dimensions

		// reasonRecorded dedupes the abandonment-reason histogram per session.
		reasonRecorded bool
	}

	// Transition describes the metric-affecting outcome of applying one event.
	Transition struct {
		SessionID    string
		CustomerID   string
		OriginBucket time.Time
		Dims         Dimensions

		// NewlyReached lists the stages first reached by this event, in
		// funnel order. Includes implied earlier stages. Empty for replays
		// and repeat visits.
		NewlyReached []event.Stage

		// AbandonmentReason is set at most once per session, on the first
		// checkout_start event that carries a reason.
		AbandonmentReason string

		// Revenue is the purchase revenue when this event first reached the
		// purchase stage, zero otherwise.
		Revenue float64
	}

	// Evicted describes a session removed by TTL expiry, for final accounting.
	// Sessions that never reached purchase are abandoned at their highest stage.
	Evicted struct {
		SessionID    string
		CustomerID   string
		Highest      event.Stage
		Purchased    bool
		OriginBucket time.Time
		Dims         Dimensions
		LastSeen     time.Time
	}

	// Tracker holds all live session state, sharded by session ID hash.
	Tracker struct {
		shards      []*shard
		ttl         time.Duration
		bucketWidth time.Duration
	}

	shard struct {
		mu       sync.Mutex
		sessions map[string]*State
	}
)

// NewTracker creates a tracker with the given shard count, inactivity TTL
// and bucket width (used to derive each session's origin bucket).
func NewTracker(shardCount int, ttl, bucketWidth time.Duration) *Tracker {
	if shardCount < 1 {
		shardCount = 1
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]*State)}
	}

	return &Tracker{
		shards:      shards,
		ttl:         ttl,
		bucketWidth: bucketWidth,
	}
}

// Advance applies a validated event to its session state.
//
// Creates the state on first sight (first-seen = event timestamp, origin
// bucket = the bucket containing it, dimensions pinned). Records first-time
// stage visits and raises Highest monotonically. Applying the same
// (session, stage) pair twice produces no metric change, so replays are
// idempotent. Stage regressions after a later stage are repeat visits: the
// returned transition is empty and Highest is untouched.
//
// The bool result reports whether the transition affects any metric.
func (t *Tracker) Advance(e *event.Event) (Transition, bool) {
	sh := t.shardFor(e.SessionID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sessions[e.SessionID]
	if !ok {
		st = &State{
			SessionID:    e.SessionID,
			CustomerID:   e.CustomerID,
			Highest:      e.Stage,
			FirstSeen:    e.Timestamp,
			LastSeen:     e.Timestamp,
			OriginBucket: e.Timestamp.Truncate(t.bucketWidth),
			Dims: Dimensions{
				DeviceType:      e.DeviceType,
				TrafficSource:   e.TrafficSource,
				CustomerSegment: e.CustomerSegment,
			},
		}
		sh.sessions[e.SessionID] = st
	}

	if e.Timestamp.After(st.LastSeen) {
		st.LastSeen = e.Timestamp
	}

	if e.Timestamp.Before(st.FirstSeen) {
		// An out-of-order earlier event does not move the origin bucket:
		// attribution is fixed at session creation so a finalized origin
		// bucket can never be re-opened.
		st.FirstSeen = e.Timestamp
	}

	tr := Transition{
		SessionID:    st.SessionID,
		CustomerID:   st.CustomerID,
		OriginBucket: st.OriginBucket,
		Dims:         st.Dims,
	}

	// Reaching stage k implies reaching every stage before it.
	idx := e.Stage.Index()
	for i, s := range event.Stages() {
		if i > idx {
			break
		}

		if !st.seen[i] {
			st.seen[i] = true
			tr.NewlyReached = append(tr.NewlyReached, s)
		}
	}

	if e.Stage.Index() > st.Highest.Index() {
		st.Highest = e.Stage
	}

	if e.Stage == event.StageCheckoutStart && e.AbandonmentReason != "" && !st.reasonRecorded {
		st.reasonRecorded = true
		tr.AbandonmentReason = e.AbandonmentReason
	}

	if e.Stage == event.StagePurchase && containsStage(tr.NewlyReached, event.StagePurchase) {
		tr.Revenue = e.Revenue
	}

	return tr, len(tr.NewlyReached) > 0 || tr.AbandonmentReason != ""
}

// EvictExpired removes session states whose last-seen + TTL < now and
// returns them for final accounting.
func (t *Tracker) EvictExpired(now time.Time) []Evicted {
	var evicted []Evicted

	cutoff := now.Add(-t.ttl)

	for _, sh := range t.shards {
		sh.mu.Lock()

		for id, st := range sh.sessions {
			if st.LastSeen.Before(cutoff) {
				evicted = append(evicted, Evicted{
					SessionID:    st.SessionID,
					CustomerID:   st.CustomerID,
					Highest:      st.Highest,
					Purchased:    st.seen[event.StagePurchase.Index()],
					OriginBucket: st.OriginBucket,
					Dims:         st.Dims,
					LastSeen:     st.LastSeen,
				})
				delete(sh.sessions, id)
			}
		}

		sh.mu.Unlock()
	}

	return evicted
}

// Len returns the number of live sessions across all shards.
func (t *Tracker) Len() int {
	total := 0

	for _, sh := range t.shards {
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}

	return total
}

// ShardIndex returns the owning shard index for a session ID. The engine
// uses the same hash to partition events so same-session work is serialized.
func ShardIndex(sessionID string, shardCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))

	return int(h.Sum32() % uint32(shardCount)) //nolint:gosec // shardCount is a small positive config value
}

func (t *Tracker) shardFor(sessionID string) *shard {
	return t.shards[ShardIndex(sessionID, len(t.shards))]
}

func containsStage(stages []event.Stage, s event.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}

	return false
}
