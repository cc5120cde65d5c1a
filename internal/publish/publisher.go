// Package publish is the read side of the pipeline: it retains finalized
// bucket metrics for snapshot and history queries and streams them to
// subscribers over bounded per-subscriber buffers.
package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

// historyFactor bounds retained history to capacity × historyFactor buckets
// per slice.
const historyFactor = 16

// AllSlices subscribes to every slice, aggregate and dimension slices alike.
// Archival consumers use it to drain the full finalized stream.
const AllSlices funnel.SliceKey = "*"

type (
	// Delivery is one finalized bucket handed to a subscriber. Gap reports
	// how many buckets were dropped for this subscription since the previous
	// delivery; a slow consumer sees the loss, it is never silent.
	Delivery struct {
		Bucket *funnel.BucketMetrics
		Gap    uint64
	}

	// Subscription is one consumer's bounded view of future finalized
	// buckets matching its slice filter. When the buffer fills the oldest
	// unconsumed bucket is dropped in favor of the newest.
	Subscription struct {
		filter funnel.SliceKey

		mu       sync.Mutex
		buf      []*funnel.BucketMetrics
		gap      uint64
		closed   bool
		notify   chan struct{}
		capacity int

		pub *Publisher
	}

	// Publisher fans finalized buckets out to queries and subscriptions.
	Publisher struct {
		mu sync.Mutex

		capacity int

		current map[funnel.SliceKey]*funnel.BucketMetrics
		history map[funnel.SliceKey][]*funnel.BucketMetrics

		subs map[*Subscription]struct{}

		dropped atomic.Uint64
	}
)

// NewPublisher creates a publisher whose subscriptions buffer up to capacity
// buckets each.
func NewPublisher(capacity int) *Publisher {
	return &Publisher{
		capacity: capacity,
		current:  make(map[funnel.SliceKey]*funnel.BucketMetrics),
		history:  make(map[funnel.SliceKey][]*funnel.BucketMetrics),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish records finalized buckets and offers them to matching
// subscriptions. Buckets arrive in finalization order and are immutable.
func (p *Publisher) Publish(buckets []*funnel.BucketMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range buckets {
		p.current[b.Slice] = b

		h := append(p.history[b.Slice], b)
		if maxRetained := p.capacity * historyFactor; len(h) > maxRetained {
			h = h[len(h)-maxRetained:]
		}

		p.history[b.Slice] = h

		for sub := range p.subs {
			if sub.filter == b.Slice || sub.filter == AllSlices {
				sub.offer(b)
			}
		}
	}
}

// CurrentSnapshot returns the most recently finalized bucket for a slice,
// nil when none has finalized yet. An empty filter selects the unsliced
// aggregate.
func (p *Publisher) CurrentSnapshot(filter funnel.SliceKey) *funnel.BucketMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.current[normalize(filter)]
}

// History returns retained finalized buckets for a slice whose start lies in
// [from, to), ordered by bucket start. Zero bounds are open.
func (p *Publisher) History(filter funnel.SliceKey, from, to time.Time) []*funnel.BucketMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*funnel.BucketMetrics

	for _, b := range p.history[normalize(filter)] {
		if !from.IsZero() && b.BucketStart.Before(from) {
			continue
		}

		if !to.IsZero() && !b.BucketStart.Before(to) {
			continue
		}

		out = append(out, b)
	}

	return out
}

// Subscribe registers a consumer for future finalized buckets matching the
// filter. Already-finalized buckets are not replayed; use History for those.
func (p *Publisher) Subscribe(filter funnel.SliceKey) *Subscription {
	sub := &Subscription{
		filter:   normalize(filter),
		buf:      make([]*funnel.BucketMetrics, 0),
		notify:   make(chan struct{}, 1),
		capacity: p.capacity,
		pub:      p,
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	return sub
}

// Dropped returns the total buckets dropped across all subscriptions.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close halts delivery to every subscription. Blocked Next calls return.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subs {
		sub.close()
		delete(p.subs, sub)
	}
}

// Next blocks until a bucket is available, the context is done, or the
// subscription is closed. The second result is false once the subscription
// yields no further deliveries.
func (s *Subscription) Next(ctx context.Context) (Delivery, bool) {
	for {
		s.mu.Lock()

		if len(s.buf) > 0 {
			d := Delivery{Bucket: s.buf[0], Gap: s.gap}
			s.buf = s.buf[1:]
			s.gap = 0
			s.mu.Unlock()

			return d, true
		}

		if s.closed {
			s.mu.Unlock()

			return Delivery{}, false
		}

		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-s.notify:
		}
	}
}

// Gap returns the buckets dropped since the last delivery.
func (s *Subscription) Gap() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gap
}

// Close detaches the subscription from the publisher.
func (s *Subscription) Close() {
	s.pub.mu.Lock()
	delete(s.pub.subs, s)
	s.pub.mu.Unlock()

	s.close()
}

func (s *Subscription) offer(b *funnel.BucketMetrics) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	if len(s.buf) == s.capacity {
		// Drop the oldest unconsumed bucket; the consumer learns of the
		// loss through the gap on its next delivery.
		s.buf = s.buf[1:]
		s.gap++
		s.pub.dropped.Add(1)
	}

	s.buf = append(s.buf, b)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func normalize(filter funnel.SliceKey) funnel.SliceKey {
	if filter == "" {
		return funnel.AggregateKey
	}

	return filter
}
