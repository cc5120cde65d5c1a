package publish

import (
	"context"
	"testing"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func bucket(slice funnel.SliceKey, start time.Time) *funnel.BucketMetrics {
	return &funnel.BucketMetrics{
		BucketStart: start,
		BucketEnd:   start.Add(time.Minute),
		Slice:       slice,
		Finalized:   true,
	}
}

func TestPublisherSnapshotAndHistory(t *testing.T) {
	p := NewPublisher(4)

	if got := p.CurrentSnapshot(""); got != nil {
		t.Fatalf("CurrentSnapshot() = %v before any publish, want nil", got)
	}

	b1 := bucket(funnel.AggregateKey, t0)
	b2 := bucket(funnel.AggregateKey, t0.Add(time.Minute))
	b3 := bucket("device_type=Mobile", t0)

	p.Publish([]*funnel.BucketMetrics{b1, b3})
	p.Publish([]*funnel.BucketMetrics{b2})

	// Empty filter selects the unsliced aggregate.
	if got := p.CurrentSnapshot(""); got != b2 {
		t.Errorf("CurrentSnapshot(\"\") = %v, want latest aggregate bucket", got)
	}

	if got := p.CurrentSnapshot("device_type=Mobile"); got != b3 {
		t.Errorf("CurrentSnapshot(mobile) = %v, want mobile bucket", got)
	}

	hist := p.History("", time.Time{}, time.Time{})
	if len(hist) != 2 {
		t.Fatalf("History() returned %d buckets, want 2", len(hist))
	}

	if hist[0] != b1 || hist[1] != b2 {
		t.Error("History() not in bucket-start order")
	}

	bounded := p.History("", t0.Add(30*time.Second), time.Time{})
	if len(bounded) != 1 || bounded[0] != b2 {
		t.Errorf("bounded History() = %v, want only the later bucket", bounded)
	}
}

func TestPublisherHistoryRetention(t *testing.T) {
	p := NewPublisher(2)

	for i := 0; i < 100; i++ {
		p.Publish([]*funnel.BucketMetrics{bucket(funnel.AggregateKey, t0.Add(time.Duration(i)*time.Minute))})
	}

	hist := p.History("", time.Time{}, time.Time{})
	if want := 2 * historyFactor; len(hist) != want {
		t.Fatalf("retained %d buckets, want %d", len(hist), want)
	}

	// Oldest retained bucket is the most recent window's first.
	if !hist[0].BucketStart.Equal(t0.Add(time.Duration(100-2*historyFactor) * time.Minute)) {
		t.Errorf("oldest retained bucket = %v", hist[0].BucketStart)
	}
}

func TestSubscription(t *testing.T) {
	t.Run("delivers future buckets in order", func(t *testing.T) {
		p := NewPublisher(4)
		sub := p.Subscribe("")

		b1 := bucket(funnel.AggregateKey, t0)
		b2 := bucket(funnel.AggregateKey, t0.Add(time.Minute))

		p.Publish([]*funnel.BucketMetrics{b1, b2})

		d1, ok := sub.Next(context.Background())
		if !ok || d1.Bucket != b1 || d1.Gap != 0 {
			t.Fatalf("first delivery = %+v, ok=%v", d1, ok)
		}

		d2, ok := sub.Next(context.Background())
		if !ok || d2.Bucket != b2 {
			t.Fatalf("second delivery = %+v, ok=%v", d2, ok)
		}
	})

	t.Run("filter excludes other slices", func(t *testing.T) {
		p := NewPublisher(4)
		sub := p.Subscribe("device_type=Mobile")

		p.Publish([]*funnel.BucketMetrics{
			bucket(funnel.AggregateKey, t0),
			bucket("device_type=Mobile", t0),
		})

		d, ok := sub.Next(context.Background())
		if !ok || d.Bucket.Slice != "device_type=Mobile" {
			t.Fatalf("delivery = %+v, ok=%v", d, ok)
		}
	})

	t.Run("wildcard receives every slice", func(t *testing.T) {
		p := NewPublisher(4)
		sub := p.Subscribe(AllSlices)

		p.Publish([]*funnel.BucketMetrics{
			bucket(funnel.AggregateKey, t0),
			bucket("device_type=Mobile", t0),
		})

		d1, _ := sub.Next(context.Background())
		d2, _ := sub.Next(context.Background())

		if d1.Bucket.Slice != funnel.AggregateKey || d2.Bucket.Slice != "device_type=Mobile" {
			t.Errorf("wildcard deliveries = %v, %v", d1.Bucket.Slice, d2.Bucket.Slice)
		}
	})

	t.Run("drop oldest and carry gap", func(t *testing.T) {
		p := NewPublisher(2)
		sub := p.Subscribe("")

		for i := 0; i < 5; i++ {
			p.Publish([]*funnel.BucketMetrics{bucket(funnel.AggregateKey, t0.Add(time.Duration(i)*time.Minute))})
		}

		// Capacity 2: buckets 0, 1, 2 dropped; 3 and 4 retained.
		d, ok := sub.Next(context.Background())
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}

		if d.Gap != 3 {
			t.Errorf("Gap = %d, want 3", d.Gap)
		}

		if !d.Bucket.BucketStart.Equal(t0.Add(3 * time.Minute)) {
			t.Errorf("delivered bucket = %v, want the oldest retained", d.Bucket.BucketStart)
		}

		if p.Dropped() != 3 {
			t.Errorf("Dropped() = %d, want 3", p.Dropped())
		}

		next, _ := sub.Next(context.Background())
		if next.Gap != 0 {
			t.Errorf("gap must reset after delivery, got %d", next.Gap)
		}
	})

	t.Run("context cancellation unblocks", func(t *testing.T) {
		p := NewPublisher(2)
		sub := p.Subscribe("")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		if _, ok := sub.Next(ctx); ok {
			t.Error("Next() should return false on context expiry")
		}
	})

	t.Run("close unblocks and stops delivery", func(t *testing.T) {
		p := NewPublisher(2)
		sub := p.Subscribe("")

		done := make(chan bool, 1)

		go func() {
			_, ok := sub.Next(context.Background())
			done <- ok
		}()

		time.Sleep(10 * time.Millisecond)
		p.Close()

		select {
		case ok := <-done:
			if ok {
				t.Error("Next() should report closed")
			}
		case <-time.After(time.Second):
			t.Fatal("Next() did not unblock on Close")
		}
	})
}
