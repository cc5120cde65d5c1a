package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func evt(sessionID string, stage event.Stage, ts time.Time) *event.Event {
	return &event.Event{
		EventID:         sessionID + "-" + string(stage) + "-" + ts.Format("150405"),
		SessionID:       sessionID,
		CustomerID:      "cust-" + sessionID,
		Stage:           stage,
		Timestamp:       ts,
		DeviceType:      "Desktop",
		TrafficSource:   "organic",
		CustomerSegment: "New",
	}
}

func TestTrackerAdvance(t *testing.T) {
	t.Run("first event creates state and reaches implied stages", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		transition, changed := tr.Advance(evt("s1", event.StageAddToCart, t0))
		if !changed {
			t.Fatal("Advance() should report a metric change")
		}

		want := []event.Stage{event.StagePageView, event.StageProductView, event.StageAddToCart}
		if len(transition.NewlyReached) != len(want) {
			t.Fatalf("NewlyReached = %v, want %v", transition.NewlyReached, want)
		}

		for i, s := range want {
			if transition.NewlyReached[i] != s {
				t.Errorf("NewlyReached[%d] = %v, want %v", i, transition.NewlyReached[i], s)
			}
		}

		if !transition.OriginBucket.Equal(t0.Truncate(time.Minute)) {
			t.Errorf("OriginBucket = %v, want %v", transition.OriginBucket, t0.Truncate(time.Minute))
		}
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		_, _ = tr.Advance(evt("s1", event.StageProductView, t0))

		transition, changed := tr.Advance(evt("s1", event.StageProductView, t0))
		if changed {
			t.Errorf("duplicate Advance() reported a change: %+v", transition)
		}

		if len(transition.NewlyReached) != 0 {
			t.Errorf("duplicate Advance() NewlyReached = %v, want empty", transition.NewlyReached)
		}
	})

	t.Run("stage regression never lowers highest", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		_, _ = tr.Advance(evt("s1", event.StageCheckoutStart, t0))

		_, changed := tr.Advance(evt("s1", event.StagePageView, t0.Add(time.Second)))
		if changed {
			t.Error("regression to an already-reached stage should not change metrics")
		}

		evicted := tr.EvictExpired(t0.Add(31 * time.Minute))
		if len(evicted) != 1 {
			t.Fatalf("expected 1 evicted session, got %d", len(evicted))
		}

		if evicted[0].Highest != event.StageCheckoutStart {
			t.Errorf("Highest = %v, want %v", evicted[0].Highest, event.StageCheckoutStart)
		}
	})

	t.Run("later stages attribute to the origin bucket", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		first, _ := tr.Advance(evt("s1", event.StagePageView, t0))

		// Purchase lands three buckets later but attributes back.
		later, _ := tr.Advance(evt("s1", event.StagePurchase, t0.Add(3*time.Minute)))
		if !later.OriginBucket.Equal(first.OriginBucket) {
			t.Errorf("purchase OriginBucket = %v, want %v", later.OriginBucket, first.OriginBucket)
		}
	})

	t.Run("dimensions are pinned by the first event", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		_, _ = tr.Advance(evt("s1", event.StagePageView, t0))

		e := evt("s1", event.StagePurchase, t0.Add(time.Minute))
		e.DeviceType = "Tablet"

		transition, _ := tr.Advance(e)
		if transition.Dims.DeviceType != "Desktop" {
			t.Errorf("Dims.DeviceType = %q, want pinned %q", transition.Dims.DeviceType, "Desktop")
		}
	})

	t.Run("abandonment reason recorded once per session", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		e1 := evt("s1", event.StageCheckoutStart, t0)
		e1.AbandonmentReason = "high_shipping"

		tr1, _ := tr.Advance(e1)
		if tr1.AbandonmentReason != "high_shipping" {
			t.Errorf("AbandonmentReason = %q, want high_shipping", tr1.AbandonmentReason)
		}

		e2 := evt("s1", event.StageCheckoutStart, t0.Add(time.Second))
		e2.AbandonmentReason = "payment_failed"

		tr2, _ := tr.Advance(e2)
		if tr2.AbandonmentReason != "" {
			t.Errorf("second reason should be dropped, got %q", tr2.AbandonmentReason)
		}
	})

	t.Run("revenue carried on first purchase only", func(t *testing.T) {
		tr := NewTracker(4, 30*time.Minute, time.Minute)

		e1 := evt("s1", event.StagePurchase, t0)
		e1.Revenue = 99.5

		tr1, _ := tr.Advance(e1)
		if tr1.Revenue != 99.5 {
			t.Errorf("Revenue = %v, want 99.5", tr1.Revenue)
		}

		e2 := evt("s1", event.StagePurchase, t0.Add(time.Second))
		e2.Revenue = 50

		tr2, changed := tr.Advance(e2)
		if changed || tr2.Revenue != 0 {
			t.Errorf("replayed purchase should carry no revenue, got %v (changed=%v)", tr2.Revenue, changed)
		}
	})
}

func TestTrackerEvictExpired(t *testing.T) {
	tr := NewTracker(4, 10*time.Minute, time.Minute)

	_, _ = tr.Advance(evt("stale", event.StageAddToCart, t0))
	_, _ = tr.Advance(evt("fresh", event.StagePurchase, t0.Add(9*time.Minute)))

	evicted := tr.EvictExpired(t0.Add(10*time.Minute + time.Second))

	if len(evicted) != 1 {
		t.Fatalf("expected 1 evicted session, got %d", len(evicted))
	}

	ev := evicted[0]
	if ev.SessionID != "stale" {
		t.Errorf("evicted session = %q, want %q", ev.SessionID, "stale")
	}

	if ev.Purchased {
		t.Error("stale session never purchased")
	}

	if ev.Highest != event.StageAddToCart {
		t.Errorf("Highest = %v, want %v", ev.Highest, event.StageAddToCart)
	}

	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}

func TestShardIndexStable(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("session-%d", i)

		a := ShardIndex(id, 8)
		b := ShardIndex(id, 8)

		if a != b {
			t.Fatalf("ShardIndex(%q) not stable: %d vs %d", id, a, b)
		}

		if a < 0 || a >= 8 {
			t.Fatalf("ShardIndex(%q) = %d out of range", id, a)
		}
	}
}
