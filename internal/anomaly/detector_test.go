package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRolling(t *testing.T) {
	t.Run("mean and stddev over partial window", func(t *testing.T) {
		r := NewRolling(10)

		for _, v := range []float64{2, 4, 6} {
			r.Push(v)
		}

		if r.Count() != 3 {
			t.Fatalf("Count() = %d, want 3", r.Count())
		}

		if math.Abs(r.Mean()-4) > 1e-9 {
			t.Errorf("Mean() = %v, want 4", r.Mean())
		}

		// Population stddev of {2,4,6} is sqrt(8/3).
		want := math.Sqrt(8.0 / 3.0)
		if math.Abs(r.StdDev()-want) > 1e-9 {
			t.Errorf("StdDev() = %v, want %v", r.StdDev(), want)
		}
	})

	t.Run("window evicts oldest values", func(t *testing.T) {
		r := NewRolling(3)

		for _, v := range []float64{100, 1, 2, 3} {
			r.Push(v)
		}

		if r.Count() != 3 {
			t.Fatalf("Count() = %d, want 3", r.Count())
		}

		// The 100 must no longer influence the statistics.
		if math.Abs(r.Mean()-2) > 1e-9 {
			t.Errorf("Mean() = %v, want 2", r.Mean())
		}

		want := math.Sqrt(2.0 / 3.0)
		if math.Abs(r.StdDev()-want) > 1e-9 {
			t.Errorf("StdDev() = %v, want %v", r.StdDev(), want)
		}
	})

	t.Run("statistics stay exact across repeated wraps", func(t *testing.T) {
		r := NewRolling(3)

		// Twice around the ring: only {4,5,6} may remain.
		for _, v := range []float64{1, 2, 3, 4, 5, 6} {
			r.Push(v)
		}

		if r.Count() != 3 {
			t.Fatalf("Count() = %d, want 3", r.Count())
		}

		if math.Abs(r.Mean()-5) > 1e-9 {
			t.Errorf("Mean() = %v, want 5", r.Mean())
		}

		want := math.Sqrt(2.0 / 3.0)
		if math.Abs(r.StdDev()-want) > 1e-9 {
			t.Errorf("StdDev() = %v, want %v", r.StdDev(), want)
		}
	})

	t.Run("constant series has zero stddev", func(t *testing.T) {
		r := NewRolling(5)

		for i := 0; i < 8; i++ {
			r.Push(7.5)
		}

		if r.StdDev() != 0 {
			t.Errorf("StdDev() = %v, want 0", r.StdDev())
		}
	})
}

func steadyBucket(rate float64, start time.Time) *funnel.BucketMetrics {
	b := &funnel.BucketMetrics{
		BucketStart:           start,
		BucketEnd:             start.Add(time.Minute),
		Slice:                 "device_type=Mobile",
		OverallConversionRate: rate,
		Finalized:             true,
	}

	return b
}

func TestDetectorEvaluate(t *testing.T) {
	t.Run("no flags during warm up", func(t *testing.T) {
		d := NewDetector(30, 2.0, 5)

		for i := 0; i < 4; i++ {
			// Wild swings, but fewer samples than warm-up.
			alerts := d.Evaluate(steadyBucket(float64(i*40), t0.Add(time.Duration(i)*time.Minute)), t0)
			if len(alerts) != 0 {
				t.Fatalf("sample %d flagged before warm-up: %v", i, alerts)
			}
		}
	})

	t.Run("deviation beyond k sigma flags", func(t *testing.T) {
		d := NewDetector(30, 2.0, 5)

		series := []float64{10, 11, 9, 10, 11, 10, 9, 10}
		for i, v := range series {
			d.Evaluate(steadyBucket(v, t0.Add(time.Duration(i)*time.Minute)), t0)
		}

		alerts := d.Evaluate(steadyBucket(30, t0.Add(time.Hour)), t0.Add(time.Hour))
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}

		a := alerts[0]

		if a.Metric != MetricConversionRate {
			t.Errorf("Metric = %q, want %q", a.Metric, MetricConversionRate)
		}

		if a.Severity != SeverityHigh {
			t.Errorf("Severity = %q, want %q for a far outlier", a.Severity, SeverityHigh)
		}

		if a.ID == "" {
			t.Error("alert ID should be set")
		}

		if a.Value != 30 {
			t.Errorf("Value = %v, want 30", a.Value)
		}
	})

	t.Run("flagged values are absorbed like normal ones", func(t *testing.T) {
		d := NewDetector(30, 2.0, 5)

		for i := 0; i < 8; i++ {
			d.Evaluate(steadyBucket(10, t0.Add(time.Duration(i)*time.Minute)), t0)
		}

		// Outlier flags once; repeating it shifts the baseline so a second
		// identical value compares against a history that includes the first.
		first := d.Evaluate(steadyBucket(50, t0.Add(time.Hour)), t0)
		if len(first) != 1 {
			t.Fatalf("outlier not flagged: %v", first)
		}

		key := streamKey{metric: MetricConversionRate, slice: "device_type=Mobile"}

		d.mu.Lock()
		mean := d.streams[key].Mean()
		d.mu.Unlock()

		if mean <= 10 {
			t.Errorf("stream mean = %v, outlier was not absorbed", mean)
		}
	})

	t.Run("separate streams per slice", func(t *testing.T) {
		d := NewDetector(30, 2.0, 5)

		for i := 0; i < 8; i++ {
			d.Evaluate(steadyBucket(10, t0.Add(time.Duration(i)*time.Minute)), t0)
		}

		other := steadyBucket(50, t0.Add(time.Hour))
		other.Slice = "device_type=Desktop"

		// First samples of a different slice must not flag against the
		// mobile stream's history.
		if alerts := d.Evaluate(other, t0); len(alerts) != 0 {
			t.Errorf("fresh slice flagged against foreign history: %v", alerts)
		}
	})

	t.Run("recent alerts are retained", func(t *testing.T) {
		d := NewDetector(30, 2.0, 5)

		for i := 0; i < 8; i++ {
			d.Evaluate(steadyBucket(10, t0.Add(time.Duration(i)*time.Minute)), t0)
		}

		d.Evaluate(steadyBucket(50, t0.Add(time.Hour)), t0)

		recent := d.Recent(10)
		if len(recent) != 1 {
			t.Fatalf("Recent() returned %d alerts, want 1", len(recent))
		}

		if recent[0].Value != 50 {
			t.Errorf("Recent()[0].Value = %v, want 50", recent[0].Value)
		}
	})
}
