package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

// Tracked metric stream names.
const (
	MetricConversionRate  = "conversion_rate"
	MetricAbandonmentRate = "cart_abandonment_rate"
	MetricBucketVisits    = "bucket_visits"
)

// Alert severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const highSeveritySigma = 3.0

// Default number of alerts retained for the API surface.
const defaultRecentAlerts = 256

type (
	// Alert describes one metric value flagged against its rolling history.
	Alert struct {
		ID          string          `json:"id"`
		Metric      string          `json:"metric"`
		Slice       funnel.SliceKey `json:"slice"`
		BucketStart time.Time       `json:"bucket_start"`
		Value       float64         `json:"value"`
		Mean        float64         `json:"mean"`
		StdDev      float64         `json:"std_dev"`
		Severity    string          `json:"severity"`
		DetectedAt  time.Time       `json:"detected_at"`
	}

	// Detector keeps one rolling accumulator per (metric, slice) stream and
	// evaluates each finalized bucket exactly once. Finalization order is
	// the stream order, so late data never reaches the detector.
	Detector struct {
		mu sync.Mutex

		windowSize int
		kSigma     float64
		warmup     int

		streams map[streamKey]*Rolling

		recent    []Alert
		maxRecent int
	}

	streamKey struct {
		metric string
		slice  funnel.SliceKey
	}
)

// NewDetector creates a detector with the given window size, sigma
// multiplier and warm-up sample minimum.
func NewDetector(windowSize int, kSigma float64, warmup int) *Detector {
	return &Detector{
		windowSize: windowSize,
		kSigma:     kSigma,
		warmup:     warmup,
		streams:    make(map[streamKey]*Rolling),
		maxRecent:  defaultRecentAlerts,
	}
}

// Evaluate checks a finalized bucket's metric values against their stream
// histories and returns any alerts raised. Each value is absorbed into its
// stream with the same update whether or not it flagged, so a flagged value
// shifts the baseline exactly like a normal one.
func (d *Detector) Evaluate(b *funnel.BucketMetrics, now time.Time) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var alerts []Alert

	observe := func(metric string, value float64) {
		if a, flagged := d.observe(metric, b.Slice, b.BucketStart, value, now); flagged {
			alerts = append(alerts, a)
		}
	}

	observe(MetricConversionRate, b.OverallConversionRate)

	if b.CartAbandonmentRate != nil {
		observe(MetricAbandonmentRate, *b.CartAbandonmentRate)
	}

	if b.Slice == funnel.AggregateKey {
		observe(MetricBucketVisits, float64(b.Count(event.StagePageView)))
	}

	d.recent = append(d.recent, alerts...)
	if len(d.recent) > d.maxRecent {
		d.recent = d.recent[len(d.recent)-d.maxRecent:]
	}

	return alerts
}

// Recent returns up to limit most recent alerts, newest last. limit ≤ 0
// returns all retained alerts.
func (d *Detector) Recent(limit int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.recent)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Alert, n)
	copy(out, d.recent[len(d.recent)-n:])

	return out
}

// observe evaluates one value against its stream and absorbs it.
// Caller must hold the mutex.
func (d *Detector) observe(metric string, slice funnel.SliceKey, bucketStart time.Time, value float64, now time.Time) (Alert, bool) {
	key := streamKey{metric: metric, slice: slice}

	r, ok := d.streams[key]
	if !ok {
		r = NewRolling(d.windowSize)
		d.streams[key] = r
	}

	mean := r.Mean()
	std := r.StdDev()
	dev := math.Abs(value - mean)

	flagged := r.Count() >= d.warmup && dev > d.kSigma*std

	r.Push(value)

	if !flagged {
		return Alert{}, false
	}

	severity := SeverityMedium
	if std == 0 || dev > highSeveritySigma*std {
		severity = SeverityHigh
	}

	return Alert{
		ID:          uuid.NewString(),
		Metric:      metric,
		Slice:       slice,
		BucketStart: bucketStart,
		Value:       value,
		Mean:        mean,
		StdDev:      std,
		Severity:    severity,
		DetectedAt:  now,
	}, true
}
