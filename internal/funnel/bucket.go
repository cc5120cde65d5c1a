package funnel

import (
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

const percent = 100.0

// BucketMetrics holds the funnel metrics of one (time bucket, dimension
// slice) pair.
//
// While the bucket is open the counts accumulate; once finalized the struct
// is immutable and the derived rates are populated. Late events for a
// finalized bucket are dropped and counted, never applied.
type BucketMetrics struct {
	// BucketStart/BucketEnd delimit the covered time range [start, end).
	BucketStart time.Time
	BucketEnd   time.Time

	// Slice identifies the dimension slice, AggregateKey for the unsliced
	// aggregate.
	Slice SliceKey

	// StageCounts holds distinct sessions reaching each stage, attributed
	// to the session's origin bucket.
	StageCounts map[event.Stage]int

	// Revenue is the summed purchase revenue of sessions attributed here.
	Revenue float64

	// AbandonmentReasons is the cart-abandonment reason histogram.
	AbandonmentReasons map[string]int

	// Derived rates, populated at finalization.

	// ConversionRates maps each stage to the percentage of visiting
	// sessions that reached it (0 when there were no visits).
	ConversionRates map[event.Stage]float64

	// StepRates maps each stage after the first to the percentage of
	// sessions from the previous stage that reached it (0 when the
	// previous stage is empty).
	StepRates map[event.Stage]float64

	// OverallConversionRate is purchases / visits as a percentage.
	OverallConversionRate float64

	// CartAbandonmentRate is (1 − purchases/checkout_starts) as a
	// percentage, nil when there were no checkout starts.
	CartAbandonmentRate *float64

	// Finalized marks the bucket immutable. FinalizedAt is the engine time
	// of finalization.
	Finalized   bool
	FinalizedAt time.Time
}

func newBucketMetrics(start time.Time, width time.Duration, slice SliceKey) *BucketMetrics {
	return &BucketMetrics{
		BucketStart:        start,
		BucketEnd:          start.Add(width),
		Slice:              slice,
		StageCounts:        make(map[event.Stage]int),
		AbandonmentReasons: make(map[string]int),
	}
}

// finalize computes derived rates and freezes the bucket.
func (b *BucketMetrics) finalize(at time.Time) {
	b.ConversionRates = make(map[event.Stage]float64, event.NumStages)
	b.StepRates = make(map[event.Stage]float64, event.NumStages-1)

	visits := b.StageCounts[event.StagePageView]

	prev := visits

	for i, stage := range event.Stages() {
		count := b.StageCounts[stage]

		if visits > 0 {
			b.ConversionRates[stage] = percent * float64(count) / float64(visits)
		} else {
			b.ConversionRates[stage] = 0
		}

		if i > 0 {
			if prev > 0 {
				b.StepRates[stage] = percent * float64(count) / float64(prev)
			} else {
				b.StepRates[stage] = 0
			}
		}

		prev = count
	}

	b.OverallConversionRate = b.ConversionRates[event.StagePurchase]

	checkouts := b.StageCounts[event.StageCheckoutStart]
	if checkouts > 0 {
		rate := percent * (1 - float64(b.StageCounts[event.StagePurchase])/float64(checkouts))
		b.CartAbandonmentRate = &rate
	}

	b.Finalized = true
	b.FinalizedAt = at
}

// Count returns the distinct-session count for a stage.
func (b *BucketMetrics) Count(stage event.Stage) int {
	return b.StageCounts[stage]
}
