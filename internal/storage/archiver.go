package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/cohort"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/publish"
)

// cohortSyncInterval is how often the archiver snapshots cohort retention
// rows to the database.
const cohortSyncInterval = time.Minute

// CohortSource supplies the current cohort retention read model.
type CohortSource interface {
	Table(segment string) []cohort.RetentionRow
}

// Archiver streams finalized buckets from a publisher subscription into the
// archive and periodically snapshots cohort retention. Archive failures are
// logged and skipped: the in-memory pipeline is the source of truth, the
// archive is best-effort durable history.
type Archiver struct {
	archive *BucketArchive
	sub     *publish.Subscription
	cohorts CohortSource
	logger  *slog.Logger
}

// NewArchiver creates an archiver draining the given subscription.
func NewArchiver(archive *BucketArchive, sub *publish.Subscription, cohorts CohortSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		archive: archive,
		sub:     sub,
		cohorts: cohorts,
		logger:  logger,
	}
}

// Run consumes the subscription until the context is done or the
// subscription closes, flushing a final cohort snapshot on exit.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(cohortSyncInterval)
	defer ticker.Stop()

	deliveries := make(chan publish.Delivery)

	go func() {
		defer close(deliveries)

		for {
			d, ok := a.sub.Next(ctx)
			if !ok {
				return
			}

			deliveries <- d
		}
	}()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				a.syncCohorts(context.WithoutCancel(ctx))

				return
			}

			a.archiveDelivery(ctx, d)
		case <-ticker.C:
			a.syncCohorts(ctx)
		}
	}
}

func (a *Archiver) archiveDelivery(ctx context.Context, d publish.Delivery) {
	if d.Gap > 0 {
		a.logger.Warn("archiver fell behind, buckets lost to backpressure",
			slog.Uint64("gap", d.Gap),
		)
	}

	if err := a.archive.SaveBuckets(ctx, []*funnel.BucketMetrics{d.Bucket}); err != nil {
		a.logger.Error("failed to archive bucket",
			slog.Time("bucket_start", d.Bucket.BucketStart),
			slog.String("slice", string(d.Bucket.Slice)),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Archiver) syncCohorts(ctx context.Context) {
	rows := a.cohorts.Table("")
	if len(rows) == 0 {
		return
	}

	if err := a.archive.SaveCohorts(ctx, rows); err != nil {
		a.logger.Error("failed to archive cohort retention", slog.String("error", err.Error()))
	}
}
