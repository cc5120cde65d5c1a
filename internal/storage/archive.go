package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/cohort"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = pq.ErrorCode("23505")

// ErrBucketArchiveFailed is returned when persisting finalized metrics fails.
var ErrBucketArchiveFailed = errors.New("bucket archive operation failed")

// BucketArchive persists finalized bucket metrics and cohort retention rows
// to PostgreSQL, serving historical queries beyond the in-memory retention
// window. Buckets are immutable once archived; re-archiving after a restart
// is a no-op, not an error.
type BucketArchive struct {
	conn *Connection
}

// NewBucketArchive creates a PostgreSQL-backed metrics archive.
func NewBucketArchive(conn *Connection) (*BucketArchive, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &BucketArchive{conn: conn}, nil
}

// Bootstrap creates the archive tables when absent. Idempotent; production
// schema provisioning is handled externally.
func (a *BucketArchive) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS funnel_buckets (
			bucket_start            TIMESTAMPTZ NOT NULL,
			bucket_end              TIMESTAMPTZ NOT NULL,
			slice                   TEXT NOT NULL,
			stage_counts            JSONB NOT NULL,
			conversion_rates        JSONB NOT NULL,
			step_rates              JSONB NOT NULL,
			overall_conversion_rate DOUBLE PRECISION NOT NULL,
			cart_abandonment_rate   DOUBLE PRECISION,
			revenue                 DOUBLE PRECISION NOT NULL,
			abandonment_reasons     JSONB NOT NULL,
			finalized_at            TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (bucket_start, slice)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funnel_buckets_slice ON funnel_buckets (slice, bucket_start)`,
		`CREATE TABLE IF NOT EXISTS cohort_retention (
			period     TIMESTAMPTZ NOT NULL,
			segment    TEXT NOT NULL,
			members    INTEGER NOT NULL,
			fractions  JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (period, segment)
		)`,
	}

	for _, stmt := range statements {
		if _, err := a.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap archive tables: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the underlying database connection is alive.
// Readiness probes call this to decide whether to route traffic.
func (a *BucketArchive) HealthCheck(ctx context.Context) error {
	if err := a.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrBucketArchiveFailed, err)
	}

	return nil
}

// SaveBuckets archives finalized bucket metrics. A bucket already archived
// under the same (start, slice) is skipped: finalized metrics never change,
// so the stored row is already correct.
func (a *BucketArchive) SaveBuckets(ctx context.Context, buckets []*funnel.BucketMetrics) error {
	query := `
		INSERT INTO funnel_buckets (
			bucket_start, bucket_end, slice, stage_counts, conversion_rates,
			step_rates, overall_conversion_rate, cart_abandonment_rate,
			revenue, abandonment_reasons, finalized_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	for _, b := range buckets {
		stageCounts, err := json.Marshal(b.StageCounts)
		if err != nil {
			return fmt.Errorf("%w: marshal stage counts: %w", ErrBucketArchiveFailed, err)
		}

		conversionRates, err := json.Marshal(b.ConversionRates)
		if err != nil {
			return fmt.Errorf("%w: marshal conversion rates: %w", ErrBucketArchiveFailed, err)
		}

		stepRates, err := json.Marshal(b.StepRates)
		if err != nil {
			return fmt.Errorf("%w: marshal step rates: %w", ErrBucketArchiveFailed, err)
		}

		reasons, err := json.Marshal(b.AbandonmentReasons)
		if err != nil {
			return fmt.Errorf("%w: marshal abandonment reasons: %w", ErrBucketArchiveFailed, err)
		}

		var abandonment sql.NullFloat64
		if b.CartAbandonmentRate != nil {
			abandonment = sql.NullFloat64{Float64: *b.CartAbandonmentRate, Valid: true}
		}

		_, err = a.conn.ExecContext(
			ctx,
			query,
			b.BucketStart,
			b.BucketEnd,
			string(b.Slice),
			stageCounts,
			conversionRates,
			stepRates,
			b.OverallConversionRate,
			abandonment,
			b.Revenue,
			reasons,
			b.FinalizedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				// Already archived, e.g. replay after restart.
				continue
			}

			return fmt.Errorf("%w: insert bucket: %w", ErrBucketArchiveFailed, err)
		}
	}

	return nil
}

// QueryBuckets returns archived buckets for a slice whose start lies in
// [from, to), ordered by bucket start. Zero bounds are open.
func (a *BucketArchive) QueryBuckets(
	ctx context.Context,
	slice funnel.SliceKey,
	from, to time.Time,
) ([]*funnel.BucketMetrics, error) {
	if to.IsZero() {
		// Open upper bound.
		to = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	query := `
		SELECT bucket_start, bucket_end, slice, stage_counts, conversion_rates,
		       step_rates, overall_conversion_rate, cart_abandonment_rate,
		       revenue, abandonment_reasons, finalized_at
		FROM funnel_buckets
		WHERE slice = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start
	`

	rows, err := a.conn.QueryContext(ctx, query, string(slice), from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: query buckets: %w", ErrBucketArchiveFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var buckets []*funnel.BucketMetrics

	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan bucket: %w", ErrBucketArchiveFailed, err)
		}

		buckets = append(buckets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate buckets: %w", ErrBucketArchiveFailed, err)
	}

	return buckets, nil
}

// SaveCohorts upserts cohort retention rows. Cohort rows evolve as members
// return, so later saves replace earlier ones.
func (a *BucketArchive) SaveCohorts(ctx context.Context, rows []cohort.RetentionRow) error {
	query := `
		INSERT INTO cohort_retention (period, segment, members, fractions, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (period, segment)
		DO UPDATE SET members = EXCLUDED.members, fractions = EXCLUDED.fractions, updated_at = now()
	`

	for _, row := range rows {
		fractions, err := json.Marshal(row.Fractions)
		if err != nil {
			return fmt.Errorf("%w: marshal fractions: %w", ErrBucketArchiveFailed, err)
		}

		if _, err := a.conn.ExecContext(ctx, query, row.Period, row.Segment, row.Members, fractions); err != nil {
			return fmt.Errorf("%w: upsert cohort row: %w", ErrBucketArchiveFailed, err)
		}
	}

	return nil
}

// QueryCohorts returns archived retention rows, ordered by period then
// segment. An empty segment selects all.
func (a *BucketArchive) QueryCohorts(ctx context.Context, segment string) ([]cohort.RetentionRow, error) {
	query := `
		SELECT period, segment, members, fractions
		FROM cohort_retention
		WHERE ($1 = '' OR segment = $1)
		ORDER BY period, segment
	`

	rows, err := a.conn.QueryContext(ctx, query, segment)
	if err != nil {
		return nil, fmt.Errorf("%w: query cohorts: %w", ErrBucketArchiveFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []cohort.RetentionRow

	for rows.Next() {
		var (
			row           cohort.RetentionRow
			fractionsJSON []byte
		)

		if err := rows.Scan(&row.Period, &row.Segment, &row.Members, &fractionsJSON); err != nil {
			return nil, fmt.Errorf("%w: scan cohort row: %w", ErrBucketArchiveFailed, err)
		}

		if err := json.Unmarshal(fractionsJSON, &row.Fractions); err != nil {
			return nil, fmt.Errorf("%w: parse fractions: %w", ErrBucketArchiveFailed, err)
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate cohort rows: %w", ErrBucketArchiveFailed, err)
	}

	return out, nil
}

func scanBucket(rows *sql.Rows) (*funnel.BucketMetrics, error) {
	var (
		b               funnel.BucketMetrics
		slice           string
		stageCounts     []byte
		conversionRates []byte
		stepRates       []byte
		reasons         []byte
		abandonment     sql.NullFloat64
	)

	err := rows.Scan(
		&b.BucketStart,
		&b.BucketEnd,
		&slice,
		&stageCounts,
		&conversionRates,
		&stepRates,
		&b.OverallConversionRate,
		&abandonment,
		&b.Revenue,
		&reasons,
		&b.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Slice = funnel.SliceKey(slice)
	b.Finalized = true

	if abandonment.Valid {
		b.CartAbandonmentRate = &abandonment.Float64
	}

	if err := json.Unmarshal(stageCounts, &b.StageCounts); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conversionRates, &b.ConversionRates); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepRates, &b.StepRates); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(reasons, &b.AbandonmentReasons); err != nil {
		return nil, err
	}

	// Maps may be stored as JSON null for empty buckets.
	if b.StageCounts == nil {
		b.StageCounts = make(map[event.Stage]int)
	}

	if b.AbandonmentReasons == nil {
		b.AbandonmentReasons = make(map[string]int)
	}

	return &b, nil
}
