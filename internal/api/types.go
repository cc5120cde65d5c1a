// Package api provides the HTTP API server for the funnel analytics service.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/cohort"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

type (
	// Version represents the API version response structure.
	Version struct {
		Version     string `json:"version"`
		ServiceName string `json:"serviceName"`
		BuildInfo   string `json:"buildInfo,omitempty"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// FunnelEvent is the wire shape of one funnel event in an ingest request.
	// This is separate from the domain model (event.Event) to decouple the API
	// contract from internal domain types.
	FunnelEvent struct {
		EventID           string    `json:"event_id"`           //nolint: tagliatelle
		SessionID         string    `json:"session_id"`         //nolint: tagliatelle
		CustomerID        string    `json:"customer_id"`        //nolint: tagliatelle
		ProductID         string    `json:"product_id"`         //nolint: tagliatelle
		Stage             string    `json:"stage"`
		Timestamp         time.Time `json:"timestamp"`
		DeviceType        string    `json:"device_type"`        //nolint: tagliatelle
		TrafficSource     string    `json:"traffic_source"`     //nolint: tagliatelle
		CustomerSegment   string    `json:"customer_segment"`   //nolint: tagliatelle
		AbandonmentReason string    `json:"abandonment_reason"` //nolint: tagliatelle
		Revenue           float64   `json:"revenue"`
	}

	// IngestResponse is the batch ingest response. It includes only failed
	// events plus the correlation ID and a response timestamp for
	// observability.
	IngestResponse struct {
		Status        string          `json:"status"`
		Summary       ResponseSummary `json:"summary"`
		FailedEvents  []FailedEvent   `json:"failed_events"`  //nolint: tagliatelle
		CorrelationID string          `json:"correlation_id"` //nolint: tagliatelle
		Timestamp     string          `json:"timestamp"`
	}

	// ResponseSummary provides aggregate counts for batch processing.
	ResponseSummary struct {
		Received int `json:"received"`
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}

	// FailedEvent describes a single rejected event in the batch.
	FailedEvent struct {
		Index  int    `json:"index"`  // Event index in original batch (0-based)
		Reason string `json:"reason"` // Human-readable rejection reason
	}

	// BucketView is the wire shape of one finalized metrics bucket.
	BucketView struct {
		BucketStart           time.Time          `json:"bucket_start"`            //nolint: tagliatelle
		BucketEnd             time.Time          `json:"bucket_end"`              //nolint: tagliatelle
		Slice                 string             `json:"slice"`
		StageCounts           map[string]int     `json:"stage_counts"`            //nolint: tagliatelle
		Revenue               float64            `json:"revenue"`
		AbandonmentReasons    map[string]int     `json:"abandonment_reasons"`     //nolint: tagliatelle
		ConversionRates       map[string]float64 `json:"conversion_rates"`        //nolint: tagliatelle
		StepRates             map[string]float64 `json:"step_rates"`              //nolint: tagliatelle
		OverallConversionRate float64            `json:"overall_conversion_rate"` //nolint: tagliatelle
		CartAbandonmentRate   *float64           `json:"cart_abandonment_rate"`   //nolint: tagliatelle
		FinalizedAt           time.Time          `json:"finalized_at"`            //nolint: tagliatelle
	}

	// RetentionView is the wire shape of one cohort retention row. Retention
	// maps period offset to per-stage return fractions.
	RetentionView struct {
		Period    time.Time                 `json:"period"`
		Segment   string                    `json:"segment"`
		Members   int                       `json:"members"`
		Retention map[int]map[string]float64 `json:"retention"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// mapEventRequest maps an API request type to the domain model.
// This explicit mapping layer decouples the API contract from internal domain
// types; validation is delegated to the domain validator.
func mapEventRequest(req *FunnelEvent) *event.Event {
	return &event.Event{
		EventID:           strings.TrimSpace(req.EventID),
		SessionID:         strings.TrimSpace(req.SessionID),
		CustomerID:        strings.TrimSpace(req.CustomerID),
		ProductID:         strings.TrimSpace(req.ProductID),
		Stage:             event.Stage(strings.TrimSpace(req.Stage)),
		Timestamp:         req.Timestamp,
		DeviceType:        strings.TrimSpace(req.DeviceType),
		TrafficSource:     strings.TrimSpace(req.TrafficSource),
		CustomerSegment:   strings.TrimSpace(req.CustomerSegment),
		AbandonmentReason: strings.TrimSpace(req.AbandonmentReason),
		Revenue:           req.Revenue,
	}
}

// mapBucket maps a finalized domain bucket to its wire shape.
func mapBucket(b *funnel.BucketMetrics) BucketView {
	stageCounts := make(map[string]int, len(b.StageCounts))
	for stage, count := range b.StageCounts {
		stageCounts[string(stage)] = count
	}

	conversionRates := make(map[string]float64, len(b.ConversionRates))
	for stage, rate := range b.ConversionRates {
		conversionRates[string(stage)] = rate
	}

	stepRates := make(map[string]float64, len(b.StepRates))
	for stage, rate := range b.StepRates {
		stepRates[string(stage)] = rate
	}

	return BucketView{
		BucketStart:           b.BucketStart,
		BucketEnd:             b.BucketEnd,
		Slice:                 string(b.Slice),
		StageCounts:           stageCounts,
		Revenue:               b.Revenue,
		AbandonmentReasons:    b.AbandonmentReasons,
		ConversionRates:       conversionRates,
		StepRates:             stepRates,
		OverallConversionRate: b.OverallConversionRate,
		CartAbandonmentRate:   b.CartAbandonmentRate,
		FinalizedAt:           b.FinalizedAt,
	}
}

// mapBuckets maps a bucket list, returning an empty slice for nil input so
// responses encode as [] rather than null.
func mapBuckets(buckets []*funnel.BucketMetrics) []BucketView {
	views := make([]BucketView, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, mapBucket(b))
	}

	return views
}

// mapRetentionRows maps cohort retention rows to their wire shape.
func mapRetentionRows(rows []cohort.RetentionRow) []RetentionView {
	views := make([]RetentionView, 0, len(rows))

	for _, row := range rows {
		retention := make(map[int]map[string]float64, len(row.Fractions))

		for offset, stages := range row.Fractions {
			fractions := make(map[string]float64, len(stages))
			for stage, f := range stages {
				fractions[string(stage)] = f
			}

			retention[offset] = fractions
		}

		views = append(views, RetentionView{
			Period:    row.Period,
			Segment:   row.Segment,
			Members:   row.Members,
			Retention: retention,
		})
	}

	return views
}
