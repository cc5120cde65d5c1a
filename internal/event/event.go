// Package event provides the interaction-event domain model and validation
// for the funnel analytics engine.
package event

import (
	"time"
)

type (
	// Stage represents one ordered step in the conversion funnel.
	//
	// The stage vocabulary is fixed and totally ordered:
	// page_view → product_view → add_to_cart → checkout_start → purchase.
	Stage string

	// Event represents a single validated user-interaction event.
	//
	// This is a pure domain model without JSON tags. Transport layers (HTTP
	// ingest, Kafka feed) carry their own wire representations and map to
	// this type.
	Event struct {
		// EventID uniquely identifies this event. Replays of the same event
		// are idempotent downstream.
		EventID string

		// SessionID scopes the event to a browsing session. Funnel counting
		// is per distinct session.
		SessionID string

		// CustomerID identifies the customer for cohort/retention analysis.
		CustomerID string

		// ProductID identifies the product involved, when any (empty for
		// plain page views).
		ProductID string

		// Stage is the funnel stage this event reports.
		Stage Stage

		// Timestamp is when the interaction occurred (event time, not
		// arrival time). May arrive out of order within the lateness window.
		Timestamp time.Time

		// DeviceType, TrafficSource and CustomerSegment are the slicing
		// dimensions. Unknown values are admitted and sliced under their
		// literal value.
		DeviceType      string
		TrafficSource   string
		CustomerSegment string

		// AbandonmentReason is only meaningful on checkout_start events that
		// mark an abandonment; empty otherwise.
		AbandonmentReason string

		// Revenue is the order revenue on purchase events, zero otherwise.
		Revenue float64
	}
)

// Funnel stages in order.
const (
	StagePageView      Stage = "page_view"
	StageProductView   Stage = "product_view"
	StageAddToCart     Stage = "add_to_cart"
	StageCheckoutStart Stage = "checkout_start"
	StagePurchase      Stage = "purchase"
)

// stageOrder maps each stage to its position in the funnel.
var stageOrder = map[Stage]int{
	StagePageView:      0,
	StageProductView:   1,
	StageAddToCart:     2,
	StageCheckoutStart: 3,
	StagePurchase:      4,
}

// Stages returns all funnel stages in conversion order.
func Stages() []Stage {
	return []Stage{
		StagePageView,
		StageProductView,
		StageAddToCart,
		StageCheckoutStart,
		StagePurchase,
	}
}

// NumStages is the size of the stage vocabulary.
const NumStages = 5

// IsValid checks if the Stage belongs to the fixed vocabulary.
func (s Stage) IsValid() bool {
	_, ok := stageOrder[s]

	return ok
}

// Index returns the stage's position in the funnel order (0-based).
// Returns -1 for unknown stages.
func (s Stage) Index() int {
	idx, ok := stageOrder[s]
	if !ok {
		return -1
	}

	return idx
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Known dimension vocabularies. These are descriptive, not enforced: events
// carrying other values are admitted and sliced under their literal value.
var (
	// KnownDeviceTypes lists the device types the sample traffic carries.
	KnownDeviceTypes = []string{"Desktop", "Mobile", "Tablet"}

	// KnownTrafficSources lists the traffic sources the sample traffic carries.
	KnownTrafficSources = []string{"organic", "paid", "direct", "social"}

	// KnownCustomerSegments lists the customer segments.
	KnownCustomerSegments = []string{"New", "Regular", "VIP"}

	// KnownAbandonmentReasons lists the abandonment reasons the checkout
	// flow reports.
	KnownAbandonmentReasons = []string{
		"high_shipping",
		"payment_failed",
		"long_delivery",
		"price_concern",
		"technical_issue",
	}
)
