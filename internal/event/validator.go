package event

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sentinel errors for validation failures. Rejected events are counted by
// the engine but never retried: correction is the producer's responsibility.
var (
	ErrMissingEventID      = errors.New("event_id is required")
	ErrMissingSessionID    = errors.New("session_id is required")
	ErrMissingCustomerID   = errors.New("customer_id is required")
	ErrUnknownStage        = errors.New("unknown funnel stage")
	ErrMissingTimestamp    = errors.New("timestamp is required")
	ErrTimestampTooOld     = errors.New("timestamp is older than the admission window")
	ErrTimestampInFuture   = errors.New("timestamp exceeds clock skew tolerance")
	ErrMalformedRevenue    = errors.New("revenue must be a finite, non-negative number")
	ErrMisplacedAbandon    = errors.New("abandonment_reason is only valid on checkout_start events")
)

// Validator performs semantic validation of interaction events.
//
// Validation is a pure function of the event and the supplied "now": no
// side effects, no state. The admission window is
// [now − maxLateness, now + clockSkewTolerance].
type Validator struct {
	maxLateness        time.Duration
	clockSkewTolerance time.Duration
}

// NewValidator creates a Validator with the given admission window bounds.
func NewValidator(maxLateness, clockSkewTolerance time.Duration) *Validator {
	return &Validator{
		maxLateness:        maxLateness,
		clockSkewTolerance: clockSkewTolerance,
	}
}

// Validate checks that an event satisfies the schema and admission-window
// contract. Returns nil if the event is admissible, a descriptive error
// (wrapping one of the sentinel errors) otherwise.
func (v *Validator) Validate(e *Event, now time.Time) error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingEventID
	}

	if strings.TrimSpace(e.SessionID) == "" {
		return ErrMissingSessionID
	}

	if strings.TrimSpace(e.CustomerID) == "" {
		return ErrMissingCustomerID
	}

	if !e.Stage.IsValid() {
		return fmt.Errorf("%w: %q (valid: page_view, product_view, add_to_cart, checkout_start, purchase)",
			ErrUnknownStage, e.Stage)
	}

	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}

	if e.Timestamp.Before(now.Add(-v.maxLateness)) {
		return fmt.Errorf("%w: %s is before %s",
			ErrTimestampTooOld, e.Timestamp.Format(time.RFC3339), now.Add(-v.maxLateness).Format(time.RFC3339))
	}

	if e.Timestamp.After(now.Add(v.clockSkewTolerance)) {
		return fmt.Errorf("%w: %s is after %s",
			ErrTimestampInFuture, e.Timestamp.Format(time.RFC3339), now.Add(v.clockSkewTolerance).Format(time.RFC3339))
	}

	if e.Revenue < 0 || math.IsNaN(e.Revenue) || math.IsInf(e.Revenue, 0) {
		return fmt.Errorf("%w: got %v", ErrMalformedRevenue, e.Revenue)
	}

	if e.AbandonmentReason != "" && e.Stage != StageCheckoutStart {
		return fmt.Errorf("%w: got %q on stage %q", ErrMisplacedAbandon, e.AbandonmentReason, e.Stage)
	}

	return nil
}
