package event

import (
	"errors"
	"math"
	"testing"
	"time"
)

func validEvent(now time.Time) *Event {
	return &Event{
		EventID:         "evt-1",
		SessionID:       "sess-1",
		CustomerID:      "cust-1",
		ProductID:       "prod-1",
		Stage:           StageProductView,
		Timestamp:       now,
		DeviceType:      "Mobile",
		TrafficSource:   "organic",
		CustomerSegment: "New",
	}
}

func TestValidatorValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator(30*time.Second, 5*time.Second)

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{"valid event", func(*Event) {}, nil},
		{"missing event id", func(e *Event) { e.EventID = " " }, ErrMissingEventID},
		{"missing session id", func(e *Event) { e.SessionID = "" }, ErrMissingSessionID},
		{"missing customer id", func(e *Event) { e.CustomerID = "" }, ErrMissingCustomerID},
		{"unknown stage", func(e *Event) { e.Stage = "wishlist_add" }, ErrUnknownStage},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, ErrMissingTimestamp},
		{"too old", func(e *Event) { e.Timestamp = now.Add(-31 * time.Second) }, ErrTimestampTooOld},
		{"too far in future", func(e *Event) { e.Timestamp = now.Add(6 * time.Second) }, ErrTimestampInFuture},
		{"negative revenue", func(e *Event) { e.Revenue = -1 }, ErrMalformedRevenue},
		{"NaN revenue", func(e *Event) { e.Revenue = math.NaN() }, ErrMalformedRevenue},
		{"infinite revenue", func(e *Event) { e.Revenue = math.Inf(1) }, ErrMalformedRevenue},
		{
			"abandonment reason on wrong stage",
			func(e *Event) { e.AbandonmentReason = "high_shipping" },
			ErrMisplacedAbandon,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent(now)
			tt.mutate(e)

			err := v.Validate(e, now)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatorAdmissionWindowBoundaries(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	v := NewValidator(30*time.Second, 5*time.Second)

	t.Run("oldest admissible timestamp", func(t *testing.T) {
		e := validEvent(now)
		e.Timestamp = now.Add(-30 * time.Second)

		if err := v.Validate(e, now); err != nil {
			t.Errorf("Validate() rejected boundary timestamp: %v", err)
		}
	})

	t.Run("newest admissible timestamp", func(t *testing.T) {
		e := validEvent(now)
		e.Timestamp = now.Add(5 * time.Second)

		if err := v.Validate(e, now); err != nil {
			t.Errorf("Validate() rejected boundary timestamp: %v", err)
		}
	})

	t.Run("abandonment reason allowed on checkout_start", func(t *testing.T) {
		e := validEvent(now)
		e.Stage = StageCheckoutStart
		e.AbandonmentReason = "payment_failed"

		if err := v.Validate(e, now); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

func TestStageOrdering(t *testing.T) {
	stages := Stages()

	if len(stages) != NumStages {
		t.Fatalf("Stages() returned %d stages, want %d", len(stages), NumStages)
	}

	for i, s := range stages {
		if !s.IsValid() {
			t.Errorf("stage %q should be valid", s)
		}

		if s.Index() != i {
			t.Errorf("stage %q Index() = %d, want %d", s, s.Index(), i)
		}
	}

	if Stage("browse").IsValid() {
		t.Error("unknown stage should not be valid")
	}

	if idx := Stage("browse").Index(); idx != -1 {
		t.Errorf("unknown stage Index() = %d, want -1", idx)
	}
}
