// Package funnel converts session stage transitions into per-time-bucket
// funnel counts and conversion rates.
package funnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/session"
)

type (
	// Dimension is a slicing attribute of the event stream.
	Dimension string

	// SliceSpec is a combination of dimensions to materialize, e.g.
	// {device_type} or {device_type, traffic_source}.
	SliceSpec []Dimension

	// SliceKey is the canonical string form of one dimension-slice value,
	// e.g. "device_type=Mobile|traffic_source=paid". The unsliced aggregate
	// uses AggregateKey.
	SliceKey string
)

// Slicing dimensions.
const (
	DimensionDevice  Dimension = "device_type"
	DimensionSource  Dimension = "traffic_source"
	DimensionSegment Dimension = "customer_segment"
)

// AggregateKey identifies the unsliced aggregate, which is always materialized.
const AggregateKey SliceKey = "overall"

// ErrUnknownDimension is returned when a slice spec names a dimension outside
// the fixed vocabulary.
var ErrUnknownDimension = errors.New("unknown slicing dimension")

// IsValid checks if the Dimension belongs to the fixed vocabulary.
func (d Dimension) IsValid() bool {
	switch d {
	case DimensionDevice, DimensionSource, DimensionSegment:
		return true
	default:
		return false
	}
}

// ParseSliceSpecs converts configured dimension combinations into SliceSpecs,
// rejecting unknown dimensions. Configuration errors are fatal at startup.
func ParseSliceSpecs(combinations [][]string) ([]SliceSpec, error) {
	specs := make([]SliceSpec, 0, len(combinations))

	for _, combo := range combinations {
		spec := make(SliceSpec, 0, len(combo))

		for _, name := range combo {
			d := Dimension(strings.TrimSpace(name))
			if !d.IsValid() {
				return nil, fmt.Errorf("%w: %q (valid: device_type, traffic_source, customer_segment)",
					ErrUnknownDimension, name)
			}

			spec = append(spec, d)
		}

		if len(spec) > 0 {
			specs = append(specs, spec)
		}
	}

	return specs, nil
}

// KeyFor builds the slice key for a session's pinned dimensions.
func (s SliceSpec) KeyFor(dims session.Dimensions) SliceKey {
	parts := make([]string, 0, len(s))

	for _, d := range s {
		var value string

		switch d {
		case DimensionDevice:
			value = dims.DeviceType
		case DimensionSource:
			value = dims.TrafficSource
		case DimensionSegment:
			value = dims.CustomerSegment
		}

		parts = append(parts, string(d)+"="+value)
	}

	return SliceKey(strings.Join(parts, "|"))
}
