// Package cohort groups customers by acquisition period and measures how
// many of them return to each funnel stage in later periods.
package cohort

import (
	"sort"
	"sync"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

type (
	// Engine assigns each customer an acquisition period on first
	// observation and records stage reaches per period offset afterwards.
	// Acquisition assignment is immutable: later events never move a
	// customer between cohorts.
	Engine struct {
		mu sync.Mutex

		period time.Duration

		// acquired maps customer ID to its fixed cohort assignment.
		acquired map[string]assignment

		records map[recordKey]*record
	}

	assignment struct {
		period  time.Time
		segment string
	}

	recordKey struct {
		period  time.Time
		segment string
	}

	// record is the append-only membership state of one (period, segment)
	// cohort.
	record struct {
		members map[string]struct{}

		// returning holds, per period offset and stage, the set of cohort
		// members who reached that stage in that offset.
		returning map[int]map[event.Stage]map[string]struct{}
	}

	// RetentionRow is the derived read model of one cohort: member count plus
	// per-offset per-stage returning fractions in [0, 1].
	RetentionRow struct {
		Period  time.Time
		Segment string
		Members int

		// Fractions[offset][stage] = |returning members| / |members|.
		// Offset 0 always contains a visit fraction of 1.
		Fractions map[int]map[event.Stage]float64
	}
)

// NewEngine creates a cohort engine with the given acquisition period.
func NewEngine(period time.Duration) *Engine {
	return &Engine{
		period:   period,
		acquired: make(map[string]assignment),
		records:  make(map[recordKey]*record),
	}
}

// Observe records a customer reaching a stage at the given event time.
//
// The first observation acquires the customer into the cohort of the period
// containing it, pinned to the segment seen then; every observation records
// the stage reach at the offset of its period from the acquisition period.
// Observations timestamped before the acquisition period count at offset 0.
func (e *Engine) Observe(customerID, segment string, stage event.Stage, ts time.Time) {
	if customerID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	asg, ok := e.acquired[customerID]
	if !ok {
		asg = assignment{period: ts.Truncate(e.period), segment: segment}
		e.acquired[customerID] = asg

		rec := e.recordFor(asg)
		rec.members[customerID] = struct{}{}

		// A customer's acquiring event is by definition a period-0 visit.
		rec.mark(0, event.StagePageView, customerID)
	}

	offset := int(ts.Truncate(e.period).Sub(asg.period) / e.period)
	if offset < 0 {
		offset = 0
	}

	e.recordFor(asg).mark(offset, stage, customerID)
}

// Table returns the retention rows of every cohort in the given segment,
// ordered by acquisition period. An empty segment selects all cohorts.
func (e *Engine) Table(segment string) []RetentionRow {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rows []RetentionRow

	for key, rec := range e.records {
		if segment != "" && key.segment != segment {
			continue
		}

		rows = append(rows, rec.row(key))
	}

	sortRows(rows)

	return rows
}

// Retention returns the retention rows of every segment cohort acquired in
// the period containing ts.
func (e *Engine) Retention(ts time.Time) []RetentionRow {
	e.mu.Lock()
	defer e.mu.Unlock()

	period := ts.Truncate(e.period)

	var rows []RetentionRow

	for key, rec := range e.records {
		if key.period.Equal(period) {
			rows = append(rows, rec.row(key))
		}
	}

	sortRows(rows)

	return rows
}

// Cohorts returns the number of tracked (period, segment) cohorts.
func (e *Engine) Cohorts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.records)
}

func (e *Engine) recordFor(asg assignment) *record {
	key := recordKey{period: asg.period, segment: asg.segment}

	rec, ok := e.records[key]
	if !ok {
		rec = &record{
			members:   make(map[string]struct{}),
			returning: make(map[int]map[event.Stage]map[string]struct{}),
		}
		e.records[key] = rec
	}

	return rec
}

func (r *record) mark(offset int, stage event.Stage, customerID string) {
	stages, ok := r.returning[offset]
	if !ok {
		stages = make(map[event.Stage]map[string]struct{})
		r.returning[offset] = stages
	}

	set, ok := stages[stage]
	if !ok {
		set = make(map[string]struct{})
		stages[stage] = set
	}

	set[customerID] = struct{}{}
}

func (r *record) row(key recordKey) RetentionRow {
	row := RetentionRow{
		Period:    key.period,
		Segment:   key.segment,
		Members:   len(r.members),
		Fractions: make(map[int]map[event.Stage]float64, len(r.returning)),
	}

	for offset, stages := range r.returning {
		fr := make(map[event.Stage]float64, len(stages))

		for stage, set := range stages {
			if row.Members > 0 {
				fr[stage] = float64(len(set)) / float64(row.Members)
			}
		}

		row.Fractions[offset] = fr
	}

	return row
}

func sortRows(rows []RetentionRow) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Period.Equal(rows[j].Period) {
			return rows[i].Period.Before(rows[j].Period)
		}

		return rows[i].Segment < rows[j].Segment
	})
}
