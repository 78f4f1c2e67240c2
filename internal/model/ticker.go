package model

import (
	"fmt"
	"time"
)

// TickerStatus is the lifecycle state of a tracked symbol.
type TickerStatus string

const (
	TickerDiscovered  TickerStatus = "discovered"
	TickerBackfilling TickerStatus = "backfilling"
	TickerActive      TickerStatus = "active"
	TickerStale       TickerStatus = "stale"
	TickerFailed      TickerStatus = "failed"
)

// TickerStatuses lists every status in lifecycle order.
var TickerStatuses = []TickerStatus{
	TickerDiscovered,
	TickerBackfilling,
	TickerActive,
	TickerStale,
	TickerFailed,
}

var tickerTransitions = map[TickerStatus][]TickerStatus{
	TickerDiscovered:  {TickerBackfilling},
	TickerBackfilling: {TickerActive, TickerFailed},
	TickerActive:      {TickerStale},
	TickerStale:       {TickerActive},
	TickerFailed:      {TickerBackfilling},
}

// ParseTickerStatus validates a status string.
func ParseTickerStatus(s string) (TickerStatus, error) {
	for _, st := range TickerStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown ticker status %q", s)
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to TickerStatus) bool {
	for _, next := range tickerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TickerRecord tracks the lifecycle of one symbol.
type TickerRecord struct {
	Symbol             string       `json:"symbol"`
	Status             TickerStatus `json:"status"`
	FirstSeenDate      time.Time    `json:"first_seen_date"`
	LastBackfillAt     *time.Time   `json:"last_backfill_at,omitempty"`
	SourcePredictionID *int64       `json:"source_prediction_id,omitempty"`
	LastReferencedAt   time.Time    `json:"last_referenced_at"`
	LastError          string       `json:"last_error,omitempty"`
	FailureCount       int          `json:"failure_count"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Transition moves the record to the given status if the edge is allowed.
func (r *TickerRecord) Transition(to TickerStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("ticker %s: illegal transition %s -> %s", r.Symbol, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}
