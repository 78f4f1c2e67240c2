package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NumHorizons is the number of holding horizons evaluated per outcome.
const NumHorizons = 4

// Horizons are the holding periods in calendar days.
var Horizons = [NumHorizons]int{1, 3, 7, 30}

// HorizonIndex returns the slot of a horizon, or -1 if it is not tracked.
func HorizonIndex(days int) int {
	for i, h := range Horizons {
		if h == days {
			return i
		}
	}
	return -1
}

// HorizonResult is the market outcome at one horizon. Nil/invalid fields are unresolved.
type HorizonResult struct {
	Days    int                 `json:"days"`
	Price   decimal.NullDecimal `json:"price"`
	Return  decimal.NullDecimal `json:"return"`
	Correct *bool               `json:"correct"`
	PnL     decimal.NullDecimal `json:"pnl"`
}

// Resolved reports whether the horizon price is known.
func (h HorizonResult) Resolved() bool {
	return h.Price.Valid
}

// Equal compares two horizon results field by field.
func (h HorizonResult) Equal(o HorizonResult) bool {
	return h.Days == o.Days &&
		nullDecimalEqual(h.Price, o.Price) &&
		nullDecimalEqual(h.Return, o.Return) &&
		nullDecimalEqual(h.PnL, o.PnL) &&
		boolPtrEqual(h.Correct, o.Correct)
}

// PredictionOutcome is the tracked result of one (prediction, asset) pair.
type PredictionOutcome struct {
	PredictionID      int64                      `json:"prediction_id"`
	Symbol            string                     `json:"symbol"`
	PredictionDate    time.Time                  `json:"prediction_date"`
	Sentiment         Sentiment                  `json:"prediction_sentiment"`
	Confidence        float64                    `json:"prediction_confidence"`
	PriceAtPrediction decimal.NullDecimal        `json:"price_at_prediction"`
	Horizons          [NumHorizons]HorizonResult `json:"horizons"`
	IsComplete        bool                       `json:"is_complete"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// NewPredictionOutcome returns an empty outcome with horizon days filled in.
func NewPredictionOutcome(predictionID int64, symbol string) *PredictionOutcome {
	o := &PredictionOutcome{PredictionID: predictionID, Symbol: symbol}
	for i, h := range Horizons {
		o.Horizons[i].Days = h
	}
	return o
}

// Complete reports whether every horizon has a price.
func (o *PredictionOutcome) Complete() bool {
	for _, h := range o.Horizons {
		if !h.Resolved() {
			return false
		}
	}
	return true
}

// SameValues compares every stored field except UpdatedAt.
func (o *PredictionOutcome) SameValues(other *PredictionOutcome) bool {
	if other == nil {
		return false
	}
	if o.PredictionID != other.PredictionID ||
		o.Symbol != other.Symbol ||
		!o.PredictionDate.Equal(other.PredictionDate) ||
		o.Sentiment != other.Sentiment ||
		o.Confidence != other.Confidence ||
		!nullDecimalEqual(o.PriceAtPrediction, other.PriceAtPrediction) ||
		o.IsComplete != other.IsComplete {
		return false
	}
	for i := range o.Horizons {
		if !o.Horizons[i].Equal(other.Horizons[i]) {
			return false
		}
	}
	return true
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BatchSummary counts what a batch run did with its items.
type BatchSummary struct {
	RunID         string   `json:"run_id"`
	Processed     int      `json:"processed"`
	Updated       int      `json:"updated"`
	Unchanged     int      `json:"unchanged"`
	Skipped       int      `json:"skipped"`
	Failed        int      `json:"failed"`
	Incomplete    int      `json:"incomplete"`
	FailedSymbols []string `json:"failed_symbols,omitempty"`
}

// Add merges another summary's counters into s.
func (s *BatchSummary) Add(o BatchSummary) {
	s.Processed += o.Processed
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Incomplete += o.Incomplete
	s.FailedSymbols = append(s.FailedSymbols, o.FailedSymbols...)
}

// HorizonAccuracy aggregates resolved directional calls at one horizon.
type HorizonAccuracy struct {
	Days          int             `json:"days"`
	Resolved      int             `json:"resolved"`
	Directional   int             `json:"directional"`
	Correct       int             `json:"correct"`
	Accuracy      float64         `json:"accuracy"`
	AverageReturn decimal.Decimal `json:"average_return"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// ConfidenceAccuracy aggregates directional calls by confidence tier at one horizon.
type ConfidenceAccuracy struct {
	Tier        string          `json:"tier"`
	MinInclude  float64         `json:"min_confidence"`
	MaxExclude  float64         `json:"max_confidence"`
	Days        int             `json:"days"`
	Directional int             `json:"directional"`
	Correct     int             `json:"correct"`
	Accuracy    float64         `json:"accuracy"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
}
