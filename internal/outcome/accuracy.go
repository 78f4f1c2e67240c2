package outcome

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

// Tier is a confidence bucket, [Min, Max).
type Tier struct {
	Name string
	Min  float64
	Max  float64
}

// Tiers are the confidence buckets. The last one also includes 1.0.
var Tiers = []Tier{
	{Name: "low", Min: 0, Max: 0.4},
	{Name: "medium", Min: 0.4, Max: 0.6},
	{Name: "high", Min: 0.6, Max: 0.8},
	{Name: "very_high", Min: 0.8, Max: 1.0},
}

func tierOf(confidence float64) int {
	for i, t := range Tiers {
		if confidence >= t.Min && confidence < t.Max {
			return i
		}
	}
	if confidence >= Tiers[len(Tiers)-1].Min {
		return len(Tiers) - 1
	}
	return 0
}

// AccuracyByHorizon aggregates resolved outcomes at every horizon.
func AccuracyByHorizon(outcomes []model.PredictionOutcome) []model.HorizonAccuracy {
	out := make([]model.HorizonAccuracy, model.NumHorizons)
	sums := make([]decimal.Decimal, model.NumHorizons)
	for i, h := range model.Horizons {
		out[i] = model.HorizonAccuracy{Days: h, AverageReturn: decimal.Zero, TotalPnL: decimal.Zero}
		sums[i] = decimal.Zero
	}

	for _, o := range outcomes {
		for i, hr := range o.Horizons {
			if !hr.Resolved() {
				continue
			}
			a := &out[i]
			a.Resolved++
			if hr.Return.Valid {
				sums[i] = sums[i].Add(hr.Return.Decimal)
			}
			if hr.PnL.Valid {
				a.TotalPnL = a.TotalPnL.Add(hr.PnL.Decimal)
			}
			if hr.Correct != nil {
				a.Directional++
				if *hr.Correct {
					a.Correct++
				}
			}
		}
	}

	for i := range out {
		a := &out[i]
		if a.Resolved > 0 {
			a.AverageReturn = sums[i].Div(decimal.NewFromInt(int64(a.Resolved))).Round(returnPlaces)
		}
		if a.Directional > 0 {
			a.Accuracy = float64(a.Correct) / float64(a.Directional)
		}
	}
	return out
}

// AccuracyByConfidence aggregates directional calls at one horizon by
// confidence tier. Neutral calls carry no direction and are left out.
func AccuracyByConfidence(outcomes []model.PredictionOutcome, days int) ([]model.ConfidenceAccuracy, error) {
	idx := model.HorizonIndex(days)
	if idx < 0 {
		return nil, fmt.Errorf("unknown horizon %d, want one of %v", days, model.Horizons)
	}

	out := make([]model.ConfidenceAccuracy, len(Tiers))
	for i, t := range Tiers {
		out[i] = model.ConfidenceAccuracy{Tier: t.Name, MinInclude: t.Min, MaxExclude: t.Max, Days: days, TotalPnL: decimal.Zero}
	}
	for _, o := range outcomes {
		hr := o.Horizons[idx]
		if !hr.Resolved() || hr.Correct == nil {
			continue
		}
		a := &out[tierOf(o.Confidence)]
		a.Directional++
		if *hr.Correct {
			a.Correct++
		}
		if hr.PnL.Valid {
			a.TotalPnL = a.TotalPnL.Add(hr.PnL.Decimal)
		}
	}
	for i := range out {
		if out[i].Directional > 0 {
			out[i].Accuracy = float64(out[i].Correct) / float64(out[i].Directional)
		}
	}
	return out, nil
}

// HorizonReport loads outcomes matching f and aggregates them by horizon.
func (c *Calculator) HorizonReport(ctx context.Context, f store.OutcomeFilter) ([]model.HorizonAccuracy, error) {
	outcomes, err := c.store.ListOutcomes(ctx, f)
	if err != nil {
		return nil, err
	}
	return AccuracyByHorizon(outcomes), nil
}

// ConfidenceReport loads outcomes matching f and aggregates them by
// confidence tier at the given horizon.
func (c *Calculator) ConfidenceReport(ctx context.Context, f store.OutcomeFilter, days int) ([]model.ConfidenceAccuracy, error) {
	if model.HorizonIndex(days) < 0 {
		return nil, fmt.Errorf("unknown horizon %d, want one of %v", days, model.Horizons)
	}
	outcomes, err := c.store.ListOutcomes(ctx, f)
	if err != nil {
		return nil, err
	}
	return AccuracyByConfidence(outcomes, days)
}

// Outcomes lists stored outcome rows.
func (c *Calculator) Outcomes(ctx context.Context, f store.OutcomeFilter) ([]model.PredictionOutcome, error) {
	return c.store.ListOutcomes(ctx, f)
}
