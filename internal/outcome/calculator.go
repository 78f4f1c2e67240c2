package outcome

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

const (
	returnPlaces = 10
	pnlPlaces    = 4
)

// Store reads predictions and persists outcome rows.
type Store interface {
	GetPrediction(ctx context.Context, id int64) (*model.Prediction, error)
	ListPendingPredictions(ctx context.Context, since time.Time) ([]model.Prediction, error)
	ListCompletedPredictions(ctx context.Context, since time.Time) ([]model.Prediction, error)
	GetOutcome(ctx context.Context, predictionID int64, symbol string) (*model.PredictionOutcome, error)
	UpsertOutcome(ctx context.Context, o *model.PredictionOutcome) error
	ListOutcomes(ctx context.Context, f store.OutcomeFilter) ([]model.PredictionOutcome, error)
}

// PriceSource resolves historical prices.
type PriceSource interface {
	GetPriceOnDate(ctx context.Context, symbol string, date time.Time) (*model.PriceBar, error)
	Fetch(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) (marketdata.FetchResult, error)
}

// TickerLookup reports a symbol's registry record.
type TickerLookup interface {
	GetTicker(ctx context.Context, symbol string) (*model.TickerRecord, error)
}

// Options tunes a Calculator. Zero values take defaults.
type Options struct {
	Notional     decimal.Decimal
	LookbackDays int
	Now          func() time.Time
}

// Calculator turns completed predictions into per-asset outcome rows.
type Calculator struct {
	store   Store
	prices  PriceSource
	tickers TickerLookup
	opts    Options
	logger *zap.Logger
	group  singleflight.Group
}

// New creates a Calculator. Assets whose ticker is failed in tickers are
// skipped without touching providers; a nil tickers disables the check.
func New(st Store, prices PriceSource, tickers TickerLookup, opts Options, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Notional.IsPositive() {
		opts.Notional = decimal.NewFromInt(1000)
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 120
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Calculator{store: st, prices: prices, tickers: tickers, opts: opts, logger: logger.Named("outcome")}
}

// result tallies one prediction's assets.
type result struct {
	updated []model.PredictionOutcome
	sum     model.BatchSummary
}

// RecomputeOutcome computes outcome rows for every asset of one prediction
// and returns the rows that changed. Predictions that are not completed or
// name no assets produce nothing. Concurrent calls for the same prediction
// and mode share one execution.
func (c *Calculator) RecomputeOutcome(ctx context.Context, predictionID int64, forceRefresh bool) ([]model.PredictionOutcome, error) {
	p, err := c.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	res, err := c.recompute(ctx, p, forceRefresh)
	if err != nil {
		return nil, err
	}
	return res.updated, nil
}

func (c *Calculator) recompute(ctx context.Context, p *model.Prediction, force bool) (*result, error) {
	key := strconv.FormatInt(p.ID, 10) + "/" + strconv.FormatBool(force)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.compute(ctx, p, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*result), nil
}

func (c *Calculator) compute(ctx context.Context, p *model.Prediction, force bool) (*result, error) {
	res := &result{}
	if !p.Eligible() {
		c.logger.Debug("prediction not eligible",
			zap.Int64("prediction_id", p.ID),
			zap.String("analysis_status", p.AnalysisStatus),
			zap.Int("assets", len(p.Assets)),
		)
		return res, nil
	}

	for _, symbol := range p.Assets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.sum.Processed++
		o, status, err := c.computeAsset(ctx, p, symbol, force)
		switch {
		case err != nil:
			c.logger.Warn("outcome computation failed",
				zap.Int64("prediction_id", p.ID), zap.String("symbol", symbol), zap.Error(err))
			res.sum.Failed++
			res.sum.FailedSymbols = append(res.sum.FailedSymbols, fmt.Sprintf("%d:%s", p.ID, symbol))
			continue
		case status == statusSkipped:
			res.sum.Skipped++
			res.sum.Incomplete++
			continue
		case status == statusUpdated:
			res.sum.Updated++
			res.updated = append(res.updated, *o)
		default:
			res.sum.Unchanged++
		}
		if !o.IsComplete {
			res.sum.Incomplete++
		}
	}
	return res, nil
}

type assetStatus int

const (
	statusUnchanged assetStatus = iota
	statusUpdated
	statusSkipped
)

func (c *Calculator) computeAsset(ctx context.Context, p *model.Prediction, symbol string, force bool) (*model.PredictionOutcome, assetStatus, error) {
	now := c.opts.Now()
	today := model.DateOf(now)
	predDate := model.DateOf(p.CreatedAt)

	existing, err := c.store.GetOutcome(ctx, p.ID, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, statusSkipped, err
	}

	// Only the registry retry leaves failed; until then providers are not asked.
	if c.tickers != nil {
		rec, err := c.tickers.GetTicker(ctx, symbol)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, statusSkipped, err
		case rec.Status == model.TickerFailed:
			c.logger.Debug("ticker failed, skipping",
				zap.Int64("prediction_id", p.ID), zap.String("symbol", symbol))
			return nil, statusSkipped, nil
		}
	}

	if force {
		end := predDate.AddDate(0, 0, model.Horizons[model.NumHorizons-1])
		if end.After(today) {
			end = today
		}
		if _, err := c.prices.Fetch(ctx, symbol, predDate.AddDate(0, 0, -marketdata.LookbackDays), end, true); err != nil {
			return nil, statusSkipped, err
		}
	}

	o := model.NewPredictionOutcome(p.ID, symbol)
	if existing != nil && !force && existing.PriceAtPrediction.Valid {
		*o = *existing
	} else {
		o.PredictionDate = predDate
		o.Sentiment = p.SentimentFor(symbol)
		o.Confidence = p.Confidence
		base, err := c.prices.GetPriceOnDate(ctx, symbol, predDate)
		if errors.Is(err, marketdata.ErrNoPrice) {
			c.logger.Info("no price at prediction date, will retry",
				zap.Int64("prediction_id", p.ID), zap.String("symbol", symbol),
				zap.String("date", model.FormatDate(predDate)))
			return nil, statusSkipped, nil
		}
		if err != nil {
			return nil, statusSkipped, err
		}
		o.PriceAtPrediction = decimal.NewNullDecimal(base.Close)
	}

	base := o.PriceAtPrediction.Decimal
	if !base.IsPositive() {
		c.logger.Warn("non-positive price at prediction, skipping",
			zap.Int64("prediction_id", p.ID), zap.String("symbol", symbol), zap.String("price", base.String()))
		return nil, statusSkipped, nil
	}

	for i, h := range model.Horizons {
		if !force && o.Horizons[i].Resolved() {
			continue
		}
		o.Horizons[i] = model.HorizonResult{Days: h}
		// The target session must have closed.
		target := predDate.AddDate(0, 0, h)
		if !target.Before(today) {
			continue
		}
		bar, err := c.prices.GetPriceOnDate(ctx, symbol, target)
		if errors.Is(err, marketdata.ErrNoPrice) {
			continue
		}
		if err != nil {
			return nil, statusSkipped, err
		}
		o.Horizons[i] = Resolve(h, base, bar.Close, o.Sentiment, c.opts.Notional)
	}
	o.IsComplete = o.Complete()

	if existing != nil && o.SameValues(existing) {
		return existing, statusUnchanged, nil
	}
	o.UpdatedAt = now
	if err := c.store.UpsertOutcome(ctx, o); err != nil {
		return nil, statusSkipped, err
	}
	return o, statusUpdated, nil
}

// Resolve computes the result at one horizon from the base and horizon
// prices. base must be positive.
func Resolve(days int, base, price decimal.Decimal, sentiment model.Sentiment, notional decimal.Decimal) model.HorizonResult {
	ret := price.Div(base).Sub(decimal.NewFromInt(1)).Round(returnPlaces)

	r := model.HorizonResult{
		Days:   days,
		Price:  decimal.NewNullDecimal(price),
		Return: decimal.NewNullDecimal(ret),
	}
	switch sentiment {
	case model.Bullish:
		correct := ret.IsPositive()
		r.Correct = &correct
		r.PnL = decimal.NewNullDecimal(notional.Mul(ret).Round(pnlPlaces))
	case model.Bearish:
		correct := ret.IsNegative()
		r.Correct = &correct
		r.PnL = decimal.NewNullDecimal(notional.Mul(ret.Neg()).Round(pnlPlaces))
	default:
		r.PnL = decimal.NewNullDecimal(decimal.Zero)
	}
	return r
}

// BatchOptions selects the predictions a batch run visits.
type BatchOptions struct {
	Since time.Time
	Force bool
	// All includes predictions whose outcomes are already complete.
	All bool
}

// RecomputeAllPending visits completed predictions from the lookback window
// that still have an asset without a complete outcome.
func (c *Calculator) RecomputeAllPending(ctx context.Context, forceRefresh bool) (model.BatchSummary, error) {
	return c.RecomputeBatch(ctx, BatchOptions{Force: forceRefresh})
}

// RecomputeBatch runs the calculator over a set of predictions. One failing
// asset or prediction never stops the batch; only failing to list the
// predictions is an error.
func (c *Calculator) RecomputeBatch(ctx context.Context, opts BatchOptions) (model.BatchSummary, error) {
	sum := model.BatchSummary{RunID: uuid.NewString()}
	since := opts.Since
	if since.IsZero() {
		since = c.opts.Now().AddDate(0, 0, -c.opts.LookbackDays)
	}

	var (
		preds []model.Prediction
		err   error
	)
	if opts.All {
		preds, err = c.store.ListCompletedPredictions(ctx, since)
	} else {
		preds, err = c.store.ListPendingPredictions(ctx, since)
	}
	if err != nil {
		return sum, err
	}

	started := time.Now()
	for i := range preds {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("batch interrupted", zap.String("run_id", sum.RunID), zap.Error(err))
			return sum, nil
		}
		res, err := c.recompute(ctx, &preds[i], opts.Force)
		if err != nil {
			sum.Failed++
			sum.FailedSymbols = append(sum.FailedSymbols, fmt.Sprintf("%d:*", preds[i].ID))
			continue
		}
		sum.Add(res.sum)
	}

	c.logger.Info("outcome batch complete",
		zap.String("run_id", sum.RunID),
		zap.Int("predictions", len(preds)),
		zap.Int("processed", sum.Processed),
		zap.Int("updated", sum.Updated),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("incomplete", sum.Incomplete),
		zap.Bool("force", opts.Force),
		zap.Duration("elapsed", time.Since(started)),
	)
	return sum, nil
}

// HandlePredictionCompleted computes what is already known for a freshly
// completed prediction, usually its price at prediction.
func (c *Calculator) HandlePredictionCompleted(ctx context.Context, evt events.PredictionCompleted) error {
	_, err := c.RecomputeOutcome(ctx, evt.PredictionID, false)
	return err
}
