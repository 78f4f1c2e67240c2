package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

// TickerStore persists ticker records.
type TickerStore interface {
	CreateTicker(ctx context.Context, rec *model.TickerRecord) (bool, error)
	SaveTicker(ctx context.Context, rec *model.TickerRecord) error
	GetTicker(ctx context.Context, symbol string) (*model.TickerRecord, error)
	ListTickers(ctx context.Context, statuses ...model.TickerStatus) ([]model.TickerRecord, error)
	CountTickers(ctx context.Context) (map[model.TickerStatus]int, error)
	LatestBar(ctx context.Context, symbol string) (*model.PriceBar, error)
}

// PriceFetcher fills the price cache for a symbol.
type PriceFetcher interface {
	Fetch(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) (marketdata.FetchResult, error)
}

// Options tunes a Registry. Zero values take defaults.
type Options struct {
	BackfillDays    int
	RefreshDays     int
	StaleWindow     time.Duration
	ReferenceWindow time.Duration
	StuckAfter      time.Duration
	Concurrency     int
	Now             func() time.Time
}

// Registry drives the per-symbol lifecycle. It is the only place where a
// newly named symbol turns into a price backfill.
type Registry struct {
	store  TickerStore
	prices PriceFetcher
	opts   Options
	logger *zap.Logger

	locks sync.Map // symbol -> *sync.Mutex
}

// New creates a Registry that backfills through prices.
func New(st TickerStore, prices PriceFetcher, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BackfillDays <= 0 {
		opts.BackfillDays = 90
	}
	if opts.RefreshDays <= 0 {
		opts.RefreshDays = 7
	}
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = 7 * 24 * time.Hour
	}
	if opts.ReferenceWindow <= 0 {
		opts.ReferenceWindow = 30 * 24 * time.Hour
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: st, prices: prices, opts: opts, logger: logger.Named("registry")}
}

func (r *Registry) lock(symbol string) func() {
	v, _ := r.locks.LoadOrStore(symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HandlePredictionCompleted registers every symbol named by the prediction.
// Business outcomes such as a failed backfill are recorded on the ticker;
// only persistence errors are returned.
func (r *Registry) HandlePredictionCompleted(ctx context.Context, evt events.PredictionCompleted) error {
	var errs []error
	for _, sym := range evt.Symbols {
		sym = model.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if err := r.Observe(ctx, sym, evt.PredictionID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
		}
	}
	return errors.Join(errs...)
}

// Observe records that predictionID referenced symbol and advances the
// symbol's lifecycle accordingly.
func (r *Registry) Observe(ctx context.Context, symbol string, predictionID int64) error {
	symbol = model.NormalizeSymbol(symbol)
	unlock := r.lock(symbol)
	defer unlock()

	now := r.opts.Now()
	pid := predictionID
	rec := &model.TickerRecord{
		Symbol:             symbol,
		Status:             model.TickerDiscovered,
		FirstSeenDate:      model.DateOf(now),
		SourcePredictionID: &pid,
		LastReferencedAt:   now,
		UpdatedAt:          now,
	}
	created, err := r.store.CreateTicker(ctx, rec)
	if err != nil {
		return err
	}
	if created {
		r.logger.Info("discovered symbol", zap.String("symbol", symbol), zap.Int64("prediction_id", predictionID))
		return r.backfill(ctx, rec, false)
	}

	existing, err := r.store.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}
	switch existing.Status {
	case model.TickerActive:
		existing.LastReferencedAt = now
		existing.UpdatedAt = now
		return r.store.SaveTicker(ctx, existing)
	case model.TickerStale:
		existing.LastReferencedAt = now
		_, err := r.refresh(ctx, existing, r.opts.RefreshDays)
		return err
	case model.TickerDiscovered:
		existing.LastReferencedAt = now
		return r.backfill(ctx, existing, false)
	case model.TickerBackfilling:
		// Another caller owns the backfill; RefreshAll resumes it if it stalls.
		existing.LastReferencedAt = now
		return r.store.SaveTicker(ctx, existing)
	default:
		// failed only leaves through RetryFailed.
		return nil
	}
}

// backfill moves rec to backfilling, fetches the trailing history and
// settles it as active or failed.
func (r *Registry) backfill(ctx context.Context, rec *model.TickerRecord, force bool) error {
	now := r.opts.Now()
	if rec.Status != model.TickerBackfilling {
		if err := rec.Transition(model.TickerBackfilling, now); err != nil {
			return err
		}
	}
	rec.LastBackfillAt = &now
	rec.UpdatedAt = now
	if err := r.store.SaveTicker(ctx, rec); err != nil {
		return err
	}

	today := model.DateOf(now)
	res, err := r.prices.Fetch(ctx, rec.Symbol, today.AddDate(0, 0, -r.opts.BackfillDays), today, force)
	if err != nil {
		// Stays backfilling; RefreshAll picks it up after StuckAfter.
		return err
	}

	done := r.opts.Now()
	if len(res.Bars) > 0 {
		if err := rec.Transition(model.TickerActive, done); err != nil {
			return err
		}
		rec.LastError = ""
		r.logger.Info("backfill complete",
			zap.String("symbol", rec.Symbol),
			zap.Int("bars", len(res.Bars)),
			zap.String("provider", res.Provider),
		)
	} else {
		if err := rec.Transition(model.TickerFailed, done); err != nil {
			return err
		}
		rec.FailureCount++
		rec.LastError = describeFailure(res)
		r.logger.Warn("backfill failed",
			zap.String("symbol", rec.Symbol),
			zap.Int("failure_count", rec.FailureCount),
			zap.String("reason", rec.LastError),
		)
	}
	return r.store.SaveTicker(ctx, rec)
}

func describeFailure(res marketdata.FetchResult) string {
	switch {
	case res.NotFound:
		return "symbol not found at any provider"
	case len(res.Failures) > 0:
		return res.Err().Error()
	default:
		return "no price data returned"
	}
}

// refresh force-fetches the trailing days for rec and reactivates a stale
// symbol when new bars arrive. It reports whether bars were fetched.
func (r *Registry) refresh(ctx context.Context, rec *model.TickerRecord, days int) (bool, error) {
	now := r.opts.Now()
	today := model.DateOf(now)
	res, err := r.prices.Fetch(ctx, rec.Symbol, today.AddDate(0, 0, -days), today, true)
	if err != nil {
		return false, err
	}
	fresh := res.Provider != ""
	if fresh && rec.Status == model.TickerStale {
		if err := rec.Transition(model.TickerActive, now); err != nil {
			return false, err
		}
		r.logger.Info("symbol reactivated", zap.String("symbol", rec.Symbol))
	}
	if !fresh && len(res.Failures) > 0 {
		rec.LastError = res.Err().Error()
	} else if fresh {
		rec.LastError = ""
	}
	rec.UpdatedAt = now
	return fresh, r.store.SaveTicker(ctx, rec)
}

// SweepStale marks active symbols stale when their newest bar is older
// than StaleWindow and no prediction referenced them within ReferenceWindow.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	active, err := r.store.ListTickers(ctx, model.TickerActive)
	if err != nil {
		return 0, err
	}
	now := r.opts.Now()
	today := model.DateOf(now)

	marked := 0
	for i := range active {
		rec := &active[i]
		if now.Sub(rec.LastReferencedAt) <= r.opts.ReferenceWindow {
			continue
		}
		latest, err := r.store.LatestBar(ctx, rec.Symbol)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return marked, err
		}
		if latest != nil && today.Sub(latest.Date) <= r.opts.StaleWindow {
			continue
		}
		if err := r.transition(ctx, rec.Symbol, model.TickerActive, model.TickerStale); err != nil {
			return marked, err
		}
		marked++
	}
	if marked > 0 {
		r.logger.Info("stale sweep", zap.Int("marked_stale", marked))
	}
	return marked, nil
}

// transition re-reads symbol under its lock and moves it from one status to
// another, doing nothing when another caller already moved it.
func (r *Registry) transition(ctx context.Context, symbol string, from, to model.TickerStatus) error {
	unlock := r.lock(symbol)
	defer unlock()

	rec, err := r.store.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}
	if rec.Status != from {
		return nil
	}
	if err := rec.Transition(to, r.opts.Now()); err != nil {
		return err
	}
	return r.store.SaveTicker(ctx, rec)
}

// RefreshSummary reports a refresh pass.
type RefreshSummary struct {
	RunID          string   `json:"run_id"`
	Refreshed      int      `json:"refreshed"`
	Unchanged      int      `json:"unchanged"`
	Reactivated    int      `json:"reactivated"`
	Resumed        int      `json:"resumed"`
	NowFailed      []string `json:"now_failed,omitempty"`
	Errors         int      `json:"errors"`
	ErroredSymbols []string `json:"errored_symbols,omitempty"`
}

// RefreshAll refreshes the trailing days of every active and stale symbol
// with bounded parallelism, and resumes backfills that have stalled for
// longer than StuckAfter. A failing symbol never stops the others.
func (r *Registry) RefreshAll(ctx context.Context, days int) (RefreshSummary, error) {
	if days <= 0 {
		days = r.opts.RefreshDays
	}
	sum := RefreshSummary{RunID: uuid.NewString()}

	recs, err := r.store.ListTickers(ctx, model.TickerActive, model.TickerStale, model.TickerDiscovered, model.TickerBackfilling)
	if err != nil {
		return sum, err
	}
	now := r.opts.Now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, rec := range recs {
		if rec.Status == model.TickerDiscovered || rec.Status == model.TickerBackfilling {
			if now.Sub(rec.UpdatedAt) < r.opts.StuckAfter {
				continue
			}
		}
		g.Go(func() error {
			r.refreshOne(gctx, rec.Symbol, days, &sum, &mu)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("refresh complete",
		zap.String("run_id", sum.RunID),
		zap.Int("refreshed", sum.Refreshed),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("reactivated", sum.Reactivated),
		zap.Int("resumed", sum.Resumed),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}

func (r *Registry) refreshOne(ctx context.Context, symbol string, days int, sum *RefreshSummary, mu *sync.Mutex) {
	unlock := r.lock(symbol)
	defer unlock()

	fail := func(err error) {
		r.logger.Warn("refresh failed", zap.String("symbol", symbol), zap.Error(err))
		mu.Lock()
		sum.Errors++
		sum.ErroredSymbols = append(sum.ErroredSymbols, symbol)
		mu.Unlock()
	}

	rec, err := r.store.GetTicker(ctx, symbol)
	if err != nil {
		fail(err)
		return
	}

	switch rec.Status {
	case model.TickerDiscovered, model.TickerBackfilling:
		if err := r.backfill(ctx, rec, false); err != nil {
			fail(err)
			return
		}
		mu.Lock()
		sum.Resumed++
		if rec.Status == model.TickerFailed {
			sum.NowFailed = append(sum.NowFailed, symbol)
		}
		mu.Unlock()
	case model.TickerActive, model.TickerStale:
		wasStale := rec.Status == model.TickerStale
		fresh, err := r.refresh(ctx, rec, days)
		if err != nil {
			fail(err)
			return
		}
		mu.Lock()
		if fresh {
			sum.Refreshed++
		} else {
			sum.Unchanged++
		}
		if wasStale && rec.Status == model.TickerActive {
			sum.Reactivated++
		}
		mu.Unlock()
	}
}

// RefreshSymbol refreshes one symbol regardless of its registry state. An
// unknown symbol is fetched but not registered; a stale one with fresh bars
// becomes active.
func (r *Registry) RefreshSymbol(ctx context.Context, symbol string, days int, force bool) (marketdata.FetchResult, error) {
	symbol = model.NormalizeSymbol(symbol)
	if days <= 0 {
		days = r.opts.RefreshDays
	}
	today := model.DateOf(r.opts.Now())
	res, err := r.prices.Fetch(ctx, symbol, today.AddDate(0, 0, -days), today, force)
	if err != nil {
		return res, err
	}

	rec, err := r.store.GetTicker(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if rec.Status == model.TickerStale && res.Provider != "" {
		return res, r.transition(ctx, symbol, model.TickerStale, model.TickerActive)
	}
	return res, nil
}

// RetrySummary reports a retry pass over failed symbols.
type RetrySummary struct {
	RunID       string   `json:"run_id"`
	Attempted   int      `json:"attempted"`
	Recovered   []string `json:"recovered,omitempty"`
	StillFailed []string `json:"still_failed,omitempty"`
	Errors      int      `json:"errors"`
}

// RetryFailed re-runs a forced backfill for every failed symbol.
func (r *Registry) RetryFailed(ctx context.Context) (RetrySummary, error) {
	sum := RetrySummary{RunID: uuid.NewString()}
	failed, err := r.store.ListTickers(ctx, model.TickerFailed)
	if err != nil {
		return sum, err
	}
	for _, f := range failed {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Attempted++
		if err := r.retry(ctx, f.Symbol); err != nil {
			r.logger.Warn("retry failed", zap.String("symbol", f.Symbol), zap.Error(err))
			sum.Errors++
			continue
		}
		rec, err := r.store.GetTicker(ctx, f.Symbol)
		if err != nil {
			sum.Errors++
			continue
		}
		if rec.Status == model.TickerActive {
			sum.Recovered = append(sum.Recovered, f.Symbol)
		} else {
			sum.StillFailed = append(sum.StillFailed, f.Symbol)
		}
	}
	r.logger.Info("retry complete",
		zap.String("run_id", sum.RunID),
		zap.Int("attempted", sum.Attempted),
		zap.Int("recovered", len(sum.Recovered)),
		zap.Int("still_failed", len(sum.StillFailed)),
	)
	return sum, nil
}

func (r *Registry) retry(ctx context.Context, symbol string) error {
	unlock := r.lock(symbol)
	defer unlock()

	rec, err := r.store.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}
	if rec.Status != model.TickerFailed {
		return nil
	}
	return r.backfill(ctx, rec, true)
}

// Get returns the record for symbol.
func (r *Registry) Get(ctx context.Context, symbol string) (*model.TickerRecord, error) {
	return r.store.GetTicker(ctx, model.NormalizeSymbol(symbol))
}

// List returns records, optionally restricted to the given statuses.
func (r *Registry) List(ctx context.Context, statuses ...model.TickerStatus) ([]model.TickerRecord, error) {
	return r.store.ListTickers(ctx, statuses...)
}

// Counts returns the number of records per status.
func (r *Registry) Counts(ctx context.Context) (map[model.TickerStatus]int, error) {
	return r.store.CountTickers(ctx)
}
