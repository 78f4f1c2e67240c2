package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"OutcomeSentinel/internal/calendar"
	"OutcomeSentinel/internal/collector"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

// LookbackDays bounds how far back GetPriceOnDate searches for a prior trading day.
const LookbackDays = 10

// ErrNoPrice is returned when no bar exists at or before the requested date.
var ErrNoPrice = errors.New("no price available")

// PriceStore is the persistence the client reads through and writes to.
type PriceStore interface {
	UpsertBars(ctx context.Context, bars []model.PriceBar) error
	BarsInRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error)
	LatestBar(ctx context.Context, symbol string) (*model.PriceBar, error)
	LatestBarOnOrBefore(ctx context.Context, symbol string, date, notBefore time.Time) (*model.PriceBar, error)
	RecordCoverage(ctx context.Context, symbol string, start, end, at time.Time) error
	CoverageOverlapping(ctx context.Context, symbol string, start, end time.Time) ([]model.DateRange, error)
}

// Options tunes a Client. Zero values take defaults.
type Options struct {
	StaleAfter  time.Duration
	ProbeSymbol string
	Now         func() time.Time
}

// Client is a read-through cache over the price store, falling back across
// providers in order when the cache does not cover a range.
type Client struct {
	store     PriceStore
	providers []collector.Provider
	opts      Options
	logger    *zap.Logger
	health    *healthTracker
}

// New creates a Client over st that tries providers in the given order.
func New(st PriceStore, providers []collector.Provider, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	if opts.ProbeSymbol == "" {
		opts.ProbeSymbol = "SPY"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return &Client{
		store:     st,
		providers: providers,
		opts:      opts,
		logger:    logger.Named("marketdata"),
		health:    newHealthTracker(names, opts.Now),
	}
}

// FetchResult describes one read-through fetch.
type FetchResult struct {
	Bars         []model.PriceBar
	NetworkCalls int
	// Provider is the last provider that supplied bars, empty on a cache hit.
	Provider string
	Failures []error
	// NotFound is set when nothing was fetched and every provider rejected the symbol.
	NotFound bool
}

// Err joins the provider failures seen during the fetch.
func (r FetchResult) Err() error {
	return errors.Join(r.Failures...)
}

// GetPrices returns the bars for symbol within [start, end]. Provider
// failures are not errors: whatever the cache holds is returned. The error
// is reserved for persistence failures.
func (c *Client) GetPrices(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) ([]model.PriceBar, error) {
	res, err := c.Fetch(ctx, symbol, start, end, forceRefresh)
	if err != nil {
		return nil, err
	}
	return res.Bars, nil
}

// Fetch fills the cache for [start, end] and reports what it did. Without
// forceRefresh only the trading days missing from the cache are requested.
func (c *Client) Fetch(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) (FetchResult, error) {
	var res FetchResult
	symbol = model.NormalizeSymbol(symbol)
	start, end = model.DateOf(start), model.DateOf(end)
	if symbol == "" {
		return res, fmt.Errorf("empty symbol")
	}
	if end.Before(start) {
		return res, nil
	}

	now := c.opts.Now()
	today := model.DateOf(now)

	var gaps []model.DateRange
	if forceRefresh {
		// Today's session is not final; it is never requested or cached.
		last := minDate(end, today.AddDate(0, 0, -1))
		if !last.Before(start) {
			gaps = []model.DateRange{{Start: start, End: last}}
		}
	} else {
		var err error
		gaps, err = c.gaps(ctx, symbol, start, end, today)
		if err != nil {
			return res, err
		}
	}

	var (
		fetched  []model.PriceBar
		covered  []model.DateRange
		notFound = len(gaps) > 0
	)
	for _, gap := range gaps {
		g := c.fetchGap(ctx, symbol, gap, today)
		res.NetworkCalls += g.calls
		res.Failures = append(res.Failures, g.failures...)
		if len(g.bars) > 0 {
			fetched = append(fetched, g.bars...)
			res.Provider = g.provider
		}
		if g.answered {
			covered = append(covered, gap)
		}
		if len(g.bars) > 0 || !g.allNotFound() {
			notFound = false
		}
	}
	res.NotFound = notFound

	// Network work is done; only now touch the store.
	if len(fetched) > 0 {
		for i := range fetched {
			fetched[i].LastUpdated = now
		}
		if err := c.store.UpsertBars(ctx, fetched); err != nil {
			return res, err
		}
	}
	yesterday := today.AddDate(0, 0, -1)
	for _, r := range covered {
		last := minDate(r.End, yesterday)
		if last.Before(r.Start) {
			continue
		}
		if err := c.store.RecordCoverage(ctx, symbol, r.Start, last, now); err != nil {
			return res, err
		}
	}

	bars, err := c.store.BarsInRange(ctx, symbol, start, end)
	if err != nil {
		return res, err
	}
	res.Bars = bars

	if res.NetworkCalls > 0 {
		c.logger.Debug("fetched prices",
			zap.String("symbol", symbol),
			zap.String("start", model.FormatDate(start)),
			zap.String("end", model.FormatDate(end)),
			zap.Int("gaps", len(gaps)),
			zap.Int("fetched", len(fetched)),
			zap.Int("network_calls", res.NetworkCalls),
			zap.Int("failures", len(res.Failures)),
		)
	}
	return res, nil
}

// gaps returns contiguous runs of finalized trading days in [start, end]
// that have neither a cached bar nor a coverage record.
func (c *Client) gaps(ctx context.Context, symbol string, start, end, today time.Time) ([]model.DateRange, error) {
	last := minDate(end, today.AddDate(0, 0, -1))
	if last.Before(start) {
		return nil, nil
	}
	days := calendar.TradingDays(start, last)
	if len(days) == 0 {
		return nil, nil
	}

	bars, err := c.store.BarsInRange(ctx, symbol, start, last)
	if err != nil {
		return nil, err
	}
	have := make(map[time.Time]bool, len(bars))
	for _, b := range bars {
		have[b.Date] = true
	}
	coverage, err := c.store.CoverageOverlapping(ctx, symbol, start, last)
	if err != nil {
		return nil, err
	}

	var (
		out []model.DateRange
		cur *model.DateRange
	)
	for _, d := range days {
		missing := !have[d] && !inAny(coverage, d)
		switch {
		case missing && cur == nil:
			cur = &model.DateRange{Start: d, End: d}
		case missing:
			cur.End = d
		case cur != nil:
			out = append(out, *cur)
			cur = nil
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}

type gapFetch struct {
	bars     []model.PriceBar
	provider string
	calls    int
	failures []error
	// answered is set when at least one provider responded without error.
	answered bool
}

func (g gapFetch) allNotFound() bool {
	if g.answered || len(g.failures) == 0 {
		return false
	}
	for _, err := range g.failures {
		if !collector.IsNotFound(err) {
			return false
		}
	}
	return true
}

// fetchGap tries each provider in order until one returns bars.
func (c *Client) fetchGap(ctx context.Context, symbol string, gap model.DateRange, today time.Time) gapFetch {
	var g gapFetch
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			g.failures = append(g.failures, err)
			break
		}
		started := time.Now()
		bars, err := p.FetchRange(ctx, symbol, gap.Start, gap.End)
		g.calls++
		c.health.observe(p.Name(), time.Since(started), err)
		if err != nil {
			c.logger.Warn("provider fetch failed",
				zap.String("provider", p.Name()),
				zap.String("symbol", symbol),
				zap.String("start", model.FormatDate(gap.Start)),
				zap.String("end", model.FormatDate(gap.End)),
				zap.Error(err),
			)
			g.failures = append(g.failures, err)
			continue
		}
		g.answered = true

		kept := bars[:0]
		for _, b := range bars {
			if !b.Date.Before(today) || !gap.Contains(b.Date) || !b.Close.IsPositive() {
				continue
			}
			b.Symbol = symbol
			if b.Source == "" {
				b.Source = p.Name()
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			continue
		}
		g.bars = kept
		g.provider = p.Name()
		return g
	}
	return g
}

// GetPriceOnDate returns the bar for the latest trading day on or before
// date, filling the cache for the lookback window first. It never returns
// a bar dated after date, and returns ErrNoPrice rather than an older bar
// when a later trading day could not be fetched or has not closed yet.
func (c *Client) GetPriceOnDate(ctx context.Context, symbol string, date time.Time) (*model.PriceBar, error) {
	symbol = model.NormalizeSymbol(symbol)
	date = model.DateOf(date)
	today := model.DateOf(c.opts.Now())
	if !date.Before(today) && calendar.IsTradingDay(today) {
		return nil, ErrNoPrice
	}
	from := date.AddDate(0, 0, -LookbackDays)
	if _, err := c.Fetch(ctx, symbol, from, date, false); err != nil {
		return nil, err
	}
	b, err := c.store.LatestBarOnOrBefore(ctx, symbol, date, from)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPrice
	}
	if err != nil {
		return nil, err
	}

	// A later trading day with unknown data means b is not the answer.
	missing, err := c.gaps(ctx, symbol, b.Date.AddDate(0, 0, 1), date, today)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, ErrNoPrice
	}
	return b, nil
}

// GetLatestPrice returns the newest cached bar, refreshing the trailing
// window first when it is older than the staleness threshold. A failed
// refresh still returns the cached bar.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (*model.PriceBar, error) {
	symbol = model.NormalizeSymbol(symbol)
	now := c.opts.Now()

	b, err := c.store.LatestBar(ctx, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if b != nil && !c.isStale(b, now) {
		return b, nil
	}

	today := model.DateOf(now)
	if _, err := c.Fetch(ctx, symbol, today.AddDate(0, 0, -LookbackDays), today, true); err != nil {
		return nil, err
	}
	fresh, err := c.store.LatestBar(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPrice
	}
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (c *Client) isStale(b *model.PriceBar, now time.Time) bool {
	if now.Sub(b.LastUpdated) <= c.opts.StaleAfter {
		return false
	}
	return model.DateOf(now).Sub(b.Date) > c.opts.StaleAfter
}

// Providers returns the configured provider names in fallback order.
func (c *Client) Providers() []string {
	return c.health.names
}

func inAny(ranges []model.DateRange, d time.Time) bool {
	for _, r := range ranges {
		if r.Contains(d) {
			return true
		}
	}
	return false
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
