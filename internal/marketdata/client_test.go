package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OutcomeSentinel/internal/collector"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

// recorder wraps a provider and remembers requested ranges.
type recorder struct {
	collector.Provider
	mu     sync.Mutex
	ranges []model.DateRange
}

func (r *recorder) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	r.mu.Lock()
	r.ranges = append(r.ranges, model.DateRange{Start: start, End: end})
	r.mu.Unlock()
	return r.Provider.FetchRange(ctx, symbol, start, end)
}

type fixture struct {
	store     *store.Store
	primary   *collector.MockProvider
	secondary *collector.MockProvider
	client    *Client
}

func newFixture(t *testing.T, providers ...collector.Provider) *fixture {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:     st,
		primary:   collector.NewMockProvider("primary"),
		secondary: collector.NewMockProvider("secondary"),
	}
	f.primary.AddBars(collector.GenerateBars("AAPL", day("2023-11-01"), day("2024-02-29"), decimal.NewFromInt(100), decimal.NewFromInt(1))...)
	f.secondary.AddBars(collector.GenerateBars("AAPL", day("2023-11-01"), day("2024-02-29"), decimal.NewFromInt(500), decimal.NewFromInt(1))...)
	if len(providers) == 0 {
		providers = []collector.Provider{f.primary, f.secondary}
	}
	f.client = New(st, providers, Options{Now: func() time.Time { return fixedNow }}, nil)
	return f
}

func TestGetPrices_CacheMonotonicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bars, err := f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-31"), false)
	require.NoError(t, err)
	require.Len(t, bars, 21) // January 2024 minus MLK day
	calls := f.primary.Calls()
	assert.Equal(t, 1, calls)

	_, err = f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-31"), false)
	require.NoError(t, err)
	_, err = f.client.GetPrices(ctx, "aapl", day("2024-01-10"), day("2024-01-20"), false)
	require.NoError(t, err)
	assert.Equal(t, calls, f.primary.Calls())
	assert.Equal(t, 0, f.secondary.Calls())
}

func TestFetch_OnlyRequestsGap(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{Provider: collector.NewMockProvider("primary")}
	rec.Provider.(*collector.MockProvider).AddBars(collector.GenerateBars("AAPL", day("2024-01-01"), day("2024-01-31"), decimal.NewFromInt(100), decimal.Zero)...)
	f := newFixture(t, rec)

	_, err := f.client.Fetch(ctx, "AAPL", day("2024-01-02"), day("2024-01-10"), false)
	require.NoError(t, err)
	res, err := f.client.Fetch(ctx, "AAPL", day("2024-01-02"), day("2024-01-20"), false)
	require.NoError(t, err)

	require.Len(t, rec.ranges, 2)
	assert.Equal(t, model.DateRange{Start: day("2024-01-11"), End: day("2024-01-19")}, rec.ranges[1])
	assert.Equal(t, 1, res.NetworkCalls)
	assert.Len(t, res.Bars, 13)
}

func TestFetch_FallsBackToSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.FailAll(collector.TransientError("primary", errors.New("timeout")))

	res, err := f.client.Fetch(ctx, "AAPL", day("2024-01-02"), day("2024-01-05"), false)
	require.NoError(t, err)
	require.Len(t, res.Bars, 4)
	assert.Equal(t, "secondary", res.Provider)
	assert.Equal(t, 2, res.NetworkCalls)
	assert.Len(t, res.Failures, 1)
	assert.True(t, res.Bars[0].Close.GreaterThan(decimal.NewFromInt(500)))
	assert.Equal(t, "secondary", res.Bars[0].Source)

	health := f.client.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "primary", health[0].Name)
	assert.False(t, health[0].Reachable)
	assert.Equal(t, 1, health[0].ConsecutiveFailures)
	assert.True(t, health[1].Reachable)
	assert.NotNil(t, health[1].LastSuccess)
}

func TestFetch_AllProvidersFailReturnsPartialCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-05"), false)
	require.NoError(t, err)

	outage := errors.New("connection refused")
	f.primary.FailAll(collector.TransientError("primary", outage))
	f.secondary.FailAll(collector.TransientError("secondary", outage))

	res, err := f.client.Fetch(ctx, "AAPL", day("2024-01-02"), day("2024-01-12"), false)
	require.NoError(t, err)
	assert.Len(t, res.Bars, 4)
	assert.Len(t, res.Failures, 2)
	assert.False(t, res.NotFound)
	assert.Error(t, res.Err())

	// Nothing was answered, so the next call tries again.
	f.primary.FailAll(nil)
	res, err = f.client.Fetch(ctx, "AAPL", day("2024-01-02"), day("2024-01-12"), false)
	require.NoError(t, err)
	assert.Len(t, res.Bars, 9)
	assert.Equal(t, "primary", res.Provider)
}

func TestFetch_UnknownSymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.SetError("ZZZZ", collector.NotFoundError("primary", "ZZZZ"))
	f.secondary.SetError("ZZZZ", collector.NotFoundError("secondary", "ZZZZ"))

	res, err := f.client.Fetch(ctx, "ZZZZ", day("2024-01-02"), day("2024-01-31"), false)
	require.NoError(t, err)
	assert.Empty(t, res.Bars)
	assert.True(t, res.NotFound)

	// Not-found still means the provider is up.
	for _, h := range f.client.Health() {
		assert.True(t, h.Reachable, h.Name)
	}
}

func TestFetch_EmptyAnswerIsCovered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.client.Fetch(ctx, "QUIET", day("2024-01-02"), day("2024-01-31"), false)
	require.NoError(t, err)
	assert.Empty(t, res.Bars)
	assert.Equal(t, 2, res.NetworkCalls)
	assert.False(t, res.NotFound)

	res, err = f.client.Fetch(ctx, "QUIET", day("2024-01-05"), day("2024-01-20"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NetworkCalls)
}

func TestFetch_ForceRefreshRefetchesAndOverwrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-05"), false)
	require.NoError(t, err)

	corrected := collector.GenerateBars("AAPL", day("2024-01-02"), day("2024-01-02"), decimal.NewFromInt(42), decimal.Zero)
	f.primary.AddBars(corrected...)

	bars, err := f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-05"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.primary.Calls())
	require.NotEmpty(t, bars)
	assert.True(t, bars[0].Close.Equal(decimal.NewFromInt(42)))
}

func TestFetch_NeverExpectsToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 2024-03-01 is "today": only finalized days are gaps.
	_, err := f.client.GetPrices(ctx, "AAPL", day("2024-02-26"), day("2024-03-01"), false)
	require.NoError(t, err)
	_, err = f.client.GetPrices(ctx, "AAPL", day("2024-02-26"), day("2024-03-01"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.primary.Calls())
}

func TestGetPriceOnDate_UsesPriorTradingDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 2024-01-01 is a market holiday; 2023-12-30/31 a weekend.
	b, err := f.client.GetPriceOnDate(ctx, "AAPL", day("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, day("2023-12-29"), b.Date)

	b, err = f.client.GetPriceOnDate(ctx, "AAPL", day("2024-01-06"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-05"), b.Date)
}

func TestGetPriceOnDate_NeverReturnsFutureBar(t *testing.T) {
	ctx := context.Background()
	p := collector.NewMockProvider("primary")
	p.AddBars(collector.GenerateBars("NEW", day("2024-02-01"), day("2024-02-29"), decimal.NewFromInt(10), decimal.Zero)...)
	f := newFixture(t, p)

	_, err := f.client.GetPriceOnDate(ctx, "NEW", day("2024-01-31"))
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestGetLatestPrice_RefreshesWhenStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := collector.GenerateBars("AAPL", day("2024-02-20"), day("2024-02-20"), decimal.NewFromInt(1), decimal.Zero)
	old[0].Source = "seed"
	old[0].LastUpdated = day("2024-02-20")
	require.NoError(t, f.store.UpsertBars(ctx, old))

	b, err := f.client.GetLatestPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, day("2024-02-29"), b.Date)
	assert.Equal(t, 1, f.primary.Calls())

	// Fresh now: no further network calls.
	_, err = f.client.GetLatestPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, f.primary.Calls())
}

func TestGetLatestPrice_NoData(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.GetLatestPrice(context.Background(), "NONE")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.secondary.FailAll(collector.TransientError("secondary", errors.New("503")))

	health := f.client.HealthCheck(context.Background())
	require.Len(t, health, 2)
	assert.True(t, health[0].Reachable)
	assert.Equal(t, fixedNow, health[0].CheckedAt)
	assert.False(t, health[1].Reachable)
	assert.Contains(t, health[1].LastError, "503")
	assert.Equal(t, []string{"primary", "secondary"}, f.client.Providers())
}

func TestGetPriceOnDate_OutageDoesNotFallBackToOlderBar(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.GetPrices(ctx, "AAPL", day("2024-01-02"), day("2024-01-04"), false)
	require.NoError(t, err)

	outage := errors.New("timeout")
	f.primary.FailAll(collector.TransientError("primary", outage))
	f.secondary.FailAll(collector.TransientError("secondary", outage))

	_, err = f.client.GetPriceOnDate(ctx, "AAPL", day("2024-01-08"))
	assert.ErrorIs(t, err, ErrNoPrice)

	b, err := f.client.GetPriceOnDate(ctx, "AAPL", day("2024-01-04"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-04"), b.Date)
}

func TestGetPriceOnDate_TodayIsNotFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.AddBars(collector.GenerateBars("AAPL", day("2024-03-01"), day("2024-03-01"), decimal.NewFromInt(150), decimal.Zero)...)

	// 2024-03-01 is "today" and a trading day: its close is not known yet.
	_, err := f.client.GetPriceOnDate(ctx, "AAPL", day("2024-03-01"))
	assert.ErrorIs(t, err, ErrNoPrice)
	_, err = f.client.GetPriceOnDate(ctx, "AAPL", day("2024-03-04"))
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.Equal(t, 0, f.primary.Calls())
}

func TestFetch_ForceNeverCachesTodaysBar(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.AddBars(collector.GenerateBars("AAPL", day("2024-03-01"), day("2024-03-01"), decimal.NewFromInt(150), decimal.Zero)...)

	res, err := f.client.Fetch(ctx, "AAPL", day("2024-02-26"), day("2024-03-01"), true)
	require.NoError(t, err)
	require.NotEmpty(t, res.Bars)
	assert.Equal(t, day("2024-02-29"), res.Bars[len(res.Bars)-1].Date)

	_, err = f.client.GetLatestPrice(ctx, "AAPL")
	require.NoError(t, err)
	bars, err := f.store.BarsInRange(ctx, "AAPL", day("2024-03-01"), day("2024-03-01"))
	require.NoError(t, err)
	assert.Empty(t, bars)

	// After the close the final bar is fetched.
	f.primary.AddBars(collector.GenerateBars("AAPL", day("2024-03-01"), day("2024-03-01"), decimal.NewFromInt(160), decimal.Zero)...)
	later := New(f.store, []collector.Provider{f.primary}, Options{
		Now: func() time.Time { return time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) },
	}, nil)
	calls := f.primary.Calls()
	b, err := later.GetPriceOnDate(ctx, "AAPL", day("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-03-01"), b.Date)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(160)), "got %s", b.Close)
	assert.Greater(t, f.primary.Calls(), calls)
}
