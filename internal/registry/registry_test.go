package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OutcomeSentinel/internal/collector"
	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/marketdata"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// historyStore records every status a ticker is written with.
type historyStore struct {
	*store.Store
	mu      sync.Mutex
	history map[string][]model.TickerStatus
}

func (h *historyStore) record(rec *model.TickerRecord) {
	h.mu.Lock()
	h.history[rec.Symbol] = append(h.history[rec.Symbol], rec.Status)
	h.mu.Unlock()
}

func (h *historyStore) CreateTicker(ctx context.Context, rec *model.TickerRecord) (bool, error) {
	created, err := h.Store.CreateTicker(ctx, rec)
	if created {
		h.record(rec)
	}
	return created, err
}

func (h *historyStore) SaveTicker(ctx context.Context, rec *model.TickerRecord) error {
	h.record(rec)
	return h.Store.SaveTicker(ctx, rec)
}

type fixture struct {
	clock    *clock
	store    *historyStore
	provider *collector.MockProvider
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		clock:    &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:    &historyStore{Store: st, history: map[string][]model.TickerStatus{}},
		provider: collector.NewMockProvider("mock"),
	}
	f.provider.AddBars(collector.GenerateBars("XYZ", day("2023-11-01"), day("2024-02-29"), decimal.NewFromInt(20), decimal.Zero)...)
	f.provider.SetError("ZZZZ", collector.NotFoundError("mock", "ZZZZ"))

	client := marketdata.New(st, []collector.Provider{f.provider}, marketdata.Options{Now: f.clock.Now}, nil)
	f.registry = New(f.store, client, Options{Now: f.clock.Now}, nil)
	return f
}

func (f *fixture) completed(t *testing.T, id int64, symbols ...string) {
	t.Helper()
	require.NoError(t, f.registry.HandlePredictionCompleted(context.Background(), events.PredictionCompleted{
		PredictionID: id, Symbols: symbols, CompletedAt: f.clock.Now(),
	}))
}

func TestNewSymbolIsBackfilledToActive(t *testing.T) {
	f := newFixture(t)
	f.completed(t, 11, "xyz")

	assert.Equal(t, []model.TickerStatus{model.TickerDiscovered, model.TickerBackfilling, model.TickerActive},
		f.store.history["XYZ"])

	rec, err := f.registry.Get(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
	require.NotNil(t, rec.SourcePredictionID)
	assert.Equal(t, int64(11), *rec.SourcePredictionID)
	assert.NotNil(t, rec.LastBackfillAt)
	assert.Equal(t, day("2024-03-01"), rec.FirstSeenDate)
	assert.Empty(t, rec.LastError)

	latest, err := f.store.LatestBar(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, day("2024-02-29"), latest.Date)
}

func TestInvalidSymbolEndsFailed(t *testing.T) {
	f := newFixture(t)
	f.completed(t, 12, "ZZZZ")

	rec, err := f.registry.Get(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerFailed, rec.Status)
	assert.Equal(t, 1, rec.FailureCount)
	assert.Contains(t, rec.LastError, "not found")

	// Later predictions do not re-trigger work on a failed symbol.
	calls := f.provider.Calls()
	f.completed(t, 13, "ZZZZ")
	assert.Equal(t, calls, f.provider.Calls())
	rec, err = f.registry.Get(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerFailed, rec.Status)
	assert.Equal(t, 1, rec.FailureCount)
}

func TestRetryFailedRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completed(t, 12, "ZZZZ", "QQQQ")

	f.provider.SetError("ZZZZ", nil)
	f.provider.AddBars(collector.GenerateBars("ZZZZ", day("2024-02-01"), day("2024-02-29"), decimal.NewFromInt(5), decimal.Zero)...)
	f.provider.SetError("QQQQ", collector.NotFoundError("mock", "QQQQ"))

	sum, err := f.registry.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, []string{"ZZZZ"}, sum.Recovered)
	assert.Equal(t, []string{"QQQQ"}, sum.StillFailed)

	rec, err := f.registry.Get(ctx, "ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, []model.TickerStatus{
		model.TickerDiscovered, model.TickerBackfilling, model.TickerFailed,
		model.TickerBackfilling, model.TickerActive,
	}, f.store.history["ZZZZ"])

	rec, err = f.registry.Get(ctx, "QQQQ")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.FailureCount)
}

func TestActiveSymbolReferenceIsTouched(t *testing.T) {
	f := newFixture(t)
	f.completed(t, 1, "XYZ")
	calls := f.provider.Calls()

	f.clock.Advance(48 * time.Hour)
	f.completed(t, 2, "XYZ")

	rec, err := f.registry.Get(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
	assert.True(t, f.clock.Now().Equal(rec.LastReferencedAt))
	assert.Equal(t, calls, f.provider.Calls())
	require.NotNil(t, rec.SourcePredictionID)
	assert.Equal(t, int64(1), *rec.SourcePredictionID)
}

func TestSweepStaleAndReactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completed(t, 1, "XYZ")

	// Recently referenced: not stale even though the clock moves.
	f.clock.Advance(10 * 24 * time.Hour)
	n, err := f.registry.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(30 * 24 * time.Hour)
	n, err = f.registry.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.registry.Get(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerStale, rec.Status)

	f.provider.AddBars(collector.GenerateBars("XYZ", day("2024-03-01"), day("2024-04-09"), decimal.NewFromInt(21), decimal.Zero)...)
	sum, err := f.registry.RefreshAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Refreshed)
	assert.Equal(t, 1, sum.Reactivated)
	assert.NotEmpty(t, sum.RunID)

	rec, err = f.registry.Get(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
}

func TestStaleSymbolReactivatedByPrediction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completed(t, 1, "XYZ")
	f.clock.Advance(40 * 24 * time.Hour)
	_, err := f.registry.SweepStale(ctx)
	require.NoError(t, err)

	f.provider.AddBars(collector.GenerateBars("XYZ", day("2024-04-01"), day("2024-04-09"), decimal.NewFromInt(21), decimal.Zero)...)
	f.completed(t, 2, "XYZ")

	rec, err := f.registry.Get(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
	assert.True(t, f.clock.Now().Equal(rec.LastReferencedAt))
}

func TestRefreshAllResumesStuckBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()

	stuck := &model.TickerRecord{
		Symbol: "XYZ", Status: model.TickerBackfilling, FirstSeenDate: model.DateOf(now),
		LastReferencedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.Store.SaveTicker(ctx, stuck))

	sum, err := f.registry.RefreshAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Resumed)

	f.clock.Advance(2 * time.Hour)
	sum, err = f.registry.RefreshAll(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resumed)

	rec, err := f.registry.Get(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TickerActive, rec.Status)
}

func TestCountsAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completed(t, 1, "XYZ", "ZZZZ")

	counts, err := f.registry.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.TickerActive])
	assert.Equal(t, 1, counts[model.TickerFailed])
	assert.Equal(t, 0, counts[model.TickerStale])

	failed, err := f.registry.List(ctx, model.TickerFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ZZZZ", failed[0].Symbol)
}

func TestIllegalTransitionRejected(t *testing.T) {
	rec := &model.TickerRecord{Symbol: "XYZ", Status: model.TickerFailed}
	assert.Error(t, rec.Transition(model.TickerActive, time.Now()))
	assert.Equal(t, model.TickerFailed, rec.Status)

	rec.Status = model.TickerActive
	assert.Error(t, rec.Transition(model.TickerBackfilling, time.Now()))
}
