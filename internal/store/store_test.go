package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OutcomeSentinel/internal/config"
	"OutcomeSentinel/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

func bar(symbol, date, close string) model.PriceBar {
	c := decimal.RequireFromString(close)
	return model.PriceBar{
		Symbol: symbol, Date: day(date),
		Open: c, High: c, Low: c, Close: c,
		Volume: 100, Source: "mock", LastUpdated: time.Unix(1700000000, 0).UTC(),
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", pg.rebind("a = ? AND b IN (?,?)"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestUpsertBars_ReplacesSameDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertBars(ctx, []model.PriceBar{
		bar("AAPL", "2024-01-02", "100"),
		bar("AAPL", "2024-01-03", "101"),
		bar("MSFT", "2024-01-02", "300"),
	}))
	require.NoError(t, s.UpsertBars(ctx, []model.PriceBar{bar("AAPL", "2024-01-03", "105.5")}))

	bars, err := s.BarsInRange(ctx, "AAPL", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day("2024-01-02"), bars[0].Date)
	assert.True(t, bars[1].Close.Equal(decimal.RequireFromString("105.5")))
	assert.Equal(t, "mock", bars[1].Source)

	latest, err := s.LatestBar(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-03"), latest.Date)

	_, err = s.LatestBar(ctx, "NVDA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestBarOnOrBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertBars(ctx, []model.PriceBar{
		bar("AAPL", "2024-01-05", "100"),
		bar("AAPL", "2024-01-08", "102"),
	}))

	b, err := s.LatestBarOnOrBefore(ctx, "AAPL", day("2024-01-07"), day("2023-12-28"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-05"), b.Date)

	_, err = s.LatestBarOnOrBefore(ctx, "AAPL", day("2024-01-04"), day("2023-12-25"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoverage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordCoverage(ctx, "ZZZZ", day("2024-01-01"), day("2024-01-10"), now))
	require.NoError(t, s.RecordCoverage(ctx, "ZZZZ", day("2024-01-01"), day("2024-01-10"), now))
	require.NoError(t, s.RecordCoverage(ctx, "ZZZZ", day("2024-03-01"), day("2024-03-10"), now))

	got, err := s.CoverageOverlapping(ctx, "ZZZZ", day("2024-01-05"), day("2024-02-01"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, day("2024-01-10"), got[0].End)
}

func TestTickers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Unix(1710000000, 0).UTC()
	pid := int64(42)

	rec := &model.TickerRecord{
		Symbol: "NVDA", Status: model.TickerDiscovered, FirstSeenDate: day("2024-03-09"),
		SourcePredictionID: &pid, LastReferencedAt: now, UpdatedAt: now,
	}
	created, err := s.CreateTicker(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateTicker(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, rec.Transition(model.TickerBackfilling, now))
	rec.LastBackfillAt = &now
	require.NoError(t, s.SaveTicker(ctx, rec))

	got, err := s.GetTicker(ctx, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, model.TickerBackfilling, got.Status)
	require.NotNil(t, got.SourcePredictionID)
	assert.Equal(t, int64(42), *got.SourcePredictionID)
	require.NotNil(t, got.LastBackfillAt)
	assert.True(t, now.Equal(*got.LastBackfillAt))

	_, err = s.GetTicker(ctx, "AMD")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateTicker(ctx, &model.TickerRecord{Symbol: "AMD", Status: model.TickerActive,
		FirstSeenDate: day("2024-03-09"), LastReferencedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	active, err := s.ListTickers(ctx, model.TickerActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "AMD", active[0].Symbol)

	all, err := s.ListTickers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	counts, err := s.CountTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.TickerActive])
	assert.Equal(t, 1, counts[model.TickerBackfilling])
	assert.Equal(t, 0, counts[model.TickerFailed])
	assert.Len(t, counts, len(model.TickerStatuses))

	later := now.Add(time.Hour)
	require.NoError(t, s.TouchTicker(ctx, "AMD", later))
	got, err = s.GetTicker(ctx, "AMD")
	require.NoError(t, err)
	assert.True(t, later.Equal(got.LastReferencedAt))
}

func TestPredictionsAndPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	p := &model.Prediction{
		ID: 1, CreatedAt: created, AnalysisStatus: model.AnalysisCompleted,
		Assets:           []string{"AAPL", "MSFT"},
		SentimentByAsset: map[string]model.Sentiment{"AAPL": model.Bullish, "MSFT": model.Bearish},
		Confidence:       0.7,
	}
	require.NoError(t, s.SavePrediction(ctx, p))
	require.NoError(t, s.SavePrediction(ctx, &model.Prediction{
		ID: 2, CreatedAt: created, AnalysisStatus: "pending", Assets: []string{"AAPL"},
	}))

	got, err := s.GetPrediction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got.Assets)
	assert.Equal(t, model.Bearish, got.SentimentFor("MSFT"))
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)

	pending, err := s.ListPendingPredictions(ctx, created.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)

	// Both assets complete: no longer pending.
	for _, sym := range []string{"AAPL", "MSFT"} {
		o := model.NewPredictionOutcome(1, sym)
		o.PredictionDate = day("2024-01-02")
		o.IsComplete = true
		o.UpdatedAt = created
		require.NoError(t, s.UpsertOutcome(ctx, o))
	}
	pending, err = s.ListPendingPredictions(ctx, created.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := s.ListCompletedPredictions(ctx, created.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 1)

	pending, err = s.ListPendingPredictions(ctx, created.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutcomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	yes := true
	o := model.NewPredictionOutcome(7, "AAPL")
	o.PredictionDate = day("2024-01-02")
	o.Sentiment = model.Bullish
	o.Confidence = 0.65
	o.PriceAtPrediction = decimal.NewNullDecimal(decimal.RequireFromString("100"))
	o.Horizons[0].Price = decimal.NewNullDecimal(decimal.RequireFromString("102"))
	o.Horizons[0].Return = decimal.NewNullDecimal(decimal.RequireFromString("0.02"))
	o.Horizons[0].Correct = &yes
	o.Horizons[0].PnL = decimal.NewNullDecimal(decimal.RequireFromString("20"))
	o.UpdatedAt = time.Unix(1704240000, 0).UTC()
	require.NoError(t, s.UpsertOutcome(ctx, o))

	got, err := s.GetOutcome(ctx, 7, "AAPL")
	require.NoError(t, err)
	assert.True(t, o.SameValues(got))
	assert.Nil(t, got.Horizons[1].Correct)
	assert.False(t, got.Horizons[3].Resolved())
	assert.Equal(t, 30, got.Horizons[3].Days)

	o.Horizons[1].Price = decimal.NewNullDecimal(decimal.RequireFromString("98"))
	require.NoError(t, s.UpsertOutcome(ctx, o))

	list, err := s.ListOutcomes(ctx, OutcomeFilter{Symbol: "aapl"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Horizons[1].Resolved())

	list, err = s.ListOutcomes(ctx, OutcomeFilter{CompleteOnly: true})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetOutcome(ctx, 7, "MSFT")
	assert.ErrorIs(t, err, ErrNotFound)
}
