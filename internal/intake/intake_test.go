package intake

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

func TestAccept(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	bus := events.NewLocalBus(nil)
	var got []events.PredictionCompleted
	bus.Subscribe(func(ctx context.Context, evt events.PredictionCompleted) error {
		got = append(got, evt)
		return nil
	})
	in := New(st, bus, nil)
	created := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	published, err := in.Accept(ctx, model.Prediction{
		ID: 1, CreatedAt: created, AnalysisStatus: "Completed",
		Assets:           []string{"aapl", "AAPL", " xyz "},
		SentimentByAsset: map[string]model.Sentiment{"aapl": "BULLISH"},
		Confidence:       1.4,
	})
	require.NoError(t, err)
	assert.True(t, published)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"AAPL", "XYZ"}, got[0].Symbols)

	saved, err := st.GetPrediction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, saved.SentimentFor("AAPL"))
	assert.Equal(t, model.Neutral, saved.SentimentFor("XYZ"))
	assert.Equal(t, 1.0, saved.Confidence)

	published, err = in.Accept(ctx, model.Prediction{ID: 2, CreatedAt: created, AnalysisStatus: "failed", Assets: []string{"AAPL"}})
	require.NoError(t, err)
	assert.False(t, published)

	published, err = in.Accept(ctx, model.Prediction{ID: 3, CreatedAt: created, AnalysisStatus: "completed"})
	require.NoError(t, err)
	assert.False(t, published)
	assert.Len(t, got, 1)

	_, err = in.Accept(ctx, model.Prediction{ID: 0, CreatedAt: created})
	assert.Error(t, err)
}

func TestDecodeLines(t *testing.T) {
	input := `{"id":1,"created_at":"2024-01-02T15:00:00Z","analysis_status":"completed","assets":["AAPL"],"sentiment_by_asset":{"AAPL":"bullish"},"confidence":0.8}

{"id":2,"created_at":"2024-01-03T15:00:00Z","analysis_status":"pending","assets":[]}
`
	preds, err := DecodeLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, model.Bullish, preds[0].SentimentByAsset["AAPL"])
	assert.Equal(t, 0.8, preds[0].Confidence)

	_, err = DecodeLines(strings.NewReader("{not json}\n"))
	assert.Error(t, err)
}
