package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"OutcomeSentinel/internal/model"
)

// horizonColumns lists the per-horizon columns in model.Horizons order.
func horizonColumns() []string {
	cols := make([]string, 0, 4*model.NumHorizons)
	for _, h := range model.Horizons {
		cols = append(cols,
			fmt.Sprintf("price_t%d", h),
			fmt.Sprintf("return_t%d", h),
			fmt.Sprintf("correct_t%d", h),
			fmt.Sprintf("pnl_t%d", h),
		)
	}
	return cols
}

func outcomeColumns() []string {
	cols := []string{"prediction_id", "symbol", "prediction_date", "prediction_sentiment",
		"prediction_confidence", "price_at_prediction"}
	cols = append(cols, horizonColumns()...)
	return append(cols, "is_complete", "updated_at")
}

func outcomeTableDDL() string {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS prediction_outcomes (
			prediction_id         BIGINT NOT NULL,
			symbol                TEXT NOT NULL,
			prediction_date       TEXT NOT NULL,
			prediction_sentiment  TEXT NOT NULL,
			prediction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_at_prediction   TEXT,`)
	for _, h := range model.Horizons {
		fmt.Fprintf(&b, `
			price_t%[1]d TEXT, return_t%[1]d TEXT, correct_t%[1]d INTEGER, pnl_t%[1]d TEXT,`, h)
	}
	b.WriteString(`
			is_complete INTEGER NOT NULL DEFAULT 0,
			updated_at  BIGINT NOT NULL,
			PRIMARY KEY (prediction_id, symbol)
		)`)
	return b.String()
}

// UpsertOutcome inserts or replaces the outcome row for (prediction, symbol).
func (s *Store) UpsertOutcome(ctx context.Context, o *model.PredictionOutcome) error {
	cols := outcomeColumns()
	sets := make([]string, 0, len(cols)-2)
	for _, c := range cols[2:] {
		sets = append(sets, c+" = excluded."+c)
	}
	query := `INSERT INTO prediction_outcomes (` + strings.Join(cols, ", ") + `)
		VALUES (` + placeholders(len(cols)) + `)
		ON CONFLICT (prediction_id, symbol) DO UPDATE SET ` + strings.Join(sets, ", ")

	complete := int64(0)
	if o.IsComplete {
		complete = 1
	}
	args := []any{o.PredictionID, o.Symbol, model.FormatDate(o.PredictionDate), string(o.Sentiment),
		o.Confidence, o.PriceAtPrediction}
	for _, h := range o.Horizons {
		args = append(args, h.Price, h.Return, nullBool(h.Correct), h.PnL)
	}
	args = append(args, complete, unix(o.UpdatedAt))

	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return WrapDBError("upsert outcome", err)
}

// GetOutcome returns the outcome for (predictionID, symbol) or ErrNotFound.
func (s *Store) GetOutcome(ctx context.Context, predictionID int64, symbol string) (*model.PredictionOutcome, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+strings.Join(outcomeColumns(), ", ")+`
		FROM prediction_outcomes WHERE prediction_id = ? AND symbol = ?`), predictionID, symbol)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapDBError("get outcome", err)
	}
	return o, nil
}

// OutcomeFilter narrows ListOutcomes. Zero values match everything.
type OutcomeFilter struct {
	PredictionID int64
	Symbol       string
	Since        time.Time
	CompleteOnly bool
	Limit        int
}

// ListOutcomes returns outcomes ordered by prediction date, prediction id and symbol.
func (s *Store) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]model.PredictionOutcome, error) {
	var (
		where []string
		args  []any
	)
	if f.PredictionID != 0 {
		where = append(where, "prediction_id = ?")
		args = append(args, f.PredictionID)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, model.NormalizeSymbol(f.Symbol))
	}
	if !f.Since.IsZero() {
		where = append(where, "prediction_date >= ?")
		args = append(args, model.FormatDate(f.Since))
	}
	if f.CompleteOnly {
		where = append(where, "is_complete = 1")
	}

	query := `SELECT ` + strings.Join(outcomeColumns(), ", ") + ` FROM prediction_outcomes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY prediction_date, prediction_id, symbol`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, WrapDBError("list outcomes", err)
	}
	defer rows.Close()

	var out []model.PredictionOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, WrapDBError("list outcomes: scan", err)
		}
		out = append(out, *o)
	}
	return out, WrapDBError("list outcomes: rows", rows.Err())
}

func scanOutcome(sc scanner) (*model.PredictionOutcome, error) {
	var (
		o         model.PredictionOutcome
		date      string
		sentiment string
		correct   [model.NumHorizons]sql.NullInt64
		complete  int64
		updated   int64
	)
	dest := []any{&o.PredictionID, &o.Symbol, &date, &sentiment, &o.Confidence, &o.PriceAtPrediction}
	for i := range o.Horizons {
		dest = append(dest, &o.Horizons[i].Price, &o.Horizons[i].Return, &correct[i], &o.Horizons[i].PnL)
	}
	dest = append(dest, &complete, &updated)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	o.PredictionDate = d
	o.Sentiment = model.ParseSentiment(sentiment)
	for i, h := range model.Horizons {
		o.Horizons[i].Days = h
		o.Horizons[i].Correct = boolPtr(correct[i])
	}
	o.IsComplete = complete != 0
	o.UpdatedAt = fromUnix(updated)
	return &o, nil
}
