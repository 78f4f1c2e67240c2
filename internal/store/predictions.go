package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"OutcomeSentinel/internal/model"
)

// SavePrediction inserts or replaces a prediction and its asset list.
func (s *Store) SavePrediction(ctx context.Context, p *model.Prediction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapDBError("save prediction: begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO predictions (id, created_at, analysis_status, confidence)
		VALUES (?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			created_at = excluded.created_at,
			analysis_status = excluded.analysis_status,
			confidence = excluded.confidence`),
		p.ID, unix(p.CreatedAt), p.AnalysisStatus, p.Confidence,
	); err != nil {
		return WrapDBError("save prediction", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM prediction_assets WHERE prediction_id = ?`), p.ID); err != nil {
		return WrapDBError("save prediction: clear assets", err)
	}
	for _, sym := range p.Assets {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO prediction_assets (prediction_id, symbol, sentiment) VALUES (?,?,?)`),
			p.ID, sym, string(p.SentimentFor(sym)),
		); err != nil {
			return WrapDBError("save prediction: asset "+sym, err)
		}
	}
	return WrapDBError("save prediction: commit", tx.Commit())
}

// GetPrediction returns the prediction with its assets or ErrNotFound.
func (s *Store) GetPrediction(ctx context.Context, id int64) (*model.Prediction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, created_at, analysis_status, confidence
		FROM predictions WHERE id = ?`), id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapDBError("get prediction", err)
	}
	if err := s.loadAssets(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPendingPredictions returns completed predictions created at or after
// since that have at least one asset without a complete outcome row.
func (s *Store) ListPendingPredictions(ctx context.Context, since time.Time) ([]model.Prediction, error) {
	return s.listPredictions(ctx, "list pending predictions", `SELECT p.id, p.created_at, p.analysis_status, p.confidence
		FROM predictions p
		WHERE p.analysis_status = ? AND p.created_at >= ?
		  AND EXISTS (
			SELECT 1 FROM prediction_assets a
			LEFT JOIN prediction_outcomes o ON o.prediction_id = a.prediction_id AND o.symbol = a.symbol
			WHERE a.prediction_id = p.id AND (o.prediction_id IS NULL OR o.is_complete = 0)
		  )
		ORDER BY p.created_at, p.id`, since)
}

// ListCompletedPredictions returns every completed prediction created at or
// after since, whether or not its outcomes are complete.
func (s *Store) ListCompletedPredictions(ctx context.Context, since time.Time) ([]model.Prediction, error) {
	return s.listPredictions(ctx, "list completed predictions", `SELECT id, created_at, analysis_status, confidence
		FROM predictions
		WHERE analysis_status = ? AND created_at >= ?
		ORDER BY created_at, id`, since)
}

func (s *Store) listPredictions(ctx context.Context, op, query string, since time.Time) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), model.AnalysisCompleted, unix(since))
	if err != nil {
		return nil, WrapDBError(op, err)
	}
	var out []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			rows.Close()
			return nil, WrapDBError(op+": scan", err)
		}
		out = append(out, *p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, WrapDBError(op+": rows", err)
	}

	// Assets are loaded after the cursor is closed; SQLite runs on one connection.
	for i := range out {
		if err := s.loadAssets(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadAssets(ctx context.Context, p *model.Prediction) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT symbol, sentiment FROM prediction_assets
		WHERE prediction_id = ? ORDER BY symbol`), p.ID)
	if err != nil {
		return WrapDBError("load assets", err)
	}
	defer rows.Close()

	p.Assets = nil
	p.SentimentByAsset = make(map[string]model.Sentiment)
	for rows.Next() {
		var sym, sentiment string
		if err := rows.Scan(&sym, &sentiment); err != nil {
			return WrapDBError("load assets: scan", err)
		}
		p.Assets = append(p.Assets, sym)
		p.SentimentByAsset[sym] = model.ParseSentiment(sentiment)
	}
	return WrapDBError("load assets: rows", rows.Err())
}

func scanPrediction(sc scanner) (*model.Prediction, error) {
	var (
		p       model.Prediction
		created int64
	)
	if err := sc.Scan(&p.ID, &created, &p.AnalysisStatus, &p.Confidence); err != nil {
		return nil, err
	}
	p.CreatedAt = fromUnix(created)
	return &p, nil
}
