package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"OutcomeSentinel/internal/model"
)

const tickerColumns = `symbol, status, first_seen_date, last_backfill_at, source_prediction_id,
	last_referenced_at, last_error, failure_count, updated_at`

// CreateTicker inserts rec unless the symbol already exists. It reports
// whether this call created the row.
func (s *Store) CreateTicker(ctx context.Context, rec *model.TickerRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tickers (`+tickerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (symbol) DO NOTHING`), tickerArgs(rec)...)
	if err != nil {
		return false, WrapDBError("create ticker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, WrapDBError("create ticker: rows affected", err)
	}
	return n == 1, nil
}

// SaveTicker inserts or fully replaces rec.
func (s *Store) SaveTicker(ctx context.Context, rec *model.TickerRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tickers (`+tickerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (symbol) DO UPDATE SET
			status = excluded.status,
			first_seen_date = excluded.first_seen_date,
			last_backfill_at = excluded.last_backfill_at,
			source_prediction_id = excluded.source_prediction_id,
			last_referenced_at = excluded.last_referenced_at,
			last_error = excluded.last_error,
			failure_count = excluded.failure_count,
			updated_at = excluded.updated_at`), tickerArgs(rec)...)
	return WrapDBError("save ticker", err)
}

func tickerArgs(rec *model.TickerRecord) []any {
	var source sql.NullInt64
	if rec.SourcePredictionID != nil {
		source = sql.NullInt64{Int64: *rec.SourcePredictionID, Valid: true}
	}
	return []any{
		rec.Symbol, string(rec.Status), model.FormatDate(rec.FirstSeenDate),
		nullUnix(rec.LastBackfillAt), source,
		unix(rec.LastReferencedAt), rec.LastError, rec.FailureCount, unix(rec.UpdatedAt),
	}
}

// GetTicker returns the record for symbol or ErrNotFound.
func (s *Store) GetTicker(ctx context.Context, symbol string) (*model.TickerRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tickerColumns+` FROM tickers WHERE symbol = ?`), symbol)
	rec, err := scanTicker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapDBError("get ticker", err)
	}
	return rec, nil
}

// ListTickers returns tickers ordered by symbol, filtered to the given
// statuses when any are passed.
func (s *Store) ListTickers(ctx context.Context, statuses ...model.TickerStatus) ([]model.TickerRecord, error) {
	query := `SELECT ` + tickerColumns + ` FROM tickers`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY symbol`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, WrapDBError("list tickers", err)
	}
	defer rows.Close()

	var out []model.TickerRecord
	for rows.Next() {
		rec, err := scanTicker(rows)
		if err != nil {
			return nil, WrapDBError("list tickers: scan", err)
		}
		out = append(out, *rec)
	}
	return out, WrapDBError("list tickers: rows", rows.Err())
}

// CountTickers returns the number of tickers in each status. Every known
// status is present in the result.
func (s *Store) CountTickers(ctx context.Context) (map[model.TickerStatus]int, error) {
	counts := make(map[model.TickerStatus]int, len(model.TickerStatuses))
	for _, st := range model.TickerStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickers GROUP BY status`)
	if err != nil {
		return nil, WrapDBError("count tickers", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, WrapDBError("count tickers: scan", err)
		}
		counts[model.TickerStatus(status)] = n
	}
	return counts, WrapDBError("count tickers: rows", rows.Err())
}

func scanTicker(sc scanner) (*model.TickerRecord, error) {
	var (
		rec        model.TickerRecord
		status     string
		firstSeen  string
		backfillAt sql.NullInt64
		source     sql.NullInt64
		referenced int64
		updated    int64
	)
	if err := sc.Scan(&rec.Symbol, &status, &firstSeen, &backfillAt, &source,
		&referenced, &rec.LastError, &rec.FailureCount, &updated); err != nil {
		return nil, err
	}
	st, err := model.ParseTickerStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = st
	if rec.FirstSeenDate, err = parseDate(firstSeen); err != nil {
		return nil, err
	}
	rec.LastBackfillAt = timePtr(backfillAt)
	if source.Valid {
		id := source.Int64
		rec.SourcePredictionID = &id
	}
	rec.LastReferencedAt = fromUnix(referenced)
	rec.UpdatedAt = fromUnix(updated)
	return &rec, nil
}

// TouchTicker bumps the last reference time of symbol.
func (s *Store) TouchTicker(ctx context.Context, symbol string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tickers SET last_referenced_at = ?, updated_at = ? WHERE symbol = ?`),
		unix(at), unix(at), symbol)
	return WrapDBError("touch ticker", err)
}
