package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"OutcomeSentinel/internal/model"
)

const barColumns = `symbol, date, open, high, low, close, volume, source, last_updated`

// UpsertBars writes bars in a single transaction, replacing any existing
// bar for the same (symbol, date).
func (s *Store) UpsertBars(ctx context.Context, bars []model.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapDBError("upsert bars: begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO price_bars (`+barColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (symbol, date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			source = excluded.source,
			last_updated = excluded.last_updated`))
	if err != nil {
		return WrapDBError("upsert bars: prepare", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, model.FormatDate(b.Date),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, b.Source, unix(b.LastUpdated),
		); err != nil {
			return WrapDBError("upsert bars: "+b.Symbol, err)
		}
	}
	return WrapDBError("upsert bars: commit", tx.Commit())
}

// BarsInRange returns the stored bars for symbol within [start, end], ascending by date.
func (s *Store) BarsInRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+barColumns+` FROM price_bars
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date`),
		symbol, model.FormatDate(start), model.FormatDate(end))
	if err != nil {
		return nil, WrapDBError("bars in range", err)
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, WrapDBError("bars in range: scan", err)
		}
		bars = append(bars, b)
	}
	return bars, WrapDBError("bars in range: rows", rows.Err())
}

// LatestBar returns the most recent stored bar for symbol.
func (s *Store) LatestBar(ctx context.Context, symbol string) (*model.PriceBar, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+barColumns+` FROM price_bars
		WHERE symbol = ? ORDER BY date DESC LIMIT 1`), symbol)
	return s.oneBar("latest bar", row)
}

// LatestBarOnOrBefore returns the latest bar dated within [notBefore, date].
func (s *Store) LatestBarOnOrBefore(ctx context.Context, symbol string, date, notBefore time.Time) (*model.PriceBar, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+barColumns+` FROM price_bars
		WHERE symbol = ? AND date <= ? AND date >= ?
		ORDER BY date DESC LIMIT 1`),
		symbol, model.FormatDate(date), model.FormatDate(notBefore))
	return s.oneBar("bar on or before", row)
}

func (s *Store) oneBar(op string, row *sql.Row) (*model.PriceBar, error) {
	b, err := scanBar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, WrapDBError(op, err)
	}
	return &b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBar(sc scanner) (model.PriceBar, error) {
	var (
		b       model.PriceBar
		date    string
		updated int64
	)
	if err := sc.Scan(&b.Symbol, &date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Source, &updated); err != nil {
		return b, err
	}
	d, err := parseDate(date)
	if err != nil {
		return b, err
	}
	b.Date = d
	b.LastUpdated = fromUnix(updated)
	return b, nil
}

// RecordCoverage remembers that [start, end] was answered by a provider for
// symbol, so days without bars in it are not requested again.
func (s *Store) RecordCoverage(ctx context.Context, symbol string, start, end, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO price_coverage (symbol, start_date, end_date, fetched_at)
		VALUES (?,?,?,?)
		ON CONFLICT (symbol, start_date, end_date) DO UPDATE SET fetched_at = excluded.fetched_at`),
		symbol, model.FormatDate(start), model.FormatDate(end), unix(at))
	return WrapDBError("record coverage", err)
}

// CoverageOverlapping returns recorded coverage ranges intersecting [start, end].
func (s *Store) CoverageOverlapping(ctx context.Context, symbol string, start, end time.Time) ([]model.DateRange, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT start_date, end_date FROM price_coverage
		WHERE symbol = ? AND start_date <= ? AND end_date >= ?
		ORDER BY start_date`),
		symbol, model.FormatDate(end), model.FormatDate(start))
	if err != nil {
		return nil, WrapDBError("coverage", err)
	}
	defer rows.Close()

	var out []model.DateRange
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, WrapDBError("coverage: scan", err)
		}
		r := model.DateRange{}
		if r.Start, err = parseDate(from); err != nil {
			return nil, err
		}
		if r.End, err = parseDate(to); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, WrapDBError("coverage: rows", rows.Err())
}
