package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"OutcomeSentinel/internal/config"
	"OutcomeSentinel/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store persists price bars, ticker records, predictions and outcomes.
// The schema is portable between SQLite and Postgres: decimals are stored
// as TEXT, instants as unix seconds and dates as YYYY-MM-DD.
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	switch driver {
	case DriverSQLite:
		// SQLite allows a single writer; one connection also keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, WrapDBError("ping", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("store opened", zap.String("driver", driver))
	return s, nil
}

// OpenMemory opens a private in-memory SQLite store.
func OpenMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, config.DatabaseConfig{Driver: DriverSQLite, DSN: ":memory:"}, nil)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_bars (
			symbol       TEXT NOT NULL,
			date         TEXT NOT NULL,
			open         TEXT NOT NULL,
			high         TEXT NOT NULL,
			low          TEXT NOT NULL,
			close        TEXT NOT NULL,
			volume       BIGINT NOT NULL DEFAULT 0,
			source       TEXT NOT NULL,
			last_updated BIGINT NOT NULL,
			PRIMARY KEY (symbol, date)
		)`,

		`CREATE TABLE IF NOT EXISTS price_coverage (
			symbol     TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date   TEXT NOT NULL,
			fetched_at BIGINT NOT NULL,
			PRIMARY KEY (symbol, start_date, end_date)
		)`,

		`CREATE TABLE IF NOT EXISTS tickers (
			symbol               TEXT PRIMARY KEY,
			status               TEXT NOT NULL,
			first_seen_date      TEXT NOT NULL,
			last_backfill_at     BIGINT,
			source_prediction_id BIGINT,
			last_referenced_at   BIGINT NOT NULL,
			last_error           TEXT NOT NULL DEFAULT '',
			failure_count        INTEGER NOT NULL DEFAULT 0,
			updated_at           BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickers_status ON tickers(status)`,

		`CREATE TABLE IF NOT EXISTS predictions (
			id              BIGINT PRIMARY KEY,
			created_at      BIGINT NOT NULL,
			analysis_status TEXT NOT NULL,
			confidence      DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at)`,

		`CREATE TABLE IF NOT EXISTS prediction_assets (
			prediction_id BIGINT NOT NULL,
			symbol        TEXT NOT NULL,
			sentiment     TEXT NOT NULL,
			PRIMARY KEY (prediction_id, symbol)
		)`,

		outcomeTableDDL(),
		`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol ON prediction_outcomes(symbol)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			head := stmt
			if len(head) > 40 {
				head = head[:40]
			}
			return fmt.Errorf("exec %q: %w", head, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return WrapDBError("ping", s.db.PingContext(ctx))
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	if *b {
		return sql.NullInt64{Int64: 1, Valid: true}
	}
	return sql.NullInt64{Int64: 0, Valid: true}
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func parseDate(s string) (time.Time, error) {
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored date %q: %w", s, err)
	}
	return d, nil
}
