package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/rowanalpha/ranksync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One pooled connection: SQLite has a single writer, and the pragmas
	// below are per-connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS stocks (
	id         TEXT PRIMARY KEY,
	ticker     TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rankings (
	id          TEXT PRIMARY KEY,
	stock_id    TEXT NOT NULL REFERENCES stocks(id),
	rank_label  TEXT NOT NULL,
	rank_value  INTEGER NOT NULL,
	observed_at DATETIME NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	UNIQUE (stock_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_rankings_stock_id ON rankings(stock_id);
CREATE INDEX IF NOT EXISTS idx_rankings_observed_at ON rankings(observed_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ResolveStock(ctx context.Context, ticker, name string) (string, error) {
	now := time.Now().UTC()

	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO stocks (id, ticker, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (ticker) DO UPDATE
		 SET name = CASE WHEN excluded.name = '' THEN stocks.name ELSE excluded.name END,
		     updated_at = excluded.updated_at
		 RETURNING id`,
		uuid.New().String(), ticker, name, now, now,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: resolve stock %s", ticker)
	}
	return id, nil
}

// UpsertRanking relies on both timestamps being app-supplied: they are equal
// only when the insert arm ran, so created_at = updated_at discriminates
// insert from update inside the one statement.
func (s *SQLiteStore) UpsertRanking(ctx context.Context, stockID string, obs model.Observation) (WriteOutcome, error) {
	now := time.Now().UTC()

	var id string
	var inserted bool
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rankings (id, stock_id, rank_label, rank_value, observed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stock_id, observed_at) DO UPDATE
		 SET rank_label = excluded.rank_label, rank_value = excluded.rank_value, updated_at = excluded.updated_at
		 RETURNING id, created_at = updated_at`,
		uuid.New().String(), stockID, obs.Label, obs.Value, obs.ObservedAt.UTC(), now, now,
	).Scan(&id, &inserted)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert ranking for stock %s", stockID)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (s *SQLiteStore) GetStock(ctx context.Context, ticker string) (*model.Stock, error) {
	var st model.Stock
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, name, created_at, updated_at FROM stocks WHERE ticker = ?`,
		ticker,
	).Scan(&st.ID, &st.Ticker, &st.Name, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stock %s", ticker)
	}
	return &st, nil
}

func (s *SQLiteStore) ListRankings(ctx context.Context, stockID string) ([]model.Ranking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stock_id, rank_label, rank_value, observed_at, created_at, updated_at
		 FROM rankings WHERE stock_id = ? ORDER BY observed_at DESC`,
		stockID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rankings")
	}
	defer rows.Close()

	var rankings []model.Ranking
	for rows.Next() {
		var r model.Ranking
		if err := rows.Scan(&r.ID, &r.StockID, &r.Label, &r.Value, &r.ObservedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ranking")
		}
		rankings = append(rankings, r)
	}
	return rankings, eris.Wrap(rows.Err(), "sqlite: list rankings iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.StoreStats, error) {
	var st model.StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stocks`).Scan(&st.Stocks); err != nil {
		return nil, eris.Wrap(err, "sqlite: count stocks")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rankings`).Scan(&st.Rankings); err != nil {
		return nil, eris.Wrap(err, "sqlite: count rankings")
	}

	// MAX() would drop the column's declared type, so select the column
	// directly to get a time.Time back from the driver.
	var last time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT observed_at FROM rankings ORDER BY observed_at DESC LIMIT 1`,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: last observed")
	}
	if err == nil {
		st.LastObservedAt = &last
	}
	return &st, nil
}
