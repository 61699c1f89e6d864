package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rowanalpha/ranksync/internal/db"
	"github.com/rowanalpha/ranksync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Hot-path statements. The same text is used at call sites and prepared on
// each new connection, so call sites and preparation cannot drift apart.
//
// resolveStockSQL supplies a fresh id on every call; when the ticker already
// exists the conflict arm discards it and returns the surviving row's id,
// refreshing name last-write-wins (blank names never clobber a real one).
//
// upsertRankingSQL reports insert-vs-update in the same statement: xmax is 0
// only for a row created by the current transaction.
const (
	resolveStockSQL = `INSERT INTO stocks (id, ticker, name, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (ticker) DO UPDATE
	 SET name = COALESCE(NULLIF(EXCLUDED.name, ''), stocks.name), updated_at = EXCLUDED.updated_at
	 RETURNING id`

	upsertRankingSQL = `INSERT INTO rankings (id, stock_id, rank_label, rank_value, observed_at, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)
	 ON CONFLICT (stock_id, observed_at) DO UPDATE
	 SET rank_label = EXCLUDED.rank_label, rank_value = EXCLUDED.rank_value, updated_at = EXCLUDED.updated_at
	 RETURNING id, (xmax = 0) AS inserted`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-row write path.
var preparedStatements = map[string]string{
	"resolve_stock":  resolveStockSQL,
	"upsert_ranking": upsertRankingSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare the write path on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS stocks (
	id         TEXT PRIMARY KEY,
	ticker     TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rankings (
	id          TEXT PRIMARY KEY,
	stock_id    TEXT NOT NULL REFERENCES stocks(id),
	rank_label  TEXT NOT NULL,
	rank_value  INTEGER NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (stock_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_rankings_stock_id ON rankings(stock_id);
CREATE INDEX IF NOT EXISTS idx_rankings_observed_at ON rankings(observed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ResolveStock(ctx context.Context, ticker, name string) (string, error) {
	now := time.Now().UTC()

	var id string
	err := s.pool.QueryRow(ctx, resolveStockSQL,
		uuid.New().String(), ticker, name, now, now,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: resolve stock %s", ticker)
	}
	return id, nil
}

func (s *PostgresStore) UpsertRanking(ctx context.Context, stockID string, obs model.Observation) (WriteOutcome, error) {
	now := time.Now().UTC()

	var id string
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertRankingSQL,
		uuid.New().String(), stockID, obs.Label, obs.Value, obs.ObservedAt.UTC(), now, now,
	).Scan(&id, &inserted)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert ranking for stock %s", stockID)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (s *PostgresStore) GetStock(ctx context.Context, ticker string) (*model.Stock, error) {
	var st model.Stock
	err := s.pool.QueryRow(ctx,
		`SELECT id, ticker, name, created_at, updated_at FROM stocks WHERE ticker = $1`,
		ticker,
	).Scan(&st.ID, &st.Ticker, &st.Name, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get stock %s", ticker)
	}
	return &st, nil
}

func (s *PostgresStore) ListRankings(ctx context.Context, stockID string) ([]model.Ranking, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stock_id, rank_label, rank_value, observed_at, created_at, updated_at
		 FROM rankings WHERE stock_id = $1 ORDER BY observed_at DESC`,
		stockID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rankings")
	}
	defer rows.Close()

	var rankings []model.Ranking
	for rows.Next() {
		var r model.Ranking
		if err := rows.Scan(&r.ID, &r.StockID, &r.Label, &r.Value, &r.ObservedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ranking")
		}
		rankings = append(rankings, r)
	}
	return rankings, eris.Wrap(rows.Err(), "postgres: list rankings iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.StoreStats, error) {
	var st model.StoreStats
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM stocks),
		        (SELECT COUNT(*) FROM rankings),
		        (SELECT MAX(observed_at) FROM rankings)`,
	).Scan(&st.Stocks, &st.Rankings, &last)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	st.LastObservedAt = last
	return &st, nil
}
