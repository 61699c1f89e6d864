package store

import (
	"context"

	"github.com/rowanalpha/ranksync/internal/model"
)

// WriteOutcome reports whether an upsert created a new ranking row or
// refreshed an existing one.
type WriteOutcome string

const (
	Inserted WriteOutcome = "inserted"
	Updated  WriteOutcome = "updated"
)

// Store defines the persistence interface for the ranking pipeline.
type Store interface {
	// ResolveStock returns the id of the stock with the given ticker,
	// creating the row if absent and refreshing name when present. Safe
	// under concurrent callers for the same ticker: exactly one row per
	// ticker ever exists.
	ResolveStock(ctx context.Context, ticker, name string) (string, error)

	// UpsertRanking writes one observation for a stock, keyed on
	// (stock_id, observed_at). A second write for the same key replaces
	// rank_label and rank_value in place.
	UpsertRanking(ctx context.Context, stockID string, obs model.Observation) (WriteOutcome, error)

	// Lookups
	GetStock(ctx context.Context, ticker string) (*model.Stock, error)
	ListRankings(ctx context.Context, stockID string) ([]model.Ranking, error)
	Stats(ctx context.Context) (*model.StoreStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
