// Package model holds the persisted entities of the ranking store.
package model

import (
	"time"
)

// Stock is one tracked ticker. Created the first time a ticker is seen;
// never deleted by the pipeline. Name follows the most recent sighting.
type Stock struct {
	ID        string    `json:"id"`
	Ticker    string    `json:"ticker"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Observation is a validated ranking reading, ready to be written for a
// stock. ObservedAt is always UTC; the validator substitutes the current
// time when the provider's timestamp is missing or unparseable.
type Observation struct {
	Label      string    `json:"rank_label"`
	Value      int       `json:"rank_value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Ranking is a persisted observation row. At most one exists per
// (StockID, ObservedAt); a later write for the same pair replaces
// Label and Value in place.
type Ranking struct {
	ID         string    `json:"id"`
	StockID    string    `json:"stock_id"`
	Label      string    `json:"rank_label"`
	Value      int       `json:"rank_value"`
	ObservedAt time.Time `json:"observed_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StoreStats is a read-only aggregate of store contents.
type StoreStats struct {
	Stocks         int64      `json:"stocks"`
	Rankings       int64      `json:"rankings"`
	LastObservedAt *time.Time `json:"last_observed_at,omitempty"`
}
