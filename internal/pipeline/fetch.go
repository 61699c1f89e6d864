// Package pipeline drives an ingestion run: one concurrent unit per input
// row, each fetching, validating, and persisting a ranking, with aggregate
// counters collected by the coordinator.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rowanalpha/ranksync/internal/provider"
	"github.com/rowanalpha/ranksync/internal/resilience"
)

// FetchOutcome classifies the terminal result of fetching one ticker.
type FetchOutcome string

const (
	FetchSuccess   FetchOutcome = "success"
	FetchNoRanking FetchOutcome = "no_ranking"
	FetchFailed    FetchOutcome = "failed"
)

// FetchResult is the classified result of one ticker's fetch. Payload is set
// only for FetchSuccess, Err only for FetchFailed.
type FetchResult struct {
	Outcome FetchOutcome
	Payload json.RawMessage
	Err     error
}

// Fetcher retrieves raw ranking payloads with bounded retry. Provider errors
// never escape it; they are folded into the outcome.
type Fetcher struct {
	client provider.Client
	retry  resilience.RetryConfig
}

// NewFetcher wraps client with the given retry budget. Every provider error
// consumes one attempt regardless of kind; an empty provider response is
// terminal on first observation and consumes no retry.
func NewFetcher(client provider.Client, retry resilience.RetryConfig) *Fetcher {
	retry.ShouldRetry = resilience.AlwaysRetry
	return &Fetcher{client: client, retry: retry}
}

// Fetch resolves ticker to a terminal outcome.
func (f *Fetcher) Fetch(ctx context.Context, ticker string) FetchResult {
	cfg := f.retry
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("fetch: provider error, will retry",
			zap.String("ticker", ticker),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	payload, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
		return f.client.GetData(ctx, ticker)
	})
	if err != nil {
		return FetchResult{Outcome: FetchFailed, Err: eris.Wrapf(err, "fetch: ticker %s", ticker)}
	}
	if payload == nil {
		return FetchResult{Outcome: FetchNoRanking}
	}
	return FetchResult{Outcome: FetchSuccess, Payload: payload}
}
