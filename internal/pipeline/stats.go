package pipeline

import (
	"sync/atomic"

	"github.com/rowanalpha/ranksync/internal/store"
)

// Stats accumulates run counters. Row units run concurrently, so every field
// is atomic. Each row increments exactly one terminal bucket (saved, failed
// save, or no ranking) through the Row* methods, which keeps
// total = saves + failed saves + no ranking by construction.
type Stats struct {
	totalProcessed     atomic.Int64
	successfulFetches  atomic.Int64
	failedRetrievals   atomic.Int64
	validationFailures atomic.Int64
	successfulSaves    atomic.Int64
	inserted           atomic.Int64
	updated            atomic.Int64
	failedSaves        atomic.Int64
	noRankingStocks    atomic.Int64
}

// Snapshot is a point-in-time copy of run counters, safe to read while the
// run is live.
type Snapshot struct {
	TotalProcessed     int64 `json:"total_processed"`
	SuccessfulFetches  int64 `json:"successful_fetches"`
	FailedRetrievals   int64 `json:"failed_retrievals"`
	ValidationFailures int64 `json:"validation_failures"`
	SuccessfulSaves    int64 `json:"successful_saves"`
	Inserted           int64 `json:"inserted"`
	Updated            int64 `json:"updated"`
	FailedSaves        int64 `json:"failed_saves"`
	NoRankingStocks    int64 `json:"no_ranking_stocks"`
}

// FetchSucceeded records a successful retrieval. Informational; the row's
// terminal bucket is still decided downstream.
func (s *Stats) FetchSucceeded() {
	s.successfulFetches.Add(1)
}

// RowSaved records a row whose ranking was written.
func (s *Stats) RowSaved(outcome store.WriteOutcome) {
	s.totalProcessed.Add(1)
	s.successfulSaves.Add(1)
	if outcome == store.Inserted {
		s.inserted.Add(1)
	} else {
		s.updated.Add(1)
	}
}

// RowFailedSave records a row abandoned on a store error.
func (s *Stats) RowFailedSave() {
	s.totalProcessed.Add(1)
	s.failedSaves.Add(1)
}

// RowFailedFetch records a row whose fetch exhausted its retries. Counted as
// a failed save, with the retrieval failure tracked separately.
func (s *Stats) RowFailedFetch() {
	s.totalProcessed.Add(1)
	s.failedRetrievals.Add(1)
	s.failedSaves.Add(1)
}

// RowNoRanking records a row the provider had nothing for.
func (s *Stats) RowNoRanking() {
	s.totalProcessed.Add(1)
	s.noRankingStocks.Add(1)
}

// RowRejected records a row whose payload failed validation. Rejections
// count as no ranking, with the validation failure tracked separately.
func (s *Stats) RowRejected() {
	s.totalProcessed.Add(1)
	s.validationFailures.Add(1)
	s.noRankingStocks.Add(1)
}

// Snapshot returns a consistent-enough copy for reporting: each counter is
// read atomically, and after the run completes the copy is exact.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalProcessed:     s.totalProcessed.Load(),
		SuccessfulFetches:  s.successfulFetches.Load(),
		FailedRetrievals:   s.failedRetrievals.Load(),
		ValidationFailures: s.validationFailures.Load(),
		SuccessfulSaves:    s.successfulSaves.Load(),
		Inserted:           s.inserted.Load(),
		Updated:            s.updated.Load(),
		FailedSaves:        s.failedSaves.Load(),
		NoRankingStocks:    s.noRankingStocks.Load(),
	}
}
