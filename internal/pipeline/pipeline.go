package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rowanalpha/ranksync/internal/provider"
	"github.com/rowanalpha/ranksync/internal/resilience"
	"github.com/rowanalpha/ranksync/internal/rowsource"
	"github.com/rowanalpha/ranksync/internal/store"
)

// Source starts a row stream under the coordinator's context, so the
// coordinator can stop it early. rowsource.StreamCSV and
// rowsource.StreamRows both close over their input to satisfy this.
type Source func(ctx context.Context) (<-chan rowsource.Row, <-chan error)

// Options configure a single run.
type Options struct {
	// Concurrency caps in-flight rows. Zero or negative keeps the default:
	// unbounded fan-out, one goroutine per row.
	Concurrency int

	// Limit stops the run after this many rows when positive.
	Limit int

	// RunID labels the run's log lines and registry entry. Defaults to a
	// fresh UUID.
	RunID string
}

// Coordinator drives one ingestion run. It is single-use: statistics reset
// only by constructing a new one.
type Coordinator struct {
	fetcher   *Fetcher
	validator *Validator
	store     store.Store
	opts      Options
	stats     Stats
}

// New creates a run coordinator around a provider client and store.
func New(client provider.Client, st store.Store, retry resilience.RetryConfig, opts Options) *Coordinator {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	return &Coordinator{
		fetcher:   NewFetcher(client, retry),
		validator: &Validator{},
		store:     st,
		opts:      opts,
	}
}

// RunID returns the identifier stamped on this run's log lines.
func (c *Coordinator) RunID() string {
	return c.opts.RunID
}

// Stats returns a live snapshot of the run counters.
func (c *Coordinator) Stats() Snapshot {
	return c.stats.Snapshot()
}

// Run drains the source, processing each row in its own unit of work. It
// returns once the source is exhausted and every started unit finished. The
// snapshot is valid even when an error is returned: a source failure aborts
// the run but the counters collected up to that point still get reported.
func (c *Coordinator) Run(ctx context.Context, source Source) (Snapshot, error) {
	log := zap.L().With(zap.String("run_id", c.opts.RunID))
	log.Info("pipeline: run starting",
		zap.Int("concurrency", c.opts.Concurrency),
		zap.Int("limit", c.opts.Limit),
	)
	start := time.Now()

	// The source and the row units get separate contexts: hitting the row
	// limit stops only the source, while rows already started run to their
	// terminal state.
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, srcErrs := source(srcCtx)

	g, gctx := errgroup.WithContext(runCtx)
	if c.opts.Concurrency > 0 {
		g.SetLimit(c.opts.Concurrency)
	}

	started := 0
	limited := false
	for row := range rows {
		if c.opts.Limit > 0 && started >= c.opts.Limit {
			limited = true
			stopSource()
			break
		}
		started++
		g.Go(func() error {
			c.processRow(gctx, log, row)
			return nil // per-row failures are counted, never abort siblings
		})
	}
	for range rows {
	}

	// The source closes its row channel before reporting, so any error is
	// ready once the drain finishes.
	var srcErr error
	for err := range srcErrs {
		if err != nil {
			srcErr = err
		}
	}
	if limited {
		// A stream we cancelled ourselves reports a cancellation error;
		// that is not a source failure.
		srcErr = nil
	}

	if srcErr != nil {
		cancel()
	}
	_ = g.Wait()

	snap := c.stats.Snapshot()
	log.Info("pipeline: run complete",
		zap.Int64("processed", snap.TotalProcessed),
		zap.Int64("saved", snap.SuccessfulSaves),
		zap.Int64("inserted", snap.Inserted),
		zap.Int64("updated", snap.Updated),
		zap.Int64("failed_retrievals", snap.FailedRetrievals),
		zap.Int64("failed_saves", snap.FailedSaves),
		zap.Int64("no_ranking", snap.NoRankingStocks),
		zap.Int64("validation_failures", snap.ValidationFailures),
		zap.Duration("elapsed", time.Since(start)),
	)

	if srcErr != nil {
		return snap, eris.Wrap(srcErr, "pipeline: row source")
	}
	return snap, nil
}

// processRow walks one row through fetch, validate, resolve, and write.
// Every path lands in exactly one terminal counter bucket; errors stop at
// this boundary.
func (c *Coordinator) processRow(ctx context.Context, log *zap.Logger, row rowsource.Row) {
	log = log.With(zap.String("ticker", row.Ticker), zap.Int("line", row.Line))

	res := c.fetcher.Fetch(ctx, row.Ticker)
	switch res.Outcome {
	case FetchNoRanking:
		log.Info("pipeline: no ranking available")
		c.stats.RowNoRanking()
		return
	case FetchFailed:
		log.Error("pipeline: fetch failed", zap.Error(res.Err))
		c.stats.RowFailedFetch()
		return
	}
	c.stats.FetchSucceeded()

	obs, err := c.validator.Validate(res.Payload)
	if err != nil {
		log.Warn("pipeline: payload rejected", zap.Error(err))
		c.stats.RowRejected()
		return
	}

	stockID, err := c.store.ResolveStock(ctx, row.Ticker, row.Name)
	if err != nil {
		log.Error("pipeline: resolve stock failed", zap.Error(err))
		c.stats.RowFailedSave()
		return
	}

	outcome, err := c.store.UpsertRanking(ctx, stockID, obs)
	if err != nil {
		log.Error("pipeline: upsert ranking failed", zap.Error(err))
		c.stats.RowFailedSave()
		return
	}

	log.Info("pipeline: ranking saved",
		zap.String("stock_id", stockID),
		zap.String("outcome", string(outcome)),
		zap.Int("rank_value", obs.Value),
	)
	c.stats.RowSaved(outcome)
}
