package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanalpha/ranksync/internal/resilience"
	"github.com/rowanalpha/ranksync/internal/rowsource"
)

func TestRun_HappyPath(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 2},
		rowsource.Row{Ticker: "MSFT", Name: "Microsoft Corp", Line: 3},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(2), snap.SuccessfulFetches)
	assert.Equal(t, int64(2), snap.SuccessfulSaves)
	assert.Equal(t, int64(2), snap.Inserted)
	assert.Equal(t, int64(0), snap.FailedSaves)
	assertConserved(t, snap)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Stocks)
	assert.Equal(t, int64(2), stats.Rankings)
}

func TestRun_DuplicateTickerWritesOnce(t *testing.T) {
	// Two identical rows race through the full pipeline: the stock must
	// resolve to a single row and the two writes to a single ranking, one
	// reported inserted and the other updated.
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "AAPL", Name: "Apple", Line: 2},
		rowsource.Row{Ticker: "AAPL", Name: "Apple", Line: 3},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(2), snap.SuccessfulSaves)
	assert.Equal(t, int64(1), snap.Inserted)
	assert.Equal(t, int64(1), snap.Updated)
	assertConserved(t, snap)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Stocks)
	assert.Equal(t, int64(1), stats.Rankings)
}

func TestRun_NoRankingLeavesNoRows(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return nil, nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "ZZZ", Name: "Zilch Corp", Line: 2},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.NoRankingStocks)
	assert.Equal(t, int64(0), snap.SuccessfulSaves)
	assert.Equal(t, int64(0), snap.FailedSaves)
	assertConserved(t, snap)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Stocks)
	assert.Equal(t, int64(0), stats.Rankings)
}

func TestRun_RejectedPayloadCountsAsNoRanking(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return json.RawMessage(`{"zacksRankText":"Buy"}`), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 2},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.ValidationFailures)
	assert.Equal(t, int64(1), snap.NoRankingStocks)
	assertConserved(t, snap)
}

func TestRun_FetchFailureIsolatedToItsRow(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		if ticker == "DOWN" {
			return nil, eris.New("connection reset")
		}
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(2), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "DOWN", Name: "Down Co", Line: 2},
		rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 3},
	))
	require.NoError(t, err, "per-row failures must not fail the run")

	assert.Equal(t, int64(2), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.FailedRetrievals)
	assert.Equal(t, int64(1), snap.FailedSaves)
	assert.Equal(t, int64(1), snap.SuccessfulSaves)
	assertConserved(t, snap)
	assert.Equal(t, 2, client.callCount("DOWN"))
}

func TestRun_StoreErrorCountsFailedSave(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := &failingStore{Store: newTestStore(t), failUpsert: true}
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 2},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.FailedSaves)
	assert.Equal(t, int64(0), snap.SuccessfulSaves)
	assertConserved(t, snap)
}

func TestRun_ResolveErrorCountsFailedSave(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := &failingStore{Store: newTestStore(t), failResolve: true}
	c := New(client, st, fastRetry(3), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 2},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(1), snap.FailedSaves)
	assertConserved(t, snap)
}

func TestRun_SourceErrorAbortsRun(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	src := func(ctx context.Context) (<-chan rowsource.Row, <-chan error) {
		rowCh := make(chan rowsource.Row, 1)
		errCh := make(chan error, 1)
		rowCh <- rowsource.Row{Ticker: "AAPL", Name: "Apple Inc.", Line: 2}
		close(rowCh)
		errCh <- eris.New("stream torn down mid-read")
		close(errCh)
		return rowCh, errCh
	}

	snap, err := c.Run(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row source")

	// Rows emitted before the failure still count; the summary survives.
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assertConserved(t, snap)
}

func TestRun_LimitStopsEarly(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{Limit: 3})

	rows := make([]rowsource.Row, 50)
	for i := range rows {
		rows[i] = rowsource.Row{Ticker: "T" + string(rune('A'+i%26)) + string(rune('A'+i/26)), Line: i + 2}
	}

	snap, err := c.Run(context.Background(), sliceSource(rows...))
	require.NoError(t, err, "an operator limit is not a source failure")

	assert.Equal(t, int64(3), snap.TotalProcessed)
	assert.Equal(t, int64(3), snap.SuccessfulSaves)
	assertConserved(t, snap)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var inFlight gauge
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		inFlight.enter()
		defer inFlight.exit()
		time.Sleep(5 * time.Millisecond)
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{Concurrency: 2})

	rows := make([]rowsource.Row, 12)
	for i := range rows {
		rows[i] = rowsource.Row{Ticker: "T" + string(rune('A'+i)), Line: i + 2}
	}

	snap, err := c.Run(context.Background(), sliceSource(rows...))
	require.NoError(t, err)

	assert.Equal(t, int64(12), snap.TotalProcessed)
	assert.LessOrEqual(t, inFlight.max(), 2)
}

func TestRun_UnboundedFanOutRunsRowsTogether(t *testing.T) {
	var inFlight gauge
	release := make(chan struct{})
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		inFlight.enter()
		defer inFlight.exit()
		<-release
		return nil, nil
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(3), Options{})

	done := make(chan Snapshot)
	go func() {
		snap, _ := c.Run(context.Background(), sliceSource(
			rowsource.Row{Ticker: "A", Line: 2},
			rowsource.Row{Ticker: "B", Line: 3},
			rowsource.Row{Ticker: "C", Line: 4},
		))
		done <- snap
	}()

	// All three rows must be in flight at once before any can finish.
	require.Eventually(t, func() bool { return inFlight.max() >= 3 }, time.Second, time.Millisecond)
	close(release)

	snap := <-done
	assert.Equal(t, int64(3), snap.TotalProcessed)
	assert.Equal(t, int64(3), snap.NoRankingStocks)
}

func TestRun_SameInputTwiceIsIdempotent(t *testing.T) {
	payload := func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}
	st := newTestStore(t)
	rows := []rowsource.Row{
		{Ticker: "AAPL", Name: "Apple Inc.", Line: 2},
		{Ticker: "MSFT", Name: "Microsoft Corp", Line: 3},
	}

	first := New(&stubClient{fn: payload}, st, fastRetry(3), Options{})
	_, err := first.Run(context.Background(), sliceSource(rows...))
	require.NoError(t, err)

	second := New(&stubClient{fn: payload}, st, fastRetry(3), Options{})
	snap, err := second.Run(context.Background(), sliceSource(rows...))
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.Updated, "second run rewrites the same observations in place")
	assert.Equal(t, int64(0), snap.Inserted)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Stocks)
	assert.Equal(t, int64(2), stats.Rankings)
}

func TestRun_MixedOutcomesConserveCounters(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		switch ticker {
		case "GOOD1", "GOOD2", "GOOD3":
			return rankJSON("Buy", 2, "2024-03-01T10:00:00Z"), nil
		case "EMPTY1", "EMPTY2":
			return nil, nil
		case "BADPAYLOAD":
			return json.RawMessage(`[]`), nil
		default:
			return nil, eris.New("connection reset")
		}
	}}
	st := newTestStore(t)
	c := New(client, st, fastRetry(2), Options{})

	snap, err := c.Run(context.Background(), sliceSource(
		rowsource.Row{Ticker: "GOOD1", Line: 2},
		rowsource.Row{Ticker: "EMPTY1", Line: 3},
		rowsource.Row{Ticker: "DOWN1", Line: 4},
		rowsource.Row{Ticker: "GOOD2", Line: 5},
		rowsource.Row{Ticker: "BADPAYLOAD", Line: 6},
		rowsource.Row{Ticker: "EMPTY2", Line: 7},
		rowsource.Row{Ticker: "GOOD3", Line: 8},
		rowsource.Row{Ticker: "DOWN2", Line: 9},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(8), snap.TotalProcessed)
	assert.Equal(t, int64(3), snap.SuccessfulSaves)
	assert.Equal(t, int64(2), snap.FailedSaves)
	assert.Equal(t, int64(2), snap.FailedRetrievals)
	assert.Equal(t, int64(3), snap.NoRankingStocks)
	assert.Equal(t, int64(1), snap.ValidationFailures)
	assertConserved(t, snap)
}

func TestRun_CancelledContextStillReturnsSnapshot(t *testing.T) {
	started := make(chan struct{}, 1)
	var once atomic.Bool
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		if once.CompareAndSwap(false, true) {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	st := newTestStore(t)
	c := New(client, st, resilience.RetryConfig{MaxAttempts: 1}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Snapshot)
	go func() {
		snap, _ := c.Run(ctx, sliceSource(rowsource.Row{Ticker: "HUNG", Line: 2}))
		done <- snap
	}()

	<-started
	cancel()

	snap := <-done
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.FailedSaves)
	assertConserved(t, snap)
}

func TestRunID_Generated(t *testing.T) {
	st := newTestStore(t)
	c := New(&stubClient{}, st, fastRetry(3), Options{})
	assert.NotEmpty(t, c.RunID())

	c2 := New(&stubClient{}, st, fastRetry(3), Options{RunID: "run-42"})
	assert.Equal(t, "run-42", c2.RunID())
}
