package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanalpha/ranksync/internal/model"
	"github.com/rowanalpha/ranksync/internal/resilience"
	"github.com/rowanalpha/ranksync/internal/rowsource"
	"github.com/rowanalpha/ranksync/internal/store"
)

// stubClient implements provider.Client with a canned response function and
// per-ticker call counting.
type stubClient struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, ticker string) (json.RawMessage, error)
}

func (s *stubClient) GetData(ctx context.Context, ticker string) (json.RawMessage, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[ticker]++
	s.mu.Unlock()
	return s.fn(ctx, ticker)
}

func (s *stubClient) callCount(ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ticker]
}

// rankJSON builds a provider payload in the feed's wire shape.
func rankJSON(label string, value int, updatedAt string) json.RawMessage {
	payload := map[string]any{
		"zacksRankText": label,
		"zacksRank":     value,
	}
	if updatedAt != "" {
		payload["updatedAt"] = updatedAt
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return data
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ranksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// sliceSource adapts literal rows to the coordinator's Source shape.
func sliceSource(rows ...rowsource.Row) Source {
	return func(ctx context.Context) (<-chan rowsource.Row, <-chan error) {
		return rowsource.StreamRows(ctx, rows)
	}
}

// failingStore wraps a real store, failing selected operations.
type failingStore struct {
	store.Store
	failResolve bool
	failUpsert  bool
}

func (f *failingStore) ResolveStock(ctx context.Context, ticker, name string) (string, error) {
	if f.failResolve {
		return "", eris.New("resolve unavailable")
	}
	return f.Store.ResolveStock(ctx, ticker, name)
}

func (f *failingStore) UpsertRanking(ctx context.Context, stockID string, obs model.Observation) (store.WriteOutcome, error) {
	if f.failUpsert {
		return "", eris.New("upsert unavailable")
	}
	return f.Store.UpsertRanking(ctx, stockID, obs)
}

// gauge tracks the peak number of concurrent holders.
type gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
}

func (g *gauge) exit() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, Delay: time.Millisecond}
}

func assertConserved(t *testing.T, snap Snapshot) {
	t.Helper()
	assert.Equal(t, snap.TotalProcessed, snap.SuccessfulSaves+snap.FailedSaves+snap.NoRankingStocks,
		"terminal buckets must account for every processed row")
}
