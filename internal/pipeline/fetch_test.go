package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_Success(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return rankJSON("Buy", 1, "2024-03-01T10:00:00Z"), nil
	}}
	f := NewFetcher(client, fastRetry(3))

	res := f.Fetch(context.Background(), "AAPL")
	assert.Equal(t, FetchSuccess, res.Outcome)
	assert.NotNil(t, res.Payload)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, client.callCount("AAPL"))
}

func TestFetch_EmptyResponseIsNoRanking(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return nil, nil
	}}
	f := NewFetcher(client, fastRetry(3))

	res := f.Fetch(context.Background(), "ZZZ")
	assert.Equal(t, FetchNoRanking, res.Outcome)
	assert.Nil(t, res.Payload)
	assert.NoError(t, res.Err)
	// Terminal on first observation: the retry budget is untouched.
	assert.Equal(t, 1, client.callCount("ZZZ"))
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	client := &stubClient{}
	client.fn = func(ctx context.Context, ticker string) (json.RawMessage, error) {
		if client.callCount(ticker) < 3 {
			return nil, eris.New("connection reset")
		}
		return rankJSON("Hold", 3, ""), nil
	}
	f := NewFetcher(client, fastRetry(3))

	res := f.Fetch(context.Background(), "MSFT")
	assert.Equal(t, FetchSuccess, res.Outcome)
	assert.Equal(t, 3, client.callCount("MSFT"))
}

func TestFetch_ExhaustedRetriesIsFailed(t *testing.T) {
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return nil, eris.New("connection reset")
	}}
	f := NewFetcher(client, fastRetry(3))

	res := f.Fetch(context.Background(), "AAPL")
	assert.Equal(t, FetchFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "AAPL")
	assert.Equal(t, 3, client.callCount("AAPL"))
}

func TestFetch_EveryErrorConsumesAnAttempt(t *testing.T) {
	// Non-transient errors still burn the budget: the fetcher retries
	// everything rather than classifying.
	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return nil, eris.New("status 400")
	}}
	f := NewFetcher(client, fastRetry(2))

	res := f.Fetch(context.Background(), "AAPL")
	assert.Equal(t, FetchFailed, res.Outcome)
	assert.Equal(t, 2, client.callCount("AAPL"))
}

func TestFetch_CancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &stubClient{fn: func(ctx context.Context, ticker string) (json.RawMessage, error) {
		return nil, eris.New("connection reset")
	}}
	f := NewFetcher(client, fastRetry(3))

	res := f.Fetch(ctx, "AAPL")
	assert.Equal(t, FetchFailed, res.Outcome)
	assert.Equal(t, 1, client.callCount("AAPL"))
}
