// Package provider implements the client for the remote ranking feed.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"resty.dev/v3"

	"github.com/rowanalpha/ranksync/internal/resilience"
)

// Client fetches the current ranking payload for a ticker.
type Client interface {
	// GetData returns the raw ranking payload for ticker, or (nil, nil)
	// when the feed has no ranking for it (404 or a JSON null body).
	GetData(ctx context.Context, ticker string) (json.RawMessage, error)
}

// RankPayload is the feed's payload shape. GetData returns the raw body
// rather than decoding into it, so downstream validation sees malformed
// payloads intact; the struct is the reference for fixture builders.
type RankPayload struct {
	RankText  string `json:"zacksRankText"`
	Rank      string `json:"zacksRank"`
	UpdatedAt string `json:"updatedAt"`
}

// Option configures the feed client.
type Option func(*restClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *restClient) {
		c.baseURL = url
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *restClient) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *restClient) {
		c.httpc = hc
	}
}

type restClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	client  *resty.Client
}

// NewClient creates a ranking feed client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &restClient{
		apiKey:  apiKey,
		baseURL: "https://quote-feed.zacks.com",
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	var rc *resty.Client
	if c.httpc != nil {
		rc = resty.NewWithClient(c.httpc)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(c.baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(c.timeout)
	if c.apiKey != "" {
		rc.SetHeader("x-api-key", c.apiKey)
	}
	c.client = rc
	return c
}

func (c *restClient) GetData(ctx context.Context, ticker string) (json.RawMessage, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("ticker", ticker).
		Get("/rank/{ticker}")
	if err != nil {
		return nil, eris.Wrapf(err, "provider: fetch rank %s", ticker)
	}

	if res.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if !res.IsSuccess() {
		statusErr := eris.Errorf("provider: rank %s: status %d", ticker, res.StatusCode())
		if resilience.IsTransientHTTPStatus(res.StatusCode()) {
			return nil, resilience.NewTransientError(statusErr, res.StatusCode())
		}
		return nil, statusErr
	}

	body := bytes.TrimSpace(res.Bytes())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	return json.RawMessage(body), nil
}
