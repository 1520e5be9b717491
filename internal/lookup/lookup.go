// Package lookup resolves base/quote mint pairs into pool identifiers via
// the gateway's pool-lookup service. Calls ride on the most recent lease
// token; results can be cached because pool sets change slowly.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
)

// TokenSource hands out the freshest lease token any session holds. Wait
// blocks until a first token exists or ctx ends; it must resolve (not hang)
// at shutdown.
type TokenSource interface {
	Current() (string, bool)
	Wait(ctx context.Context) (string, error)
}

type PoolMatch struct {
	Pool string `json:"pool"`
	Dex  string `json:"dex"`
}

type lookupResponse struct {
	BaseMint  string      `json:"baseMint"`
	QuoteMint string      `json:"quoteMint"`
	Pools     []PoolMatch `json:"pools"`
}

type Client struct {
	log     logger.Logger
	hc      *http.Client
	baseURL string
	tokens  TokenSource
	cache   Cache // optional
}

func NewClient(log logger.Logger, cfg config.LookupConfig, tokens TokenSource, cache Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:     log,
		hc:      &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		tokens:  tokens,
		cache:   cache,
	}
}

// LookupPools resolves one pair. Without a token yet it waits once for one to
// appear, then tries exactly once. The coordinator degrades on error, so
// there is no retry loop here.
func (c *Client) LookupPools(ctx context.Context, baseMint, quoteMint string) ([]string, error) {
	key := baseMint + ":" + quoteMint

	if c.cache != nil {
		if pools, ok := c.cache.Get(ctx, key); ok {
			return pools, nil
		}
	}

	tok, ok := c.tokens.Current()
	if !ok {
		var err error
		tok, err = c.tokens.Wait(ctx)
		if err != nil {
			return nil, &domain.LookupError{Query: key, Err: fmt.Errorf("no lease token: %w", err)}
		}
	}

	pools, err := c.query(ctx, baseMint, quoteMint, tok)
	if err != nil {
		return nil, &domain.LookupError{Query: key, Err: err}
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, pools)
	}
	return pools, nil
}

func (c *Client) query(ctx context.Context, baseMint, quoteMint, token string) ([]string, error) {
	q := url.Values{}
	q.Set("baseMint", baseMint)
	q.Set("quoteMint", quoteMint)
	q.Set("t", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pools/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var lr lookupResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, err
	}

	pools := make([]string, 0, len(lr.Pools))
	for _, m := range lr.Pools {
		if m.Pool != "" {
			pools = append(pools, m.Pool)
		}
	}
	c.log.Debugf("Lookup %s/%s matched %d pools", baseMint, quoteMint, len(pools))
	return pools, nil
}
