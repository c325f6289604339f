// internal/edge/client.go
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/cache"
	"repo-timeline/internal/model"
)

// Client talks to the edge cache service's HTTP surface. It is the viewer's
// only path to timeline data; the viewer never calls the code-hosting API
// directly.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the edge service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CacheStatus fetches edge cache presence for a repository.
func (c *Client) CacheStatus(ctx context.Context, repoKey string) (cache.Status, error) {
	var status cache.Status
	err := c.getJSON(ctx, fmt.Sprintf("%s/api/repo/%s/cache", c.baseURL, repoKey), &status)
	return status, err
}

// Timeline fetches the full change list. forceRefresh makes the edge bypass
// its own cache and run a fresh upstream cycle first.
func (c *Client) Timeline(ctx context.Context, repoKey string, forceRefresh bool) ([]model.ChangeRecord, error) {
	url := fmt.Sprintf("%s/api/repo/%s", c.baseURL, repoKey)
	if forceRefresh {
		url += "?refresh=true"
	}
	var records []model.ChangeRecord
	if err := c.getJSON(ctx, url, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// FetchMore fetches one incremental page beyond what the edge has cached.
func (c *Client) FetchMore(ctx context.Context, repoKey string, count int) (cache.MoreResult, error) {
	var more cache.MoreResult
	err := c.getJSON(ctx, fmt.Sprintf("%s/api/repo/%s/fetch-more?count=%d", c.baseURL, repoKey, count), &more)
	return more, err
}

// Summary fetches the coarse history estimate.
func (c *Client) Summary(ctx context.Context, repoKey string, n int) (cache.Summary, error) {
	var summary cache.Summary
	err := c.getJSON(ctx, fmt.Sprintf("%s/api/repo/%s/summary?n=%d", c.baseURL, repoKey, n), &summary)
	return summary, err
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mapResponseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.ErrMalformedResponse
	}
	return nil
}

// mapResponseError folds an edge error response into the application
// taxonomy. An unparseable error body maps to ErrMalformedResponse.
func mapResponseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperr.ErrNotFoundOrPrivate
	case http.StatusTooManyRequests, http.StatusForbidden:
		mapped := &apperr.RateLimitedError{}
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				mapped.Reset = time.Unix(unix, 0)
			}
		}
		return mapped
	}

	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errBody); err != nil || errBody.Error == "" {
		return apperr.ErrMalformedResponse
	}
	return &apperr.UpstreamError{Status: resp.StatusCode}
}
