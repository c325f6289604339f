// internal/edge/client_test.go
package edge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-timeline/internal/apperr"
)

func TestClient_Timeline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/repo/o/r", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `[{"id": 1, "repo_key": "o/r", "external_id": "5", "merged_at": "2024-01-01T00:00:00Z", "file_diffs": []}]`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	records, err := client.Timeline(context.Background(), "o/r", true)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "5", records[0].ExternalID)
	assert.True(t, records[0].MergedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestClient_CacheStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/repo/o/r/cache", r.URL.Path)
		fmt.Fprintln(w, `{"exists": true, "cachedCount": 12, "ageSeconds": 60, "lastExternalId": "12", "defaultBranch": "main", "firstChange": null, "lastChange": null}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	status, err := client.CacheStatus(context.Background(), "o/r")

	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Equal(t, int64(12), status.CachedCount)
	assert.Equal(t, "main", status.DefaultBranch)
}

func TestClient_FetchMore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/repo/o/r/fetch-more", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("count"))
		fmt.Fprintln(w, `{"items": [], "fetchedCount": 0, "totalCached": 10, "totalAvailable": 10, "hasMore": false}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	more, err := client.FetchMore(context.Background(), "o/r", 50)

	require.NoError(t, err)
	assert.False(t, more.HasMore)
	assert.Equal(t, int64(10), more.TotalCached)
}

func TestClient_ErrorMapping(t *testing.T) {
	t.Run("404 maps to not-found-or-private", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"error": "Repository not found or private"}`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).Timeline(context.Background(), "o/r", false)
		assert.ErrorIs(t, err, apperr.ErrNotFoundOrPrivate)
	})

	t.Run("429 maps to RateLimitedError with reset", func(t *testing.T) {
		reset := time.Now().Add(30 * time.Minute).Unix()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintln(w, `{"error": "Upstream rate limit exceeded"}`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).Timeline(context.Background(), "o/r", false)

		var rateLimited *apperr.RateLimitedError
		require.ErrorAs(t, err, &rateLimited)
		assert.Equal(t, reset, rateLimited.Reset.Unix())
	})

	t.Run("other statuses map to UpstreamError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintln(w, `{"error": "upstream request failed with status 502"}`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).Timeline(context.Background(), "o/r", false)

		var upstream *apperr.UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, http.StatusBadGateway, upstream.Status)
	})

	t.Run("unparseable error body maps to malformed-response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintln(w, `<html>so broken</html>`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).Timeline(context.Background(), "o/r", false)
		assert.ErrorIs(t, err, apperr.ErrMalformedResponse)
	})
}
