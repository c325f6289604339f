// internal/api/handler_test.go
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/cache"
	"repo-timeline/internal/github"
	"repo-timeline/internal/model"
)

type stubStore struct {
	state   *model.RepoSyncState
	records []model.ChangeRecord
	err     error
}

func (s *stubStore) GetSyncState(ctx context.Context, repoKey string) (*model.RepoSyncState, error) {
	return s.state, s.err
}

func (s *stubStore) GetChangeRecords(ctx context.Context, repoKey string) ([]model.ChangeRecord, error) {
	return s.records, s.err
}

func (s *stubStore) CountChangeRecords(ctx context.Context, repoKey string) (int64, error) {
	return int64(len(s.records)), s.err
}

func (s *stubStore) TimeRange(ctx context.Context, repoKey string) (time.Time, time.Time, error) {
	if len(s.records) == 0 {
		return time.Time{}, time.Time{}, s.err
	}
	return s.records[0].MergedAt, s.records[len(s.records)-1].MergedAt, s.err
}

func (s *stubStore) BoundaryRecords(ctx context.Context, repoKey string) (*model.ChangeRecord, *model.ChangeRecord, error) {
	if len(s.records) == 0 {
		return nil, nil, s.err
	}
	return &s.records[0], &s.records[len(s.records)-1], s.err
}

func (s *stubStore) SaveCycle(ctx context.Context, state model.RepoSyncState, records []model.ChangeRecord) error {
	s.state = &state
	s.records = append(s.records, records...)
	return s.err
}

type stubUpstream struct {
	repoInfoErr error
	pulls       []model.ChangeRecord
	pullsErr    error
}

func (u *stubUpstream) GetRepoInfo(ctx context.Context, owner, repo string) (*github.RepoInfo, error) {
	if u.repoInfoErr != nil {
		return nil, u.repoInfoErr
	}
	return &github.RepoInfo{DefaultBranch: "main", FullName: owner + "/" + repo}, nil
}

func (u *stubUpstream) ListMergedPulls(ctx context.Context, owner, repo string, sinceNumber, maxPages int) ([]model.ChangeRecord, error) {
	return u.pulls, u.pullsErr
}

func (u *stubUpstream) ListPullFiles(ctx context.Context, owner, repo string, number int) ([]model.FileDiff, error) {
	return nil, nil
}

func (u *stubUpstream) ListOldestCommits(ctx context.Context, owner, repo, branch string, maxCount int) ([]model.ChangeRecord, error) {
	return nil, nil
}

func (u *stubUpstream) ListCommitsSince(ctx context.Context, owner, repo, branch string, since time.Time, maxCount int) ([]model.ChangeRecord, error) {
	return nil, nil
}

func (u *stubUpstream) CountMergedEstimate(ctx context.Context, owner, repo string) (int, error) {
	return len(u.pulls), nil
}

func newTestServer(t *testing.T, st cache.Store, up cache.Upstream) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := cache.NewService(st, up, logger, cache.Config{})
	server := httptest.NewServer(NewRouter(svc, logger, 3))
	t.Cleanup(server.Close)
	return server
}

func freshState() *model.RepoSyncState {
	return &model.RepoSyncState{
		RepoKey:        "test-owner/test-repo",
		LastSyncedAt:   time.Now(),
		LastExternalID: "2",
		DefaultBranch:  "main",
	}
}

func sampleRecords() []model.ChangeRecord {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []model.ChangeRecord{
		{
			ID: 1, RepoKey: "test-owner/test-repo", ExternalID: "1",
			Title: "feat: add parser", Author: "alice", MergedAt: base,
			FileDiffs: []model.FileDiff{
				{Filename: "src/parser.go", Status: model.StatusAdded, Additions: 120},
			},
		},
		{
			ID: 2, RepoKey: "test-owner/test-repo", ExternalID: "2",
			Title: "fix: parser off by one", Author: "bob", MergedAt: base.Add(time.Hour),
			FileDiffs: []model.FileDiff{
				{Filename: "src/parser.go", Status: model.StatusModified, Additions: 4, Deletions: 2},
			},
		},
	}
}

func TestHealthCheck(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["tokenPoolSize"])
}

func TestGetTimeline_CacheHit(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState(), records: sampleRecords()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.NotEmpty(t, resp.Header.Get("X-Cache-Age-Seconds"))

	var records []model.ChangeRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 2)
	assert.Equal(t, "feat: add parser", records[0].Title)
}

func TestGetTimeline_CacheMissSyncs(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{pulls: sampleRecords()})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
}

func TestGetTimeline_NotFound(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{repoInfoErr: apperr.ErrNotFoundOrPrivate})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/gone")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Repository not found or private", body["error"])
}

func TestGetTimeline_RateLimited(t *testing.T) {
	reset := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	server := newTestServer(t, &stubStore{}, &stubUpstream{
		repoInfoErr: &apperr.RateLimitedError{Limit: 5000, Remaining: 0, Reset: reset},
	})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1717200000", resp.Header.Get("X-RateLimit-Reset"))
}

func TestGetTimeline_StorageUnavailable(t *testing.T) {
	server := newTestServer(t, &stubStore{err: apperr.ErrStorageUnavailable}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetTimeline_UpstreamError(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{repoInfoErr: &apperr.UpstreamError{Status: 502}})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGetMetadata(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState(), records: sampleRecords()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/metadata")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		ChangeCount int64 `json:"changeCount"`
		TimeRange   struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		} `json:"timeRange"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(2), body.ChangeCount)
	assert.True(t, body.TimeRange.To.After(body.TimeRange.From))
}

func TestGetCacheStatus(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState(), records: sampleRecords()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/cache")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status cache.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Exists)
	assert.Equal(t, int64(2), status.CachedCount)
	assert.Equal(t, "2", status.LastExternalID)
}

func TestFetchMore_InvalidCount(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{})

	for _, v := range []string{"0", "-1", "1001", "abc"} {
		resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/fetch-more?count=" + v)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "count=%s", v)
	}
}

func TestGetSummary_InvalidN(t *testing.T) {
	server := newTestServer(t, &stubStore{}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/summary?n=zero")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSnapshot(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState(), records: sampleRecords()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/snapshot?index=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.FileTreeSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Nodes, 2)

	var file *model.FileNode
	for i := range snap.Nodes {
		if snap.Nodes[i].Kind == model.KindFile {
			file = &snap.Nodes[i]
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, "src/parser.go", file.Path)
	assert.Equal(t, 122, file.Size)
}

func TestGetSnapshot_InvalidIndex(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState(), records: sampleRecords()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/snapshot?index=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSnapshot_EmptyHistory(t *testing.T) {
	server := newTestServer(t, &stubStore{state: freshState()}, &stubUpstream{})

	resp, err := http.Get(server.URL + "/api/repo/test-owner/test-repo/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
