// internal/cache/service.go
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/github"
	"repo-timeline/internal/model"
)

// Store is the persistent edge store surface the service depends on.
type Store interface {
	GetSyncState(ctx context.Context, repoKey string) (*model.RepoSyncState, error)
	GetChangeRecords(ctx context.Context, repoKey string) ([]model.ChangeRecord, error)
	CountChangeRecords(ctx context.Context, repoKey string) (int64, error)
	TimeRange(ctx context.Context, repoKey string) (first, last time.Time, err error)
	BoundaryRecords(ctx context.Context, repoKey string) (first, last *model.ChangeRecord, err error)
	SaveCycle(ctx context.Context, state model.RepoSyncState, records []model.ChangeRecord) error
}

// Upstream is the code-hosting API surface the service depends on.
type Upstream interface {
	GetRepoInfo(ctx context.Context, owner, repo string) (*github.RepoInfo, error)
	ListMergedPulls(ctx context.Context, owner, repo string, sinceNumber, maxPages int) ([]model.ChangeRecord, error)
	ListPullFiles(ctx context.Context, owner, repo string, number int) ([]model.FileDiff, error)
	ListOldestCommits(ctx context.Context, owner, repo, branch string, maxCount int) ([]model.ChangeRecord, error)
	ListCommitsSince(ctx context.Context, owner, repo, branch string, since time.Time, maxCount int) ([]model.ChangeRecord, error)
	CountMergedEstimate(ctx context.Context, owner, repo string) (int, error)
}

// Config tunes the cache service.
type Config struct {
	// Staleness is the cache age beyond which a hit still schedules a
	// background refresh.
	Staleness time.Duration
	// MaxPagesPerCycle bounds upstream list requests per sync cycle.
	MaxPagesPerCycle int
	// PageSize is the upstream page size, used to bound the commit-history
	// fallback and fetch-more cycles.
	PageSize int
	// RefreshWorkers is the size of the background refresh pool.
	RefreshWorkers int
	// QueueSize bounds the refresh queue; a full queue drops the trigger,
	// which is safe because upserts are idempotent.
	QueueSize int
}

// Result is what Handle returns: the timeline plus cache provenance.
type Result struct {
	Records  []model.ChangeRecord
	CacheHit bool
	Age      time.Duration
}

// Metadata is the coarse shape of a cached timeline.
type Metadata struct {
	ChangeCount int64     `json:"changeCount"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
}

// Status describes the edge cache for one repository.
type Status struct {
	Exists         bool                `json:"exists"`
	CachedCount    int64               `json:"cachedCount"`
	AgeSeconds     int64               `json:"ageSeconds"`
	LastExternalID string              `json:"lastExternalId"`
	DefaultBranch  string              `json:"defaultBranch"`
	FirstChange    *model.ChangeRecord `json:"firstChange"`
	LastChange     *model.ChangeRecord `json:"lastChange"`
}

// MoreResult is one incremental page beyond what is cached.
type MoreResult struct {
	Items          []model.ChangeRecord `json:"items"`
	FetchedCount   int                  `json:"fetchedCount"`
	TotalCached    int64                `json:"totalCached"`
	TotalAvailable int                  `json:"totalAvailable"`
	HasMore        bool                 `json:"hasMore"`
}

// Summary is a coarse estimate of a repository's history.
type Summary struct {
	EstimatedTotalItems int                 `json:"estimatedTotalItems"`
	HasMoreThanN        bool                `json:"hasMoreThanN"`
	FirstMergedItem     *model.ChangeRecord `json:"firstMergedItem"`
}

// Service is the edge cache: it serves cached timelines immediately, fetches
// synchronously on a miss, and schedules background refreshes for stale hits.
type Service struct {
	store        Store
	upstream     Upstream
	logger       *slog.Logger
	cfg          Config
	refreshQueue chan string
}

// NewService wires the cache service together.
func NewService(store Store, upstream Upstream, logger *slog.Logger, cfg Config) *Service {
	if cfg.RefreshWorkers <= 0 {
		cfg.RefreshWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPagesPerCycle <= 0 {
		cfg.MaxPagesPerCycle = 10
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = time.Hour
	}
	return &Service{
		store:        store,
		upstream:     upstream,
		logger:       logger,
		cfg:          cfg,
		refreshQueue: make(chan string, cfg.QueueSize),
	}
}

// Start runs the background refresh workers until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.RefreshWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case repoKey := <-s.refreshQueue:
					if err := s.refresh(gctx, repoKey); err != nil {
						// Background failures never surface to the request
						// that triggered them.
						s.logger.Error("Background refresh failed", "repo", repoKey, "error", err)
					}
				}
			}
		})
	}
	_ = g.Wait()
	s.logger.Info("Refresh workers stopped", "reason", ctx.Err())
}

// Handle serves the timeline for a repository. A cache hit returns
// immediately; a stale hit additionally enqueues a background refresh; a miss
// runs a synchronous full sync bounded by the per-cycle page ceiling.
func (s *Service) Handle(ctx context.Context, repoKey string) (Result, error) {
	state, err := s.store.GetSyncState(ctx, repoKey)
	if err != nil {
		return Result{}, err
	}

	if state == nil {
		if _, err := s.runCycle(ctx, repoKey, nil); err != nil {
			return Result{}, err
		}
		records, err := s.store.GetChangeRecords(ctx, repoKey)
		if err != nil {
			return Result{}, err
		}
		return Result{Records: records, CacheHit: false}, nil
	}

	records, err := s.store.GetChangeRecords(ctx, repoKey)
	if err != nil {
		return Result{}, err
	}

	age := time.Since(state.LastSyncedAt)
	if age > s.cfg.Staleness {
		s.enqueueRefresh(repoKey)
	}
	return Result{Records: records, CacheHit: true, Age: age}, nil
}

// ForceRefresh bypasses the cache check and runs a synchronous incremental
// cycle before returning the full timeline.
func (s *Service) ForceRefresh(ctx context.Context, repoKey string) (Result, error) {
	state, err := s.store.GetSyncState(ctx, repoKey)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.runCycle(ctx, repoKey, state); err != nil {
		return Result{}, err
	}
	records, err := s.store.GetChangeRecords(ctx, repoKey)
	if err != nil {
		return Result{}, err
	}
	return Result{Records: records, CacheHit: false}, nil
}

// FetchMore runs one bounded incremental cycle past the cached position and
// returns up to count newly fetched items along with cache totals.
func (s *Service) FetchMore(ctx context.Context, repoKey string, count int) (MoreResult, error) {
	state, err := s.store.GetSyncState(ctx, repoKey)
	if err != nil {
		return MoreResult{}, err
	}

	fetched, err := s.runCycle(ctx, repoKey, state)
	if err != nil {
		return MoreResult{}, err
	}
	if count > 0 && len(fetched) > count {
		fetched = fetched[:count]
	}

	totalCached, err := s.store.CountChangeRecords(ctx, repoKey)
	if err != nil {
		return MoreResult{}, err
	}
	owner, name, err := SplitRepoKey(repoKey)
	if err != nil {
		return MoreResult{}, err
	}
	totalAvailable, err := s.upstream.CountMergedEstimate(ctx, owner, name)
	if err != nil {
		return MoreResult{}, err
	}

	return MoreResult{
		Items:          fetched,
		FetchedCount:   len(fetched),
		TotalCached:    totalCached,
		TotalAvailable: totalAvailable,
		HasMore:        int64(totalAvailable) > totalCached,
	}, nil
}

// Summary returns a coarse estimate without paying for a full sync. The
// estimate comes from a one-item pagination probe and counts closed items, so
// it is an upper bound on merged history.
func (s *Service) Summary(ctx context.Context, repoKey string, n int) (Summary, error) {
	owner, name, err := SplitRepoKey(repoKey)
	if err != nil {
		return Summary{}, err
	}

	estimate, err := s.upstream.CountMergedEstimate(ctx, owner, name)
	if err != nil {
		return Summary{}, err
	}

	first, _, err := s.store.BoundaryRecords(ctx, repoKey)
	if err != nil {
		return Summary{}, err
	}
	if first == nil {
		// Not cached yet: one ascending page gives the oldest merged item.
		page, err := s.upstream.ListMergedPulls(ctx, owner, name, 0, 1)
		if err != nil {
			return Summary{}, err
		}
		if len(page) > 0 {
			first = &page[0]
		}
	}

	return Summary{
		EstimatedTotalItems: estimate,
		HasMoreThanN:        estimate > n,
		FirstMergedItem:     first,
	}, nil
}

// CacheStatus reports the edge cache state for a repository without touching
// upstream.
func (s *Service) CacheStatus(ctx context.Context, repoKey string) (Status, error) {
	state, err := s.store.GetSyncState(ctx, repoKey)
	if err != nil {
		return Status{}, err
	}
	if state == nil {
		return Status{Exists: false}, nil
	}

	count, err := s.store.CountChangeRecords(ctx, repoKey)
	if err != nil {
		return Status{}, err
	}
	first, last, err := s.store.BoundaryRecords(ctx, repoKey)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Exists:         true,
		CachedCount:    count,
		AgeSeconds:     int64(time.Since(state.LastSyncedAt).Seconds()),
		LastExternalID: state.LastExternalID,
		DefaultBranch:  state.DefaultBranch,
		FirstChange:    first,
		LastChange:     last,
	}, nil
}

// Metadata reports the cached change count and time range.
func (s *Service) Metadata(ctx context.Context, repoKey string) (Metadata, error) {
	count, err := s.store.CountChangeRecords(ctx, repoKey)
	if err != nil {
		return Metadata{}, err
	}
	first, last, err := s.store.TimeRange(ctx, repoKey)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{ChangeCount: count, From: first, To: last}, nil
}

// enqueueRefresh schedules a background refresh without blocking the caller.
// A full queue drops the trigger; the next stale hit re-enqueues it.
func (s *Service) enqueueRefresh(repoKey string) {
	select {
	case s.refreshQueue <- repoKey:
		s.logger.Debug("Scheduled background refresh", "repo", repoKey)
	default:
		s.logger.Debug("Refresh queue full, dropping trigger", "repo", repoKey)
	}
}

// refresh re-reads the sync state and runs one incremental cycle. It may race
// with another refresh for the same repository; idempotent upserts make the
// duplicate harmless.
func (s *Service) refresh(ctx context.Context, repoKey string) error {
	state, err := s.store.GetSyncState(ctx, repoKey)
	if err != nil {
		return err
	}
	_, err = s.runCycle(ctx, repoKey, state)
	return err
}

// runCycle performs one sync cycle: list merged changes past the last synced
// position, attach file diffs per item, and commit everything plus the
// advanced sync state as a single batch. Returns the newly fetched records in
// ascending order.
//
// A diff sub-fetch failure degrades that item to an empty diff list; list and
// metadata failures propagate. A repository with no merged pull history falls
// back to its oldest commits on the default branch so the timeline is not
// empty (those records carry no diffs); later cycles for such a repository
// resume the commit listing past the stored SHA position.
func (s *Service) runCycle(ctx context.Context, repoKey string, state *model.RepoSyncState) ([]model.ChangeRecord, error) {
	owner, name, err := SplitRepoKey(repoKey)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("owner", owner, "repo", name)
	logger.Info("Starting sync cycle")

	info, err := s.upstream.GetRepoInfo(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	sinceNumber := 0
	lastExternalID := ""
	if state != nil {
		lastExternalID = state.LastExternalID
		if n, convErr := strconv.Atoi(state.LastExternalID); convErr == nil {
			sinceNumber = n
		}
	}

	records, err := s.upstream.ListMergedPulls(ctx, owner, name, sinceNumber, s.cfg.MaxPagesPerCycle)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		switch {
		case state == nil || state.LastExternalID == "":
			logger.Info("No merged pull history, falling back to oldest commits")
			records, err = s.upstream.ListOldestCommits(ctx, owner, name, info.DefaultBranch, s.cfg.PageSize)
			if err != nil {
				return nil, err
			}
		case !isNumericID(state.LastExternalID):
			// Commit-history repository: continue past the stored SHA.
			records, err = s.resumeCommits(ctx, repoKey, owner, name, info.DefaultBranch, state.LastExternalID)
			if err != nil {
				return nil, err
			}
		}
	}

	for i := range records {
		number, convErr := strconv.Atoi(records[i].ExternalID)
		if convErr != nil {
			// Commit-history records have no per-item diff sub-resource here.
			continue
		}
		diffs, err := s.upstream.ListPullFiles(ctx, owner, name, number)
		if err != nil {
			logger.Warn("File diff fetch failed, storing item with empty diffs",
				"external_id", records[i].ExternalID, "error", err)
			diffs = nil
		}
		records[i].FileDiffs = diffs
	}

	for _, rec := range records {
		if n, convErr := strconv.Atoi(rec.ExternalID); convErr == nil {
			if n > sinceNumber {
				sinceNumber = n
				lastExternalID = rec.ExternalID
			}
		} else {
			lastExternalID = rec.ExternalID
		}
	}

	newState := model.RepoSyncState{
		RepoKey:        repoKey,
		LastSyncedAt:   time.Now(),
		LastExternalID: lastExternalID,
		DefaultBranch:  info.DefaultBranch,
	}
	if err := s.store.SaveCycle(ctx, newState, records); err != nil {
		return nil, err
	}

	logger.Info("Sync cycle finished", "new_items", len(records))
	return records, nil
}

// resumeCommits extends a commit-history timeline past the stored position.
// The newest cached record's merge time anchors the upstream since filter;
// records at or before the stored SHA are discarded because the filter is
// inclusive on timestamp collisions.
func (s *Service) resumeCommits(ctx context.Context, repoKey, owner, name, branch, lastSHA string) ([]model.ChangeRecord, error) {
	_, last, err := s.store.BoundaryRecords(ctx, repoKey)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}

	fetched, err := s.upstream.ListCommitsSince(ctx, owner, name, branch, last.MergedAt, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	records := fetched[:0]
	for _, rec := range fetched {
		if rec.ExternalID == lastSHA || rec.MergedAt.Before(last.MergedAt) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func isNumericID(id string) bool {
	_, err := strconv.Atoi(id)
	return err == nil
}

// SplitRepoKey parses an 'owner/name' repository key.
func SplitRepoKey(repoKey string) (owner, name string, err error) {
	parts := strings.Split(repoKey, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &apperr.ErrInvalidRepoKey{Key: repoKey}
	}
	return parts[0], parts[1], nil
}
