// internal/loader/loader.go
package loader

import (
	"context"
	"log/slog"
	"sync"

	"repo-timeline/internal/cache"
	"repo-timeline/internal/model"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	StateIdle               State = "idle"
	StateLoadingFromCache   State = "loading-from-cache"
	StateLoadingIncremental State = "loading-incremental"
	StateReady              State = "ready"
	StateError              State = "error"
)

// Progress is a coarse load report. Total is -1 while unknown.
type Progress struct {
	Loaded     int
	Total      int
	Percentage float64
}

// Edge is the slice of the edge client the orchestrator uses.
type Edge interface {
	CacheStatus(ctx context.Context, repoKey string) (cache.Status, error)
	Timeline(ctx context.Context, repoKey string, forceRefresh bool) ([]model.ChangeRecord, error)
	FetchMore(ctx context.Context, repoKey string, count int) (cache.MoreResult, error)
}

// ClientCache is the viewer-resident cache tier.
type ClientCache interface {
	Load(ctx context.Context, repoKey string) ([]model.ChangeRecord, error)
	Save(ctx context.Context, repoKey string, records []model.ChangeRecord) error
}

// Callbacks stream loading events to the consumer. Any field may be nil.
type Callbacks struct {
	OnItem     func(model.ChangeRecord)
	OnProgress func(Progress)
	// OnWarning reports errors that were recovered by a cache fallback and
	// are therefore not surfaced as failures.
	OnWarning func(error)
}

// Result is a finished load.
type Result struct {
	Records   []model.ChangeRecord
	FromCache bool
	// StaleFallback marks a load that failed live and was served from cached
	// data instead; the original error went to OnWarning.
	StaleFallback bool
}

// Loader decides between the client cache, the edge cache, and incremental
// live loading, and falls back to cached data when a live fetch fails.
// Cache-load and incremental-load are mutually exclusive; a caller cancels
// in-flight work through ctx, which discards results rather than
// interrupting the underlying requests.
type Loader struct {
	edge      Edge
	cache     ClientCache
	logger    *slog.Logger
	batchSize int

	mu    sync.Mutex
	state State
}

// New creates a Loader. cache may be nil to disable the viewer-side tier.
func New(edge Edge, cache ClientCache, logger *slog.Logger, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Loader{
		edge:      edge,
		cache:     cache,
		logger:    logger,
		batchSize: batchSize,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Load fetches the timeline for a repository: client cache envelope first,
// then a blocking edge-cache load, then incremental live loading with
// per-item streaming. An error mid-incremental falls back to the edge cache
// when one exists; only a failed fallback (or none available) surfaces as an
// error.
func (l *Loader) Load(ctx context.Context, repoKey string, cb Callbacks) (Result, error) {
	if l.cache != nil {
		records, err := l.cache.Load(ctx, repoKey)
		if err != nil {
			l.logger.Warn("Client cache read failed, ignoring", "repo", repoKey, "error", err)
		}
		if records != nil {
			l.setState(StateReady)
			reportComplete(cb, len(records))
			return Result{Records: records, FromCache: true}, nil
		}
	}

	status, err := l.edge.CacheStatus(ctx, repoKey)
	if err != nil {
		l.setState(StateError)
		return Result{}, err
	}

	if status.Exists {
		l.setState(StateLoadingFromCache)
		records, err := l.edge.Timeline(ctx, repoKey, false)
		if err != nil {
			l.setState(StateError)
			return Result{}, err
		}
		l.saveToClientCache(ctx, repoKey, records)
		l.setState(StateReady)
		reportComplete(cb, len(records))
		return Result{Records: records, FromCache: true}, nil
	}

	l.setState(StateLoadingIncremental)
	records, err := l.loadIncremental(ctx, repoKey, cb)
	if err != nil {
		return l.fallbackToCache(ctx, repoKey, err, cb)
	}

	l.saveToClientCache(ctx, repoKey, records)
	l.setState(StateReady)
	return Result{Records: records, FromCache: false}, nil
}

// LoadCommits is the explicit-refresh entry point. With forceRefresh it
// bypasses both cache tiers and makes the edge run a fresh upstream cycle;
// without it, it behaves like Load.
func (l *Loader) LoadCommits(ctx context.Context, repoKey string, forceRefresh bool, cb Callbacks) (Result, error) {
	if !forceRefresh {
		return l.Load(ctx, repoKey, cb)
	}

	l.setState(StateLoadingIncremental)
	records, err := l.edge.Timeline(ctx, repoKey, true)
	if err != nil {
		return l.fallbackToCache(ctx, repoKey, err, cb)
	}

	l.saveToClientCache(ctx, repoKey, records)
	l.setState(StateReady)
	reportComplete(cb, len(records))
	return Result{Records: records, FromCache: false}, nil
}

// loadIncremental streams fetch-more pages until the edge reports no more.
func (l *Loader) loadIncremental(ctx context.Context, repoKey string, cb Callbacks) ([]model.ChangeRecord, error) {
	var all []model.ChangeRecord

	for {
		if err := ctx.Err(); err != nil {
			// Repo-key change or unmount: discard, do not fall back.
			return nil, err
		}

		more, err := l.edge.FetchMore(ctx, repoKey, l.batchSize)
		if err != nil {
			return nil, err
		}

		for _, item := range more.Items {
			all = append(all, item)
			if cb.OnItem != nil {
				cb.OnItem(item)
			}
		}

		total := -1
		if more.TotalAvailable > 0 {
			total = more.TotalAvailable
		}
		reportProgress(cb, len(all), total)

		if !more.HasMore || more.FetchedCount == 0 {
			break
		}
	}

	return all, nil
}

// fallbackToCache serves the edge cache after a live failure. The original
// error is demoted to a warning when the fallback succeeds.
func (l *Loader) fallbackToCache(ctx context.Context, repoKey string, cause error, cb Callbacks) (Result, error) {
	if ctx.Err() != nil {
		l.setState(StateIdle)
		return Result{}, cause
	}

	status, err := l.edge.CacheStatus(ctx, repoKey)
	if err != nil || !status.Exists {
		l.setState(StateError)
		return Result{}, cause
	}

	records, err := l.edge.Timeline(ctx, repoKey, false)
	if err != nil {
		l.setState(StateError)
		return Result{}, cause
	}

	l.logger.Warn("Live load failed, serving cached data", "repo", repoKey, "error", cause)
	if cb.OnWarning != nil {
		cb.OnWarning(cause)
	}
	l.saveToClientCache(ctx, repoKey, records)
	l.setState(StateReady)
	reportComplete(cb, len(records))
	return Result{Records: records, FromCache: true, StaleFallback: true}, nil
}

func (l *Loader) saveToClientCache(ctx context.Context, repoKey string, records []model.ChangeRecord) {
	if l.cache == nil || len(records) == 0 {
		return
	}
	if err := l.cache.Save(ctx, repoKey, records); err != nil {
		// The client tier is an optimization; a failed save never fails the load.
		l.logger.Warn("Client cache save failed", "repo", repoKey, "error", err)
	}
}

func reportProgress(cb Callbacks, loaded, total int) {
	if cb.OnProgress == nil {
		return
	}
	p := Progress{Loaded: loaded, Total: total}
	if total > 0 {
		p.Percentage = float64(loaded) / float64(total) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	}
	cb.OnProgress(p)
}

func reportComplete(cb Callbacks, count int) {
	reportProgress(cb, count, count)
}
