// internal/api/handler.go
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/cache"
	"repo-timeline/internal/snapshot"
)

// Handler is the container for API dependencies.
type Handler struct {
	svc           *cache.Service
	logger        *slog.Logger
	tokenPoolSize int
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(svc *cache.Service, logger *slog.Logger, tokenPoolSize int) http.Handler {
	h := &Handler{
		svc:           svc,
		logger:        logger,
		tokenPoolSize: tokenPoolSize,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/api/repo/{owner}/{repo}", func(r chi.Router) {
		r.Get("/", h.getTimeline)
		r.Get("/metadata", h.getMetadata)
		r.Get("/cache", h.getCacheStatus)
		r.Get("/fetch-more", h.fetchMore)
		r.Get("/summary", h.getSummary)
		r.Get("/snapshot", h.getSnapshot)
	})

	return r
}

// healthCheck reports liveness plus the configured credential pool size.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"tokenPoolSize": h.tokenPoolSize,
	})
}

// getTimeline serves the cached or freshly fetched change list.
// GET /api/repo/{owner}/{repo}?refresh=true
func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	var result cache.Result
	var err error
	if r.URL.Query().Get("refresh") == "true" {
		result, err = h.svc.ForceRefresh(r.Context(), repoKey)
	} else {
		result, err = h.svc.Handle(r.Context(), repoKey)
	}
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}

	if result.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Cache-Age-Seconds", fmt.Sprintf("%d", int64(result.Age.Seconds())))
	respondWithJSON(w, http.StatusOK, result.Records)
}

// getMetadata reports the cached change count and time range.
// GET /api/repo/{owner}/{repo}/metadata
func (h *Handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	meta, err := h.svc.Metadata(r.Context(), repoKey)
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"changeCount": meta.ChangeCount,
		"timeRange":   map[string]any{"from": meta.From, "to": meta.To},
	})
}

// getCacheStatus reports edge cache presence and age without touching
// upstream.
// GET /api/repo/{owner}/{repo}/cache
func (h *Handler) getCacheStatus(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	status, err := h.svc.CacheStatus(r.Context(), repoKey)
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// fetchMore serves one incremental page beyond what is cached.
// GET /api/repo/{owner}/{repo}/fetch-more?count=N
func (h *Handler) fetchMore(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'count' parameter. Must be an integer between 1 and 1000.")
			return
		}
		count = n
	}

	more, err := h.svc.FetchMore(r.Context(), repoKey, count)
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}
	respondWithJSON(w, http.StatusOK, more)
}

// getSummary serves a coarse history estimate.
// GET /api/repo/{owner}/{repo}/summary?n=N
func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'n' parameter. Must be a positive integer.")
			return
		}
		n = parsed
	}

	summary, err := h.svc.Summary(r.Context(), repoKey, n)
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// getSnapshot reconstructs the file tree at one timeline index.
// GET /api/repo/{owner}/{repo}/snapshot?index=K
func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	repoKey := repoKeyFromRequest(r)

	result, err := h.svc.Handle(r.Context(), repoKey)
	if err != nil {
		h.respondWithMappedError(w, repoKey, err)
		return
	}
	if len(result.Records) == 0 {
		respondWithError(w, http.StatusNotFound, "Repository has no change history")
		return
	}

	index := len(result.Records) - 1
	if v := r.URL.Query().Get("index"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed >= len(result.Records) {
			respondWithError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid 'index' parameter. Must be an integer between 0 and %d.", len(result.Records)-1))
			return
		}
		index = parsed
	}

	respondWithJSON(w, http.StatusOK, snapshot.BuildAt(result.Records, index))
}

// respondWithMappedError translates the application error taxonomy to HTTP
// status codes.
func (h *Handler) respondWithMappedError(w http.ResponseWriter, repoKey string, err error) {
	var invalidKey *apperr.ErrInvalidRepoKey
	var rateLimited *apperr.RateLimitedError
	var upstream *apperr.UpstreamError

	switch {
	case errors.As(err, &invalidKey):
		respondWithError(w, http.StatusBadRequest, invalidKey.Error())
	case errors.Is(err, apperr.ErrNotFoundOrPrivate):
		respondWithError(w, http.StatusNotFound, "Repository not found or private")
	case errors.As(err, &rateLimited):
		if !rateLimited.Reset.IsZero() {
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", rateLimited.Reset.Unix()))
		}
		respondWithError(w, http.StatusTooManyRequests, "Upstream rate limit exceeded")
	case errors.Is(err, apperr.ErrStorageUnavailable):
		h.logger.Error("Storage unavailable", "repo", repoKey, "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "Storage unavailable")
	case errors.As(err, &upstream):
		h.logger.Error("Upstream error", "repo", repoKey, "status", upstream.Status)
		respondWithError(w, http.StatusBadGateway, upstream.Error())
	case errors.Is(err, apperr.ErrMalformedResponse):
		h.logger.Error("Malformed upstream response", "repo", repoKey)
		respondWithError(w, http.StatusBadGateway, "Unknown upstream error")
	default:
		h.logger.Error("Request failed", "repo", repoKey, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func repoKeyFromRequest(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}
