// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFoundOrPrivate is returned for an upstream 404. GitHub deliberately
// does not distinguish a private repository from a nonexistent one, so neither
// do we.
var ErrNotFoundOrPrivate = errors.New("repository not found or private")

// ErrStorageUnavailable indicates the persistent or client-side store could
// not be reached or written.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrMalformedResponse indicates an upstream error body that was not
// parseable JSON.
var ErrMalformedResponse = errors.New("malformed upstream response")

// RateLimitedError is returned when the upstream quota is exhausted. Callers
// should fall back to cached data; Limit/Remaining/Reset are zero when the
// upstream did not supply them.
type RateLimitedError struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

func (e *RateLimitedError) Error() string {
	if e.Reset.IsZero() {
		return "upstream rate limit exceeded"
	}
	return fmt.Sprintf("upstream rate limit exceeded (resets %s)", e.Reset.Format(time.RFC3339))
}

// UpstreamError covers any other non-2xx upstream response.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.Status)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// ErrInvalidRepoKey is returned when a repository key is not in 'owner/name'
// format.
type ErrInvalidRepoKey struct {
	Key string
}

func (e *ErrInvalidRepoKey) Error() string {
	return fmt.Sprintf("invalid repository key: %q, expected 'owner/name'", e.Key)
}
