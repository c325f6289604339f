// internal/token/rotator.go
package token

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

// Rotator round-robins a fixed pool of bearer tokens so that upstream
// rate-limit consumption is spread across credentials. The cursor is not
// persisted; it resets on restart. Concurrent callers may race on ordering but
// every call returns a valid pool member.
//
// Rotator implements oauth2.TokenSource, so wiring it into an authenticated
// http.Client rotates the credential on every request.
type Rotator struct {
	tokens []string
	cursor atomic.Uint64
}

var _ oauth2.TokenSource = (*Rotator)(nil)

// NewRotator builds a Rotator over the given pool. The pool must be non-empty.
func NewRotator(tokens []string) (*Rotator, error) {
	if len(tokens) == 0 {
		return nil, errors.New("token pool must contain at least one credential")
	}
	pool := make([]string, len(tokens))
	copy(pool, tokens)
	return &Rotator{tokens: pool}, nil
}

// Next returns the current token and advances the cursor modulo the pool size.
func (r *Rotator) Next() string {
	n := r.cursor.Add(1) - 1
	return r.tokens[n%uint64(len(r.tokens))]
}

// Size reports the number of credentials in the pool.
func (r *Rotator) Size() int {
	return len(r.tokens)
}

// Token implements oauth2.TokenSource. The returned token carries an
// already-reached expiry: oauth2's caching wrapper treats it as expired and
// calls back here on every request, which is what advances the rotation. A
// zero expiry would make the wrapper cache the first token forever.
func (r *Rotator) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: r.Next(), Expiry: time.Now()}, nil
}
