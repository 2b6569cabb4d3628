// Package tokencache implements the refresh-token -> bearer exchange and
// caching behaviour specified for Copilot accounts: a cached bearer is
// reused while valid, refreshes are coalesced via singleflight, and
// MaybePreRefresh refreshes a bearer nearing expiry when called.
package tokencache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// skew is how much lead time before expiry a cached bearer is treated as
// stale, per spec.md §4.2.
const skew = 60 * time.Second

// Exchanger performs the actual refresh-token -> bearer HTTP exchange. The
// concrete implementation is internal/copilotauth.Flow.ExchangeCopilotToken.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (token string, expiresAt time.Time, err error)
}

// TokenError is returned when no cached bearer remains usable and a refresh
// attempt failed.
type TokenError struct {
	cause error
}

func (e *TokenError) Error() string { return "token refresh failed: " + e.cause.Error() }
func (e *TokenError) Unwrap() error { return e.cause }

type entry struct {
	token     string
	expiresAt time.Time
}

// Cache is a per-account bearer cache. One Cache instance should be owned by
// exactly one Account.
type Cache struct {
	exchanger    Exchanger
	refreshToken string

	mu      sync.RWMutex
	current entry

	group singleflight.Group
}

// New builds a Cache for the given refresh token, using exchanger to obtain
// bearers.
func New(exchanger Exchanger, refreshToken string) *Cache {
	return &Cache{exchanger: exchanger, refreshToken: refreshToken}
}

// Get returns a currently-valid bearer, refreshing if necessary. At most one
// refresh per Cache is ever in flight: concurrent callers share the result of
// a single upstream exchange.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if cur.token != "" && time.Now().Add(skew).Before(cur.expiresAt) {
		return cur.token, nil
	}

	return c.refresh(ctx)
}

// Invalidate forces the next Get to perform a fresh exchange, used when the
// upstream rejects a bearer with 401/403.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = entry{}
	c.mu.Unlock()
}

// MaybePreRefresh refreshes the cached bearer if it expires within window.
// The gateway starts no periodic caller for it and does not read
// token_refresh_interval; in a running server bearers are refreshed on
// demand by Get once they fall within skew of expiry.
func (c *Cache) MaybePreRefresh(ctx context.Context, window time.Duration) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if cur.token == "" || time.Until(cur.expiresAt) > window {
		return
	}
	if _, err := c.refresh(ctx); err != nil {
		log.Warnf("tokencache: background pre-refresh failed: %v", err)
	}
}

func (c *Cache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		token, expiresAt, err := c.exchanger.Exchange(ctx, c.refreshToken)
		if err != nil {
			// Retain the previous bearer if it is still valid; only surface
			// TokenError when nothing usable remains.
			c.mu.RLock()
			cur := c.current
			c.mu.RUnlock()
			if cur.token != "" && time.Now().Before(cur.expiresAt) {
				return cur.token, nil
			}
			return "", &TokenError{cause: err}
		}

		c.mu.Lock()
		c.current = entry{token: token, expiresAt: expiresAt}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
