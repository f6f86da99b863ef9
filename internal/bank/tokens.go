package bank

import (
	"context"
	"log/slog"
	"sync"
	"time"

	dErrors "bankbridge/pkg/domain-errors"
	keyedsync "bankbridge/pkg/platform/sync"
)

const defaultSafetyMargin = 5 * time.Minute

// Authenticator performs the upstream authentication call for one bank.
// Implementations must not retry; retry policy belongs to the request layer.
type Authenticator interface {
	Authenticate(ctx context.Context, bank Name, clientID string) (token string, expiresIn time.Duration, err error)
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache holds one bank access token per (clientID, bank) pair.
//
// Reads are lock-free beyond an RWMutex read. Refreshes serialize on a
// per-pair mutex so N concurrent callers for the same pair trigger at most
// one upstream authentication call, while unrelated pairs never contend.
// Entries are process-local and lost on restart; they are re-fetched on demand.
type TokenCache struct {
	auth   Authenticator
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]tokenEntry
	locks   *keyedsync.KeyedMutex
}

// TokenOption configures a TokenCache.
type TokenOption func(*TokenCache)

// WithSafetyMargin overrides the buffer subtracted from provider expiry.
func WithSafetyMargin(margin time.Duration) TokenOption {
	return func(c *TokenCache) {
		if margin > 0 {
			c.margin = margin
		}
	}
}

// WithTokenLogger sets the logger.
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(c *TokenCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source, used by tests to cross expiry
// boundaries without sleeping.
func WithClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCache creates a TokenCache backed by the given authenticator.
func NewTokenCache(auth Authenticator, opts ...TokenOption) *TokenCache {
	c := &TokenCache{
		auth:    auth,
		margin:  defaultSafetyMargin,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]tokenEntry),
		locks:   keyedsync.NewKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Token returns a cached access token for the pair, refreshing it upstream
// when the cached one has crossed its safety margin. If the refresh fails but
// a stale token is still present, the stale token is returned so one auth
// outage does not fail every caller.
func (c *TokenCache) Token(ctx context.Context, clientID string, bank Name) (string, error) {
	key := tokenKey(clientID, bank)

	if token, ok := c.fresh(key); ok {
		tokenCacheHits.Inc()
		return token, nil
	}

	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	// Another caller may have refreshed while this one waited for the lock.
	if token, ok := c.fresh(key); ok {
		tokenCacheHits.Inc()
		return token, nil
	}
	tokenCacheMisses.Inc()

	token, expiresIn, err := c.auth.Authenticate(ctx, bank, clientID)
	if err != nil {
		if stale, ok := c.lookup(key); ok {
			tokenStaleFallbacks.Inc()
			c.logger.Warn("token refresh failed, serving stale token",
				"bank", bank, "client_id", clientID, "error", err)
			return stale.token, nil
		}
		// Unreachable auth endpoint with no usable token counts as an
		// authentication failure regardless of the underlying cause.
		return "", &dErrors.Error{Code: dErrors.CodeAuthenticationFailed, Message: "bank authentication failed", Err: err}
	}

	expiresAt := c.now().Add(expiresIn - c.margin)
	if expiresIn <= c.margin {
		// Provider handed out a token shorter than the margin; keep its real
		// lifetime rather than caching an already-expired entry.
		expiresAt = c.now().Add(expiresIn)
	}

	c.mu.Lock()
	c.entries[key] = tokenEntry{token: token, expiresAt: expiresAt}
	c.mu.Unlock()

	return token, nil
}

// Invalidate drops the cached token for the pair. The gateway calls this when
// a bank rejects a token that the cache still considered fresh.
func (c *TokenCache) Invalidate(clientID string, bank Name) {
	c.mu.Lock()
	delete(c.entries, tokenKey(clientID, bank))
	c.mu.Unlock()
}

func (c *TokenCache) fresh(key string) (string, bool) {
	entry, ok := c.lookup(key)
	if !ok || !c.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

func (c *TokenCache) lookup(key string) (tokenEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func tokenKey(clientID string, bank Name) string {
	return clientID + "/" + string(bank)
}
