package bank

import (
	"sync"
	"time"
)

// ttlCache is a minimal in-process TTL cache with lazy expiration on Get.
// There is no background sweeper; stale entries are dropped when read.
// Concurrent misses for the same key may all fetch upstream, which is
// acceptable at the request volumes this service targets.
type ttlCache[K comparable, V any] struct {
	mu   sync.RWMutex
	now  func() time.Time
	data map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	val      V
	storedAt time.Time
	exp      time.Time
}

func newTTLCache[K comparable, V any](now func() time.Time) *ttlCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{now: now, data: make(map[K]ttlEntry[V])}
}

// get returns the value, its age, and true when found and not expired.
func (t *ttlCache[K, V]) get(k K) (V, time.Duration, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()

	now := t.now()
	if !ok || now.After(e.exp) {
		if ok {
			t.mu.Lock()
			// Re-check under the write lock: a concurrent set may have
			// replaced the stale entry already.
			if cur, still := t.data[k]; still && now.After(cur.exp) {
				delete(t.data, k)
			}
			t.mu.Unlock()
		}
		var zero V
		return zero, 0, false
	}
	return e.val, now.Sub(e.storedAt), true
}

func (t *ttlCache[K, V]) set(k K, v V, ttl time.Duration) {
	now := t.now()
	t.mu.Lock()
	t.data[k] = ttlEntry[V]{val: v, storedAt: now, exp: now.Add(ttl)}
	t.mu.Unlock()
}

// txKey identifies one cached transaction page.
type txKey struct {
	bank      Name
	accountID string
	page      int
	limit     int
}
