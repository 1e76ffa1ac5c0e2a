package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a bounded key/value store with per-entry expiry.
type Cache[K ristretto.Key, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	// Wait blocks until buffered writes are visible to Get.
	Wait()
}

const entryCost = 1

type ttlCache[K ristretto.Key, V any] struct {
	store *ristretto.Cache[K, V]
}

// NewTTLCache returns a ristretto-backed cache holding up to maxItems entries.
func NewTTLCache[K ristretto.Key, V any](maxItems int64) (Cache[K, V], error) {
	if maxItems <= 0 {
		maxItems = 10_000
	}
	store, err := ristretto.NewCache(&ristretto.Config[K, V]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems * entryCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ttlCache[K, V]{store: store}, nil
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	return c.store.Get(key)
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.store.SetWithTTL(key, value, entryCost, ttl)
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.store.Del(key)
}

func (c *ttlCache[K, V]) Wait() {
	c.store.Wait()
}
