package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyCache memoizes unwrapped server keys for a short TTL so repeated
// reads of the same drop do not round-trip to the provider. Entries
// are keyed by a hash of the wrapped bytes; singleflight collapses
// concurrent unwraps of the same key.
type KeyCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopOnce sync.Once
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
}

func NewKeyCache(adapter *Adapter, ttl time.Duration) *KeyCache {
	c := &KeyCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *KeyCache) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	cacheKey := hashWrapped(wrapped)
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return cloneBytes(entry.key), nil
			}
			c.cache.Delete(cacheKey)
		}
		key, err := c.adapter.Decrypt(ctx, wrapped)
		if err != nil {
			return nil, err
		}
		c.cache.Store(cacheKey, &cachedKey{
			key:       cloneBytes(key),
			expiresAt: time.Now().Add(c.ttl),
		})
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	// Every waiter on the same flight sees the same slice; callers wipe
	// their copy after use, so each one must get an independent buffer.
	return cloneBytes(result.([]byte)), nil
}

func (c *KeyCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.cache.Range(func(k, v interface{}) bool {
			entry := v.(*cachedKey)
			for i := range entry.key {
				entry.key[i] = 0
			}
			c.cache.Delete(k)
			return true
		})
	})
}

func (c *KeyCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			c.cache.Range(func(k, v interface{}) bool {
				if now.After(v.(*cachedKey).expiresAt) {
					c.cache.Delete(k)
				}
				return true
			})
		}
	}
}

func hashWrapped(wrapped []byte) string {
	h := sha256.Sum256(wrapped)
	return hex.EncodeToString(h[:])
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
