// Package cache provides response caching for chat completions.
//
// Features:
//
// - Deterministic SHA-256 fingerprints over the cacheable request subset
// - Bounded in-memory store with least-recently-used eviction
// - TTL measured from insertion, enforced lazily on lookup
// - Optional Redis-backed store for sharing entries between replicas
// - Hit/miss/eviction/expiration counters for hit-rate reporting
//
// # Basic Usage
//
//	store := cache.NewMemory(cache.Config{
//		Enabled:    true,
//		MaxEntries: 1000,
//		TTL:        5 * time.Minute,
//	})
//
//	key, err := cache.Fingerprint(&req)
//	if err != nil {
//		// streaming or unserializable request - do not cache
//	}
//
//	if resp, ok := store.Get(ctx, key); ok {
//		return resp
//	}
//
//	resp := callModel(req)
//	store.Set(ctx, key, resp)
//
// # Redis Backend
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewRedisStore(redisClient, cache.DefaultConfig())
//
// Streaming requests are never cached: Fingerprint returns ErrNotCacheable.
// A disabled store always misses and ignores writes.
package cache
