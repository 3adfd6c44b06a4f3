// Package cache provides a small Redis-backed JSON cache with expiry.
//
// The ingestion service uses it to share short-lived values between process
// restarts, most importantly the stream credential: a restarted ingestor
// picks up a still-valid token instead of requesting a new one.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Namespace: "credential", Name: "stream-access",
//		Params: map[string]string{"origin": origin}}
//
//	var access event.StreamAccess
//	err := manager.GetJSON(ctx, key, &access)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch, then
//		_ = manager.SetJSON(ctx, key, access, time.Now().Add(window))
//	}
//
// Entries expire in Redis at their Expires time; a Get that races the expiry
// still reports a miss.
//
// # Metrics
//
//   - ingest_cache_hits_total{namespace}
//   - ingest_cache_misses_total{namespace}
//   - ingest_cache_errors_total{operation}
package cache
