/*
Package cache provides the in-memory TTL store that holds completed read
results for a single bridge facade.

# Entries

Each entry is a byte slice (the raw JSON payload returned by the transport)
stamped with the time it was stored. Values are copied on Set and on Get, so
a caller can never mutate what another caller reads.

An entry is valid while now - storedAt <= TTL. Stale entries are removed on
the read that finds them and are never returned:

	store := cache.New(&cache.Config{Enabled: true, TTL: 5 * time.Minute})
	store.Set("rfps:fetchOne:id=42", payload)

	data, ok := store.Get("rfps:fetchOne:id=42")

# Keys

Key builds keys of the form resource:operation[:params], with parameters
encoded sorted by name:

	cache.Key("rfps", "fetchList", map[string]string{"status": "active", "owner": "7"})
	// rfps:fetchList:owner=7&status=active

Invalidate removes every entry whose key contains a substring, so
Invalidate(cache.Prefix("rfps", "fetchList")) drops all cached lists of a
resource. Delete removes one exact key.

# Bounds

MaxEntries bounds the store with least-recently-used eviction. When
CleanupInterval is positive a background goroutine sweeps stale entries;
Close stops it.
*/
package cache
