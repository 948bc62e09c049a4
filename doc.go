// Package identcache implements a client-side identity-lookup cache: user,
// group and membership records resolved by a directory backend are served
// to repeated lookups without another round trip. Many concurrent readers,
// one writer (the backend side), no shared locks: writers publish immutable
// store snapshots, so a reader either sees a fully committed record or a
// miss, never a torn state or a crash. A corrupt or truncated store is
// indistinguishable from an empty one.
//
// Components:
//   - internal/slab: per-class record store (fixed-size slots, alias and
//     numeric-id indexes) in a validated byte region.
//   - codec.Codec[V]: (de)serializes records <-> slot payloads.
//   - epoch.Store: per-class invalidation epoch. Local by default, Redis
//     for invalidation shared across hosts.
//   - provider.Provider: optional negative cache of names the backend
//     confirmed nonexistent (ristretto, bigcache, redis).
//
// Write pattern (backend side):
//
//	obs := cache.Passwd().SnapshotEpoch(ctx) // before the directory query
//	u   := resolveFromDirectory(name)
//	_   = cache.Passwd().Populate(ctx, name, u, obs) // skipped if expired meanwhile
//
// Read pattern (lookup side):
//
//	if u, res := cache.Passwd().Lookup(ctx, name); res == identcache.Hit {
//	    return u
//	} // Miss => ask the backend; NegativeHit => fail fast
package identcache
