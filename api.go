package identcache

import (
	"context"
	"time"

	co "github.com/unkn0wn-root/identcache/codec"
	ep "github.com/unkn0wn-root/identcache/epoch"
	pr "github.com/unkn0wn-root/identcache/provider"
)

// ClassStore is the per-class cache surface. Readers use Lookup/LookupID
// and own the backend fallback on Miss; the backend-facing writer uses
// SnapshotEpoch/Populate/MarkMissing/Expire/SetCapacity and is the only
// mutator of the underlying store.
type ClassStore[V Identity] interface {
	// Enabled reports whether the class has a nonzero capacity.
	Enabled() bool

	// Lookup probes by the literal request string. It never fails: the
	// worst outcome is a Miss and a backend round trip by the caller.
	Lookup(ctx context.Context, rawKey string) (V, Result)

	// LookupID probes by numeric id (uid or gid).
	LookupID(ctx context.Context, id uint32) (V, Result)

	// SnapshotEpoch returns the class epoch to observe before querying
	// the backend; pass it to Populate so an invalidation racing the
	// query skips the write.
	SnapshotEpoch(ctx context.Context) uint64

	// Populate inserts a backend-confirmed record keyed by the literal
	// query alias (canonicalized per the qualified-name policy). It is
	// a no-op on a disabled class or when the epoch moved past
	// observedEpoch.
	Populate(ctx context.Context, alias string, v V, observedEpoch uint64) error

	// MarkMissing records a backend-confirmed nonexistent name in the
	// negative cache and drops any record still stored under it.
	MarkMissing(ctx context.Context, alias string) error

	// Expire atomically bumps the class epoch; every record written
	// before the bump becomes stale on its next read.
	Expire(ctx context.Context) error

	// SetCapacity reinitializes the class store at a new capacity,
	// dropping all records. Zero disables the class immediately.
	SetCapacity(entries int)

	// Stats reports occupancy counters.
	Stats() ClassStats
}

// ClassStats is a point-in-time snapshot of one class store.
type ClassStats struct {
	Class     Class
	Capacity  int
	Live      int
	Epoch     uint64
	Evictions uint64
}

// Cache is the process-wide store handle. Construct with New on backend
// start and Close on backend stop; pass it explicitly to whatever serves
// lookups.
type Cache interface {
	Passwd() ClassStore[User]
	Group() ClassStore[Group]
	Initgroups() ClassStore[Initgroups]

	// Expire bumps the epoch of every class in set.
	Expire(ctx context.Context, set ClassSet) error

	// SetTimeout replaces the global record TTL. Zero is a kill switch:
	// every read in every class evaluates as stale.
	SetTimeout(d time.Duration)

	// Timeout returns the current global record TTL.
	Timeout() time.Duration

	// CaseSensitive reports the configured backend resolution mode.
	// The cache itself never case-folds store keys.
	CaseSensitive() bool

	// Flush persists the store regions to Options.Dir, if configured.
	Flush(ctx context.Context) error

	// Close flushes (best effort) and releases resources.
	Close(ctx context.Context) error
}

// Options tune the cache. The zero value is a fully disabled cache: class
// capacities of 0 disable their class and Timeout 0 disables every class,
// matching the semantics of the equivalent directory-client settings.
type Options struct {
	// Per-class capacities in records. 0 disables the class.
	PasswdEntries     int
	GroupEntries      int
	InitgroupsEntries int

	// Timeout is the global record TTL. 0 makes every record stale on
	// read, across all classes, regardless of store contents.
	Timeout time.Duration

	// SlotSize bounds one encoded record (alias + payload) in bytes.
	// 0 => 1024.
	SlotSize int

	// CaseSensitive mirrors the backend's name-matching mode. It is
	// surfaced to callers via Cache.CaseSensitive and does not affect
	// store keys, which are always the literal query spelling.
	CaseSensitive bool

	// QualifyNames requires fully-qualified (name@realm) lookup keys
	// when true; bare names when false. The other shape never hits.
	QualifyNames bool

	// Dir persists one region file per class ("passwd", "group",
	// "initgroups"). Empty means in-memory only. A truncated or corrupt
	// file is adopted as an empty store.
	Dir string

	// Epochs stores per-class invalidation epochs. nil => epoch.NewLocal().
	// Use epoch.Redis to share invalidation across hosts.
	Epochs ep.Store

	// Negative enables the negative cache when set (see provider
	// subpackages). nil disables it; MarkMissing still evicts records.
	Negative    pr.Provider
	NegativeTTL time.Duration // 0 => 15s

	// Codecs serialize record payloads. nil => codec.Msgpack.
	PasswdCodec     co.Codec[User]
	GroupCodec      co.Codec[Group]
	InitgroupsCodec co.Codec[Initgroups]

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New builds a cache handle from opts. When Options.Dir is set, persisted
// regions with matching geometry are adopted; anything else (missing,
// corrupt, resized) starts empty.
func New(opts Options) (Cache, error) {
	return newCache(opts)
}
