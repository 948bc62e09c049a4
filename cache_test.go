package identcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/identcache/provider"
)

// memNeg is an in-memory negative-cache provider for tests.
type negEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memNeg struct {
	mu sync.Mutex
	m  map[string]negEntry
}

var _ pr.Provider = (*memNeg)(nil)

func newMemNeg() *memNeg { return &memNeg{m: make(map[string]negEntry)} }

func (p *memNeg) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memNeg) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = negEntry{v: value, exp: exp}
	return true, nil
}

func (p *memNeg) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memNeg) Close(_ context.Context) error { return nil }

func newTestCache(t *testing.T, optsOpt func(*Options)) Cache {
	t.Helper()
	opts := Options{
		PasswdEntries:     8,
		GroupEntries:      8,
		InitgroupsEntries: 8,
		Timeout:           time.Minute,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func mustImpl(t *testing.T, c Cache) *cache {
	t.Helper()
	impl, ok := c.(*cache)
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

func populateUser(t *testing.T, c Cache, alias string, u User) {
	t.Helper()
	ctx := context.Background()
	obs := c.Passwd().SnapshotEpoch(ctx)
	if err := c.Passwd().Populate(ctx, alias, u, obs); err != nil {
		t.Fatalf("Populate(%q): %v", alias, err)
	}
}

func populateGroup(t *testing.T, c Cache, alias string, g Group) {
	t.Helper()
	ctx := context.Background()
	obs := c.Group().SnapshotEpoch(ctx)
	if err := c.Group().Populate(ctx, alias, g, obs); err != nil {
		t.Fatalf("Populate(%q): %v", alias, err)
	}
}

// ==============================
// Reader path basics
// ==============================

func TestLookupFlow(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("initial lookup: %v, want miss", res)
	}

	u := User{Name: "user1", UID: 1234, GID: 123456, Shell: "/bin/sh"}
	populateUser(t, c, "user1", u)

	got, res := c.Passwd().Lookup(ctx, "user1")
	if res != Hit || got.UID != 1234 || got.Name != "user1" {
		t.Fatalf("lookup after populate: res=%v got=%+v", res, got)
	}

	byID, res := c.Passwd().LookupID(ctx, 1234)
	if res != Hit || byID.Name != "user1" {
		t.Fatalf("id lookup: res=%v got=%+v", res, byID)
	}

	if _, res := c.Passwd().Lookup(ctx, "nosuch"); res != Miss {
		t.Fatalf("unknown name must miss")
	}
	if _, res := c.Passwd().LookupID(ctx, 4321); res != Miss {
		t.Fatalf("unknown id must miss")
	}
}

func TestGroupAndInitgroupsFlow(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	populateGroup(t, c, "group1", Group{Name: "group1", GID: 9876, Members: []string{"user1", "user2"}})

	g, res := c.Group().Lookup(ctx, "group1")
	if res != Hit || g.GID != 9876 || len(g.Members) != 2 {
		t.Fatalf("group lookup: res=%v got=%+v", res, g)
	}
	if byGID, res := c.Group().LookupID(ctx, 9876); res != Hit || byGID.Name != "group1" {
		t.Fatalf("group by gid: res=%v got=%+v", res, byGID)
	}

	obs := c.Initgroups().SnapshotEpoch(ctx)
	ig := Initgroups{Name: "user1", UID: 1234, GIDs: []uint32{9876, 5432}}
	if err := c.Initgroups().Populate(ctx, "user1", ig, obs); err != nil {
		t.Fatalf("initgroups populate: %v", err)
	}
	got, res := c.Initgroups().Lookup(ctx, "user1")
	if res != Hit || len(got.GIDs) != 2 || got.GIDs[0] != 9876 {
		t.Fatalf("initgroups lookup: res=%v got=%+v", res, got)
	}
	if byUID, res := c.Initgroups().LookupID(ctx, 1234); res != Hit || byUID.Name != "user1" {
		t.Fatalf("initgroups by uid: res=%v got=%+v", res, byUID)
	}
}

// ==============================
// Disabled configurations
// ==============================

// Capacity 0 disables a class entirely: populate is a no-op and every
// lookup misses, while other classes keep working.
func TestZeroCapacityDisablesClass(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.PasswdEntries = 0 })

	if c.Passwd().Enabled() {
		t.Fatalf("passwd class should be disabled")
	}
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("disabled class must always miss")
	}
	if _, res := c.Passwd().LookupID(ctx, 1); res != Miss {
		t.Fatalf("disabled class must miss by id too")
	}

	populateGroup(t, c, "group1", Group{Name: "group1", GID: 2})
	if _, res := c.Group().Lookup(ctx, "group1"); res != Hit {
		t.Fatalf("group class should be unaffected")
	}
}

// Timeout 0 is the global kill switch: records may sit in the stores but
// every read in every class evaluates as stale.
func TestZeroTimeoutDisablesAllClasses(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.Timeout = 0 })

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	populateGroup(t, c, "group1", Group{Name: "group1", GID: 2})

	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("timeout=0: passwd must miss")
	}
	if _, res := c.Group().Lookup(ctx, "group1"); res != Miss {
		t.Fatalf("timeout=0: group must miss")
	}
}

func TestSetTimeoutKillSwitchAndRestore(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("expected hit before kill switch")
	}

	c.SetTimeout(0)
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("kill switch must miss immediately")
	}
	if _, res := c.Passwd().LookupID(ctx, 1); res != Miss {
		t.Fatalf("kill switch must cover id lookups")
	}

	// Records were never removed; restoring the timeout revives them.
	c.SetTimeout(time.Minute)
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("expected hit after restore")
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("expected hit within TTL")
	}

	time.Sleep(80 * time.Millisecond)
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("expected miss after TTL")
	}
}

// ==============================
// Writer semantics
// ==============================

func TestPopulateIdempotentOccupancy(t *testing.T) {
	c := newTestCache(t, nil)

	u := User{Name: "user1", UID: 1234}
	populateUser(t, c, "user1", u)
	before := c.Passwd().Stats().Live

	for i := 0; i < 3; i++ {
		populateUser(t, c, "user1", u)
	}
	if after := c.Passwd().Stats().Live; after != before {
		t.Fatalf("idempotent populate changed occupancy: %d -> %d", before, after)
	}
}

// The most recent literal query string wins: populating the same identity
// under a second spelling retires the first alias binding.
func TestAliasRetirementLastSpellingWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	if c.CaseSensitive() {
		t.Fatalf("default config should be case-insensitive")
	}

	u := User{Name: "user1", UID: 1234}
	populateUser(t, c, "USER1", u)
	if _, res := c.Passwd().Lookup(ctx, "USER1"); res != Hit {
		t.Fatalf("first spelling should hit")
	}

	populateUser(t, c, "user1", u)
	if _, res := c.Passwd().Lookup(ctx, "USER1"); res != Miss {
		t.Fatalf("retired spelling must miss")
	}
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("last spelling must hit")
	}
	if got, res := c.Passwd().LookupID(ctx, 1234); res != Hit || got.Name != "user1" {
		t.Fatalf("identity must stay reachable by id: res=%v got=%+v", res, got)
	}
}

func TestQualifiedNamePolicy(t *testing.T) {
	ctx := context.Background()

	// Qualified names required: bare probes never hit, and a bare
	// populate alias is stored under its fully-qualified form.
	qc := newTestCache(t, func(o *Options) { o.QualifyNames = true })
	populateUser(t, qc, "user1", User{Name: "user1", UID: 1, Realm: "test"})

	if _, res := qc.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("bare probe must miss under qualified policy")
	}
	if _, res := qc.Passwd().Lookup(ctx, "user1@test"); res != Hit {
		t.Fatalf("qualified probe must hit")
	}

	// Bare names required: the inverse.
	bc := newTestCache(t, nil)
	populateUser(t, bc, "user1@test", User{Name: "user1", UID: 1, Realm: "test"})

	if _, res := bc.Passwd().Lookup(ctx, "user1@test"); res != Miss {
		t.Fatalf("qualified probe must miss under bare policy")
	}
	if _, res := bc.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("bare probe must hit")
	}
}

func TestPopulateMalformedAlias(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	obs := c.Passwd().SnapshotEpoch(ctx)
	err := c.Passwd().Populate(ctx, "user1@", User{Name: "user1", UID: 1}, obs)
	if !errors.Is(err, ErrInvalidAlias) {
		t.Fatalf("want ErrInvalidAlias, got %v", err)
	}
}

func TestCapacityOneEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.PasswdEntries = 1 })

	populateUser(t, c, "usera", User{Name: "usera", UID: 1})
	populateUser(t, c, "userb", User{Name: "userb", UID: 2})

	if _, res := c.Passwd().Lookup(ctx, "usera"); res != Miss {
		t.Fatalf("oldest identity must be evicted")
	}
	if _, res := c.Passwd().Lookup(ctx, "userb"); res != Hit {
		t.Fatalf("newest identity must hit")
	}
	if ev := c.Passwd().Stats().Evictions; ev != 1 {
		t.Fatalf("evictions=%d, want 1", ev)
	}
}

func TestSetCapacityZeroIsImmediate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("expected hit before capacity change")
	}

	c.Passwd().SetCapacity(0)
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("existing entries must read as absent after SetCapacity(0)")
	}
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("populate must be a no-op at capacity 0")
	}

	// Re-enabling starts empty.
	c.Passwd().SetCapacity(4)
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("re-enabled store must start empty")
	}
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("expected hit after re-enable and populate")
	}
}

// ==============================
// Invalidation
// ==============================

func TestExpireUsersKeepsGroups(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	populateGroup(t, c, "group1", Group{Name: "group1", GID: 2})

	if err := c.Expire(ctx, PasswdSet); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("expired user must miss immediately")
	}
	if _, res := c.Group().Lookup(ctx, "group1"); res != Hit {
		t.Fatalf("group class must be untouched")
	}

	if err := c.Expire(ctx, GroupSet); err != nil {
		t.Fatalf("Expire groups: %v", err)
	}
	if _, res := c.Group().Lookup(ctx, "group1"); res != Miss {
		t.Fatalf("expired group must miss")
	}
}

// A populate whose observed epoch predates an invalidation is skipped:
// the backend result may be older than the expire.
func TestStalePopulateSkipped(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil)

	obs := c.Passwd().SnapshotEpoch(ctx)
	if err := c.Expire(ctx, PasswdSet); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if err := c.Passwd().Populate(ctx, "user1", User{Name: "user1", UID: 1}, obs); err != nil {
		t.Fatalf("stale populate should not error: %v", err)
	}
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("stale populate must not become servable")
	}

	// A fresh observation lands.
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("fresh populate should hit")
	}
}

type downEpochs struct{}

func (downEpochs) Snapshot(context.Context, string) (uint64, error) { return 0, nil }
func (downEpochs) Bump(context.Context, string) (uint64, error) {
	return 0, errors.New("epoch store down")
}
func (downEpochs) Close(context.Context) error { return nil }

func TestExpireErrorSurfaced(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) { o.Epochs = downEpochs{} })

	err := c.Expire(ctx, PasswdSet)
	var ee *ExpireError
	if !errors.As(err, &ee) || ee.Class != ClassPasswd {
		t.Fatalf("want ExpireError for passwd, got %v", err)
	}
}

// ==============================
// Corruption safety
// ==============================

// Truncating the store region at any byte offset must never panic and
// must read as a fully empty store.
func TestTruncatedStoreAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, func(o *Options) {
		o.PasswdEntries = 2
		o.SlotSize = 128
	})
	impl := mustImpl(t, c)

	size := len(impl.passwd.store.Region())
	for n := 0; n < size; n++ {
		// Each populate rebuilds the region after the previous cut.
		populateUser(t, c, "user1", User{Name: "user1", UID: 1234})
		if _, res := c.Passwd().Lookup(ctx, "user1"); res != Hit {
			t.Fatalf("truncate(%d): expected hit before cut", n)
		}

		impl.passwd.store.Truncate(n)

		if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
			t.Fatalf("truncate(%d): lookup must miss", n)
		}
		if _, res := c.Passwd().LookupID(ctx, 1234); res != Miss {
			t.Fatalf("truncate(%d): id lookup must miss", n)
		}
	}
}

type countingHooks struct {
	NopHooks
	mu      sync.Mutex
	corrupt int
}

func (h *countingHooks) CorruptStore(string) {
	h.mu.Lock()
	h.corrupt++
	h.mu.Unlock()
}

func TestCorruptionReportsHook(t *testing.T) {
	ctx := context.Background()
	hooks := &countingHooks{}
	c := newTestCache(t, func(o *Options) { o.Hooks = hooks })
	impl := mustImpl(t, c)

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	impl.passwd.store.Truncate(12)

	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("corrupt store must miss")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.corrupt == 0 {
		t.Fatalf("corruption hook not fired")
	}
}

// ==============================
// Negative cache
// ==============================

func TestNegativeCache(t *testing.T) {
	ctx := context.Background()
	neg := newMemNeg()
	c := newTestCache(t, func(o *Options) { o.Negative = neg })

	if err := c.Passwd().MarkMissing(ctx, "ghost"); err != nil {
		t.Fatalf("MarkMissing: %v", err)
	}
	if _, res := c.Passwd().Lookup(ctx, "ghost"); res != NegativeHit {
		t.Fatalf("confirmed-missing name should be a negative hit")
	}

	// The name appearing in the directory clears the negative entry.
	populateUser(t, c, "ghost", User{Name: "ghost", UID: 7})
	if got, res := c.Passwd().Lookup(ctx, "ghost"); res != Hit || got.UID != 7 {
		t.Fatalf("populate must clear the negative entry: res=%v got=%+v", res, got)
	}
}

func TestMarkMissingEvictsStoredRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, nil) // no negative provider configured

	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if err := c.Passwd().MarkMissing(ctx, "user1"); err != nil {
		t.Fatalf("MarkMissing: %v", err)
	}
	if _, res := c.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("record removed from the directory must stop hitting")
	}
}

func TestNegativeEntryExpires(t *testing.T) {
	ctx := context.Background()
	neg := newMemNeg()
	c := newTestCache(t, func(o *Options) {
		o.Negative = neg
		o.NegativeTTL = 30 * time.Millisecond
	})

	if err := c.Passwd().MarkMissing(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if _, res := c.Passwd().Lookup(ctx, "ghost"); res != NegativeHit {
		t.Fatalf("expected negative hit before TTL")
	}
	time.Sleep(50 * time.Millisecond)
	if _, res := c.Passwd().Lookup(ctx, "ghost"); res != Miss {
		t.Fatalf("expired negative entry must read as a plain miss")
	}
}

// ==============================
// Persistence
// ==============================

func TestPersistedRegionsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mod := func(o *Options) { o.Dir = dir }

	c := newTestCache(t, mod)
	populateUser(t, c, "user1", User{Name: "user1", UID: 1234})
	populateGroup(t, c, "group1", Group{Name: "group1", GID: 9876})
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestCache(t, mod)
	if got, res := reopened.Passwd().Lookup(ctx, "user1"); res != Hit || got.UID != 1234 {
		t.Fatalf("user not served after reopen: res=%v got=%+v", res, got)
	}
	if _, res := reopened.Group().Lookup(ctx, "group1"); res != Hit {
		t.Fatalf("group not served after reopen")
	}
}

func TestExpireSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mod := func(o *Options) { o.Dir = dir }

	c := newTestCache(t, mod)
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if err := c.Expire(ctx, PasswdSet); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}

	reopened := newTestCache(t, mod)
	if _, res := reopened.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("invalidated record resurrected across reopen")
	}
}

func TestTruncatedRegionFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mod := func(o *Options) { o.Dir = dir }

	c := newTestCache(t, mod)
	populateUser(t, c, "user1", User{Name: "user1", UID: 1})
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Truncate(filepath.Join(dir, "passwd"), 10); err != nil {
		t.Fatalf("truncate region file: %v", err)
	}

	reopened := newTestCache(t, mod)
	if _, res := reopened.Passwd().Lookup(ctx, "user1"); res != Miss {
		t.Fatalf("truncated region file must load as empty")
	}
	// The store stays usable.
	populateUser(t, reopened, "user1", User{Name: "user1", UID: 1})
	if _, res := reopened.Passwd().Lookup(ctx, "user1"); res != Hit {
		t.Fatalf("store unusable after rejecting truncated file")
	}
}
