package identcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	co "github.com/unkn0wn-root/identcache/codec"
	ep "github.com/unkn0wn-root/identcache/epoch"
	"github.com/unkn0wn-root/identcache/internal/keyres"
	"github.com/unkn0wn-root/identcache/internal/slab"
	pr "github.com/unkn0wn-root/identcache/provider"
)

const (
	defaultSlotSize    = 1024
	defaultNegativeTTL = 15 * time.Second
)

// runtime is configuration shared by all class stores. Timeout is read on
// every lookup and replaced by SetTimeout, hence the atomic.
type runtime struct {
	timeout       atomic.Int64 // nanoseconds; 0 => every record is stale
	caseSensitive bool
	qualify       bool
}

type cache struct {
	rt     *runtime
	epochs ep.Store
	neg    pr.Provider
	log    Logger
	hooks  Hooks
	dir    string

	passwd *classCache[User]
	group  *classCache[Group]
	initgr *classCache[Initgroups]
}

func newCache(opts Options) (*cache, error) {
	c := &cache{
		rt:    &runtime{caseSensitive: opts.CaseSensitive, qualify: opts.QualifyNames},
		log:   coalesce[Logger](opts.Logger, NopLogger{}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
		neg:   opts.Negative,
		dir:   opts.Dir,
	}
	c.rt.timeout.Store(int64(opts.Timeout))

	if opts.Epochs != nil {
		c.epochs = opts.Epochs
	} else {
		c.epochs = ep.NewLocal()
	}

	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o700); err != nil {
			return nil, fmt.Errorf("identcache: store dir: %w", err)
		}
	}

	slotSize := coalesce(opts.SlotSize, defaultSlotSize)
	negTTL := coalesce(opts.NegativeTTL, defaultNegativeTTL)

	c.passwd = newClassCache[User](c, ClassPasswd, opts.PasswdEntries, slotSize, negTTL,
		coalesce[co.Codec[User]](opts.PasswdCodec, co.Msgpack[User]{}))
	c.group = newClassCache[Group](c, ClassGroup, opts.GroupEntries, slotSize, negTTL,
		coalesce[co.Codec[Group]](opts.GroupCodec, co.Msgpack[Group]{}))
	c.initgr = newClassCache[Initgroups](c, ClassInitgroups, opts.InitgroupsEntries, slotSize, negTTL,
		coalesce[co.Codec[Initgroups]](opts.InitgroupsCodec, co.Msgpack[Initgroups]{}))

	return c, nil
}

func (c *cache) Passwd() ClassStore[User]           { return c.passwd }
func (c *cache) Group() ClassStore[Group]           { return c.group }
func (c *cache) Initgroups() ClassStore[Initgroups] { return c.initgr }

func (c *cache) Expire(ctx context.Context, set ClassSet) error {
	var errs []error
	if set.Has(ClassPasswd) {
		errs = append(errs, c.passwd.Expire(ctx))
	}
	if set.Has(ClassGroup) {
		errs = append(errs, c.group.Expire(ctx))
	}
	if set.Has(ClassInitgroups) {
		errs = append(errs, c.initgr.Expire(ctx))
	}
	return errors.Join(errs...)
}

func (c *cache) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.rt.timeout.Store(int64(d))
	c.log.Debug("timeout replaced", Fields{"timeout": d})
}

func (c *cache) Timeout() time.Duration { return time.Duration(c.rt.timeout.Load()) }

func (c *cache) CaseSensitive() bool { return c.rt.caseSensitive }

func (c *cache) Flush(context.Context) error {
	if c.dir == "" {
		return nil
	}
	var errs []error
	errs = append(errs, c.passwd.flush(c.dir))
	errs = append(errs, c.group.flush(c.dir))
	errs = append(errs, c.initgr.flush(c.dir))
	return errors.Join(errs...)
}

func (c *cache) Close(ctx context.Context) error {
	// Persist first so a restart adopts the regions (best effort).
	if err := c.Flush(ctx); err != nil {
		c.log.Warn("flush on close", Fields{"err": err})
	}
	if c.epochs != nil {
		_ = c.epochs.Close(ctx)
	}
	if c.neg != nil {
		return c.neg.Close(ctx)
	}
	return nil
}

// classCache binds one record class to its slab store, payload codec and
// the shared runtime config.
type classCache[V Identity] struct {
	owner *cache
	class Class
	store *slab.Store
	codec co.Codec[V]

	negTTL   time.Duration
	slotSize int
}

func newClassCache[V Identity](owner *cache, class Class, entries, slotSize int, negTTL time.Duration, codec co.Codec[V]) *classCache[V] {
	cc := &classCache[V]{
		owner:    owner,
		class:    class,
		codec:    codec,
		negTTL:   negTTL,
		slotSize: slotSize,
	}
	cc.store = cc.openStore(entries)
	return cc
}

// openStore adopts a persisted region when its geometry matches the
// configured capacity; anything else starts empty. Persisted slot epochs
// stay meaningful across a restart by seeding the local epoch store from
// the region's epoch mirror.
func (cc *classCache[V]) openStore(entries int) *slab.Store {
	fresh := func() *slab.Store { return slab.New(uint8(cc.class), entries, cc.slotSize) }
	if cc.owner.dir == "" {
		return fresh()
	}
	b, err := os.ReadFile(cc.regionPath(cc.owner.dir))
	if err != nil {
		return fresh()
	}
	s, err := slab.Load(b)
	if err != nil {
		cc.owner.log.Warn("persisted region rejected", Fields{"class": cc.class.String(), "err": err})
		return fresh()
	}
	if s.Class() != uint8(cc.class) || s.Capacity() != entries ||
		(entries > 0 && s.SlotSize() != cc.slotSize) {
		return fresh()
	}
	if local, ok := cc.owner.epochs.(*ep.Local); ok {
		local.Seed(cc.class.String(), s.Epoch())
	}
	return s
}

func (cc *classCache[V]) regionPath(dir string) string {
	return filepath.Join(dir, cc.class.String())
}

func (cc *classCache[V]) flush(dir string) error {
	path := cc.regionPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, cc.store.Region(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (cc *classCache[V]) Enabled() bool { return cc.store.Capacity() > 0 }

func (cc *classCache[V]) Lookup(ctx context.Context, rawKey string) (V, Result) {
	var zero V
	key, ok := keyres.LookupKey(rawKey, cc.owner.rt.qualify)
	if !ok {
		return zero, Miss
	}
	if cc.negativeHit(ctx, key) {
		return zero, NegativeHit
	}
	rec, ok, err := cc.store.GetByAlias(key)
	if err != nil {
		cc.owner.hooks.CorruptStore(cc.class.String())
		cc.owner.log.Debug("store corrupt on lookup", Fields{"class": cc.class.String()})
		return zero, Miss
	}
	if !ok {
		return zero, Miss
	}
	return cc.serve(ctx, key, rec)
}

func (cc *classCache[V]) LookupID(ctx context.Context, id uint32) (V, Result) {
	var zero V
	rec, ok, err := cc.store.GetByID(id)
	if err != nil {
		cc.owner.hooks.CorruptStore(cc.class.String())
		cc.owner.log.Debug("store corrupt on id lookup", Fields{"class": cc.class.String()})
		return zero, Miss
	}
	if !ok {
		return zero, Miss
	}
	return cc.serve(ctx, rec.Alias, rec)
}

// serve applies staleness checks (global TTL, invalidation epoch) and
// decodes the payload. Stale or undecodable records are misses; unlinking
// them is left to the writer, since readers never mutate the store.
func (cc *classCache[V]) serve(ctx context.Context, key string, rec slab.Record) (V, Result) {
	var zero V
	timeout := time.Duration(cc.owner.rt.timeout.Load())
	if timeout == 0 || time.Since(rec.Created) > timeout {
		return zero, Miss
	}
	if rec.Epoch < cc.currentEpoch(ctx) {
		return zero, Miss
	}
	v, err := cc.codec.Decode(rec.Payload)
	if err != nil {
		cc.owner.hooks.DecodeError(cc.class.String(), key, err)
		cc.owner.log.Debug("payload decode failed", Fields{"class": cc.class.String(), "key": key, "err": err})
		return zero, Miss
	}
	return v, Hit
}

// currentEpoch prefers the configured epoch store; on error it falls back
// to the epoch mirror persisted in the region header, which is the local
// floor of the shared value.
func (cc *classCache[V]) currentEpoch(ctx context.Context) uint64 {
	e, err := cc.owner.epochs.Snapshot(ctx, cc.class.String())
	if err != nil {
		cc.owner.hooks.EpochSnapshotError(cc.class.String(), err)
		cc.owner.log.Warn("epoch snapshot error", Fields{"class": cc.class.String(), "err": err})
		return cc.store.Epoch()
	}
	if m := cc.store.Epoch(); m > e {
		return m
	}
	return e
}

func (cc *classCache[V]) SnapshotEpoch(ctx context.Context) uint64 {
	return cc.currentEpoch(ctx)
}

func (cc *classCache[V]) Populate(ctx context.Context, alias string, v V, observedEpoch uint64) error {
	if cc.store.Capacity() == 0 {
		return nil
	}
	key, ok := keyres.StoreKey(alias, v.RecordRealm(), cc.owner.rt.qualify)
	if !ok {
		return ErrInvalidAlias
	}
	if cur := cc.currentEpoch(ctx); cur != observedEpoch {
		// Invalidation raced the backend query; the result may predate it.
		cc.owner.hooks.PopulateSkipped(cc.class.String(), key, observedEpoch, cur)
		cc.owner.log.Debug("populate skipped (epoch moved)", Fields{
			"class": cc.class.String(), "key": key, "observed": observedEpoch, "current": cur,
		})
		return nil
	}
	payload, err := cc.codec.Encode(v)
	if err != nil {
		return err
	}
	err = cc.store.Put(slab.Record{
		Alias:   key,
		ID:      v.RecordID(),
		Epoch:   observedEpoch,
		Created: time.Now(),
		Payload: payload,
	})
	if errors.Is(err, slab.ErrRecordTooLarge) {
		cc.owner.hooks.RecordTooLarge(cc.class.String(), key)
	}
	if err != nil {
		return err
	}
	cc.clearNegative(ctx, key)
	return nil
}

func (cc *classCache[V]) MarkMissing(ctx context.Context, alias string) error {
	key, ok := keyres.LookupKey(alias, cc.owner.rt.qualify)
	if !ok {
		return nil
	}
	cc.store.Delete(key)
	if cc.owner.neg == nil {
		return nil
	}
	ok, err := cc.owner.neg.Set(ctx, cc.negKey(key), []byte{1}, cc.negTTL)
	if err != nil {
		cc.owner.hooks.NegativeStoreError(cc.class.String(), err)
		return err
	}
	if !ok {
		cc.owner.hooks.NegativeSetRejected(cc.class.String(), key)
	}
	return nil
}

func (cc *classCache[V]) Expire(ctx context.Context) error {
	e, err := cc.owner.epochs.Bump(ctx, cc.class.String())
	if err != nil {
		cc.owner.hooks.EpochBumpError(cc.class.String(), err)
		return &ExpireError{Class: cc.class, BumpErr: err}
	}
	cc.store.SetEpoch(e)
	cc.owner.log.Debug("class expired", Fields{"class": cc.class.String(), "epoch": e})
	return nil
}

func (cc *classCache[V]) SetCapacity(entries int) {
	cc.store.Reset(entries, cc.slotSize)
	cc.owner.log.Debug("capacity reset", Fields{"class": cc.class.String(), "entries": entries})
}

func (cc *classCache[V]) Stats() ClassStats {
	return ClassStats{
		Class:     cc.class,
		Capacity:  cc.store.Capacity(),
		Live:      cc.store.Len(),
		Epoch:     cc.store.Epoch(),
		Evictions: cc.store.Evictions(),
	}
}

func (cc *classCache[V]) negKey(key string) string {
	return "neg:" + cc.class.String() + ":" + key
}

func (cc *classCache[V]) negativeHit(ctx context.Context, key string) bool {
	if cc.owner.neg == nil {
		return false
	}
	b, ok, err := cc.owner.neg.Get(ctx, cc.negKey(key))
	if err != nil {
		cc.owner.hooks.NegativeStoreError(cc.class.String(), err)
		return false
	}
	return ok && len(b) > 0
}

func (cc *classCache[V]) clearNegative(ctx context.Context, key string) {
	if cc.owner.neg == nil {
		return
	}
	if err := cc.owner.neg.Del(ctx, cc.negKey(key)); err != nil {
		cc.owner.hooks.NegativeStoreError(cc.class.String(), err)
	}
}
