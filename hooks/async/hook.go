// Package asynchook decouples hook callbacks from the lookup hot path:
// events are queued to a small worker pool and dropped when the queue is
// full, never blocking a reader.
//
//	raw := myMetricsHooks{}
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := identcache.New(identcache.Options{
//	    PasswdEntries: 20000,
//	    Timeout:       5 * time.Minute,
//	    Hooks:         hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/identcache"
)

type Hooks struct {
	inner identcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ identcache.Hooks = (*Hooks)(nil)

func New(inner identcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) CorruptStore(class string) { h.try(func() { h.inner.CorruptStore(class) }) }
func (h *Hooks) DecodeError(class, alias string, err error) {
	h.try(func() { h.inner.DecodeError(class, alias, err) })
}
func (h *Hooks) PopulateSkipped(class, alias string, obs, cur uint64) {
	h.try(func() { h.inner.PopulateSkipped(class, alias, obs, cur) })
}
func (h *Hooks) RecordTooLarge(class, alias string) {
	h.try(func() { h.inner.RecordTooLarge(class, alias) })
}
func (h *Hooks) EpochSnapshotError(class string, err error) {
	h.try(func() { h.inner.EpochSnapshotError(class, err) })
}
func (h *Hooks) EpochBumpError(class string, err error) {
	h.try(func() { h.inner.EpochBumpError(class, err) })
}
func (h *Hooks) NegativeStoreError(class string, err error) {
	h.try(func() { h.inner.NegativeStoreError(class, err) })
}
func (h *Hooks) NegativeSetRejected(class, alias string) {
	h.try(func() { h.inner.NegativeSetRejected(class, alias) })
}
