// Package slab implements the per-class record store: a fixed-capacity
// table of fixed-size slots plus hash indexes by lookup alias and by
// numeric id, all laid out in a single validated byte region.
//
// Concurrency model: one writer, many readers, no shared locks. The writer
// serializes internally, mutates a private copy of the region and publishes
// it through an atomic pointer (copy-on-write commit). Readers only ever
// observe an immutable, fully committed snapshot, so a reader that sees a
// given commit sequence also sees every write committed before it.
package slab

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is one cached identity entry. Alias is the literal lookup string
// the record is reachable by; ID is the numeric id (uid/gid). Epoch is the
// invalidation epoch observed when the record was written.
type Record struct {
	Alias   string
	ID      uint32
	Epoch   uint64
	Created time.Time
	Payload []byte
}

// Store is a single-class record store. The zero value is not usable;
// construct with New or Load.
//
// Configured geometry is remembered outside the region so the writer can
// rebuild an empty region of the right shape after corruption. The fields
// are atomic because Reset replaces them while readers poll Capacity and
// SlotSize without taking the writer lock.
type Store struct {
	mu     sync.Mutex // writer serialization; readers never take it
	region atomic.Pointer[[]byte]

	class    uint8
	capacity atomic.Int64
	slotSize atomic.Int64

	evictions atomic.Uint64
}

// New builds an empty store for the given class id. capacity 0 produces a
// disabled store: Put is a no-op and every probe misses. slotSize bounds
// the encoded alias+payload of one record.
func New(class uint8, capacity, slotSize int) *Store {
	b := newRegion(class, capacity, slotSize)
	s := &Store{class: class}
	s.adoptGeometry(b)
	s.region.Store(&b)
	return s
}

// Load adopts a persisted region. The region is validated first; a
// truncated or otherwise corrupt region is rejected with ErrCorrupt and
// the caller starts from an empty store instead.
func Load(b []byte) (*Store, error) {
	if err := validate(b); err != nil {
		return nil, err
	}
	cp := append([]byte(nil), b...)
	s := &Store{class: cp[offClass]}
	s.adoptGeometry(cp)
	s.region.Store(&cp)
	return s, nil
}

func (s *Store) adoptGeometry(b []byte) {
	s.capacity.Store(int64(binary.BigEndian.Uint32(b[offCapacity:])))
	s.slotSize.Store(int64(binary.BigEndian.Uint32(b[offSlotSize:])))
}

func newRegion(class uint8, capacity, slotSize int) []byte {
	if capacity < 0 {
		capacity = 0
	}
	if capacity == 0 {
		b := make([]byte, headerSize)
		copy(b[offMagic:], magic[:])
		b[offVersion] = version
		b[offClass] = class
		return b
	}
	if slotSize < slotHeader {
		slotSize = slotHeader
	}
	if slotSize > maxSlotSize {
		slotSize = maxSlotSize
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	buckets := nextPow2(2 * capacity)
	if buckets < 8 {
		buckets = 8
	}
	b := make([]byte, regionSize(capacity, slotSize, buckets))
	copy(b[offMagic:], magic[:])
	b[offVersion] = version
	b[offClass] = class
	binary.BigEndian.PutUint32(b[offSlotSize:], uint32(slotSize))
	binary.BigEndian.PutUint32(b[offCapacity:], uint32(capacity))
	binary.BigEndian.PutUint32(b[offBuckets:], uint32(buckets))
	return b
}

func (s *Store) snapshot() []byte {
	p := s.region.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Region returns a copy of the current region bytes, suitable for
// persisting to disk.
func (s *Store) Region() []byte {
	return append([]byte(nil), s.snapshot()...)
}

// Truncate publishes a prefix of the current region, simulating a partial
// write or truncated file mapping. Readers must survive this; the next
// writer mutation rebuilds the store from empty.
func (s *Store) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.snapshot()
	if n < 0 {
		n = 0
	}
	if n > len(b) {
		n = len(b)
	}
	cut := append([]byte(nil), b[:n]...)
	s.region.Store(&cut)
}

// Capacity returns the configured slot count; 0 for a disabled store.
// Corruption does not change it: the writer rebuilds at this capacity.
func (s *Store) Capacity() int { return int(s.capacity.Load()) }

// Len returns the number of live records; 0 for a corrupt store.
func (s *Store) Len() int {
	b := s.snapshot()
	if validate(b) != nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(b[offCount:]))
}

// SlotSize returns the configured slot size in bytes; 0 for a disabled
// store.
func (s *Store) SlotSize() int { return int(s.slotSize.Load()) }

// Epoch returns the persisted epoch mirror; 0 for a corrupt store.
func (s *Store) Epoch() uint64 {
	b := s.snapshot()
	if validate(b) != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[offEpoch:])
}

// Evictions returns the number of capacity evictions performed since the
// store was constructed.
func (s *Store) Evictions() uint64 { return s.evictions.Load() }

// Class returns the record class this store was built for.
func (s *Store) Class() uint8 { return s.class }

// GetByAlias probes the alias index for the exact literal lookup string.
// The returned error is ErrCorrupt when the region failed validation or a
// probe ran out of bounds; callers collapse that to a miss.
func (s *Store) GetByAlias(alias string) (Record, bool, error) {
	b := s.snapshot()
	if err := validate(b); err != nil {
		return Record{}, false, err
	}
	capacity := int(binary.BigEndian.Uint32(b[offCapacity:]))
	if capacity == 0 {
		return Record{}, false, nil
	}
	h := xxhash.Sum64String(alias)
	slot, ok, err := probe(b, aliasIndexOff(), h, func(slot int) bool {
		return slotMatchesAlias(b, slot, alias, h)
	})
	if err != nil || !ok {
		return Record{}, false, err
	}
	return readRecord(b, slot)
}

// GetByID probes the numeric-id index.
func (s *Store) GetByID(id uint32) (Record, bool, error) {
	b := s.snapshot()
	if err := validate(b); err != nil {
		return Record{}, false, err
	}
	capacity := int(binary.BigEndian.Uint32(b[offCapacity:]))
	if capacity == 0 {
		return Record{}, false, nil
	}
	h := idHash(id)
	slot, ok, err := probe(b, idIndexOff(b), h, func(slot int) bool {
		off := slotOff(b, slot)
		return b[off+slotUsed] == 1 && binary.BigEndian.Uint32(b[off+slotID:]) == id
	})
	if err != nil || !ok {
		return Record{}, false, err
	}
	return readRecord(b, slot)
}

// Put inserts or updates a record. It is idempotent on identical
// (alias, id): the existing slot is rewritten in place with fresh creation
// time and insertion order. A new alias for an already-stored id rebinds
// that identity, retiring the previous alias. When the table is full the
// least-recently-inserted live record is evicted. On a disabled store Put
// is a no-op; on a corrupt region the writer rebuilds from empty first.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.writable()
	capacity := int(binary.BigEndian.Uint32(b[offCapacity:]))
	if capacity == 0 {
		return nil
	}
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	if len(rec.Alias) > 0xFFFF || len(rec.Payload) > 0xFFFF ||
		slotHeader+len(rec.Alias)+len(rec.Payload) > slotSize {
		return ErrRecordTooLarge
	}

	aliasH := xxhash.Sum64String(rec.Alias)

	// A different identity currently reachable by this alias must go away
	// first: the alias can only point at one record.
	if slot, ok, _ := probe(b, aliasIndexOff(), aliasH, func(slot int) bool {
		return slotMatchesAlias(b, slot, rec.Alias, aliasH)
	}); ok {
		off := slotOff(b, slot)
		if binary.BigEndian.Uint32(b[off+slotID:]) != rec.ID {
			s.unlink(b, slot)
		}
	}

	var slot int
	if cur, ok, _ := probe(b, idIndexOff(b), idHash(rec.ID), func(sl int) bool {
		off := slotOff(b, sl)
		return b[off+slotUsed] == 1 && binary.BigEndian.Uint32(b[off+slotID:]) == rec.ID
	}); ok {
		// Same identity: rewrite in place, rebinding the alias if the
		// literal lookup string changed.
		slot = cur
		off := slotOff(b, slot)
		oldLen := int(binary.BigEndian.Uint16(b[off+slotAliasLen:]))
		oldAlias := string(b[off+slotHeader : off+slotHeader+oldLen])
		if oldAlias != rec.Alias {
			removeIndexEntry(b, aliasIndexOff(), xxhash.Sum64String(oldAlias), slot)
			insertIndexEntry(b, aliasIndexOff(), aliasH, slot)
		}
	} else {
		slot = s.allocSlot(b, capacity)
		insertIndexEntry(b, aliasIndexOff(), aliasH, slot)
		insertIndexEntry(b, idIndexOff(b), idHash(rec.ID), slot)
		binary.BigEndian.PutUint32(b[offCount:], binary.BigEndian.Uint32(b[offCount:])+1)
	}

	writeSlot(b, slot, rec, aliasH)
	s.commit(b)
	return nil
}

// Delete unlinks the record reachable by alias, if any.
func (s *Store) Delete(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.writable()
	if binary.BigEndian.Uint32(b[offCapacity:]) == 0 {
		return false
	}
	h := xxhash.Sum64String(alias)
	slot, ok, _ := probe(b, aliasIndexOff(), h, func(slot int) bool {
		return slotMatchesAlias(b, slot, alias, h)
	})
	if !ok {
		return false
	}
	s.unlink(b, slot)
	s.commit(b)
	return true
}

// SetEpoch records the current invalidation epoch in the header so a
// persisted region carries it across restarts.
func (s *Store) SetEpoch(e uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.writable()
	binary.BigEndian.PutUint64(b[offEpoch:], e)
	s.commit(b)
}

// Reset reinitializes the store with new geometry, dropping every record.
// This is how capacity changes take effect; it is also the recovery path
// after corruption. The epoch mirror survives when it is still readable.
func (s *Store) Reset(capacity, slotSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snapshot()
	epoch := uint64(0)
	if validate(old) == nil {
		epoch = binary.BigEndian.Uint64(old[offEpoch:])
	}
	b := newRegion(s.class, capacity, slotSize)
	if capacity > 0 {
		binary.BigEndian.PutUint64(b[offEpoch:], epoch)
	}
	s.adoptGeometry(b)
	s.region.Store(&b)
}

// writable returns a private copy of the region the writer may mutate. A
// corrupt current region is replaced by a fresh empty one at the
// configured geometry; readers keep missing until the rebuilt region is
// committed.
func (s *Store) writable() []byte {
	b := s.snapshot()
	if validate(b) != nil {
		return newRegion(s.class, int(s.capacity.Load()), int(s.slotSize.Load()))
	}
	return append([]byte(nil), b...)
}

func (s *Store) commit(b []byte) {
	binary.BigEndian.PutUint64(b[offCommitSeq:], binary.BigEndian.Uint64(b[offCommitSeq:])+1)
	s.region.Store(&b)
}

// allocSlot returns a free slot, evicting the least-recently-inserted live
// record when the table is full.
func (s *Store) allocSlot(b []byte, capacity int) int {
	victim := -1
	var victimSeq uint64
	for slot := 0; slot < capacity; slot++ {
		off := slotOff(b, slot)
		if b[off+slotUsed] == 0 {
			return slot
		}
		seq := binary.BigEndian.Uint64(b[off+slotInsSeq:])
		if victim == -1 || seq < victimSeq {
			victim, victimSeq = slot, seq
		}
	}
	s.unlink(b, victim)
	s.evictions.Add(1)
	return victim
}

// unlink removes slot from both indexes and frees it.
func (s *Store) unlink(b []byte, slot int) {
	off := slotOff(b, slot)
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	aliasLen := int(binary.BigEndian.Uint16(b[off+slotAliasLen:]))
	if slotHeader+aliasLen > slotSize {
		aliasLen = 0
	}
	alias := string(b[off+slotHeader : off+slotHeader+aliasLen])
	id := binary.BigEndian.Uint32(b[off+slotID:])
	removeIndexEntry(b, aliasIndexOff(), xxhash.Sum64String(alias), slot)
	removeIndexEntry(b, idIndexOff(b), idHash(id), slot)
	b[off+slotUsed] = 0
	binary.BigEndian.PutUint32(b[offCount:], binary.BigEndian.Uint32(b[offCount:])-1)
}

func writeSlot(b []byte, slot int, rec Record, aliasH uint64) {
	ins := binary.BigEndian.Uint64(b[offInsSeq:]) + 1
	binary.BigEndian.PutUint64(b[offInsSeq:], ins)

	off := slotOff(b, slot)
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	for i := off; i < off+slotSize; i++ {
		b[i] = 0
	}
	b[off+slotUsed] = 1
	binary.BigEndian.PutUint32(b[off+slotID:], rec.ID)
	binary.BigEndian.PutUint64(b[off+slotInsSeq:], ins)
	binary.BigEndian.PutUint64(b[off+slotEpoch:], rec.Epoch)
	binary.BigEndian.PutUint64(b[off+slotCreated:], uint64(rec.Created.UnixNano()))
	binary.BigEndian.PutUint64(b[off+slotAliasHash:], aliasH)
	binary.BigEndian.PutUint16(b[off+slotAliasLen:], uint16(len(rec.Alias)))
	binary.BigEndian.PutUint16(b[off+slotPayloadLen:], uint16(len(rec.Payload)))
	copy(b[off+slotHeader:], rec.Alias)
	copy(b[off+slotHeader+len(rec.Alias):], rec.Payload)
}

func readRecord(b []byte, slot int) (Record, bool, error) {
	off := slotOff(b, slot)
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	if b[off+slotUsed] != 1 {
		return Record{}, false, nil
	}
	aliasLen := int(binary.BigEndian.Uint16(b[off+slotAliasLen:]))
	payloadLen := int(binary.BigEndian.Uint16(b[off+slotPayloadLen:]))
	if slotHeader+aliasLen+payloadLen > slotSize {
		return Record{}, false, ErrCorrupt
	}
	alias := string(b[off+slotHeader : off+slotHeader+aliasLen])
	payload := append([]byte(nil), b[off+slotHeader+aliasLen:off+slotHeader+aliasLen+payloadLen]...)
	return Record{
		Alias:   alias,
		ID:      binary.BigEndian.Uint32(b[off+slotID:]),
		Epoch:   binary.BigEndian.Uint64(b[off+slotEpoch:]),
		Created: time.Unix(0, int64(binary.BigEndian.Uint64(b[off+slotCreated:]))),
		Payload: payload,
	}, true, nil
}

func slotMatchesAlias(b []byte, slot int, alias string, aliasH uint64) bool {
	off := slotOff(b, slot)
	if b[off+slotUsed] != 1 || binary.BigEndian.Uint64(b[off+slotAliasHash:]) != aliasH {
		return false
	}
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	aliasLen := int(binary.BigEndian.Uint16(b[off+slotAliasLen:]))
	if aliasLen != len(alias) || slotHeader+aliasLen > slotSize {
		return false
	}
	return string(b[off+slotHeader:off+slotHeader+aliasLen]) == alias
}

func aliasIndexOff() int { return headerSize }

func idIndexOff(b []byte) int {
	return headerSize + 4*int(binary.BigEndian.Uint32(b[offBuckets:]))
}

func slotOff(b []byte, slot int) int {
	buckets := int(binary.BigEndian.Uint32(b[offBuckets:]))
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	return headerSize + 8*buckets + slot*slotSize
}

func idHash(id uint32) uint64 {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return xxhash.Sum64(k[:])
}

// probe walks an open-addressed index table. match is called with a
// candidate slot that is already bounds-checked against capacity; probing
// stops at the first empty entry or after a full table walk.
func probe(b []byte, tableOff int, h uint64, match func(slot int) bool) (int, bool, error) {
	buckets := int(binary.BigEndian.Uint32(b[offBuckets:]))
	capacity := int(binary.BigEndian.Uint32(b[offCapacity:]))
	mask := uint64(buckets - 1)
	for i := 0; i < buckets; i++ {
		entryOff := tableOff + 4*int((h+uint64(i))&mask)
		e := binary.BigEndian.Uint32(b[entryOff:])
		if e == entryEmpty {
			return 0, false, nil
		}
		if e == entryTombstone {
			continue
		}
		slot := int(e - 1)
		if slot >= capacity {
			return 0, false, ErrCorrupt
		}
		if match(slot) {
			return slot, true, nil
		}
	}
	return 0, false, nil
}

func insertIndexEntry(b []byte, tableOff int, h uint64, slot int) {
	buckets := int(binary.BigEndian.Uint32(b[offBuckets:]))
	mask := uint64(buckets - 1)
	for i := 0; i < buckets; i++ {
		entryOff := tableOff + 4*int((h+uint64(i))&mask)
		e := binary.BigEndian.Uint32(b[entryOff:])
		if e == entryEmpty || e == entryTombstone {
			binary.BigEndian.PutUint32(b[entryOff:], uint32(slot+1))
			return
		}
	}
}

func removeIndexEntry(b []byte, tableOff int, h uint64, slot int) {
	buckets := int(binary.BigEndian.Uint32(b[offBuckets:]))
	mask := uint64(buckets - 1)
	for i := 0; i < buckets; i++ {
		entryOff := tableOff + 4*int((h+uint64(i))&mask)
		e := binary.BigEndian.Uint32(b[entryOff:])
		if e == entryEmpty {
			return
		}
		if e != entryTombstone && int(e-1) == slot {
			binary.BigEndian.PutUint32(b[entryOff:], entryTombstone)
			return
		}
	}
}
