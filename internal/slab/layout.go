package slab

import (
	"encoding/binary"
	"errors"
)

// Region layout (big endian):
//
//	header:
//	  magic(4) | ver(1) | class(1) | pad(2)
//	  slotSize(u32) | capacity(u32) | buckets(u32)
//	  commitSeq(u64) | epoch(u64) | count(u32) | insSeq(u64)
//	alias index: buckets * u32
//	id index:    buckets * u32
//	slots:       capacity * slotSize
//
// Index entries: 0 = empty, 0xFFFFFFFF = tombstone, otherwise slot+1.
//
// Slot:
//
//	used(1) | pad(3) | id(u32) | insSeq(u64) | epoch(u64)
//	created(i64 unixnano) | aliasHash(u64) | aliasLen(u16) | payloadLen(u16)
//	alias bytes | payload bytes
const (
	version byte = 1

	offMagic     = 0
	offVersion   = 4
	offClass     = 5
	offSlotSize  = 8
	offCapacity  = 12
	offBuckets   = 16
	offCommitSeq = 20
	offEpoch     = 28
	offCount     = 36
	offInsSeq    = 40

	headerSize = 48

	slotUsed       = 0
	slotID         = 4
	slotInsSeq     = 8
	slotEpoch      = 16
	slotCreated    = 24
	slotAliasHash  = 32
	slotAliasLen   = 40
	slotPayloadLen = 42

	slotHeader = 44

	entryEmpty     uint32 = 0
	entryTombstone uint32 = 0xFFFFFFFF

	// Geometry sanity bounds. Alias and payload lengths are u16, so a slot
	// can never usefully exceed 64KiB + header.
	maxSlotSize = slotHeader + 2*0xFFFF
	maxCapacity = 1 << 20
)

var magic = [4]byte{'I', 'D', 'M', 'C'}

// ErrCorrupt reports that a region failed structural validation. Readers
// treat a corrupt region as an empty store; only the writer may rebuild it.
var ErrCorrupt = errors.New("slab: corrupt region")

// ErrRecordTooLarge reports a record whose alias+payload does not fit in a
// single slot. The record is simply not cached.
var ErrRecordTooLarge = errors.New("slab: record exceeds slot size")

func hasMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

func regionSize(capacity, slotSize, buckets int) int {
	return headerSize + 8*buckets + capacity*slotSize
}

// validate is the corruption detector. It needs to catch truncation,
// short writes and bad geometry, not adversarial tampering: the backend is
// authoritative, so a false miss is always safe.
func validate(b []byte) error {
	if len(b) < headerSize || !hasMagic(b) || b[offVersion] != version {
		return ErrCorrupt
	}
	slotSize := int(binary.BigEndian.Uint32(b[offSlotSize:]))
	capacity := int(binary.BigEndian.Uint32(b[offCapacity:]))
	buckets := int(binary.BigEndian.Uint32(b[offBuckets:]))
	count := int(binary.BigEndian.Uint32(b[offCount:]))

	if capacity == 0 {
		// Disabled class: header only.
		if buckets != 0 || count != 0 || len(b) != headerSize {
			return ErrCorrupt
		}
		return nil
	}
	if capacity > maxCapacity || slotSize < slotHeader || slotSize > maxSlotSize {
		return ErrCorrupt
	}
	if buckets <= 0 || buckets&(buckets-1) != 0 || buckets < capacity || buckets > 4*maxCapacity {
		return ErrCorrupt
	}
	if count > capacity {
		return ErrCorrupt
	}
	if len(b) != regionSize(capacity, slotSize, buckets) {
		return ErrCorrupt
	}
	return nil
}

// Validate reports whether b is a structurally sound store region.
func Validate(b []byte) error { return validate(b) }

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
