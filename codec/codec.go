// Package codec serializes identity records to the byte payload stored in
// a cache slot. The slab layer only ever sees opaque bytes; a Codec pairs
// each record class with its payload encoding.
package codec

// Codec encodes/decodes record values V to []byte for slot storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
