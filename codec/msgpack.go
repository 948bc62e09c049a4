package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack serializes records using vmihailenco/msgpack/v5. This is the
// default payload codec: records share fixed-size slots, so the compact
// encoding directly buys cache capacity.
//
// Use `msgpack:"fieldName"` tags if you need explicit field control.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
