package codec

import "encoding/json"

// JSON serializes records with encoding/json. Handy for debugging store
// dumps; Msgpack is the better default for slot payloads.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
