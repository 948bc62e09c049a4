package identcache

// Result is the outcome of a lookup. The cache never returns an error to
// a reader: every internal failure (disabled class, stale record, corrupt
// region, codec error) collapses to Miss and the caller falls back to the
// backend.
type Result uint8

const (
	// Miss: not served from cache; ask the backend.
	Miss Result = iota
	// Hit: record served from cache.
	Hit
	// NegativeHit: the name was recently confirmed nonexistent by the
	// backend; callers may skip the round trip.
	NegativeHit
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case NegativeHit:
		return "negative"
	default:
		return "miss"
	}
}
