// Package provider defines the byte store backing the negative cache:
// recently confirmed-nonexistent lookup aliases remembered for a short TTL
// so callers can skip a pointless backend round trip.
//
// Implementations MUST be byte-for-byte transparent: Get must return
// exactly the []byte previously passed to Set for a key. Negative entries
// are tiny markers; any transform that alters the stored bytes is treated
// as a miss (which is safe, just slower).
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent
// use. A Provider failure is never surfaced to lookup callers; the
// negative cache degrades to "ask the backend".
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// IO/remote errors return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. Returns ok=false when the
	// store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
