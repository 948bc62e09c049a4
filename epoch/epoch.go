// Package epoch tracks per-class invalidation epochs.
//
// A record written at epoch E is stale once the class epoch moves past E.
// Use Local (default) for single-host deployments, or Redis to share
// invalidation across every host reading the same directory.
package epoch

import "context"

// Store abstracts where class epochs live.
type Store interface {
	// Snapshot returns the current epoch for a class; missing => 0.
	Snapshot(ctx context.Context, class string) (uint64, error)
	// Bump atomically increments and returns the new epoch.
	Bump(ctx context.Context, class string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
