package storage

import "context"

// Storage persists the bridge state (realtime cache lines and the plant id
// index) across process restarts.
type Storage interface {
	// Load returns the persisted state. A backend that has never been
	// written returns an empty state and no error.
	Load(ctx context.Context) (*State, error)

	// Save replaces the persisted state wholesale.
	Save(ctx context.Context, st State) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources (no-op for file and memory).
	Close() error
}
