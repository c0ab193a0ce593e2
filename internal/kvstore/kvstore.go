// Package kvstore implements the opaque persistent-state interface
// spec.md §6 describes: keys are volume host paths, values are
// string-to-string maps carrying the enumerated volume record fields.
// The core never inspects the store's own format; it only loads and
// saves whole records. Grounded on the teacher's config persistence
// style in config.go (JSON-on-disk, atomic rename-on-write) and the
// dependency_injection.go singleton pattern for wiring a store
// instance into the rest of the runtime.
package kvstore

import "context"

// Record is one persisted volume entry: the string map spec.md §6
// lists verbatim (id, path, backend, ready, build_time, ...).
type Record map[string]string

// Store is the opaque load/save contract. Implementations must make
// Save durable before returning, since the volume manager calls Save
// immediately after every in-memory state transition and relies on it
// surviving a crash for restart rehydration (spec.md §8 scenario E).
type Store interface {
	// Load returns the record for key, or ok=false if none exists.
	Load(ctx context.Context, key string) (Record, bool, error)
	// Save persists record under key, replacing any prior value.
	Save(ctx context.Context, key string, record Record) error
	// Delete removes key's record, if any.
	Delete(ctx context.Context, key string) error
	// List returns every currently stored key.
	List(ctx context.Context) ([]string, error)
}
