// Package store provides the ephemeral job store: a TTL-bound, point-lookup
// key/value cache of job snapshots. It is the fast path for polling; the
// ledger remains the durable record. Two implementations exist, selected at
// startup: Redis (networked) and an in-process memory map.
package store

import (
	"context"
	"errors"
	"time"

	"minifab/internal/job"
)

// ErrNotFound is returned when a job is absent from the store, whether it
// expired or was never written.
var ErrNotFound = errors.New("job not found in store")

// DefaultTTL is the entry lifetime, reset on every write.
const DefaultTTL = time.Hour

// Store is the ephemeral job store contract.
//
// Merge uses read-merge-write, not compare-and-swap: two near-simultaneous
// writers can race. This is accepted under the provider's single-terminal-
// callback contract; job.Apply's terminal lock bounds the damage.
type Store interface {
	// Get returns the job snapshot or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Put writes a full snapshot, resetting the TTL.
	Put(ctx context.Context, j *job.Job) error

	// Merge applies a partial update to the stored snapshot and returns
	// the merged result. Returns ErrNotFound when there is nothing to
	// merge into. The TTL is reset even when the update is a no-op.
	Merge(ctx context.Context, id string, u job.Update) (*job.Job, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
