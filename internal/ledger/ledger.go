// Package ledger provides the durable job record store. The ledger is the
// authoritative record once the ephemeral store entry has expired; writers
// treat it as best-effort during active processing and readers fall back
// to it.
package ledger

import (
	"context"
	"errors"

	"minifab/internal/job"
)

// ErrNotFound is returned when no record exists for a job identifier.
var ErrNotFound = errors.New("job not found in ledger")

// Ledger is the durable record contract: point lookup and upsert by
// identifier, nothing more.
type Ledger interface {
	// Upsert writes the full job snapshot, inserting or replacing by id.
	// The stage must be a member of the closed stage set.
	Upsert(ctx context.Context, j *job.Job) error

	// Get returns the recorded job or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Ping verifies the ledger is reachable.
	Ping(ctx context.Context) error

	Close()
}
