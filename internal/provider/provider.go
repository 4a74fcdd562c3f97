// Package provider is the client for the external GPU compute API that
// runs the image-to-3D pipeline. The service only ever waits for the spawn
// acknowledgment; results come back through the webhook receiver.
package provider

import (
	"context"

	"minifab/internal/job"
)

// SpawnRequest asks the provider to start the pipeline for one job.
type SpawnRequest struct {
	JobID        string
	InputLocator string
	CallbackURL  string
	Params       *job.PipelineParams
}

// Client is the external compute invocation API.
type Client interface {
	// Spawn starts the pipeline asynchronously and returns the provider's
	// call handle. It returns as soon as the invocation is acknowledged,
	// never waiting for pipeline completion.
	Spawn(ctx context.Context, req SpawnRequest) (callID string, err error)

	// Status queries the provider's view of a job, in the provider's own
	// vocabulary. Optional capability; used by the reconciler to refresh
	// stale non-terminal entries.
	Status(ctx context.Context, jobID string) (string, error)
}
