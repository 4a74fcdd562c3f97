// Package notify delivers signed completion events to client-supplied
// callback URLs. Delivery is fire-and-forget from the webhook receiver's
// point of view; the dispatcher handles buffering and retries.
package notify

import "time"

// Event announces a job's first terminal transition.
type Event struct {
	JobID         string     `json:"jobId"`
	Status        string     `json:"status"` // completed | failed
	Stage         string     `json:"stage"`
	ResultLocator string     `json:"resultLocator,omitempty"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}
