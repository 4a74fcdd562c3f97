// Package dispatcher provides async delivery of completion notifications
// with buffering, retry, and per-host circuit breaking. The webhook
// receiver hands events off and never waits for delivery.
package dispatcher

import (
	"context"
	"errors"

	"minifab/internal/notify"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher handles async delivery of notification events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close shuts down gracefully, attempting to deliver queued events
	// until the context deadline.
	Close(ctx context.Context) error
}

// Event is a notification to be delivered to a destination URL.
type Event struct {
	Payload     *notify.Event
	Destination string
	SigningKey  string // HMAC key; empty = unsigned
	Requeues    int    // times requeued due to an open circuit (internal)
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Requeued     int64
	RetriesTotal int64
	BreakersOpen int
}
