// Package testutil provides polling helpers for asynchronous tests.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitFor polls condition every interval until it returns true or timeout
// elapses. Returns false on timeout.
func WaitFor(tb testing.TB, condition func() bool, timeout, interval time.Duration) bool {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

// WaitForCount polls until counter reaches at least target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, timeout time.Duration) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, timeout, 10*time.Millisecond)
}
