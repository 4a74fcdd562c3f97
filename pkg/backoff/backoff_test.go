package backoff

import (
	"testing"
	"time"
)

func TestDelay_Defaults(t *testing.T) {
	t.Parallel()
	var p Policy

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{7, 5 * time.Second}, // capped at Max
		{50, 5 * time.Second},
		{0, 100 * time.Millisecond},  // treated as first attempt
		{-3, 100 * time.Millisecond}, // treated as first attempt
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_CustomPolicy(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: time.Second, Max: 3 * time.Second}

	if got := p.Delay(1); got != time.Second {
		t.Errorf("Delay(1) = %v, want %v", got, time.Second)
	}
	if got := p.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) = %v, want %v", got, 2*time.Second)
	}
	if got := p.Delay(3); got != 3*time.Second {
		t.Errorf("Delay(3) = %v, want 3s (capped)", got)
	}
}

func TestDelay_Jitter(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: time.Second, Max: time.Minute, Jitter: true}

	for range 100 {
		d := p.Delay(2) // base 2s
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s)", d)
		}
	}
}
