package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestState_Delay(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state State
		want  time.Duration
	}{
		{
			name:  "unknown state",
			state: State{Remaining: UnknownRemaining},
			want:  0,
		},
		{
			name:  "quota left",
			state: State{Remaining: 10, ResetAt: now.Add(30 * time.Second)},
			want:  0,
		},
		{
			name:  "window exhausted",
			state: State{Remaining: 0, ResetAt: now.Add(30 * time.Second)},
			want:  30 * time.Second,
		},
		{
			name:  "window exhausted but already reset",
			state: State{Remaining: 0, ResetAt: now.Add(-time.Second)},
			want:  0,
		},
		{
			name:  "blocked after 429",
			state: State{Remaining: UnknownRemaining, BlockedUntil: now.Add(6 * time.Second)},
			want:  6 * time.Second,
		},
		{
			name:  "later deadline wins",
			state: State{Remaining: 0, ResetAt: now.Add(10 * time.Second), BlockedUntil: now.Add(6 * time.Second)},
			want:  10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Delay(now); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		remaining     string
		reset         string
		wantOK        bool
		wantRemaining int
		wantResetAt   time.Time
	}{
		{
			name:          "both headers",
			remaining:     "42",
			reset:         "15",
			wantOK:        true,
			wantRemaining: 42,
			wantResetAt:   now.Add(15 * time.Second),
		},
		{
			name:          "reset only",
			reset:         "5",
			wantOK:        true,
			wantRemaining: UnknownRemaining,
			wantResetAt:   now.Add(5 * time.Second),
		},
		{
			name:          "no headers",
			wantOK:        false,
			wantRemaining: UnknownRemaining,
		},
		{
			name:          "malformed values ignored",
			remaining:     "lots",
			reset:         "soon",
			wantOK:        false,
			wantRemaining: UnknownRemaining,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.remaining != "" {
				h.Set(HeaderRemaining, tt.remaining)
			}
			if tt.reset != "" {
				h.Set(HeaderReset, tt.reset)
			}

			state, ok := ParseHeaders(h, now)
			if ok != tt.wantOK {
				t.Fatalf("ParseHeaders() ok = %v, want %v", ok, tt.wantOK)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if !state.ResetAt.Equal(tt.wantResetAt) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.wantResetAt)
			}
		})
	}
}
