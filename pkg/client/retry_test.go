package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepContext(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		start := time.Now()
		if err := SleepContext(context.Background(), 10*time.Millisecond); err != nil {
			t.Fatalf("SleepContext() error = %v", err)
		}
		if time.Since(start) < 10*time.Millisecond {
			t.Error("SleepContext() returned before the delay")
		}
	})

	t.Run("zero delay", func(t *testing.T) {
		if err := SleepContext(context.Background(), 0); err != nil {
			t.Errorf("SleepContext(0) error = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := SleepContext(ctx, time.Hour)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("SleepContext() error = %v, want context.Canceled", err)
		}
	})

	t.Run("zero delay on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := SleepContext(ctx, 0); !errors.Is(err, context.Canceled) {
			t.Errorf("SleepContext(0) error = %v, want context.Canceled", err)
		}
	})
}

func TestRetryReason(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
	}{
		{"transport error", Outcome{Err: errors.New("connection refused")}, reasonNetwork},
		{"server error", Outcome{StatusCode: 503}, reasonServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryReason(tt.out); got != tt.want {
				t.Errorf("retryReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
