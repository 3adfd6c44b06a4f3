package ingest

import (
	"time"
)

// State of a running loop.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateIdle       State = "idle"
	StateRecovering State = "recovering"
	StateStopped    State = "stopped"
)

// Progress is a point-in-time view of a loop.
type Progress struct {
	State State `json:"state"`

	// Events and Batches count what this process persisted.
	Events  int64 `json:"events"`
	Batches int64 `json:"batches"`
	Resets  int64 `json:"cursor_resets"`

	// CheckpointTotal is the running total stored with the checkpoint.
	CheckpointTotal int64 `json:"checkpoint_total"`

	EventsPerSecond float64 `json:"events_per_second"`

	// Cursor is abbreviated.
	Cursor         string    `json:"cursor"`
	LastCheckpoint time.Time `json:"last_checkpoint,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// rate returns events per second since StartedAt.
func (p Progress) rate(now time.Time) float64 {
	elapsed := now.Sub(p.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Events) / elapsed
}
