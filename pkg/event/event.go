// Package event defines the data model shared by the fetch layer, the sinks
// and the ingestion loop: events, fetched batches and stream credentials.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event is a single analytics event as delivered by the DataSync API.
// Identity is ID; sinks persist events idempotently on it.
type Event struct {
	ID         string         `json:"id" validate:"required,uuid"`
	UserID     string         `json:"userId" validate:"required,uuid"`
	SessionID  string         `json:"sessionId" validate:"required,uuid"`
	Type       string         `json:"type" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`

	// Session carries optional session metadata some API versions embed.
	Session map[string]any `json:"session,omitempty"`
}

// UnmarshalJSON accepts timestamps as epoch milliseconds or RFC 3339 strings
// and defaults missing properties to an empty map.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event(raw.alias)
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Timestamp = ts
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return ts.UTC(), nil
	}

	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %s: %w", raw, err)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// Line renders the event as one line of the append-only buffer format:
// the id, a tab, the full JSON payload and a newline.
func (e Event) Line() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	line := make([]byte, 0, len(e.ID)+len(payload)+2)
	line = append(line, e.ID...)
	line = append(line, '\t')
	line = append(line, payload...)
	line = append(line, '\n')
	return line, nil
}

// Batch is one page of events in canonical form. Both response shapes the
// API produces are collapsed into it by the fetch layer.
type Batch struct {
	Events []Event

	// Cursor is the position after this page; empty when the API returned none.
	Cursor string

	HasMore bool

	// Reset is set when the fetch had to restart from the beginning of the
	// stream because the supplied cursor was rejected.
	Reset bool

	// Requested is the page size that was asked for.
	Requested int
}

// Exhausted reports the explicit end-of-stream signal: no more pages and no
// cursor to continue from.
func (b Batch) Exhausted() bool {
	return !b.HasMore && b.Cursor == ""
}

// Short reports whether the page carried fewer events than requested.
func (b Batch) Short() bool {
	return b.Requested > 0 && len(b.Events) < b.Requested
}

// StreamAccess is a short-lived credential for the token-gated stream endpoint.
type StreamAccess struct {
	Token     string        `json:"token"`
	Endpoint  string        `json:"endpoint"`
	ExpiresIn time.Duration `json:"expires_in"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Age returns how long ago the credential was issued.
func (a StreamAccess) Age(now time.Time) time.Duration {
	return now.Sub(a.FetchedAt)
}
