package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testID      = "3f2b8c1e-8d4a-4f7b-9a51-0c7e2d9b6a10"
	testUserID  = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"
	testSession = "0f9e8d7c-6b5a-4c3d-9e2f-1a0b9c8d7e6f"
)

func TestEvent_UnmarshalTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{
			name: "epoch milliseconds",
			ts:   `1700000000123`,
			want: time.UnixMilli(1700000000123).UTC(),
		},
		{
			name: "rfc3339 string",
			ts:   `"2024-03-01T12:30:00Z"`,
			want: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name: "rfc3339 with offset",
			ts:   `"2024-03-01T14:30:00+02:00"`,
			want: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"id":"` + testID + `","userId":"` + testUserID + `","sessionId":"` + testSession +
				`","type":"track","name":"page_view","timestamp":` + tt.ts + `}`

			var e Event
			if err := json.Unmarshal([]byte(body), &e); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !e.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", e.Timestamp, tt.want)
			}
			if e.Properties == nil {
				t.Error("Properties should default to an empty map")
			}
		})
	}
}

func TestEvent_UnmarshalBadTimestamp(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"id":"x","timestamp":"yesterday"}`), &e)
	if err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestEvent_Line(t *testing.T) {
	e := Event{
		ID:         testID,
		UserID:     testUserID,
		SessionID:  testSession,
		Type:       "track",
		Name:       "signup",
		Properties: map[string]any{"plan": "pro"},
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	line, err := e.Line()
	if err != nil {
		t.Fatalf("Line() error = %v", err)
	}

	s := string(line)
	if !strings.HasPrefix(s, testID+"\t{") {
		t.Errorf("line should start with id and tab, got %q", s)
	}
	if !strings.HasSuffix(s, "}\n") {
		t.Errorf("line should end with payload and newline, got %q", s)
	}

	var back Event
	payload := strings.TrimSuffix(strings.SplitN(s, "\t", 2)[1], "\n")
	if err := json.Unmarshal([]byte(payload), &back); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if back.Properties["plan"] != "pro" {
		t.Errorf("properties lost in payload: %v", back.Properties)
	}
}

func TestValidate(t *testing.T) {
	valid := Event{
		ID:        testID,
		UserID:    testUserID,
		SessionID: testSession,
		Type:      "track",
		Name:      "click",
		Timestamp: time.Now(),
	}

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Event) {}, wantErr: false},
		{name: "non uuid id", mutate: func(e *Event) { e.ID = "evt-1" }, wantErr: true},
		{name: "missing user", mutate: func(e *Event) { e.UserID = "" }, wantErr: true},
		{name: "missing name", mutate: func(e *Event) { e.Name = "" }, wantErr: true},
		{name: "zero timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := Validate([]Event{valid, e})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Validate() error = %v, want ErrInvalidEvent", err)
				}
				if !strings.Contains(err.Error(), "index 1") {
					t.Errorf("error should name the offending index: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestBatch_Signals(t *testing.T) {
	tests := []struct {
		name          string
		batch         Batch
		wantExhausted bool
		wantShort     bool
	}{
		{
			name:          "full page with more",
			batch:         Batch{Events: make([]Event, 2), Cursor: "c1", HasMore: true, Requested: 2},
			wantExhausted: false,
			wantShort:     false,
		},
		{
			name:          "explicit end",
			batch:         Batch{HasMore: false, Requested: 2},
			wantExhausted: true,
			wantShort:     true,
		},
		{
			name:          "no more but cursor present",
			batch:         Batch{Events: make([]Event, 1), Cursor: "c9", HasMore: false, Requested: 2},
			wantExhausted: false,
			wantShort:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.batch.Exhausted(); got != tt.wantExhausted {
				t.Errorf("Exhausted() = %v, want %v", got, tt.wantExhausted)
			}
			if got := tt.batch.Short(); got != tt.wantShort {
				t.Errorf("Short() = %v, want %v", got, tt.wantShort)
			}
		})
	}
}
