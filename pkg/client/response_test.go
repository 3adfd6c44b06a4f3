package client

import (
	"errors"
	"testing"
)

const validEvent = `{"id":"3f2b8c1e-8d4a-4f7b-9a51-0c7e2d9b6a10","userId":"a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d",` +
	`"sessionId":"0f9e8d7c-6b5a-4c3d-9e2f-1a0b9c8d7e6f","type":"track","name":"click","properties":{"x":1},` +
	`"timestamp":1700000000000}`

func TestDecodeBatch_Shapes(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantEvents  int
		wantCursor  string
		wantHasMore bool
	}{
		{
			name:        "nested pagination",
			body:        `{"data":[` + validEvent + `],"pagination":{"hasMore":true,"nextCursor":"c1"}}`,
			wantEvents:  1,
			wantCursor:  "c1",
			wantHasMore: true,
		},
		{
			name:        "flat with nextCursor",
			body:        `{"data":[` + validEvent + `],"nextCursor":"c2","hasMore":true}`,
			wantEvents:  1,
			wantCursor:  "c2",
			wantHasMore: true,
		},
		{
			name:        "flat with cursor only",
			body:        `{"data":[],"cursor":"c3","hasMore":false}`,
			wantCursor:  "c3",
			wantHasMore: false,
		},
		{
			name:        "nested wins over flat",
			body:        `{"data":[],"pagination":{"nextCursor":"nested","hasMore":false},"nextCursor":"flat","hasMore":true}`,
			wantCursor:  "nested",
			wantHasMore: false,
		},
		{
			name:        "null cursor falls through",
			body:        `{"data":[],"pagination":{"nextCursor":null},"cursor":"c4"}`,
			wantCursor:  "c4",
			wantHasMore: true,
		},
		{
			name:        "end of stream",
			body:        `{"data":[],"pagination":{"hasMore":false,"nextCursor":null}}`,
			wantCursor:  "",
			wantHasMore: false,
		},
		{
			name:        "hasMore inferred from missing cursor",
			body:        `{"data":[]}`,
			wantCursor:  "",
			wantHasMore: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := decodeBatch([]byte(tt.body), 10)
			if err != nil {
				t.Fatalf("decodeBatch() error = %v", err)
			}
			if len(batch.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(batch.Events), tt.wantEvents)
			}
			if batch.Cursor != tt.wantCursor {
				t.Errorf("Cursor = %q, want %q", batch.Cursor, tt.wantCursor)
			}
			if batch.HasMore != tt.wantHasMore {
				t.Errorf("HasMore = %v, want %v", batch.HasMore, tt.wantHasMore)
			}
			if batch.Requested != 10 {
				t.Errorf("Requested = %d, want 10", batch.Requested)
			}
		})
	}
}

func TestDecodeBatch_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing data", body: `{"pagination":{"hasMore":true}}`},
		{name: "null data", body: `{"data":null}`},
		{name: "data not an array", body: `{"data":{"id":"x"}}`},
		{name: "event missing ids", body: `{"data":[{"type":"track","name":"x","timestamp":1}]}`},
		{name: "bad timestamp", body: `{"data":[{"id":"x","timestamp":"tomorrow"}]}`},
		{name: "not an object", body: `[1,2,3]`},
		{name: "more pages without cursor", body: `{"data":[` + validEvent + `],"hasMore":true}`},
		{name: "nested more pages without cursor", body: `{"data":[` + validEvent + `],"pagination":{"hasMore":true,"nextCursor":null}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeBatch([]byte(tt.body), 10)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("decodeBatch() error = %v, want ErrValidation", err)
			}
		})
	}
}
