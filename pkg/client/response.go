package client

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
)

// pageResponse covers both response shapes the API serves:
//
//	{"data": [...], "pagination": {"hasMore": true, "nextCursor": "..."}}
//	{"data": [...], "hasMore": true, "nextCursor": "...", "cursor": "..."}
type pageResponse struct {
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		HasMore    *bool   `json:"hasMore"`
		NextCursor *string `json:"nextCursor"`
	} `json:"pagination"`
	NextCursor *string `json:"nextCursor"`
	Cursor     *string `json:"cursor"`
	HasMore    *bool   `json:"hasMore"`
}

// decodeBatch normalizes a successful response body into a Batch and
// validates every event in it.
func decodeBatch(body []byte, requested int) (*event.Batch, error) {
	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode page: %v", ErrValidation, err)
	}

	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: response has no data array", ErrValidation)
	}

	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: decode events: %v", ErrValidation, err)
	}
	if err := event.Validate(events); err != nil {
		return nil, err
	}

	batch := &event.Batch{
		Events:    events,
		Requested: requested,
	}

	var cursors []*string
	if resp.Pagination != nil {
		cursors = append(cursors, resp.Pagination.NextCursor)
	}
	cursors = append(cursors, resp.NextCursor, resp.Cursor)
	for _, c := range cursors {
		if c != nil && *c != "" {
			batch.Cursor = *c
			break
		}
	}

	switch {
	case resp.Pagination != nil && resp.Pagination.HasMore != nil:
		batch.HasMore = *resp.Pagination.HasMore
	case resp.HasMore != nil:
		batch.HasMore = *resp.HasMore
	default:
		batch.HasMore = batch.Cursor != ""
	}

	// Without a cursor the same page would be fetched again forever.
	if batch.HasMore && batch.Cursor == "" && len(events) > 0 {
		return nil, fmt.Errorf("%w: page announces more events but carries no cursor", ErrValidation)
	}

	return batch, nil
}
