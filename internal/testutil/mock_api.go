// Package testutil provides a scripted DataSync API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/google/uuid"
)

// Well-known paths served by the mock.
const (
	PathStreamAccess = "/internal/dashboard/stream-access"
	PathStream       = "/api/v1/events/stream"
	PathEvents       = "/api/v1/events"
)

// Response is one scripted reply.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request records what the mock received.
type Request struct {
	Method      string
	Path        string
	Limit       string
	Cursor      string
	APIKey      string
	StreamToken string
	At          time.Time
}

// MockAPI is a configurable mock DataSync server. Each path has a queue of
// scripted responses; the last response of a queue repeats once the queue
// is drained.
type MockAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]Response
	handlers map[string]http.HandlerFunc
	requests []Request
}

// NewMockAPI creates and starts a new mock server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		scripts:  make(map[string][]Response),
		handlers: make(map[string]http.HandlerFunc),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Limit:       r.URL.Query().Get("limit"),
		Cursor:      r.URL.Query().Get("cursor"),
		APIKey:      r.Header.Get("X-API-Key"),
		StreamToken: r.Header.Get("X-Stream-Token"),
		At:          time.Now(),
	})

	if handler, ok := m.handlers[r.URL.Path]; ok {
		m.mu.Unlock()
		handler(w, r)
		return
	}

	queue := m.scripts[r.URL.Path]
	if len(queue) == 0 {
		m.mu.Unlock()
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.scripts[r.URL.Path] = queue[1:]
	}
	m.mu.Unlock()

	write(w, resp)
}

func write(w http.ResponseWriter, resp Response) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the server origin.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// BaseURL returns the API base URL, origin plus /api/v1.
func (m *MockAPI) BaseURL() string {
	return m.server.URL + "/api/v1"
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Enqueue appends scripted responses for path.
func (m *MockAPI) Enqueue(path string, responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append(m.scripts[path], responses...)
}

// SetHandler sets a custom handler for a specific path, overriding any script.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Requests returns a copy of all recorded requests.
func (m *MockAPI) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns the recorded requests for one path.
func (m *MockAPI) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// RequestCount returns the number of requests made to path.
func (m *MockAPI) RequestCount(path string) int {
	return len(m.RequestsTo(path))
}

// StreamAccess builds a stream-access response handing out token for the
// stream endpoint.
func StreamAccess(token string, expiresIn int) Response {
	body, _ := json.Marshal(map[string]any{
		"streamAccess": map[string]any{
			"token":     token,
			"endpoint":  PathStream,
			"expiresIn": expiresIn,
		},
	})
	return Response{StatusCode: http.StatusOK, Body: string(body)}
}

// Page builds a response in the nested pagination shape. An empty cursor is
// rendered as null.
func Page(events []event.Event, cursor string, hasMore bool) Response {
	var next any
	if cursor != "" {
		next = cursor
	}
	body, _ := json.Marshal(map[string]any{
		"data": nonNil(events),
		"pagination": map[string]any{
			"hasMore":    hasMore,
			"nextCursor": next,
		},
	})
	return Response{StatusCode: http.StatusOK, Body: string(body)}
}

// FlatPage builds a response in the flat shape with top-level cursor fields.
func FlatPage(events []event.Event, cursor string, hasMore bool) Response {
	var next any
	if cursor != "" {
		next = cursor
	}
	body, _ := json.Marshal(map[string]any{
		"data":       nonNil(events),
		"cursor":     next,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
	return Response{StatusCode: http.StatusOK, Body: string(body)}
}

// Status builds a bare status response with an optional body.
func Status(code int, body string) Response {
	return Response{StatusCode: code, Body: body}
}

// RateLimited builds a 429 with an X-RateLimit-Reset hint in seconds.
func RateLimited(resetSeconds int) Response {
	return Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"Too many requests"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     fmt.Sprintf("%d", resetSeconds),
		},
	}
}

// CursorExpired builds the 400 the API returns for a stale cursor.
func CursorExpired() Response {
	return Response{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":"CURSOR_EXPIRED","message":"Cursor has expired"}`,
	}
}

var eventNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// NewEvent returns a valid event whose id is derived from n, so the same n
// always yields the same event.
func NewEvent(n int) event.Event {
	return event.Event{
		ID:         uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("event-%d", n))).String(),
		UserID:     uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("user-%d", n%7))).String(),
		SessionID:  uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("session-%d", n%3))).String(),
		Type:       "track",
		Name:       "page_view",
		Properties: map[string]any{"seq": float64(n)},
		Timestamp:  time.UnixMilli(1_700_000_000_000 + int64(n)*1000).UTC(),
	}
}

// NewEvents returns events from..to-1.
func NewEvents(from, to int) []event.Event {
	out := make([]event.Event, 0, to-from)
	for n := from; n < to; n++ {
		out = append(out, NewEvent(n))
	}
	return out
}

func nonNil(events []event.Event) []event.Event {
	if events == nil {
		return []event.Event{}
	}
	return events
}
