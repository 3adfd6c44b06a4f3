// Package ratelimit tracks the DataSync API rate-limit window and gates
// requests until a learned reset time has passed. It reads the
// X-RateLimit-Remaining and X-RateLimit-Reset headers and the "blocked
// until" deadline derived from 429 responses.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining    = "ingest:rate_limit:remaining"
	RedisKeyResetAt      = "ingest:rate_limit:reset_at"
	RedisKeyLastUpdate   = "ingest:rate_limit:last_update"
	RedisKeyBlockedUntil = "ingest:rate_limit:blocked_until"
)

// Header names consulted on every response.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// UnknownRemaining marks a state that has not seen a remaining-quota header.
const UnknownRemaining = -1

// State is the last known rate-limit window.
type State struct {
	// Remaining is the number of requests left in the window, or
	// UnknownRemaining.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set after a 429; no request should be sent before it.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was last refreshed from a response.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// Exhausted reports whether the window has no requests left and has not
// reset yet.
func (s *State) Exhausted(now time.Time) bool {
	return s.Remaining == 0 && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// Delay returns how long a caller must wait at now before sending the next
// request: the later of the 429 block and an exhausted window's reset.
func (s *State) Delay(now time.Time) time.Duration {
	until := s.BlockedUntil
	if s.Exhausted(now) && s.ResetAt.After(until) {
		until = s.ResetAt
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ParseHeaders extracts the rate-limit window from response headers.
// ok is false when neither header is present. Malformed values are ignored.
func ParseHeaders(h http.Header, now time.Time) (State, bool) {
	state := State{Remaining: UnknownRemaining, LastUpdate: now}
	found := false

	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			state.Remaining = n
			found = true
		}
	}
	if v := h.Get(HeaderReset); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			state.ResetAt = now.Add(time.Duration(secs * float64(time.Second)))
			found = true
		}
	}
	return state, found
}
