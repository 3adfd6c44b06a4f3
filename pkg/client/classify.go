package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ActionKind is what the fetch loop does with an outcome.
type ActionKind int

const (
	Accept ActionKind = iota
	RetrySameCursor
	ResetCursor
	RefreshCredentialAndRetry
	RateLimited
	Fatal
)

func (k ActionKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case RetrySameCursor:
		return "retry_same_cursor"
	case ResetCursor:
		return "reset_cursor"
	case RefreshCredentialAndRetry:
		return "refresh_credential"
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Cursor problem markers the API puts in 400 bodies.
const (
	MarkerCursorExpired = "CURSOR_EXPIRED"
	MarkerCursorInvalid = "CURSOR_INVALID"
)

// Outcome is the observable result of one HTTP attempt. A non-nil Err means
// no response was received.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
	Elapsed    time.Duration
}

// Policy holds the delays the classifier assigns.
type Policy struct {
	// ServerErrorDelay is the fixed wait before retrying after a 5xx or a
	// transport error.
	ServerErrorDelay time.Duration

	// RateLimitFallback is used for 429s that carry no reset hint.
	RateLimitFallback time.Duration

	// RateLimitBuffer is added to every rate-limit delay.
	RateLimitBuffer time.Duration
}

// DefaultPolicy returns the default classification delays.
func DefaultPolicy() Policy {
	return Policy{
		ServerErrorDelay:  5 * time.Second,
		RateLimitFallback: 60 * time.Second,
		RateLimitBuffer:   1 * time.Second,
	}
}

// Action is the classifier's decision for one outcome.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
	Err   error
}

// Classify maps an outcome to the action the fetch loop takes. It has no
// side effects.
func Classify(out Outcome, p Policy) Action {
	if out.Err != nil {
		return Action{
			Kind:  RetrySameCursor,
			Delay: p.ServerErrorDelay,
			Err: &APIError{
				Class:   ErrorClassTransientNetwork,
				Message: "request failed",
				Err:     out.Err,
			},
		}
	}

	code := out.StatusCode
	switch {
	case code >= 200 && code < 300:
		if !json.Valid(out.Body) {
			return Action{Kind: Fatal, Err: &APIError{
				StatusCode: code,
				Class:      ErrorClassValidation,
				Message:    "response body is not valid JSON",
				Err:        ErrValidation,
			}}
		}
		return Action{Kind: Accept}

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Action{Kind: RefreshCredentialAndRetry, Err: &APIError{
			StatusCode: code,
			Class:      ErrorClassCredentialExpired,
			Message:    snippet(out.Body),
		}}

	case code == http.StatusBadRequest:
		if bytes.Contains(out.Body, []byte(MarkerCursorExpired)) || bytes.Contains(out.Body, []byte(MarkerCursorInvalid)) {
			return Action{Kind: ResetCursor, Err: &APIError{
				StatusCode: code,
				Class:      ErrorClassCursorInvalidated,
				Message:    snippet(out.Body),
			}}
		}

	case code == http.StatusTooManyRequests:
		delay, ok := rateLimitHint(out.Header, out.Body)
		if !ok {
			delay = p.RateLimitFallback
		}
		return Action{Kind: RateLimited, Delay: delay + p.RateLimitBuffer, Err: &APIError{
			StatusCode: code,
			Class:      ErrorClassRateLimited,
			Message:    "too many requests",
		}}

	case code >= 500 && code < 600:
		return Action{Kind: RetrySameCursor, Delay: p.ServerErrorDelay, Err: &APIError{
			StatusCode: code,
			Class:      ErrorClassTransientNetwork,
			Message:    snippet(out.Body),
		}}
	}

	return Action{Kind: Fatal, Err: &APIError{
		StatusCode: code,
		Class:      ErrorClassUnclassified,
		Message:    snippet(out.Body),
	}}
}

// rateLimitHint reads the server's wait hint: Retry-After, then
// X-RateLimit-Reset, then rateLimit.retryAfter / rateLimit.reset in the body.
// All are seconds.
func rateLimitHint(h http.Header, body []byte) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return seconds(secs), true
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d, true
			}
			return 0, true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return seconds(secs), true
		}
	}

	var payload struct {
		RateLimit *struct {
			RetryAfter *float64 `json:"retryAfter"`
			Reset      *float64 `json:"reset"`
		} `json:"rateLimit"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil || payload.RateLimit == nil {
		return 0, false
	}
	if v := payload.RateLimit.RetryAfter; v != nil && *v >= 0 {
		return seconds(*v), true
	}
	if v := payload.RateLimit.Reset; v != nil && *v >= 0 {
		return seconds(*v), true
	}
	return 0, false
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func snippet(body []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
