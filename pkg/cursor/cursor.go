// Package cursor extends the expiry embedded in DataSync pagination cursors
// so a persisted cursor stays usable after arbitrary downtime.
//
// A cursor is treated as opaque unless it is base64 (standard or URL-safe,
// padded or not) of a JSON object. Only the "exp" field (epoch milliseconds)
// is ever touched; every other field keeps its raw JSON value. Anything else
// passes through unchanged.
//
// This is a client-side convenience. It proves nothing about the cursor and
// the server is free to reject a refreshed cursor anyway.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"
)

// DefaultExtendBy is the window added to a cursor's expiry on refresh.
const DefaultExtendBy = time.Hour

const expField = "exp"

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Refresher rewrites cursor expiries.
type Refresher struct {
	ExtendBy time.Duration
	Now      func() time.Time
}

// New returns a Refresher with the given window (DefaultExtendBy if zero).
func New(extendBy time.Duration) *Refresher {
	if extendBy <= 0 {
		extendBy = DefaultExtendBy
	}
	return &Refresher{ExtendBy: extendBy, Now: time.Now}
}

// Refresh returns c with its expiry set to max(now, exp) + ExtendBy.
// The result always expires strictly later than c did.
func (r *Refresher) Refresh(c string) string {
	if c == "" {
		return c
	}
	fields, enc, ok := decode(c)
	if !ok {
		return c
	}

	now := r.now().UnixMilli()
	base := now
	if exp, ok := expiryMillis(fields); ok && exp > base {
		base = exp
	}
	next := base + r.extendBy().Milliseconds()

	fields[expField] = json.RawMessage(strconv.FormatInt(next, 10))
	payload, err := json.Marshal(fields)
	if err != nil {
		return c
	}
	return enc.EncodeToString(payload)
}

// Expiry returns the expiry embedded in c. ok is false for opaque cursors
// and for structured cursors without an "exp" field.
func Expiry(c string) (time.Time, bool) {
	fields, _, ok := decode(c)
	if !ok {
		return time.Time{}, false
	}
	ms, ok := expiryMillis(fields)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Structured reports whether c is in the expiring cursor encoding.
func Structured(c string) bool {
	_, _, ok := decode(c)
	return ok
}

func (r *Refresher) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Refresher) extendBy() time.Duration {
	if r.ExtendBy <= 0 {
		return DefaultExtendBy
	}
	return r.ExtendBy
}

func decode(c string) (map[string]json.RawMessage, *base64.Encoding, bool) {
	if c == "" {
		return nil, nil, false
	}
	for _, enc := range encodings {
		raw, err := enc.Strict().DecodeString(c)
		if err != nil {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			return nil, nil, false
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			return nil, nil, false
		}
		return fields, enc, true
	}
	return nil, nil, false
}

func expiryMillis(fields map[string]json.RawMessage) (int64, bool) {
	raw, ok := fields[expField]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	if ms, err := n.Int64(); err == nil {
		return ms, true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}
