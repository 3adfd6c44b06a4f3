package cursor

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func encode(t *testing.T, enc *base64.Encoding, v map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal cursor payload: %v", err)
	}
	return enc.EncodeToString(raw)
}

func fields(t *testing.T, enc *base64.Encoding, c string) map[string]any {
	t.Helper()
	raw, err := enc.DecodeString(c)
	if err != nil {
		t.Fatalf("decode refreshed cursor %q: %v", c, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("refreshed cursor payload is not JSON: %v", err)
	}
	return out
}

func TestRefresh_ExtendsExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	r := &Refresher{ExtendBy: time.Hour, Now: func() time.Time { return now }}

	tests := []struct {
		name    string
		enc     *base64.Encoding
		exp     int64
		wantExp int64
	}{
		{
			name:    "expired cursor extends from now",
			enc:     base64.StdEncoding,
			exp:     now.Add(-24 * time.Hour).UnixMilli(),
			wantExp: now.Add(time.Hour).UnixMilli(),
		},
		{
			name:    "future expiry extends from old expiry",
			enc:     base64.StdEncoding,
			exp:     now.Add(2 * time.Hour).UnixMilli(),
			wantExp: now.Add(3 * time.Hour).UnixMilli(),
		},
		{
			name:    "url safe unpadded",
			enc:     base64.RawURLEncoding,
			exp:     now.UnixMilli(),
			wantExp: now.Add(time.Hour).UnixMilli(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := encode(t, tt.enc, map[string]any{
				"id":     "evt_991",
				"ts":     1699999999000,
				"filter": map[string]any{"type": "track"},
				"exp":    tt.exp,
			})

			out := r.Refresh(in)
			got := fields(t, tt.enc, out)

			if int64(got["exp"].(float64)) != tt.wantExp {
				t.Errorf("exp = %v, want %d", got["exp"], tt.wantExp)
			}
			if int64(got["exp"].(float64)) <= tt.exp {
				t.Errorf("refreshed exp %v not greater than original %d", got["exp"], tt.exp)
			}
			if got["id"] != "evt_991" {
				t.Errorf("id changed: %v", got["id"])
			}
			if got["ts"].(float64) != 1699999999000 {
				t.Errorf("ts changed: %v", got["ts"])
			}
			if got["filter"].(map[string]any)["type"] != "track" {
				t.Errorf("filter changed: %v", got["filter"])
			}
		})
	}
}

func TestRefresh_AddsMissingExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	r := &Refresher{ExtendBy: 30 * time.Minute, Now: func() time.Time { return now }}

	in := encode(t, base64.StdEncoding, map[string]any{"pos": 42})
	exp, ok := Expiry(r.Refresh(in))
	if !ok {
		t.Fatal("refreshed cursor should carry an expiry")
	}
	if !exp.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("Expiry() = %v, want %v", exp, now.Add(30*time.Minute))
	}
}

func TestRefresh_Passthrough(t *testing.T) {
	r := New(time.Hour)

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "empty", cursor: ""},
		{name: "plain text", cursor: "abc123"},
		{name: "base64 of non json", cursor: base64.StdEncoding.EncodeToString([]byte("hello world"))},
		{name: "base64 of json array", cursor: base64.StdEncoding.EncodeToString([]byte(`[1,2,3]`))},
		{name: "not base64", cursor: "c1!@#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Refresh(tt.cursor); got != tt.cursor {
				t.Errorf("Refresh(%q) = %q, want unchanged", tt.cursor, got)
			}
			if Structured(tt.cursor) {
				t.Errorf("Structured(%q) = true, want false", tt.cursor)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	c := encode(t, base64.StdEncoding, map[string]any{"exp": 1700000000000})
	exp, ok := Expiry(c)
	if !ok {
		t.Fatal("Expiry() ok = false")
	}
	if exp.UnixMilli() != 1700000000000 {
		t.Errorf("Expiry() = %d, want 1700000000000", exp.UnixMilli())
	}

	if _, ok := Expiry("opaque"); ok {
		t.Error("Expiry() on opaque cursor should report ok = false")
	}
}
