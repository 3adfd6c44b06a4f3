package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "namespace and name",
			key:  Key{Namespace: "credential", Name: "stream-access"},
			want: "ingest:credential:stream-access",
		},
		{
			name: "params sorted",
			key: Key{
				Namespace: "credential",
				Name:      "stream-access",
				Params: map[string]string{
					"origin": "http://api.local",
					"key":    "ab12",
				},
			},
			want: "ingest:credential:stream-access:key=ab12:origin=http://api.local",
		},
		{
			name: "stray separators trimmed",
			key:  Key{Namespace: ":probe:", Name: "limits"},
			want: "ingest:probe:limits",
		},
		{
			name: "empty key",
			key:  Key{},
			want: "ingest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey_Determinism(t *testing.T) {
	key := Key{
		Namespace: "credential",
		Name:      "stream-access",
		Params:    map[string]string{"z": "1", "a": "2", "m": "3"},
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		if got := key.String(); got != first {
			t.Errorf("iteration %d = %v, want %v (not deterministic)", i, got, first)
		}
	}
}
