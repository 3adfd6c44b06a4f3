package cache

import (
	"fmt"
	"sort"
	"strings"
)

// keyPrefix is shared with the other Redis keys of the service.
const keyPrefix = "ingest"

// Key identifies a cached value.
type Key struct {
	// Namespace groups related keys, e.g. "credential".
	Namespace string

	// Name is the value's name within the namespace.
	Name string

	// Params disambiguate otherwise identical keys, e.g. the API origin.
	Params map[string]string
}

// String generates a deterministic key string.
// Format: ingest:namespace:name:param1=val1:param2=val2
func (k Key) String() string {
	parts := []string{keyPrefix}

	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	if name := strings.Trim(k.Name, ":"); name != "" {
		parts = append(parts, name)
	}

	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Params[key]))
		}
	}

	return strings.Join(parts, ":")
}
