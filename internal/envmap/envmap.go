package envmap

import (
	"sort"
	"strings"
)

// Map holds environment variables keyed by name. The zero value is not
// usable; construct with New or FromEnviron.
type Map map[string]string

func New() Map {
	return Map{}
}

// FromEnviron parses KEY=VALUE entries as produced by os.Environ. An entry
// with no '=' is kept with an empty value so it still round-trips.
func FromEnviron(entries []string) Map {
	m := make(Map, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		key := parts[0]
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		m[key] = value
	}
	return m
}

func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge overlays other onto m. Values in other win.
func (m Map) Merge(other Map) {
	for k, v := range other {
		m[k] = v
	}
}

// Environ renders the map back to KEY=VALUE entries sorted by key, so the
// assembled environment is stable across runs.
func (m Map) Environ() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
