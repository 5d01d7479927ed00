package ingest

import (
	"sort"

	"github.com/geoos/geoarchive/internal/catalog"
)

// Flatten merges nested maps of a band description into one level of
// scalar values. Arrays are dropped. When a key appears at several depths
// the shallowest occurrence wins; siblings are visited in key order.
func Flatten(raw map[string]any) map[string]catalog.Value {
	out := map[string]catalog.Value{}
	level := []map[string]any{raw}
	for len(level) > 0 {
		var next []map[string]any
		for _, m := range level {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				switch t := m[k].(type) {
				case map[string]any:
					next = append(next, t)
				case []any:
				default:
					if _, taken := out[k]; taken {
						continue
					}
					if v, ok := catalog.ValueOf(t); ok {
						out[k] = v
					}
				}
			}
		}
		level = next
	}
	return out
}
