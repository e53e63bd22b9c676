package envexec

import (
	"maps"
	"slices"
	"strings"
)

// MergeEnv returns base with overlay applied. Keys present in overlay
// replace the base binding in place, new keys are appended in sorted
// order. Neither input is modified.
func MergeEnv(base []string, overlay map[string]string) []string {
	rt := make([]string, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(base))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := overlay[k]; ok {
			rt = append(rt, k+"="+v)
			continue
		}
		rt = append(rt, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(overlay)) {
		if !seen[k] {
			rt = append(rt, k+"="+overlay[k])
		}
	}
	return rt
}
