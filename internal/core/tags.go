package core

import (
	"slices"
	"strings"
)

// NormalizeTags trims, drops empty entries, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Satisfies reports whether a worker advertising workerTags can run a job
// requiring required, i.e. required is a subset of workerTags.
// An empty requirement is never satisfied.
func Satisfies(workerTags, required []string) bool {
	if len(required) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(workerTags))
	for _, t := range workerTags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}
