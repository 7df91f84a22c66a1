package vocab

import (
	"slices"
	"strings"
)

// PruneOptions configure Prune. A negative TopK keeps every term; a zero
// FrequencyThreshold keeps every frequency.
type PruneOptions struct {
	TopK               int
	FrequencyThreshold float64
	// Coverage, when set, adds the best terms of every coverage key to the
	// result.
	Coverage *Coverage
}

// Coverage guarantees representation per coverage key, for example per
// language. Its terms are unioned into the standard selection.
type Coverage struct {
	TopK               int
	FrequencyThreshold float64
	KeyFn              func(term string) string
}

// Less orders entries by descending key, ties by descending term.
func Less(a, b Entry) bool {
	if a.Key != b.Key {
		return a.Key > b.Key
	}
	return a.Term > b.Term
}

func compareEntries(a, b Entry) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

// Writable reports whether a term can be stored on one line of a
// vocabulary file.
func Writable(term string) bool {
	return term != "" && !strings.ContainsAny(term, "\n\r")
}

// Filter drops terms that cannot be written.
func Filter(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if Writable(e.Term) {
			out = append(out, e)
		}
	}
	return out
}

// Prune applies the frequency threshold and top-k to entries and unions the
// coverage selection. The result is in rank order.
func Prune(entries []Entry, opts PruneOptions) []Entry {
	entries = Filter(entries)
	slices.SortStableFunc(entries, compareEntries)

	selected := selectTop(entries, opts.TopK, opts.FrequencyThreshold)
	if opts.Coverage == nil {
		return selected
	}

	groups := make(map[string][]Entry)
	var keys []string
	for _, e := range entries {
		k := opts.Coverage.KeyFn(e.Term)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}
	seen := make(map[string]bool, len(selected))
	for _, e := range selected {
		seen[e.Term] = true
	}
	for _, k := range keys {
		for _, e := range selectTop(groups[k], opts.Coverage.TopK, opts.Coverage.FrequencyThreshold) {
			if !seen[e.Term] {
				seen[e.Term] = true
				selected = append(selected, e)
			}
		}
	}
	slices.SortStableFunc(selected, compareEntries)
	return selected
}

// selectTop keeps the first topK sorted entries whose frequency reaches the
// threshold.
func selectTop(sorted []Entry, topK int, threshold float64) []Entry {
	var out []Entry
	for _, e := range sorted {
		if topK >= 0 && len(out) >= topK {
			break
		}
		if e.Frequency < threshold {
			continue
		}
		out = append(out, e)
	}
	return out
}
