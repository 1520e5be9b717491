package watchlist

import "strings"

// PairSeparator distinguishes symbolic pair inputs from raw identifiers.
const PairSeparator = "/"

type Pair struct {
	Base  string
	Quote string
}

// SplitInputs partitions mixed watch values into raw identifiers and pairs.
// Values are trimmed and deduplicated preserving first-seen order; something
// with a separator but a missing side fits neither bucket and is dropped.
func SplitInputs(values []string) (ids []string, pairs []Pair) {
	seenID := make(map[string]struct{}, len(values))
	seenPair := make(map[Pair]struct{}, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, PairSeparator) {
			if _, ok := seenID[v]; ok {
				continue
			}
			seenID[v] = struct{}{}
			ids = append(ids, v)
			continue
		}

		base, quote, _ := strings.Cut(v, PairSeparator)
		base, quote = strings.TrimSpace(base), strings.TrimSpace(quote)
		if base == "" || quote == "" || strings.Contains(quote, PairSeparator) {
			continue
		}
		p := Pair{Base: base, Quote: quote}
		if _, ok := seenPair[p]; ok {
			continue
		}
		seenPair[p] = struct{}{}
		pairs = append(pairs, p)
	}
	return ids, pairs
}

// Merge inserts incoming into target and reports only what was actually new.
func Merge(target map[string]struct{}, incoming []string) (added []string) {
	for _, v := range incoming {
		if _, ok := target[v]; ok {
			continue
		}
		target[v] = struct{}{}
		added = append(added, v)
	}
	return added
}

// Diff removes incoming from target and reports only what was actually there.
func Diff(target map[string]struct{}, incoming []string) (removed []string) {
	for _, v := range incoming {
		if _, ok := target[v]; !ok {
			continue
		}
		delete(target, v)
		removed = append(removed, v)
	}
	return removed
}
