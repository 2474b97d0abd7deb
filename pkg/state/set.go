package state

import (
	"cmp"
	"sort"
)

// Buckets map a key (app id or fingerprint) to a list that is used as a set:
// entries are compared by full structural equality and never repeated.

// insertUnique appends e to m[key] unless an equal entry is already there
func insertUnique[K comparable, E comparable](m map[K][]E, key K, e E) bool {
	for _, existing := range m[key] {
		if existing == e {
			return false
		}
	}
	m[key] = append(m[key], e)
	return true
}

// removeMatching drops the entries of m[key] selected by match. A bucket left
// empty is deleted from the map.
func removeMatching[K comparable, E any](m map[K][]E, key K, match func(E) bool) int {
	list, ok := m[key]
	if !ok {
		return 0
	}
	kept := make([]E, 0, len(list))
	for _, e := range list {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	removed := len(list) - len(kept)
	if len(kept) == 0 {
		delete(m, key)
	} else if removed > 0 {
		m[key] = kept
	}
	return removed
}

// cloneBuckets deep copies a bucket map
func cloneBuckets[K comparable, E any](m map[K][]E) map[K][]E {
	out := make(map[K][]E, len(m))
	for k, list := range m {
		if len(list) == 0 {
			continue
		}
		out[k] = append([]E(nil), list...)
	}
	return out
}

// sortedKeys returns the keys of m in ascending order
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// flatten lists every entry of m, buckets in key order, each bucket in
// insertion order
func flatten[K cmp.Ordered, E any](m map[K][]E) []E {
	var out []E
	for _, k := range sortedKeys(m) {
		out = append(out, m[k]...)
	}
	return out
}
