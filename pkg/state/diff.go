package state

import (
	"cmp"
	"sort"
)

// entry is one (bucket key, entity) pair. Set membership during a diff is
// decided on the whole pair.
type entry[K cmp.Ordered, E comparable] struct {
	Key   K
	Value E
}

type entrySet[K cmp.Ordered, E comparable] map[entry[K, E]]struct{}

func pairs[K cmp.Ordered, E comparable](m map[K][]E) entrySet[K, E] {
	set := entrySet[K, E]{}
	for k, list := range m {
		for _, e := range list {
			set[entry[K, E]{Key: k, Value: e}] = struct{}{}
		}
	}
	return set
}

// singletons lifts a plain map into bucket form so it can be diffed
func singletons[K cmp.Ordered, E comparable](m map[K]E) map[K][]E {
	out := make(map[K][]E, len(m))
	for k, e := range m {
		out[k] = []E{e}
	}
	return out
}

// minus returns a - b ordered by key, then by less
func (a entrySet[K, E]) minus(b entrySet[K, E], less func(x, y E) bool) []entry[K, E] {
	var out []entry[K, E]
	for e := range a {
		if _, ok := b[e]; !ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return less(out[i].Value, out[j].Value)
	})
	return out
}

// equal reports whether both sets hold the same pairs
func (a entrySet[K, E]) equal(b entrySet[K, E]) bool {
	if len(a) != len(b) {
		return false
	}
	for e := range a {
		if _, ok := b[e]; !ok {
			return false
		}
	}
	return true
}

// diffBuckets compares two bucket maps. removed holds the pairs only present in
// mine, added the pairs only present in theirs. An entity whose key stayed but
// whose fields changed shows up in both.
func diffBuckets[K cmp.Ordered, E comparable](mine, theirs map[K][]E, less func(x, y E) bool) (removed, added []entry[K, E]) {
	a, b := pairs(mine), pairs(theirs)
	return a.minus(b, less), b.minus(a, less)
}

// sameBuckets reports whether two bucket maps hold the same pairs, ignoring
// order inside buckets
func sameBuckets[K cmp.Ordered, E comparable](a, b map[K][]E) bool {
	return pairs(a).equal(pairs(b))
}
