package soa

import "sort"

// SwitchSet holds the integer feature flags carried in a request context.
// Set semantics: duplicates collapse, order is not meaningful.
type SwitchSet map[int]struct{}

// NewSwitchSet builds a set from the given switch values.
func NewSwitchSet(switches ...int) SwitchSet {
	s := make(SwitchSet, len(switches))
	for _, sw := range switches {
		s[sw] = struct{}{}
	}
	return s
}

// Active reports whether the switch is present in the set.
func (s SwitchSet) Active(sw int) bool {
	_, ok := s[sw]
	return ok
}

// Union returns a new set containing the switches of both sets.
func (s SwitchSet) Union(other SwitchSet) SwitchSet {
	out := make(SwitchSet, len(s)+len(other))
	for sw := range s {
		out[sw] = struct{}{}
	}
	for sw := range other {
		out[sw] = struct{}{}
	}
	return out
}

// Sorted returns the switches in ascending order, for stable wire output.
func (s SwitchSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for sw := range s {
		out = append(out, sw)
	}
	sort.Ints(out)
	return out
}

// ToWire renders the set as the list form carried in a context map.
func (s SwitchSet) ToWire() []any {
	sorted := s.Sorted()
	out := make([]any, len(sorted))
	for i, sw := range sorted {
		out[i] = int64(sw)
	}
	return out
}

// SwitchSetFromWire parses the context list form, accepting the integer
// shapes different serializers produce. Non-integer entries are skipped.
func SwitchSetFromWire(v any) SwitchSet {
	out := SwitchSet{}
	list, ok := asSlice(v)
	if !ok {
		return out
	}
	for _, raw := range list {
		if n, ok := asInt64(raw); ok {
			out[int(n)] = struct{}{}
		}
	}
	return out
}
