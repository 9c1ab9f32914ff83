package model

import "sort"

// IDSet is a set of merge request identifiers. The zero value is not usable;
// create sets with NewIDSet.
type IDSet map[MergeRequestID]struct{}

// NewIDSet returns a set holding the given ids.
func NewIDSet(ids ...MergeRequestID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s IDSet) Has(id MergeRequestID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id in place.
func (s IDSet) Add(id MergeRequestID) {
	s[id] = struct{}{}
}

// Remove deletes id in place. Removing an absent id is a no-op.
func (s IDSet) Remove(id MergeRequestID) {
	delete(s, id)
}

// Len returns the number of ids. A nil set has length zero.
func (s IDSet) Len() int {
	return len(s)
}

// Clone returns an independent copy. Cloning a nil set yields an empty set.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns a new set with every id of s and of the others.
func (s IDSet) Union(others ...IDSet) IDSet {
	out := s.Clone()
	for _, o := range others {
		for id := range o {
			out[id] = struct{}{}
		}
	}
	return out
}

// Minus returns a new set with the ids of s that are not in o.
func (s IDSet) Minus(o IDSet) IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		if !o.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersect returns a new set with the ids present in both s and o.
func (s IDSet) Intersect(o IDSet) IDSet {
	small, large := s, o
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(IDSet)
	for id := range small {
		if large.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold exactly the same ids.
func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order. Used for stable persistence and
// log output; membership never depends on order.
func (s IDSet) Sorted() []MergeRequestID {
	out := make([]MergeRequestID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ints returns the sorted ids as plain ints, for log attributes and JSON.
func (s IDSet) Ints() []int {
	sorted := s.Sorted()
	out := make([]int, len(sorted))
	for i, id := range sorted {
		out[i] = int(id)
	}
	return out
}
