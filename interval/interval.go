// Package interval implements the half-open byte-range bookkeeping shared
// by the segment producer's work pool and completed set: a sorted,
// non-overlapping collection of [Begin, End) ranges supporting merge-on-insert,
// chop-with-split, ascending iteration, and total-length measurement.
//
// This is a reimplementation of the Python `intervaltree`-backed bookkeeping
// in parcel/segment.py, sized for the tens-to-thousands of intervals a
// single download's work pool ever holds: a sorted slice with binary search
// is the data structure spec.md explicitly allows in place of a balanced tree
// at this scale.
package interval

import (
	"fmt"
	"sort"
)

// Digest is a sum type over an interval's optional segment checksum:
// either no digest was recorded (Present == false) or a fixed-width MD5
// sum covers exactly the bytes of this interval.
type Digest struct {
	Present bool
	Sum     [16]byte
}

// Interval is a half-open byte range [Begin, End) with an optional digest.
type Interval struct {
	Begin, End int64
	Digest     Digest
}

// Len returns End-Begin.
func (iv Interval) Len() int64 { return iv.End - iv.Begin }

func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d)", iv.Begin, iv.End)
}

// Set is a sorted, non-overlapping collection of Intervals, ordered by Begin.
// The zero value is an empty Set.
type Set struct {
	items []Interval
}

// NewSet returns a Set containing a single interval [begin, end), or empty
// if begin >= end.
func NewSet(begin, end int64) *Set {
	s := &Set{}
	if begin < end {
		s.items = []Interval{{Begin: begin, End: end}}
	}
	return s
}

// Intervals returns the intervals in ascending order by Begin. The returned
// slice must not be mutated by the caller.
func (s *Set) Intervals() []Interval {
	return s.items
}

// Len returns the number of intervals currently in the set.
func (s *Set) Len() int {
	return len(s.items)
}

// Measure returns the total covered length across all intervals.
func (s *Set) Measure() int64 {
	var total int64
	for _, iv := range s.items {
		total += iv.Len()
	}
	return total
}

// First returns the lowest-Begin interval in the set and true, or the zero
// Interval and false if the set is empty.
func (s *Set) First() (Interval, bool) {
	if len(s.items) == 0 {
		return Interval{}, false
	}
	return s.items[0], true
}

// Insert adds an interval to the set, merging it with any overlapping or
// directly-adjacent neighbors — but only when doing so would not destroy a
// recorded Digest. An interval carrying a Digest (and any existing neighbor
// it touches that also carries one) is never coalesced into a single wider
// interval, because the resulting range would have no single digest that
// covers it: it is instead kept as its own entry, trimming any touched
// neighbor around it so the set stays non-overlapping. This matches
// segment.py's `IntervalTree.add`, which never merges at all — the
// coalescing here is purely a compaction the non-digest path affords itself.
func (s *Set) Insert(iv Interval) {
	if iv.Begin >= iv.End {
		return
	}

	lo := sort.Search(len(s.items), func(i int) bool { return s.items[i].End >= iv.Begin })
	hi := lo
	begin, end := iv.Begin, iv.End
	anyDigest := iv.Digest.Present
	for hi < len(s.items) && s.items[hi].Begin <= end {
		if s.items[hi].Digest.Present {
			anyDigest = true
		}
		if s.items[hi].Begin < begin {
			begin = s.items[hi].Begin
		}
		if s.items[hi].End > end {
			end = s.items[hi].End
		}
		hi++
	}

	if hi-lo == 0 {
		out := make([]Interval, 0, len(s.items)+1)
		out = append(out, s.items[:lo]...)
		out = append(out, iv)
		out = append(out, s.items[hi:]...)
		s.items = out
		return
	}

	if !anyDigest {
		merged := Interval{Begin: begin, End: end}
		out := make([]Interval, 0, len(s.items)-(hi-lo)+1)
		out = append(out, s.items[:lo]...)
		out = append(out, merged)
		out = append(out, s.items[hi:]...)
		s.items = out
		return
	}

	// A digest is involved: keep every touched interval as its own entry.
	// iv always wins the bytes it covers; touched neighbors are trimmed
	// around it rather than absorbed, so their own digests (if any) survive
	// for the ranges they still uniquely cover.
	pieces := make([]Interval, 0, hi-lo+1)
	for i := lo; i < hi; i++ {
		existing := s.items[i]
		if existing.Begin < iv.Begin {
			pieces = append(pieces, Interval{Begin: existing.Begin, End: iv.Begin, Digest: existing.Digest})
		}
		if existing.End > iv.End {
			pieces = append(pieces, Interval{Begin: iv.End, End: existing.End, Digest: existing.Digest})
		}
	}
	pieces = append(pieces, iv)
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Begin < pieces[j].Begin })

	out := make([]Interval, 0, len(s.items)-(hi-lo)+len(pieces))
	out = append(out, s.items[:lo]...)
	out = append(out, pieces...)
	out = append(out, s.items[hi:]...)
	s.items = out
}

// Chop removes [begin, end) from the set, splitting any interval that only
// partially overlaps it. Digest metadata is dropped from any interval that
// is split, since a partial-digest is meaningless once the chunk boundary
// that produced it no longer aligns with the surviving interval.
func (s *Set) Chop(begin, end int64) {
	if begin >= end || len(s.items) == 0 {
		return
	}

	out := make([]Interval, 0, len(s.items)+1)
	for _, iv := range s.items {
		if iv.End <= begin || iv.Begin >= end {
			// No overlap.
			out = append(out, iv)
			continue
		}
		if iv.Begin < begin {
			out = append(out, Interval{Begin: iv.Begin, End: begin})
		}
		if iv.End > end {
			out = append(out, Interval{Begin: end, End: iv.End})
		}
		// The portion inside [begin, end) is dropped entirely.
	}
	s.items = out
}

// Remove deletes exactly the given interval from the set if present
// (matched by Begin/End). Used when a recorded completion fails checksum
// re-validation on resume and must be rescheduled.
func (s *Set) Remove(iv Interval) {
	out := s.items[:0:0]
	for _, existing := range s.items {
		if existing.Begin == iv.Begin && existing.End == iv.End {
			continue
		}
		out = append(out, existing)
	}
	s.items = out
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	out := &Set{items: make([]Interval, len(s.items))}
	copy(out.items, s.items)
	return out
}

// Equal reports whether two sets cover exactly the same intervals (as a
// set of ranges; digest metadata is ignored for equality).
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i, iv := range s.items {
		o := other.items[i]
		if iv.Begin != o.Begin || iv.End != o.End {
			return false
		}
	}
	return true
}
