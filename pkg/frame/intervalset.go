package frame

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

// Size returns the number of bytes the interval covers.
func (iv Interval) Size() uint64 { return iv.End - iv.Start }

// mergeIntoIfIntersects merges iv into other if they overlap or touch,
// mutating other in place, mirroring original_source's
// MemInterval::mergeIntoIfIntersects.
func mergeIntoIfIntersects(iv Interval, other *Interval) (before, intersects bool) {
	if iv.Start <= other.Start {
		if iv.End < other.Start {
			return true, false
		}
		if iv.End <= other.End {
			other.Start = iv.Start
			return false, true
		}
		*other = iv
		return false, true
	}
	if iv.Start > other.End {
		return false, false
	}
	if iv.End <= other.End {
		return false, true
	}
	other.End = iv.End
	return false, true
}

// IntervalSet maintains a sorted, coalesced set of disjoint, non-adjacent
// half-open byte ranges.
type IntervalSet struct {
	intervals []Interval
}

// Add inserts iv = [s,e), merging it with every existing interval it
// overlaps or touches. Empty intervals (s >= e) are rejected.
func (s *IntervalSet) Add(iv Interval) {
	if iv.Start >= iv.End {
		return
	}

	if len(s.intervals) == 0 {
		s.intervals = append(s.intervals, iv)
		return
	}

	i := 0
	for i < len(s.intervals) {
		before, intersects := mergeIntoIfIntersects(iv, &s.intervals[i])
		if before {
			s.intervals = append(s.intervals, Interval{})
			copy(s.intervals[i+1:], s.intervals[i:])
			s.intervals[i] = iv
			return
		}
		if intersects {
			merged := i
			j := i + 1
			for j < len(s.intervals) {
				_, intersects2 := mergeIntoIfIntersects(s.intervals[j], &s.intervals[merged])
				if !intersects2 {
					break
				}
				j++
			}
			s.intervals = append(s.intervals[:i+1], s.intervals[j:]...)
			return
		}
		i++
	}
	s.intervals = append(s.intervals, iv)
}

// Clear empties the set.
func (s *IntervalSet) Clear() {
	s.intervals = s.intervals[:0]
}

// Len returns the number of disjoint intervals.
func (s *IntervalSet) Len() int { return len(s.intervals) }

// At returns the i-th interval in sorted order.
func (s *IntervalSet) At(i int) Interval { return s.intervals[i] }

// TotalCovered returns the sum of the lengths of all disjoint intervals.
func (s *IntervalSet) TotalCovered() uint64 {
	var total uint64
	for _, iv := range s.intervals {
		total += iv.Size()
	}
	return total
}
