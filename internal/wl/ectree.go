package wl

import "sort"

// ecEntry is one eraseblock's erase-count bookkeeping entry.
type ecEntry struct {
	pnum int
	ec   uint64
}

// ecSet keeps PEB entries ordered by (ec, pnum), giving O(log n) median,
// min and max selection. §9 leaves the exact red-black-tree tie-break
// order as an open question ("pick any, deterministically by pnum"); a
// sorted slice gives the same deterministic order with Go's stdlib, which
// carries no balanced-tree container, at the cost of O(n) insert/remove
// instead of O(log n) - acceptable since a UBI instance's PEB count is in
// the thousands, not a hot path at that scale.
type ecSet struct {
	entries []ecEntry
}

func (s *ecSet) less(a, b ecEntry) bool {
	if a.ec != b.ec {
		return a.ec < b.ec
	}
	return a.pnum < b.pnum
}

func (s *ecSet) insert(e ecEntry) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.less(e, s.entries[i]) })
	s.entries = append(s.entries, ecEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *ecSet) removeAt(i int) ecEntry {
	e := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return e
}

func (s *ecSet) indexOfPnum(pnum int) int {
	for i, e := range s.entries {
		if e.pnum == pnum {
			return i
		}
	}
	return -1
}

func (s *ecSet) removeByPnum(pnum int) (ecEntry, bool) {
	i := s.indexOfPnum(pnum)
	if i < 0 {
		return ecEntry{}, false
	}
	return s.removeAt(i), true
}

// removeMedian pops the entry with the median EC, §4.C's get_peb
// heuristic: skew high-EC PEBs into data, keep low-EC PEBs circulating.
func (s *ecSet) removeMedian() (ecEntry, bool) {
	if len(s.entries) == 0 {
		return ecEntry{}, false
	}
	return s.removeAt(len(s.entries) / 2), true
}

// removeNearMean pops the entry whose EC is closest to the set's mean, used to
// pick a wear-level move target.
func (s *ecSet) removeNearMean() (ecEntry, bool) {
	if len(s.entries) == 0 {
		return ecEntry{}, false
	}
	mean := s.meanEC()
	best := 0
	var bestDiff uint64
	for i, e := range s.entries {
		diff := diffEC(e.ec, mean)
		if i == 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return s.removeAt(best), true
}

func diffEC(a, mean uint64) uint64 {
	if a > mean {
		return a - mean
	}
	return mean - a
}

func (s *ecSet) min() (ecEntry, bool) {
	if len(s.entries) == 0 {
		return ecEntry{}, false
	}
	return s.entries[0], true
}

// minExcluding returns the lowest-EC entry whose pnum skip accepts, or
// false if every entry is rejected (or the set is empty). entries is kept
// sorted ascending by (ec, pnum), so the first accepted entry is the min.
func (s *ecSet) minExcluding(skip func(pnum int) bool) (ecEntry, bool) {
	for _, e := range s.entries {
		if !skip(e.pnum) {
			return e, true
		}
	}
	return ecEntry{}, false
}

func (s *ecSet) max() (ecEntry, bool) {
	if len(s.entries) == 0 {
		return ecEntry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

func (s *ecSet) meanEC() uint64 {
	if len(s.entries) == 0 {
		return 0
	}
	var sum uint64
	for _, e := range s.entries {
		sum += e.ec
	}
	return sum / uint64(len(s.entries))
}

func (s *ecSet) len() int { return len(s.entries) }

func (s *ecSet) all() []ecEntry {
	cp := make([]ecEntry, len(s.entries))
	copy(cp, s.entries)
	return cp
}
