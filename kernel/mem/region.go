package mem

// Region describes a contiguous run of addresses [Start, Start+Length).
// Regions are used for both physical and virtual ranges; the arithmetic is
// identical.
type Region struct {
	Start  uintptr
	Length uintptr
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Start + r.Length
}

// IsEmpty reports whether the region covers no addresses.
func (r Region) IsEmpty() bool {
	return r.Length == 0
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End()
}

// ContainsRegion reports whether other lies entirely within r.
func (r Region) ContainsRegion(other Region) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

// Overlaps reports whether the two regions share at least one address.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// Touches reports whether the two regions share an address or are directly
// adjacent, i.e. whether they can be represented as a single region.
func (r Region) Touches(other Region) bool {
	return r.Start <= other.End() && other.Start <= r.End()
}

// Join merges two regions into one. The second return value is false if the
// regions neither intersect nor touch, in which case the result is undefined.
func (r Region) Join(other Region) (Region, bool) {
	if !r.Touches(other) {
		return Region{}, false
	}

	start := r.Start
	if other.Start < start {
		start = other.Start
	}
	end := r.End()
	if other.End() > end {
		end = other.End()
	}
	return Region{Start: start, Length: end - start}, true
}

// Cut removes excl from r, returning the remainders before and after the
// excluded range. Either remainder may be empty.
func (r Region) Cut(excl Region) (before, after Region) {
	if !r.Overlaps(excl) {
		// Nothing to exclude; by convention the untouched region is
		// returned on the side it falls on.
		if r.End() <= excl.Start {
			return r, Region{}
		}
		return Region{}, r
	}

	if excl.Start > r.Start {
		before = Region{Start: r.Start, Length: excl.Start - r.Start}
	}
	if excl.End() < r.End() {
		after = Region{Start: excl.End(), Length: r.End() - excl.End()}
	}
	return before, after
}
