package mem

// RegionSet maintains the minimal sorted representation of a set of
// addresses: the regions it holds are non-overlapping, non-touching and
// ordered by start address. Insert and Remove compute the set-theoretic
// union and difference respectively.
type RegionSet struct {
	regions []Region
}

// Regions returns the set's current representation. The returned slice is
// owned by the set and must not be mutated.
func (s *RegionSet) Regions() []Region {
	return s.regions
}

// TotalLength returns the number of addresses covered by the set.
func (s *RegionSet) TotalLength() uintptr {
	var total uintptr
	for _, r := range s.regions {
		total += r.Length
	}
	return total
}

// Insert adds region to the set, joining it with any existing regions it
// intersects or touches.
func (s *RegionSet) Insert(region Region) {
	if region.IsEmpty() {
		return
	}

	out := make([]Region, 0, len(s.regions)+1)
	inserted := false

	for _, r := range s.regions {
		if joined, ok := region.Join(r); ok {
			region = joined
			continue
		}
		if !inserted && r.Start > region.End() {
			out = append(out, region)
			inserted = true
		}
		out = append(out, r)
	}
	if !inserted {
		out = append(out, region)
	}

	s.regions = out
}

// Remove subtracts region from the set, splitting any existing region that
// partially overlaps it.
func (s *RegionSet) Remove(region Region) {
	if region.IsEmpty() {
		return
	}

	out := make([]Region, 0, len(s.regions)+1)
	for _, r := range s.regions {
		if !r.Overlaps(region) {
			out = append(out, r)
			continue
		}

		before, after := r.Cut(region)
		if !before.IsEmpty() {
			out = append(out, before)
		}
		if !after.IsEmpty() {
			out = append(out, after)
		}
	}

	s.regions = out
}

// Contains reports whether every address of region is a member of the set.
func (s *RegionSet) Contains(region Region) bool {
	for _, r := range s.regions {
		if r.ContainsRegion(region) {
			return true
		}
	}
	return false
}
