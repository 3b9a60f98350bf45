// Package boot defines the bootloader-supplied structures consumed by the
// kernel during early initialization. Parsing the multiboot information
// blocks happens outside this module; the memory subsystem only sees the
// already-decoded memory map.
package boot

// MemoryEntryKind defines the kind of a MemoryMapEntry.
type MemoryEntryKind uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryKind = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved
)

// String implements fmt.Stringer for MemoryEntryKind.
func (k MemoryEntryKind) String() string {
	switch k {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a physical memory region reported by the
// bootloader: its start address, byte length and kind.
type MemoryMapEntry struct {
	// PhysAddress is the physical address of the start of the region.
	PhysAddress uint64

	// Length is the size of the region in bytes.
	Length uint64

	// Kind reports whether the region is available or reserved.
	Kind MemoryEntryKind
}

// MemoryMap is the ordered sequence of regions reported by the bootloader.
// It is consumed exactly once, by the physical memory allocator's Initialize.
type MemoryMap []MemoryMapEntry

// MemRegionVisitor is invoked by VisitMemRegions for each entry in the map.
// Returning false aborts the visit.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes the supplied visitor for each memory region in the
// map, in the order reported by the bootloader.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range m {
		if !visitor(&m[i]) {
			return
		}
	}
}
