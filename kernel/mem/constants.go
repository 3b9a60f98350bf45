// Package mem provides page-granularity constants and the physical/virtual
// region arithmetic shared by the memory allocators.
package mem

const (
	// PageShift is the left shift that converts a page number to an address.
	PageShift = 12

	// PageSize is the size of a page in bytes (4 KiB).
	PageSize = 1 << PageShift

	// PointerShift is the left shift that converts a page-table entry
	// index to a byte offset within its table.
	PointerShift = 3
)

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^uintptr(PageSize-1)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^uintptr(PageSize-1)
}

// PagesForBytes returns the number of pages needed to hold size bytes.
func PagesForBytes(size uint64) uint64 {
	return (size + PageSize - 1) >> PageShift
}
