// Package pmm tracks the ownership of physical memory at page-range
// granularity: every page above the safe boundary is either free or
// allocated to the kernel or to a single process.
package pmm

import (
	"math"

	"github.com/devyn/kit-sub000/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame containing the supplied physical
// address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
