// Package vmm implements the generic paging model and its concrete 4-level
// x86-64 page-table tree: pagesets for the kernel and for user processes,
// lazy intermediate-table allocation, and bulk page modification through a
// cursor-style walker.
package vmm

import (
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
)

// PageType describes the access permissions of a mapped page.
type PageType uint8

const (
	// PageKernelData is writable, non-executable kernel memory.
	PageKernelData PageType = iota

	// PageKernelCode is read-only, executable kernel memory.
	PageKernelCode

	// PageKernelReadOnly is read-only, non-executable kernel memory.
	PageKernelReadOnly

	// PageUserData is writable, non-executable user memory.
	PageUserData

	// PageUserCode is read-only, executable user memory.
	PageUserCode

	// PageUserReadOnly is read-only, non-executable user memory.
	PageUserReadOnly
)

// UserType returns the user page type matching the supplied writable and
// executable attributes. Writable pages are never executable.
func UserType(writable, executable bool) PageType {
	switch {
	case writable:
		return PageUserData
	case executable:
		return PageUserCode
	default:
		return PageUserReadOnly
	}
}

// Writable returns true if pages of this type may be written.
func (t PageType) Writable() bool {
	return t == PageKernelData || t == PageUserData
}

// User returns true if pages of this type are accessible from user mode.
func (t PageType) User() bool {
	return t == PageUserData || t == PageUserCode || t == PageUserReadOnly
}

// Executable returns true if instructions may be fetched from pages of this
// type.
func (t PageType) Executable() bool {
	return t == PageKernelCode || t == PageUserCode
}

// pageTableEntry encodes a physical frame address plus permission flags in
// the hardware x86-64 page-table entry format.
type pageTableEntry uint64

const (
	flagPresent   pageTableEntry = 1 << 0
	flagWritable  pageTableEntry = 1 << 1
	flagUser      pageTableEntry = 1 << 2
	flagNoExecute pageTableEntry = 1 << 63

	// ptePhysPageMask masks the 40 frame-address bits of an entry.
	ptePhysPageMask = pageTableEntry(0x000ffffffffff000)
)

// entryForMapping encodes a present leaf entry for the supplied mapping.
func entryForMapping(m Mapping) pageTableEntry {
	entry := pageTableEntry(uintptr(m.Paddr)&uintptr(ptePhysPageMask)) | flagPresent
	if m.Type.Writable() {
		entry |= flagWritable
	}
	if m.Type.User() {
		entry |= flagUser
	}
	if !m.Type.Executable() {
		entry |= flagNoExecute
	}
	return entry
}

// entryForTable encodes an intermediate-directory entry pointing at the table
// with the supplied frame. Intermediate entries carry the widest permissions;
// the leaf entry is authoritative.
func entryForTable(frame pmm.Frame, user bool) pageTableEntry {
	entry := pageTableEntry(frame.Address()) | flagPresent | flagWritable
	if user {
		entry |= flagUser
	}
	return entry
}

func (pte pageTableEntry) present() bool {
	return pte&flagPresent != 0
}

func (pte pageTableEntry) paddr() uintptr {
	return uintptr(pte & ptePhysPageMask)
}

// pageType reconstructs the PageType encoded in a present leaf entry.
func (pte pageTableEntry) pageType() PageType {
	user := pte&flagUser != 0
	writable := pte&flagWritable != 0
	executable := pte&flagNoExecute == 0

	switch {
	case user && writable:
		return PageUserData
	case user && executable:
		return PageUserCode
	case user:
		return PageUserReadOnly
	case writable:
		return PageKernelData
	case executable:
		return PageKernelCode
	default:
		return PageKernelReadOnly
	}
}

// Mapping is the virtual-to-physical translation of a single page.
type Mapping struct {
	Paddr uintptr
	Type  PageType
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(vaddr uintptr) uintptr {
	return vaddr & (mem.PageSize - 1)
}
