package vmm

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem"
)

const (
	// kernelHalfBase is the first PML4 slot of the kernel half of the
	// canonical address space.
	kernelHalfBase = entriesPerTable / 2

	// kernelPrefix is the canonical sign-extension prefix (bits 48-63)
	// required of every kernel virtual address.
	kernelPrefix = uintptr(0xffff)
)

var (
	// ErrOutOfKernelRange is returned when a kernel pageset operation
	// touches an address outside the canonical kernel half. The
	// accompanying pages-done count tells the caller how far the
	// operation got, i.e. the last valid boundary.
	ErrOutOfKernelRange = &kernel.Error{Module: "vmm", Message: "virtual address outside kernel range"}

	// ErrOutOfUserRange is the user-pageset counterpart of
	// ErrOutOfKernelRange.
	ErrOutOfUserRange = &kernel.Error{Module: "vmm", Message: "virtual address outside user range"}

	// loadPagesetFn installs the supplied top-level table in the MMU
	// (writes CR3). The arch bootstrap provides the real routine; the
	// default only tracks the active pageset, which is all hosted tests
	// need.
	loadPagesetFn = func(ps *Pageset) {}

	// activePageset tracks the pageset currently loaded in hardware.
	// This mirrors per-core MMU state and is written only via Load.
	activePageset *Pageset
)

// Pageset is a complete virtual-to-physical translation tree for one address
// space. A kernel pageset covers only the canonical high half; a user
// pageset covers only the low half and lazily mirrors the kernel half from
// the live kernel pageset.
//
// A pageset is shared by the kernel and zero or more processes; its lock
// serializes structural modification while Lookup may be called by any
// holder concurrently.
type Pageset struct {
	lock ksync.Spinlock
	pml4 *Pml4
	user bool

	// kversion is the kernel pageset's monotonic structural version.
	kversion uint64

	// kernelPageset and kversionSeen implement the lazy kernel-half
	// resync of user pagesets.
	kernelPageset *Pageset
	kversionSeen  uint64
}

// NewKernel creates the kernel pageset.
func NewKernel() (*Pageset, *kernel.Error) {
	pml4, err := newPml4()
	if err != nil {
		return nil, err
	}
	// kversion starts at 1 so that a fresh user pageset (kversionSeen 0)
	// always performs its initial kernel-half copy.
	return &Pageset{pml4: pml4, kversion: 1}, nil
}

// New creates a user pageset whose kernel half mirrors kernelPageset.
func New(kernelPageset *Pageset) (*Pageset, *kernel.Error) {
	pml4, err := newPml4()
	if err != nil {
		return nil, err
	}

	ps := &Pageset{
		pml4:          pml4,
		user:          true,
		kernelPageset: kernelPageset,
	}
	ps.syncKernelHalf()
	return ps, nil
}

// IsUser reports whether this pageset covers the user half of the address
// space.
func (ps *Pageset) IsUser() bool {
	return ps.user
}

// KernelVersion returns the kernel pageset's current structural version.
func (ps *Pageset) KernelVersion() uint64 {
	return ps.kversion
}

// addrInRange reports whether vaddr is valid for this pageset: a user
// pageset requires canonical prefix 0 and a PML4 index below 256, a kernel
// pageset requires prefix 0xffff and an index of 256 or above.
func (ps *Pageset) addrInRange(vaddr uintptr) bool {
	prefix := vaddr >> 48
	idx := pml4Index(vaddr)

	if ps.user {
		return prefix == 0 && idx < kernelHalfBase
	}
	return prefix == kernelPrefix && idx >= kernelHalfBase
}

func (ps *Pageset) rangeError() *kernel.Error {
	if ps.user {
		return ErrOutOfUserRange
	}
	return ErrOutOfKernelRange
}

// ModifyWhile walks the page tables starting at vaddr and invokes fn once
// per page until it reports done, installing or clearing each leaf entry
// from fn's return value and advancing one page per call. Intermediate
// tables are allocated lazily on the way down and pruned when a modification
// leaves them empty. Every leaf mutation invalidates the local TLB entry for
// its address.
//
// The returned count is the number of pages processed. If the walk crosses
// out of the pageset's valid range the count tells the caller exactly how
// many pages succeeded before the boundary.
func (ps *Pageset) ModifyWhile(vaddr uintptr, fn ModifyFn) (uint64, *kernel.Error) {
	ps.lock.Acquire()
	defer ps.lock.Release()
	return ps.modifyWhile(vaddr, fn)
}

// modifyWhile is ModifyWhile without the lock acquisition, for callers that
// compose several modifications under one critical section.
func (ps *Pageset) modifyWhile(vaddr uintptr, fn ModifyFn) (uint64, *kernel.Error) {
	st := &walkState{addr: mem.PageAlignDown(vaddr), fn: fn}

	defer func() {
		if !ps.user && st.changed {
			ps.kversion++
		}
	}()

	for !st.done {
		// Validate once per crossed PML4 boundary.
		if !ps.addrInRange(st.addr) {
			return st.pagesDone, ps.rangeError()
		}

		idx := pml4Index(st.addr)
		pdpt, err := ps.pml4.childOrCreate(idx, ps.user)
		if err != nil {
			return st.pagesDone, err
		}

		if err := pdpt.modifyWhile(st, ps.user); err != nil {
			ps.pml4.updateEntry(idx, ps.user)
			return st.pagesDone, err
		}
		ps.pml4.updateEntry(idx, ps.user)
	}

	return st.pagesDone, nil
}

// Lookup returns the physical address that vaddr translates to, or false if
// the page is not mapped.
func (ps *Pageset) Lookup(vaddr uintptr) (uintptr, bool) {
	m := ps.pml4.lookup(vaddr)
	if m == nil {
		return 0, false
	}
	return m.Paddr + PageOffset(vaddr), true
}

// LookupPage returns the mapping of the page containing vaddr, or nil if the
// page is not mapped.
func (ps *Pageset) LookupPage(vaddr uintptr) *Mapping {
	return ps.pml4.lookup(vaddr)
}

// MapPages maps pages consecutive pages starting at vaddr to the physical
// run starting at paddr with the supplied type. On a range violation the
// returned count holds the pages mapped before the boundary.
func (ps *Pageset) MapPages(vaddr, paddr uintptr, pages uint64, pageType PageType) (uint64, *kernel.Error) {
	var n uint64
	return ps.ModifyWhile(vaddr, func(_ *Mapping) (*Mapping, bool) {
		if n == pages {
			return nil, true
		}
		m := Mapping{Paddr: paddr + uintptr(n)<<mem.PageShift, Type: pageType}
		n++
		return &m, false
	})
}

// UnmapPages clears pages consecutive leaf entries starting at vaddr. The
// physical backing is not released; that is the caller's bookkeeping.
func (ps *Pageset) UnmapPages(vaddr uintptr, pages uint64) (uint64, *kernel.Error) {
	var n uint64
	return ps.ModifyWhile(vaddr, func(_ *Mapping) (*Mapping, bool) {
		if n == pages {
			return nil, true
		}
		n++
		return nil, false
	})
}

// SetPermissions rewrites the page type of pages consecutive already-mapped
// pages starting at vaddr without touching their physical backing. Unmapped
// pages in the range are left unmapped.
func (ps *Pageset) SetPermissions(vaddr uintptr, pages uint64, pageType PageType) (uint64, *kernel.Error) {
	var n uint64
	return ps.ModifyWhile(vaddr, func(current *Mapping) (*Mapping, bool) {
		if n == pages {
			return nil, true
		}
		n++
		if current == nil {
			return nil, false
		}
		return &Mapping{Paddr: current.Paddr, Type: pageType}, false
	})
}

// syncKernelHalf refreshes the user pageset's kernel-half slots from the
// live kernel pageset if its cached version is stale. The high-half tables
// are aliased, not copied: the kernel pageset retains exclusive ownership of
// the shared subtree and user pagesets never modify it (addrInRange forbids
// it), so post-boot kernel mapping changes propagate to every process
// without per-process table pages.
func (ps *Pageset) syncKernelHalf() {
	if ps.kernelPageset == nil {
		return
	}

	current := ps.kernelPageset.kversion
	if ps.kversionSeen == current {
		return
	}

	for idx := kernelHalfBase; idx < entriesPerTable; idx++ {
		ps.pml4.entries[idx] = ps.kernelPageset.pml4.entries[idx]
		ps.pml4.children[idx] = ps.kernelPageset.pml4.children[idx]
	}
	ps.kversionSeen = current
}

// Load makes this pageset the active translation context, resyncing a user
// pageset's kernel half first if it is stale.
func (ps *Pageset) Load() {
	ps.lock.Acquire()
	ps.syncKernelHalf()
	ps.lock.Release()

	activePageset = ps
	loadPagesetFn(ps)
}

// Active returns the pageset currently loaded in hardware, or nil before the
// first Load.
func Active() *Pageset {
	return activePageset
}

// SetPagesetLoader registers the routine that installs a pageset's top-level
// table in the MMU.
func SetPagesetLoader(fn func(ps *Pageset)) {
	loadPagesetFn = fn
}
