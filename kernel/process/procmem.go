package process

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
	"github.com/devyn/kit-sub000/kernel/mem/vmm"
)

const (
	// ArgsTopAddr is the fixed top-of-address-space constant below which
	// argv strings and the argument pointer table are laid out.
	ArgsTopAddr = uintptr(0x0000_7fff_ffff_f000)

	// StackTopAddr is the initial user stack pointer; the stack grows
	// down from here.
	StackTopAddr = uintptr(0x0000_7fff_ffe0_0000)

	// initialStackPages is the stack size pre-mapped at process creation.
	initialStackPages = 16

	// DefaultHeapBase is the heap base used until the loader derives one
	// from the image's highest mapped segment.
	DefaultHeapBase = uintptr(0x0000_0000_4000_0000)
)

var (
	// ErrOutOfMemory is returned by MapAllocate when the physical
	// allocator is exhausted mid-request. The pages-done count reports
	// partial progress.
	ErrOutOfMemory = &kernel.Error{Module: "process", Message: "out of memory while mapping"}

	errHeapDelta = &kernel.Error{Module: "process", Message: "heap adjustment would overflow or underflow"}

	errArgsTooLarge = &kernel.Error{Module: "process", Message: "argument block exceeds its reserved range"}

	// copyToUserFn writes bytes through the currently loaded pageset.
	// The default writes to the virtual address directly, which is
	// correct on hardware where the target pageset is active; tests
	// override it to capture the writes.
	copyToUserFn = func(vaddr uintptr, data []byte) {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), len(data))
		copy(dst, data)
	}
)

// SetUserCopier registers the routine that writes bytes through the
// currently loaded pageset. The arch layer installs the real user-memory
// copier; tests install a capture.
func SetUserCopier(fn func(vaddr uintptr, data []byte)) {
	copyToUserFn = fn
}

// OwnedRegion records one physical grant mapped into a process's address
// space; it is the unit of release when the space is torn down.
type OwnedRegion struct {
	Vaddr uintptr
	Paddr uintptr
	Pages uint64
}

// Mem is a process's virtual memory space: its pageset, heap bounds and the
// physical regions backing its mappings. It is shared between a creator and
// its subprocesses and released when the last holder is reaped.
type Mem struct {
	lock ksync.Spinlock

	pageset  *vmm.Pageset
	physical *pmm.Allocator
	owner    pmm.Owner

	refs int32

	heapBase   uintptr
	heapLength uintptr

	owned []OwnedRegion
}

// NewMem creates a memory space for process id: a fresh user pageset with a
// pre-mapped, downward-growing stack.
func NewMem(physical *pmm.Allocator, kernelPageset *vmm.Pageset, id uint32) (*Mem, *kernel.Error) {
	ps, err := vmm.New(kernelPageset)
	if err != nil {
		return nil, err
	}

	m := &Mem{
		pageset:  ps,
		physical: physical,
		owner:    pmm.ProcessOwner(id),
		refs:     1,
		heapBase: DefaultHeapBase,
	}

	stackBase := StackTopAddr - initialStackPages*mem.PageSize
	if _, err := m.MapAllocate(stackBase, initialStackPages*mem.PageSize, vmm.PageUserData); err != nil {
		return nil, err
	}
	return m, nil
}

// Pageset returns the space's pageset.
func (m *Mem) Pageset() *vmm.Pageset {
	return m.pageset
}

// HeapBase returns the heap's base address.
func (m *Mem) HeapBase() uintptr {
	return m.heapBase
}

// HeapEnd returns the first address past the heap.
func (m *Mem) HeapEnd() uintptr {
	return m.heapBase + m.heapLength
}

// SetHeapBase moves the heap base. The loader calls this once, after the
// image's segments are mapped, before any heap adjustment.
func (m *Mem) SetHeapBase(base uintptr) {
	m.heapBase = mem.PageAlignUp(base)
}

// retain records an additional holder of the space.
func (m *Mem) retain() {
	atomic.AddInt32(&m.refs, 1)
}

// OwnedRegions returns a snapshot of the physical grants backing the space.
func (m *Mem) OwnedRegions() []OwnedRegion {
	m.lock.Acquire()
	defer m.lock.Release()
	return append([]OwnedRegion(nil), m.owned...)
}

// MapAllocate maps the byte range [vaddr, vaddr+size) with freshly acquired
// physical memory of the supplied type, looping region acquisition until the
// range is covered. On physical exhaustion it returns ErrOutOfMemory along
// with the number of pages that were successfully mapped, so the caller can
// observe and reverse partial progress.
func (m *Mem) MapAllocate(vaddr uintptr, size uintptr, pageType vmm.PageType) (uint64, *kernel.Error) {
	start := mem.PageAlignDown(vaddr)
	end := mem.PageAlignUp(vaddr + size)
	pages := uint64(end-start) >> mem.PageShift

	var done uint64
	for done < pages {
		frame, got, err := m.physical.AcquireRegion(m.owner, pages-done)
		if err != nil {
			return done, ErrOutOfMemory
		}

		runVaddr := start + uintptr(done)<<mem.PageShift
		mapped, merr := m.pageset.MapPages(runVaddr, frame.Address(), got, pageType)
		if merr != nil {
			m.physical.ReleaseRegion(m.owner, frame)
			return done + mapped, merr
		}

		m.lock.Acquire()
		m.owned = append(m.owned, OwnedRegion{Vaddr: runVaddr, Paddr: frame.Address(), Pages: got})
		m.lock.Release()

		done += got
	}

	return done, nil
}

// SetPermissions rewrites the page type over an already-mapped byte range
// without touching its physical backing.
func (m *Mem) SetPermissions(vaddr uintptr, size uintptr, pageType vmm.PageType) (uint64, *kernel.Error) {
	start := mem.PageAlignDown(vaddr)
	end := mem.PageAlignUp(vaddr + size)
	return m.pageset.SetPermissions(start, uint64(end-start)>>mem.PageShift, pageType)
}

// UnmapDeallocate releases every owned region fully contained in the byte
// range: leaf entries are cleared, the physical grant is released and the
// bookkeeping record dropped. Unmapping a sub-range of one owned region is
// not supported; partially covered regions are left mapped.
func (m *Mem) UnmapDeallocate(vaddr uintptr, size uintptr) *kernel.Error {
	target := mem.Region{
		Start:  mem.PageAlignDown(vaddr),
		Length: mem.PageAlignUp(vaddr+size) - mem.PageAlignDown(vaddr),
	}

	m.lock.Acquire()
	var kept []OwnedRegion
	var release []OwnedRegion
	for _, r := range m.owned {
		region := mem.Region{Start: r.Vaddr, Length: uintptr(r.Pages) << mem.PageShift}
		if target.ContainsRegion(region) {
			release = append(release, r)
		} else {
			kept = append(kept, r)
		}
	}
	m.owned = kept
	m.lock.Release()

	for _, r := range release {
		if _, err := m.pageset.UnmapPages(r.Vaddr, r.Pages); err != nil {
			return err
		}
		if err := m.physical.ReleaseRegion(m.owner, pmm.FrameFromAddress(r.Paddr)); err != nil {
			return err
		}
	}
	return nil
}

// AdjustHeap grows or shrinks the heap by delta bytes and returns the new
// heap end. Underflow below the heap base or address overflow is rejected
// as an error, not a panic: a user process controls delta.
func (m *Mem) AdjustHeap(delta int64) (uintptr, *kernel.Error) {
	oldLength := m.heapLength

	var newLength uintptr
	if delta < 0 {
		dec := uintptr(-delta)
		if dec > oldLength {
			return 0, errHeapDelta
		}
		newLength = oldLength - dec
	} else {
		newLength = oldLength + uintptr(delta)
		if newLength < oldLength || m.heapBase+newLength < m.heapBase {
			return 0, errHeapDelta
		}
	}

	oldPages := mem.PagesForBytes(uint64(oldLength))
	newPages := mem.PagesForBytes(uint64(newLength))

	switch {
	case newPages > oldPages:
		grow := m.heapBase + uintptr(oldPages)<<mem.PageShift
		if _, err := m.MapAllocate(grow, uintptr(newPages-oldPages)<<mem.PageShift, vmm.PageUserData); err != nil {
			return 0, err
		}
	case newPages < oldPages:
		shrink := m.heapBase + uintptr(newPages)<<mem.PageShift
		if err := m.UnmapDeallocate(shrink, uintptr(oldPages-newPages)<<mem.PageShift); err != nil {
			return 0, err
		}
	}

	m.heapLength = newLength
	return m.heapBase + m.heapLength, nil
}

// SetupArgs lays out the argv strings plus a pointer table immediately below
// ArgsTopAddr, then marks the region read-only. The copy runs with the
// target pageset temporarily loaded; the previously active pageset is
// restored unconditionally, success or not. It returns (argc, table
// address), which the caller primes into the process's entry registers.
func (m *Mem) SetupArgs(argv [][]byte) (uint64, uintptr, *kernel.Error) {
	// An empty argv has no strings and a zero-entry table: nothing needs
	// to be placed or mapped, and the table address is the top itself.
	if len(argv) == 0 {
		return 0, ArgsTopAddr, nil
	}

	var stringsSize uintptr
	for _, arg := range argv {
		stringsSize += uintptr(len(arg)) + 1
	}
	tableSize := uintptr(len(argv)) * 8

	stringsStart := ArgsTopAddr - stringsSize
	tableStart := (stringsStart - tableSize) &^ 7
	regionStart := mem.PageAlignDown(tableStart)

	if regionStart >= ArgsTopAddr {
		return 0, 0, errArgsTooLarge
	}

	if _, err := m.MapAllocate(regionStart, ArgsTopAddr-regionStart, vmm.PageUserData); err != nil {
		return 0, 0, err
	}

	prev := vmm.Active()
	m.pageset.Load()
	defer func() {
		if prev != nil {
			prev.Load()
		}
	}()

	var ptrBuf [8]byte
	strAddr := stringsStart
	for i, arg := range argv {
		binary.LittleEndian.PutUint64(ptrBuf[:], uint64(strAddr))
		copyToUserFn(tableStart+uintptr(i)*8, ptrBuf[:])

		copyToUserFn(strAddr, append(append([]byte(nil), arg...), 0))
		strAddr += uintptr(len(arg)) + 1
	}

	if _, err := m.SetPermissions(regionStart, ArgsTopAddr-regionStart, vmm.PageUserReadOnly); err != nil {
		return 0, 0, err
	}

	return uint64(len(argv)), tableStart, nil
}

// ReleaseAll drops one holder's reference and, when the last holder is
// gone, unmaps and releases every owned physical region.
func (m *Mem) ReleaseAll() {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return
	}

	m.lock.Acquire()
	owned := m.owned
	m.owned = nil
	m.lock.Release()

	for _, r := range owned {
		m.pageset.UnmapPages(r.Vaddr, r.Pages)
		m.physical.ReleaseRegion(m.owner, pmm.FrameFromAddress(r.Paddr))
	}

	// Sweep any grants recorded against this owner that bookkeeping lost
	// track of; leaking physical pages is worse than the extra scan.
	m.physical.ReleaseAllOwnedBy(m.owner)
}
