package heap

import (
	"sync/atomic"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
	"github.com/devyn/kit-sub000/kernel/mem/vmm"
)

const (
	// lowWaterPages triggers a restock of the pre-mapped spare buffer
	// when fewer spare pages than this remain.
	lowWaterPages = 16

	// restockTargetPages is the spare level a restock aims for.
	restockTargetPages = 32

	// bootstrapMinPages is the smallest single spare region the
	// allocator must keep so that the page-table machinery can take its
	// own metadata pages without a recursive allocation.
	bootstrapMinPages = 4

	// maxDeallocRetries bounds the rescans DeallocatePages performs when
	// the physical-backing list is contended. Running out of retries
	// with pages unaccounted for indicates corruption, not contention.
	maxDeallocRetries = 3
)

var (
	// ErrOutOfVirtual is returned when the heap's reserved virtual range
	// has no free region large enough for a request.
	ErrOutOfVirtual = &kernel.Error{Module: "heap", Message: "out of heap virtual address space"}

	errLeakedPages = &kernel.Error{Module: "heap", Message: "deallocated range not fully covered by backing records"}
)

// Heap is the kernel's dynamic allocator. Page-granular requests are served
// from a reserved virtual range and backed by the physical region allocator;
// sub-page requests are rounded to a size class and served from a Pool.
//
// The virtual bookkeeping lists are lock-free on purpose: allocation can be
// invoked while other spinlocks are held elsewhere, and avoiding nested
// blocking locks prevents deadlock during allocator bootstrap.
type Heap struct {
	physical *pmm.Allocator
	pageset  *vmm.Pageset

	// freeVirtual tracks unmapped virtual space inside the heap range.
	freeVirtual ksync.LockFreeList

	// allocPhysical tracks mapped, in-use regions and their physical
	// backing.
	allocPhysical ksync.LockFreeList

	// unusedAllocated tracks mapped spare capacity kept ahead of demand
	// so that allocation never reenters the page-table machinery.
	unusedAllocated ksync.LockFreeList

	restockLock ksync.Spinlock

	poolsLock   ksync.Spinlock
	pools       map[uintptr]*Pool
	maintaining uint32
}

// NewHeap creates a heap managing the supplied virtual region. The region's
// start and length must be page aligned.
func NewHeap(physical *pmm.Allocator, pageset *vmm.Pageset, virtual mem.Region) *Heap {
	h := &Heap{
		physical: physical,
		pageset:  pageset,
		pools:    make(map[uintptr]*Pool),
	}
	h.freeVirtual.Push(ksync.NewRegionNode(virtual.Start, 0, uint64(virtual.Length)>>mem.PageShift))
	return h
}

// claimTail reserves pages pages from the end of the first fitting region in
// list using a compare-and-swap on the region's length. A CAS loss means
// another allocator claimed the tail first; the scan restarts. Placing the
// claim at the tail shrinks the region in place and avoids restructuring the
// list.
func claimTail(list *ksync.LockFreeList, pages uint64) (vaddr, paddr uintptr, ok bool) {
retry:
	for {
		for n := list.First(); n != nil; n = n.Next() {
			old := n.Pages()
			if old == 0 {
				list.Remove(n)
				continue
			}
			if old < pages {
				continue
			}

			if !n.CompareAndSwapPages(old, old-pages) {
				continue retry
			}

			offset := uintptr(old-pages) << mem.PageShift
			if old == pages {
				list.Remove(n)
			}

			paddr = 0
			if n.Paddr != 0 {
				paddr = n.Paddr + offset
			}
			return n.Vaddr + offset, paddr, true
		}
		return 0, 0, false
	}
}

// reclaimTail returns a failed claim to list. When the region the claim was
// taken from still ends exactly where the claim begins, its length is
// extended back in place so the space stays contiguous; otherwise the claim
// goes back as a fresh node.
func reclaimTail(list *ksync.LockFreeList, vaddr uintptr, pages uint64) {
	for n := list.First(); n != nil; n = n.Next() {
		old := n.Pages()
		if old == 0 || n.Vaddr+uintptr(old)<<mem.PageShift != vaddr {
			continue
		}
		if n.CompareAndSwapPages(old, old+pages) {
			return
		}
		break
	}
	list.Push(ksync.NewRegionNode(vaddr, 0, pages))
}

// AllocatePages reserves pages pages of mapped kernel memory and returns the
// virtual address of the run. Spare pre-mapped capacity is preferred; fresh
// virtual space is carved and physically backed otherwise. A failed backing
// attempt returns the claimed virtual space to the free list.
func (h *Heap) AllocatePages(pages uint64) (uintptr, *kernel.Error) {
	if vaddr, paddr, ok := claimTail(&h.unusedAllocated, pages); ok {
		h.allocPhysical.Push(ksync.NewRegionNode(vaddr, paddr, pages))
		h.restock()
		return vaddr, nil
	}

	vaddr, _, ok := claimTail(&h.freeVirtual, pages)
	if !ok {
		return 0, ErrOutOfVirtual
	}

	if err := h.acquireAndMap(vaddr, pages, &h.allocPhysical); err != nil {
		reclaimTail(&h.freeVirtual, vaddr, pages)
		return 0, err
	}

	h.restock()
	return vaddr, nil
}

// acquireAndMap backs [vaddr, vaddr+pages) with physical memory, looping
// AcquireRegion and mapping each granted run until the full count is
// satisfied or physical memory is exhausted. The granted runs are recorded on
// records only once the whole range is backed; on failure every partial grant
// is unmapped and released, leaving no pages behind.
func (h *Heap) acquireAndMap(vaddr uintptr, pages uint64, records *ksync.LockFreeList) *kernel.Error {
	var (
		done    uint64
		granted []*ksync.RegionNode
	)

	unwind := func() {
		for _, n := range granted {
			h.pageset.UnmapPages(n.Vaddr, n.Pages())
			h.physical.ReleaseRegion(pmm.KernelOwner, pmm.FrameFromAddress(n.Paddr))
		}
	}

	for done < pages {
		frame, got, err := h.physical.AcquireRegion(pmm.KernelOwner, pages-done)
		if err != nil {
			unwind()
			return err
		}

		runVaddr := vaddr + uintptr(done)<<mem.PageShift
		mapped, merr := h.pageset.MapPages(runVaddr, frame.Address(), got, vmm.PageKernelData)
		if merr != nil {
			h.pageset.UnmapPages(runVaddr, mapped)
			h.physical.ReleaseRegion(pmm.KernelOwner, frame)
			unwind()
			return merr
		}

		granted = append(granted, ksync.NewRegionNode(runVaddr, frame.Address(), got))
		done += got
	}

	for _, n := range granted {
		records.Push(n)
	}
	return nil
}

// spareStats returns the total spare page count and the size of the largest
// spare region.
func (h *Heap) spareStats() (total, largest uint64) {
	for n := h.unusedAllocated.First(); n != nil; n = n.Next() {
		pages := n.Pages()
		total += pages
		if pages > largest {
			largest = pages
		}
	}
	return total, largest
}

// SparePages returns the number of pre-mapped spare pages currently held.
func (h *Heap) SparePages() uint64 {
	total, _ := h.spareStats()
	return total
}

// restock tops the spare buffer back up to the restock target when it falls
// below the low-water mark or its largest region can no longer host the
// page-table machinery's own metadata. The try-lock keeps concurrent
// allocations from piling up replenishment requests; losing it means
// another task is already restocking.
func (h *Heap) restock() {
	if !h.restockLock.TryToAcquire() {
		return
	}
	defer h.restockLock.Release()

	total, largest := h.spareStats()
	if total >= lowWaterPages && largest >= bootstrapMinPages {
		return
	}

	need := uint64(restockTargetPages) - total
	if need < bootstrapMinPages {
		need = bootstrapMinPages
	}

	vaddr, _, ok := claimTail(&h.freeVirtual, need)
	if !ok {
		return
	}

	// Best effort: a failed restock only means the next allocation pays
	// the full acquire-and-map cost itself.
	if err := h.acquireAndMap(vaddr, need, &h.unusedAllocated); err != nil {
		reclaimTail(&h.freeVirtual, vaddr, need)
	}
}

// DeallocatePages returns the pages pages at vaddr to the heap: every
// physical-backing record overlapping the range is split at the overlap
// boundary, the overlapped backing is released, and the virtual range goes
// back to the free list. The search retries a bounded number of times under
// contention and panics if pages remain unaccounted for, since that
// indicates corrupted bookkeeping rather than a recoverable condition.
func (h *Heap) DeallocatePages(vaddr uintptr, pages uint64) *kernel.Error {
	target := mem.Region{Start: vaddr, Length: uintptr(pages) << mem.PageShift}
	remaining := pages

	for attempt := 0; attempt < maxDeallocRetries && remaining > 0; attempt++ {
		progressed := true
		for progressed && remaining > 0 {
			progressed = false

			for n := h.allocPhysical.First(); n != nil; n = n.Next() {
				nodeRegion := mem.Region{Start: n.Vaddr, Length: uintptr(n.Pages()) << mem.PageShift}
				if !nodeRegion.Overlaps(target) {
					continue
				}

				// A lost Remove means a concurrent deallocation
				// got here first; the rescan costs an attempt.
				if !h.allocPhysical.Remove(n) {
					break
				}

				overlapStart := nodeRegion.Start
				if target.Start > overlapStart {
					overlapStart = target.Start
				}
				overlapEnd := nodeRegion.End()
				if target.End() < overlapEnd {
					overlapEnd = target.End()
				}

				before, after := nodeRegion.Cut(mem.Region{Start: overlapStart, Length: overlapEnd - overlapStart})
				if !before.IsEmpty() {
					h.allocPhysical.Push(ksync.NewRegionNode(before.Start, n.Paddr, uint64(before.Length)>>mem.PageShift))
				}
				if !after.IsEmpty() {
					h.allocPhysical.Push(ksync.NewRegionNode(after.Start, n.Paddr+(after.Start-n.Vaddr), uint64(after.Length)>>mem.PageShift))
				}

				overlapPages := uint64(overlapEnd-overlapStart) >> mem.PageShift
				overlapPaddr := n.Paddr + (overlapStart - n.Vaddr)

				h.pageset.UnmapPages(overlapStart, overlapPages)
				h.physical.ReleaseSubRegion(pmm.KernelOwner, pmm.FrameFromAddress(overlapPaddr), overlapPages)

				remaining -= overlapPages
				progressed = true
				break
			}
		}
	}

	if remaining > 0 {
		kernel.Panic(errLeakedPages)
	}

	h.freeVirtual.Push(ksync.NewRegionNode(vaddr, 0, pages))
	return nil
}

// sizeClassFor rounds size up to its allocation size class: the next power
// of two, with a minimum of 8 bytes to respect alignment.
func sizeClassFor(size uintptr) uintptr {
	class := uintptr(8)
	for class < size {
		class <<= 1
	}
	return class
}

// poolFor returns the pool serving the supplied size class, creating it
// lazily. Creation is double-checked under the pools lock so that two
// allocators racing on a new class end up sharing one pool.
func (h *Heap) poolFor(class uintptr) *Pool {
	h.poolsLock.Acquire()
	pool := h.pools[class]
	if pool == nil {
		pool = NewPool(class)
		h.pools[class] = pool
	}
	h.poolsLock.Release()
	return pool
}

// growPool adds one backing page to pool unless pool maintenance is already
// running. The guard keeps a pool's own growth from recursing into itself
// through AllocatePages.
func (h *Heap) growPool(pool *Pool) *kernel.Error {
	if !atomic.CompareAndSwapUint32(&h.maintaining, 0, 1) {
		return nil
	}
	defer atomic.StoreUint32(&h.maintaining, 0)

	pageVaddr, err := h.AllocatePages(1)
	if err != nil {
		return err
	}

	pool.AddPage(pageVaddr)
	return nil
}

// Allocate reserves size bytes of kernel memory. Requests of a page or more
// are page granular; smaller requests are served from the size-class pool.
func (h *Heap) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	if size >= mem.PageSize {
		return h.AllocatePages(uint64(mem.PagesForBytes(uint64(size))))
	}

	pool := h.poolFor(sizeClassFor(size))

	addr, ok := pool.Allocate()
	if !ok {
		if err := h.growPool(pool); err != nil {
			return 0, err
		}
		if addr, ok = pool.Allocate(); !ok {
			return 0, pmm.ErrOutOfMemory
		}
	}

	// Grow ahead of demand once the pool passes half capacity.
	if pool.HalfFull() {
		h.growPool(pool)
	}

	return addr, nil
}

// Deallocate releases an allocation made with Allocate. The original request
// size routes the address to the page-granular path or to its size-class
// pool. A pool page that becomes empty is kept as the pool's single spare;
// further empty pages have their backing released.
func (h *Heap) Deallocate(addr uintptr, size uintptr) *kernel.Error {
	if size == 0 {
		size = 1
	}

	if size >= mem.PageSize {
		return h.DeallocatePages(addr, uint64(mem.PagesForBytes(uint64(size))))
	}

	pool := h.poolFor(sizeClassFor(size))
	return pool.Deallocate(addr, func(pageVaddr uintptr, emptyPages int) bool {
		if emptyPages <= 1 {
			return false
		}
		h.DeallocatePages(pageVaddr, 1)
		return true
	})
}

// AcquireTableFrame hands the page-table machinery one pre-mapped spare
// frame. It deliberately touches only the lock-free spare list, so it is
// safe to call while the pageset or physical allocator locks are held.
func (h *Heap) AcquireTableFrame() (pmm.Frame, *kernel.Error) {
	vaddr, paddr, ok := claimTail(&h.unusedAllocated, 1)
	if !ok {
		return pmm.InvalidFrame, pmm.ErrOutOfMemory
	}

	h.allocPhysical.Push(ksync.NewRegionNode(vaddr, paddr, 1))
	return pmm.FrameFromAddress(paddr), nil
}

// ReleaseTableFrame returns a frame taken with AcquireTableFrame to the
// spare buffer.
func (h *Heap) ReleaseTableFrame(frame pmm.Frame) {
	paddr := frame.Address()
	for n := h.allocPhysical.First(); n != nil; n = n.Next() {
		if n.Paddr == paddr && n.Pages() == 1 {
			if h.allocPhysical.Remove(n) {
				h.unusedAllocated.Push(ksync.NewRegionNode(n.Vaddr, n.Paddr, 1))
			}
			return
		}
	}
}
