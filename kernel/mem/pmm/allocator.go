package pmm

import (
	"container/heap"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/boot"
	"github.com/devyn/kit-sub000/kernel/kfmt"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem"
)

// SafeBoundary is the physical address below which memory is never handed
// out, protecting the real-mode IVT, BIOS data and legacy DMA ranges.
const SafeBoundary = 0x100000

var (
	// ErrOutOfMemory is returned when the total number of free pages
	// cannot satisfy an acquire request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrLockContended is returned when acquire is attempted while the
	// allocator lock is already held. Acquiring recursively would
	// deadlock, so the nested attempt fails instead.
	ErrLockContended = &kernel.Error{Module: "pmm", Message: "allocator lock already held"}

	// ErrNotAllocated is returned when releasing a region that is not
	// recorded as allocated, or that is recorded with a different owner.
	ErrNotAllocated = &kernel.Error{Module: "pmm", Message: "region is not allocated by this owner"}
)

// freeRegion describes a contiguous run of free physical pages.
type freeRegion struct {
	frame Frame
	pages uint64
}

// freeRegionHeap implements heap.Interface as a max-heap keyed by
// (pages desc, frame asc), so the biggest region is always selected first
// and ties resolve to the lowest address.
type freeRegionHeap []freeRegion

func (h freeRegionHeap) Len() int { return len(h) }

func (h freeRegionHeap) Less(i, j int) bool {
	if h[i].pages != h[j].pages {
		return h[i].pages > h[j].pages
	}
	return h[i].frame < h[j].frame
}

func (h freeRegionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *freeRegionHeap) Push(x interface{}) {
	*h = append(*h, x.(freeRegion))
}

func (h *freeRegionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	region := old[n-1]
	*h = old[:n-1]
	return region
}

// allocatedRegion records the length and owner of an allocated run of pages,
// keyed by its starting frame in Allocator.allocated.
type allocatedRegion struct {
	pages uint64
	owner Owner
}

// Allocator tracks free and allocated physical page ranges. A single
// spinlock guards all state; acquire attempts made while the lock is held
// fail rather than deadlock.
type Allocator struct {
	lock      ksync.Spinlock
	free      freeRegionHeap
	allocated map[Frame]allocatedRegion
	totalFree uint64
}

// NewAllocator initializes an allocator from the boot-reported memory map.
// Ranges below SafeBoundary are clipped; reserved ranges are ignored.
func NewAllocator(memoryMap boot.MemoryMap) *Allocator {
	alloc := &Allocator{
		allocated: make(map[Frame]allocatedRegion),
	}

	memoryMap.VisitMemRegions(func(entry *boot.MemoryMapEntry) bool {
		if entry.Kind != boot.MemAvailable {
			return true
		}

		start := uintptr(entry.PhysAddress)
		end := uintptr(entry.PhysAddress + entry.Length)
		if start < SafeBoundary {
			start = SafeBoundary
		}

		// Bootloader-reported addresses may not be page aligned; keep
		// only whole pages.
		start = mem.PageAlignUp(start)
		end = mem.PageAlignDown(end)
		if end <= start {
			return true
		}

		pages := uint64(end-start) >> mem.PageShift
		alloc.free = append(alloc.free, freeRegion{
			frame: FrameFromAddress(start),
			pages: pages,
		})
		alloc.totalFree += pages

		kfmt.Printf("[pmm] free region [0x%x - 0x%x], %d pages\n",
			uint64(start), uint64(end), pages)
		return true
	})

	heap.Init(&alloc.free)
	kfmt.Printf("[pmm] %d pages available\n", alloc.totalFree)
	return alloc
}

// TotalFree returns the number of currently free pages.
func (alloc *Allocator) TotalFree() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalFree
}

// AcquireRegion reserves up to pages pages of physical memory for owner,
// taking them from the biggest free region and pushing any remainder back.
// It returns the first frame of the reserved run and the number of pages
// actually granted, which may be less than requested; callers loop until
// their full request is satisfied.
//
// AcquireRegion fails with ErrOutOfMemory if fewer than pages pages are free
// in total, and with ErrLockContended if invoked while the allocator lock is
// already held. The latter is an anti-reentrancy guard: the page-table code
// can call back into the allocator, and failing is preferable to
// deadlocking.
func (alloc *Allocator) AcquireRegion(owner Owner, pages uint64) (Frame, uint64, *kernel.Error) {
	if pages == 0 {
		return InvalidFrame, 0, ErrOutOfMemory
	}

	if !alloc.lock.TryToAcquire() {
		return InvalidFrame, 0, ErrLockContended
	}
	defer alloc.lock.Release()

	if alloc.totalFree < pages || alloc.free.Len() == 0 {
		return InvalidFrame, 0, ErrOutOfMemory
	}

	region := heap.Pop(&alloc.free).(freeRegion)

	got := pages
	if region.pages < got {
		got = region.pages
	}

	if region.pages > got {
		heap.Push(&alloc.free, freeRegion{
			frame: region.frame + Frame(got),
			pages: region.pages - got,
		})
	}

	alloc.allocated[region.frame] = allocatedRegion{pages: got, owner: owner}
	alloc.totalFree -= got

	return region.frame, got, nil
}

// ReleaseRegion returns the allocated region starting at frame to the free
// set, coalescing it with any adjacent free regions, and credits the total
// free counter. The region must have been acquired by owner.
func (alloc *Allocator) ReleaseRegion(owner Owner, frame Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	region, exists := alloc.allocated[frame]
	if !exists || region.owner != owner {
		return ErrNotAllocated
	}
	delete(alloc.allocated, frame)

	alloc.mergeFree(freeRegion{frame: frame, pages: region.pages})
	alloc.totalFree += region.pages
	return nil
}

// mergeFree coalesces freed with any adjacent free regions and pushes the
// result. The heap is unordered by address so a linear scan is required;
// frees are rare enough that keeping the heap keyed for acquire's
// best-fit-by-biggest selection wins. Called with the lock held.
func (alloc *Allocator) mergeFree(freed freeRegion) {
	for merged := true; merged; {
		merged = false
		for i := 0; i < alloc.free.Len(); i++ {
			other := alloc.free[i]
			if other.frame+Frame(other.pages) == freed.frame {
				freed.frame = other.frame
				freed.pages += other.pages
			} else if freed.frame+Frame(freed.pages) == other.frame {
				freed.pages += other.pages
			} else {
				continue
			}

			heap.Remove(&alloc.free, i)
			merged = true
			break
		}
	}

	heap.Push(&alloc.free, freed)
}

// ReleaseSubRegion releases pages pages starting at frame, which must lie
// entirely within a single region acquired by owner. The containing region
// is cut at the overlap boundaries; the remainders stay allocated and the
// released run is coalesced back into the free set.
func (alloc *Allocator) ReleaseSubRegion(owner Owner, frame Frame, pages uint64) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		start Frame
		found bool
	)
	for grantStart, grant := range alloc.allocated {
		if grant.owner != owner {
			continue
		}
		if frame >= grantStart && frame+Frame(pages) <= grantStart+Frame(grant.pages) {
			start, found = grantStart, true
			break
		}
	}
	if !found {
		return ErrNotAllocated
	}

	grant := alloc.allocated[start]
	delete(alloc.allocated, start)

	if frame > start {
		alloc.allocated[start] = allocatedRegion{
			pages: uint64(frame - start),
			owner: owner,
		}
	}
	if end := frame + Frame(pages); end < start+Frame(grant.pages) {
		alloc.allocated[end] = allocatedRegion{
			pages: grant.pages - uint64(end-start),
			owner: owner,
		}
	}

	alloc.mergeFree(freeRegion{frame: frame, pages: pages})
	alloc.totalFree += pages
	return nil
}

// OwnerOf returns the owner and page count of the allocated region starting
// at frame. The second return value is false if no such region exists.
func (alloc *Allocator) OwnerOf(frame Frame) (Owner, uint64, bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	region, exists := alloc.allocated[frame]
	return region.owner, region.pages, exists
}

// ReleaseAllOwnedBy releases every region recorded for the supplied owner.
// It is used when tearing down a process's memory space.
func (alloc *Allocator) ReleaseAllOwnedBy(owner Owner) {
	alloc.lock.Acquire()
	var frames []Frame
	for frame, region := range alloc.allocated {
		if region.owner == owner {
			frames = append(frames, frame)
		}
	}
	alloc.lock.Release()

	for _, frame := range frames {
		alloc.ReleaseRegion(owner, frame)
	}
}
