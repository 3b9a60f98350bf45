// Package heap implements the kernel's general-purpose dynamic allocator:
// page-granular allocation carved out of a reserved virtual range and backed
// by the physical region allocator, plus fixed-size object pools for
// sub-page requests.
package heap

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem"
)

var (
	// ErrBadFree is returned when deallocating an address that no pool
	// page contains or whose slot is already free.
	ErrBadFree = &kernel.Error{Module: "heap", Message: "deallocation of an address that is not allocated"}
)

// poolPage is one backing page of a Pool, carrying a bitmap of used object
// slots.
type poolPage struct {
	vaddr  uintptr
	bitmap []uint64
	used   int
}

func (p *poolPage) slotFor(addr uintptr, objectSize uintptr) (int, bool) {
	if addr < p.vaddr || addr >= p.vaddr+mem.PageSize {
		return 0, false
	}
	return int((addr - p.vaddr) / objectSize), true
}

func (p *poolPage) testBit(slot int) bool {
	return p.bitmap[slot/64]&(1<<(uint(slot)%64)) != 0
}

func (p *poolPage) setBit(slot int) {
	p.bitmap[slot/64] |= 1 << (uint(slot) % 64)
}

func (p *poolPage) clearBit(slot int) {
	p.bitmap[slot/64] &^= 1 << (uint(slot) % 64)
}

// firstFreeSlot returns the lowest unset slot below limit, or -1 when the
// page is full.
func (p *poolPage) firstFreeSlot(limit int) int {
	for slot := 0; slot < limit; slot++ {
		if !p.testBit(slot) {
			return slot
		}
	}
	return -1
}

// Pool is a slab allocator for objects of one fixed size, backed by zero or
// more whole pages. The page list keeps the most-available page at the
// front so allocation rarely scans.
type Pool struct {
	lock ksync.Spinlock

	objectSize     uintptr
	objectsPerPage int

	pages []*poolPage

	objectsCapacity  uint64
	objectsAllocated uint64
}

// NewPool creates an empty pool for objects of the supplied size. The size
// must not exceed a page.
func NewPool(objectSize uintptr) *Pool {
	return &Pool{
		objectSize:     objectSize,
		objectsPerPage: int(mem.PageSize / objectSize),
	}
}

// ObjectSize returns the fixed size of objects served by this pool.
func (pool *Pool) ObjectSize() uintptr {
	return pool.objectSize
}

// Capacity returns the total number of object slots across all pages.
func (pool *Pool) Capacity() uint64 {
	pool.lock.Acquire()
	defer pool.lock.Release()
	return pool.objectsCapacity
}

// Allocated returns the number of currently allocated objects.
func (pool *Pool) Allocated() uint64 {
	pool.lock.Acquire()
	defer pool.lock.Release()
	return pool.objectsAllocated
}

// HalfFull reports whether more than half the pool's slots are in use. The
// heap uses this to grow pools opportunistically.
func (pool *Pool) HalfFull() bool {
	pool.lock.Acquire()
	defer pool.lock.Release()
	return pool.objectsAllocated*2 > pool.objectsCapacity
}

// AddPage registers a fresh backing page with the pool. The page becomes the
// most-available page and moves to the front of the list.
func (pool *Pool) AddPage(vaddr uintptr) {
	page := &poolPage{
		vaddr:  vaddr,
		bitmap: make([]uint64, (pool.objectsPerPage+63)/64),
	}

	pool.lock.Acquire()
	pool.pages = append([]*poolPage{page}, pool.pages...)
	pool.objectsCapacity += uint64(pool.objectsPerPage)
	pool.lock.Release()
}

// Allocate reserves one object slot and returns its address. The second
// return value is false when every page is full.
func (pool *Pool) Allocate() (uintptr, bool) {
	pool.lock.Acquire()
	defer pool.lock.Release()

	for i, page := range pool.pages {
		slot := page.firstFreeSlot(pool.objectsPerPage)
		if slot < 0 {
			continue
		}

		page.setBit(slot)
		page.used++
		pool.objectsAllocated++

		// Keep the most-available page at the front.
		if i != 0 && page.used >= pool.objectsPerPage {
			pool.pages = append(pool.pages[:i], pool.pages[i+1:]...)
			pool.pages = append(pool.pages, page)
		}

		return page.vaddr + uintptr(slot)*pool.objectSize, true
	}

	return 0, false
}

// Deallocate releases the object at addr. When the containing page becomes
// fully empty, releasePage is consulted with the page's address and the
// pool's total count of empty pages (including this one); returning true
// drops the page from the pool and transfers its backing to the caller.
// Passing a nil releasePage keeps every empty page registered.
func (pool *Pool) Deallocate(addr uintptr, releasePage func(pageVaddr uintptr, emptyPages int) bool) *kernel.Error {
	pool.lock.Acquire()
	defer pool.lock.Release()

	for i, page := range pool.pages {
		slot, ok := page.slotFor(addr, pool.objectSize)
		if !ok {
			continue
		}
		if !page.testBit(slot) {
			return ErrBadFree
		}

		page.clearBit(slot)
		page.used--
		pool.objectsAllocated--

		if page.used == 0 && releasePage != nil {
			emptyPages := 0
			for _, p := range pool.pages {
				if p.used == 0 {
					emptyPages++
				}
			}
			if releasePage(page.vaddr, emptyPages) {
				pool.pages = append(pool.pages[:i], pool.pages[i+1:]...)
				pool.objectsCapacity -= uint64(pool.objectsPerPage)
			}
		}
		return nil
	}

	return ErrBadFree
}

// Contains reports whether addr falls within one of the pool's pages.
func (pool *Pool) Contains(addr uintptr) bool {
	pool.lock.Acquire()
	defer pool.lock.Release()

	for _, page := range pool.pages {
		if _, ok := page.slotFor(addr, pool.objectSize); ok {
			return true
		}
	}
	return false
}
