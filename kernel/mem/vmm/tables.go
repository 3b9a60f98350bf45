package vmm

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
)

const (
	// entriesPerTable is the number of entries at every paging level.
	entriesPerTable = 512

	ptShift   = mem.PageShift
	pdShift   = ptShift + 9
	pdptShift = pdShift + 9
	pml4Shift = pdptShift + 9

	indexMask = entriesPerTable - 1
)

func ptIndex(vaddr uintptr) uint {
	return uint(vaddr>>ptShift) & indexMask
}

func pdIndex(vaddr uintptr) uint {
	return uint(vaddr>>pdShift) & indexMask
}

func pdptIndex(vaddr uintptr) uint {
	return uint(vaddr>>pdptShift) & indexMask
}

func pml4Index(vaddr uintptr) uint {
	return uint(vaddr>>pml4Shift) & indexMask
}

var (
	// tableFrameAllocFn supplies physical frames for new page tables. It
	// is registered via SetTableFrameAllocator once the physical memory
	// allocator is up.
	tableFrameAllocFn func() (pmm.Frame, *kernel.Error)

	// tableFrameFreeFn releases the frame of a pruned page table. The
	// default is a no-op; the kernel bootstrap wires it to the physical
	// allocator together with SetTableFrameAllocator.
	tableFrameFreeFn = func(pmm.Frame) {}

	// invalidatePageFn flushes the TLB entry for a single virtual
	// address on the local core. The arch bootstrap installs the real
	// invlpg routine; tests observe or stub it. There is no cross-core
	// shootdown, matching the single-core scope.
	invalidatePageFn = func(vaddr uintptr) {}

	errNoTableFrameAllocator = &kernel.Error{Module: "vmm", Message: "no page-table frame allocator registered"}
)

// SetTableFrameAllocator registers the functions used to acquire and release
// physical frames backing page-table nodes.
func SetTableFrameAllocator(alloc func() (pmm.Frame, *kernel.Error), free func(pmm.Frame)) {
	tableFrameAllocFn = alloc
	if free != nil {
		tableFrameFreeFn = free
	}
}

// SetPageInvalidator registers the routine that flushes a single TLB entry.
func SetPageInvalidator(fn func(vaddr uintptr)) {
	invalidatePageFn = fn
}

// ModifyFn is invoked by ModifyWhile once per page with the page's current
// mapping (nil when unmapped). Returning done=true terminates the walk
// without touching the current page. Otherwise the returned mapping is
// installed, or the page is unmapped when next is nil, and the walk advances
// to the following page.
type ModifyFn func(current *Mapping) (next *Mapping, done bool)

// walkState carries a ModifyWhile walk across paging levels. addr advances
// one page per callback invocation; a level returns to its parent once addr
// leaves its coverage, letting the parent continue the descent at the next
// slot.
type walkState struct {
	addr      uintptr
	fn        ModifyFn
	pagesDone uint64
	done      bool
	changed   bool
}

// coverageBase returns addr rounded down to the coverage of the table level
// with the supplied shift, i.e. the first address the current table spans.
func coverageBase(addr uintptr, shift uint) uintptr {
	return addr &^ (uintptr(1)<<(shift+9) - 1)
}

// Pt is a bottom-level page table holding 512 leaf entries.
type Pt struct {
	frame   pmm.Frame
	entries [entriesPerTable]pageTableEntry
	present int
}

func newPt() (*Pt, *kernel.Error) {
	if tableFrameAllocFn == nil {
		return nil, errNoTableFrameAllocator
	}
	frame, err := tableFrameAllocFn()
	if err != nil {
		return nil, err
	}
	return &Pt{frame: frame}, nil
}

func (pt *Pt) mappingAt(idx uint) *Mapping {
	entry := pt.entries[idx]
	if !entry.present() {
		return nil
	}
	return &Mapping{Paddr: entry.paddr(), Type: entry.pageType()}
}

func (pt *Pt) modifyWhile(st *walkState) {
	base := coverageBase(st.addr, ptShift)

	for !st.done && coverageBase(st.addr, ptShift) == base {
		idx := ptIndex(st.addr)

		next, done := st.fn(pt.mappingAt(idx))
		if done {
			st.done = true
			return
		}

		switch {
		case next != nil:
			entry := entryForMapping(*next)
			if pt.entries[idx] != entry {
				if !pt.entries[idx].present() {
					pt.present++
				}
				pt.entries[idx] = entry
				st.changed = true
			}
		case pt.entries[idx].present():
			pt.entries[idx] = 0
			pt.present--
			st.changed = true
		}

		invalidatePageFn(st.addr)
		st.pagesDone++
		st.addr += mem.PageSize
	}
}

// Pd is a page directory owning up to 512 page tables.
type Pd struct {
	frame    pmm.Frame
	entries  [entriesPerTable]pageTableEntry
	children [entriesPerTable]*Pt
	present  int
}

func newPd() (*Pd, *kernel.Error) {
	if tableFrameAllocFn == nil {
		return nil, errNoTableFrameAllocator
	}
	frame, err := tableFrameAllocFn()
	if err != nil {
		return nil, err
	}
	return &Pd{frame: frame}, nil
}

func (pd *Pd) childOrCreate(idx uint, user bool) (*Pt, *kernel.Error) {
	if pt := pd.children[idx]; pt != nil {
		return pt, nil
	}

	pt, err := newPt()
	if err != nil {
		return nil, err
	}

	// Re-check for a concurrently installed child and silently discard
	// the loser. Not atomic; tolerated on a single core.
	if existing := pd.children[idx]; existing != nil {
		tableFrameFreeFn(pt.frame)
		return existing, nil
	}

	pd.children[idx] = pt
	return pt, nil
}

// updateEntry regenerates the hardware entry for slot idx from the child's
// presence: an intermediate table exists iff at least one downstream leaf
// entry is present.
func (pd *Pd) updateEntry(idx uint, user bool) {
	child := pd.children[idx]

	if child == nil || child.present == 0 {
		if pd.entries[idx].present() {
			pd.entries[idx] = 0
			pd.present--
		}
		if child != nil {
			tableFrameFreeFn(child.frame)
			pd.children[idx] = nil
		}
		return
	}

	if !pd.entries[idx].present() {
		pd.present++
	}
	pd.entries[idx] = entryForTable(child.frame, user)
}

func (pd *Pd) modifyWhile(st *walkState, user bool) *kernel.Error {
	base := coverageBase(st.addr, pdShift)

	for !st.done && coverageBase(st.addr, pdShift) == base {
		idx := pdIndex(st.addr)

		pt, err := pd.childOrCreate(idx, user)
		if err != nil {
			return err
		}

		pt.modifyWhile(st)
		pd.updateEntry(idx, user)
	}

	return nil
}

func (pd *Pd) lookup(vaddr uintptr) *Mapping {
	pt := pd.children[pdIndex(vaddr)]
	if pt == nil {
		return nil
	}
	return pt.mappingAt(ptIndex(vaddr))
}

// Pdpt is a page directory pointer table owning up to 512 page directories.
type Pdpt struct {
	frame    pmm.Frame
	entries  [entriesPerTable]pageTableEntry
	children [entriesPerTable]*Pd
	present  int
}

func newPdpt() (*Pdpt, *kernel.Error) {
	if tableFrameAllocFn == nil {
		return nil, errNoTableFrameAllocator
	}
	frame, err := tableFrameAllocFn()
	if err != nil {
		return nil, err
	}
	return &Pdpt{frame: frame}, nil
}

func (pdpt *Pdpt) childOrCreate(idx uint, user bool) (*Pd, *kernel.Error) {
	if pd := pdpt.children[idx]; pd != nil {
		return pd, nil
	}

	pd, err := newPd()
	if err != nil {
		return nil, err
	}

	if existing := pdpt.children[idx]; existing != nil {
		tableFrameFreeFn(pd.frame)
		return existing, nil
	}

	pdpt.children[idx] = pd
	return pd, nil
}

func (pdpt *Pdpt) updateEntry(idx uint, user bool) {
	child := pdpt.children[idx]

	if child == nil || child.present == 0 {
		if pdpt.entries[idx].present() {
			pdpt.entries[idx] = 0
			pdpt.present--
		}
		if child != nil {
			tableFrameFreeFn(child.frame)
			pdpt.children[idx] = nil
		}
		return
	}

	if !pdpt.entries[idx].present() {
		pdpt.present++
	}
	pdpt.entries[idx] = entryForTable(child.frame, user)
}

func (pdpt *Pdpt) modifyWhile(st *walkState, user bool) *kernel.Error {
	base := coverageBase(st.addr, pdptShift)

	for !st.done && coverageBase(st.addr, pdptShift) == base {
		idx := pdptIndex(st.addr)

		pd, err := pdpt.childOrCreate(idx, user)
		if err != nil {
			return err
		}

		if err := pd.modifyWhile(st, user); err != nil {
			return err
		}
		pdpt.updateEntry(idx, user)
	}

	return nil
}

func (pdpt *Pdpt) lookup(vaddr uintptr) *Mapping {
	pd := pdpt.children[pdptIndex(vaddr)]
	if pd == nil {
		return nil
	}
	return pd.lookup(vaddr)
}

// Pml4 is the top-level table of a pageset. The low 256 slots cover the user
// half of the canonical address space and the high 256 slots the kernel
// half.
type Pml4 struct {
	frame    pmm.Frame
	entries  [entriesPerTable]pageTableEntry
	children [entriesPerTable]*Pdpt
	present  int
}

func newPml4() (*Pml4, *kernel.Error) {
	if tableFrameAllocFn == nil {
		return nil, errNoTableFrameAllocator
	}
	frame, err := tableFrameAllocFn()
	if err != nil {
		return nil, err
	}
	return &Pml4{frame: frame}, nil
}

func (p4 *Pml4) childOrCreate(idx uint, user bool) (*Pdpt, *kernel.Error) {
	if pdpt := p4.children[idx]; pdpt != nil {
		return pdpt, nil
	}

	pdpt, err := newPdpt()
	if err != nil {
		return nil, err
	}

	if existing := p4.children[idx]; existing != nil {
		tableFrameFreeFn(pdpt.frame)
		return existing, nil
	}

	p4.children[idx] = pdpt
	return pdpt, nil
}

func (p4 *Pml4) updateEntry(idx uint, user bool) {
	child := p4.children[idx]

	if child == nil || child.present == 0 {
		if p4.entries[idx].present() {
			p4.entries[idx] = 0
			p4.present--
		}
		if child != nil {
			tableFrameFreeFn(child.frame)
			p4.children[idx] = nil
		}
		return
	}

	if !p4.entries[idx].present() {
		p4.present++
	}
	p4.entries[idx] = entryForTable(child.frame, user)
}

func (p4 *Pml4) lookup(vaddr uintptr) *Mapping {
	pdpt := p4.children[pml4Index(vaddr)]
	if pdpt == nil {
		return nil
	}
	return pdpt.lookup(vaddr)
}
