package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
)

const (
	kernelBase = uintptr(0xffff_8000_0000_0000)
	userBase   = uintptr(0x0000_0000_0040_0000)

	// First address past the canonical user half.
	userHalfEnd = uintptr(0x0000_8000_0000_0000)
)

// frameTracker hands out fake page-table frames and records releases so tests
// can observe table pruning.
type frameTracker struct {
	next  pmm.Frame
	live  map[pmm.Frame]bool
	freed []pmm.Frame
}

func installFrameTracker(t *testing.T) *frameTracker {
	t.Helper()

	tr := &frameTracker{next: 0x1000, live: make(map[pmm.Frame]bool)}

	origAlloc, origFree := tableFrameAllocFn, tableFrameFreeFn
	SetTableFrameAllocator(
		func() (pmm.Frame, *kernel.Error) {
			frame := tr.next
			tr.next++
			tr.live[frame] = true
			return frame, nil
		},
		func(frame pmm.Frame) {
			if !tr.live[frame] {
				t.Fatalf("double free of table frame %d", frame)
			}
			delete(tr.live, frame)
			tr.freed = append(tr.freed, frame)
		},
	)
	t.Cleanup(func() {
		tableFrameAllocFn, tableFrameFreeFn = origAlloc, origFree
	})

	return tr
}

func TestMapLookupRoundTrip(t *testing.T) {
	installFrameTracker(t)

	ps, err := NewKernel()
	require.Nil(t, err)

	done, err := ps.MapPages(kernelBase, 0x100000, 4, PageKernelData)
	require.Nil(t, err)
	require.Equal(t, uint64(4), done)

	// Consecutive pages map to consecutive physical pages and the page
	// offset is preserved.
	for i := uintptr(0); i < 4; i++ {
		paddr, ok := ps.Lookup(kernelBase + i<<mem.PageShift + 123)
		require.True(t, ok)
		require.Equal(t, uintptr(0x100000)+i<<mem.PageShift+123, paddr)
	}

	_, ok := ps.Lookup(kernelBase + 4<<mem.PageShift)
	require.False(t, ok)

	m := ps.LookupPage(kernelBase)
	require.NotNil(t, m)
	require.Equal(t, PageKernelData, m.Type)
}

func TestMapOutOfRange(t *testing.T) {
	installFrameTracker(t)

	kps, err := NewKernel()
	require.Nil(t, err)
	ups, err := New(kps)
	require.Nil(t, err)

	// A kernel pageset rejects user addresses before touching anything.
	done, merr := kps.MapPages(userBase, 0x100000, 1, PageKernelData)
	require.Equal(t, ErrOutOfKernelRange, merr)
	require.Equal(t, uint64(0), done)

	// And a user pageset rejects kernel addresses.
	done, merr = ups.MapPages(kernelBase, 0x100000, 1, PageUserData)
	require.Equal(t, ErrOutOfUserRange, merr)
	require.Equal(t, uint64(0), done)

	_, ok := ups.Lookup(kernelBase)
	require.False(t, ok)
}

func TestMapStopsAtRangeBoundary(t *testing.T) {
	installFrameTracker(t)

	kps, err := NewKernel()
	require.Nil(t, err)
	ups, err := New(kps)
	require.Nil(t, err)

	// Two pages fit below the top of the user half; the third crosses out
	// and the count reports exactly how far the walk got.
	start := userHalfEnd - 2<<mem.PageShift
	done, merr := ups.MapPages(start, 0x200000, 3, PageUserData)
	require.Equal(t, ErrOutOfUserRange, merr)
	require.Equal(t, uint64(2), done)

	_, ok := ups.Lookup(start)
	require.True(t, ok)
	_, ok = ups.Lookup(start + 1<<mem.PageShift)
	require.True(t, ok)
}

func TestUnmapPrunesEmptyTables(t *testing.T) {
	tr := installFrameTracker(t)

	ps, err := NewKernel()
	require.Nil(t, err)
	require.Len(t, tr.live, 1) // just the PML4

	done, merr := ps.MapPages(kernelBase, 0x100000, 1, PageKernelData)
	require.Nil(t, merr)
	require.Equal(t, uint64(1), done)
	require.Len(t, tr.live, 4) // PML4 + PDPT + PD + PT

	done, merr = ps.UnmapPages(kernelBase, 1)
	require.Nil(t, merr)
	require.Equal(t, uint64(1), done)

	_, ok := ps.Lookup(kernelBase)
	require.False(t, ok)

	// Every intermediate table emptied by the unmap is released.
	require.Len(t, tr.live, 1)
	require.Len(t, tr.freed, 3)
}

func TestSetPermissions(t *testing.T) {
	installFrameTracker(t)

	ps, err := NewKernel()
	require.Nil(t, err)

	_, merr := ps.MapPages(kernelBase, 0x100000, 2, PageKernelData)
	require.Nil(t, merr)

	// Rewrite one mapped page and one unmapped page. The mapped page
	// changes type keeping its backing, the unmapped page stays unmapped.
	done, merr := ps.SetPermissions(kernelBase+1<<mem.PageShift, 2, PageKernelReadOnly)
	require.Nil(t, merr)
	require.Equal(t, uint64(2), done)

	m := ps.LookupPage(kernelBase)
	require.NotNil(t, m)
	require.Equal(t, PageKernelData, m.Type)

	m = ps.LookupPage(kernelBase + 1<<mem.PageShift)
	require.NotNil(t, m)
	require.Equal(t, PageKernelReadOnly, m.Type)
	require.Equal(t, uintptr(0x101000), m.Paddr)

	require.Nil(t, ps.LookupPage(kernelBase+2<<mem.PageShift))
}

func TestPageInvalidation(t *testing.T) {
	installFrameTracker(t)

	var flushed []uintptr
	origInvalidate := invalidatePageFn
	SetPageInvalidator(func(vaddr uintptr) {
		flushed = append(flushed, vaddr)
	})
	t.Cleanup(func() { invalidatePageFn = origInvalidate })

	ps, err := NewKernel()
	require.Nil(t, err)

	_, merr := ps.MapPages(kernelBase, 0x100000, 3, PageKernelData)
	require.Nil(t, merr)

	require.Equal(t, []uintptr{
		kernelBase,
		kernelBase + 1<<mem.PageShift,
		kernelBase + 2<<mem.PageShift,
	}, flushed)
}

func TestKernelVersionBumpsOnlyOnChange(t *testing.T) {
	installFrameTracker(t)

	kps, err := NewKernel()
	require.Nil(t, err)
	v0 := kps.KernelVersion()

	// Unmapping a never-mapped range leaves the structure untouched, so
	// user pagesets have nothing to resync.
	done, merr := kps.UnmapPages(kernelBase, 3)
	require.Nil(t, merr)
	require.Equal(t, uint64(3), done)
	require.Equal(t, v0, kps.KernelVersion())

	// Likewise a permissions pass that skips only unmapped pages.
	_, merr = kps.SetPermissions(kernelBase, 3, PageKernelReadOnly)
	require.Nil(t, merr)
	require.Equal(t, v0, kps.KernelVersion())

	_, merr = kps.MapPages(kernelBase, 0x100000, 1, PageKernelData)
	require.Nil(t, merr)
	require.Equal(t, v0+1, kps.KernelVersion())

	// Re-installing the identical mapping is not a structural change.
	_, merr = kps.MapPages(kernelBase, 0x100000, 1, PageKernelData)
	require.Nil(t, merr)
	require.Equal(t, v0+1, kps.KernelVersion())

	_, merr = kps.UnmapPages(kernelBase, 1)
	require.Nil(t, merr)
	require.Equal(t, v0+2, kps.KernelVersion())
}

func TestKernelHalfResync(t *testing.T) {
	installFrameTracker(t)

	origLoad := loadPagesetFn
	origActive := activePageset
	t.Cleanup(func() {
		loadPagesetFn = origLoad
		activePageset = origActive
	})

	kps, err := NewKernel()
	require.Nil(t, err)

	_, merr := kps.MapPages(kernelBase, 0x100000, 1, PageKernelData)
	require.Nil(t, merr)

	// A pageset created afterwards sees the mapping immediately.
	ups, err := New(kps)
	require.Nil(t, err)
	_, ok := ups.Lookup(kernelBase)
	require.True(t, ok)

	// A kernel mapping added later, under a different top-level slot, is
	// invisible to the user pageset until its next Load.
	other := kernelBase + uintptr(1)<<pml4Shift
	_, merr = kps.MapPages(other, 0x200000, 1, PageKernelData)
	require.Nil(t, merr)

	_, ok = ups.Lookup(other)
	require.False(t, ok)

	ups.Load()
	paddr, ok := ups.Lookup(other)
	require.True(t, ok)
	require.Equal(t, uintptr(0x200000), paddr)
	require.Same(t, ups, Active())
}
