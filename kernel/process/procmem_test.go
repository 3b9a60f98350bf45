package process

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devyn/kit-sub000/kernel/boot"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/vmm"
)

// captureUserWrites redirects user-space copies into a map keyed by target
// address for the duration of the test.
func captureUserWrites(t *testing.T) map[uintptr][]byte {
	t.Helper()

	writes := make(map[uintptr][]byte)
	orig := copyToUserFn
	SetUserCopier(func(vaddr uintptr, data []byte) {
		writes[vaddr] = append([]byte(nil), data...)
	})
	t.Cleanup(func() { copyToUserFn = orig })
	return writes
}

func TestMapAllocate(t *testing.T) {
	table, _ := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	done, merr := m.MapAllocate(0x400000, 3*mem.PageSize, vmm.PageUserData)
	require.Nil(t, merr)
	require.Equal(t, uint64(3), done)

	for i := uintptr(0); i < 3; i++ {
		_, ok := m.Pageset().Lookup(0x400000 + i<<mem.PageShift)
		require.True(t, ok)
	}
	_, ok := m.Pageset().Lookup(0x400000 + 3<<mem.PageShift)
	require.False(t, ok)
}

func TestMapAllocateFragmentedGrants(t *testing.T) {
	// One 16-page region for the initial stack plus two disjoint 4-page
	// regions, forcing an 8-page request to be satisfied in two grants.
	table, _ := newTestTableWithMap(t,
		boot.MemoryMapEntry{PhysAddress: 0x100000, Length: 16 * mem.PageSize, Kind: boot.MemAvailable},
		boot.MemoryMapEntry{PhysAddress: 0x300000, Length: 4 * mem.PageSize, Kind: boot.MemAvailable},
		boot.MemoryMapEntry{PhysAddress: 0x400000, Length: 4 * mem.PageSize, Kind: boot.MemAvailable},
	)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	done, merr := m.MapAllocate(0x400000, 8*mem.PageSize, vmm.PageUserData)
	require.Nil(t, merr)
	require.Equal(t, uint64(8), done)
	require.Len(t, m.OwnedRegions(), 3) // stack + two grants

	for i := uintptr(0); i < 8; i++ {
		_, ok := m.Pageset().Lookup(0x400000 + i<<mem.PageShift)
		require.True(t, ok)
	}

	// Nothing is left; further requests fail without mapping anything.
	done, merr = m.MapAllocate(0x500000, mem.PageSize, vmm.PageUserData)
	require.Equal(t, ErrOutOfMemory, merr)
	require.Equal(t, uint64(0), done)
	_, ok := m.Pageset().Lookup(0x500000)
	require.False(t, ok)
}

func TestUnmapDeallocate(t *testing.T) {
	table, physical := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	_, merr := m.MapAllocate(0x400000, 4*mem.PageSize, vmm.PageUserData)
	require.Nil(t, merr)
	freeBefore := physical.TotalFree()

	// A range that only partially covers the owned region leaves it
	// mapped.
	require.Nil(t, m.UnmapDeallocate(0x400000, 2*mem.PageSize))
	_, ok := m.Pageset().Lookup(0x400000)
	require.True(t, ok)
	require.Equal(t, freeBefore, physical.TotalFree())

	// Full coverage releases the region.
	require.Nil(t, m.UnmapDeallocate(0x400000, 4*mem.PageSize))
	_, ok = m.Pageset().Lookup(0x400000)
	require.False(t, ok)
	require.Equal(t, freeBefore+4, physical.TotalFree())
}

func TestSetPermissions(t *testing.T) {
	table, _ := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	_, merr := m.MapAllocate(0x400000, mem.PageSize, vmm.PageUserData)
	require.Nil(t, merr)

	_, merr = m.SetPermissions(0x400000, mem.PageSize, vmm.PageUserCode)
	require.Nil(t, merr)

	mapping := m.Pageset().LookupPage(0x400000)
	require.NotNil(t, mapping)
	require.Equal(t, vmm.PageUserCode, mapping.Type)
}

func TestAdjustHeap(t *testing.T) {
	table, _ := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()
	base := m.HeapBase()

	end, merr := m.AdjustHeap(2 * mem.PageSize)
	require.Nil(t, merr)
	require.Equal(t, base+2*mem.PageSize, end)

	_, ok := m.Pageset().Lookup(base)
	require.True(t, ok)
	_, ok = m.Pageset().Lookup(base + mem.PageSize)
	require.True(t, ok)

	// Shrinking back to the base unmaps the vacated pages.
	end, merr = m.AdjustHeap(-2 * mem.PageSize)
	require.Nil(t, merr)
	require.Equal(t, base, end)

	_, ok = m.Pageset().Lookup(base)
	require.False(t, ok)
	_, ok = m.Pageset().Lookup(base + mem.PageSize)
	require.False(t, ok)

	// Shrinking below the heap base is refused.
	_, merr = m.AdjustHeap(-mem.PageSize)
	require.Equal(t, errHeapDelta, merr)

	require.Equal(t, base, m.HeapEnd())
}

func TestSetupArgs(t *testing.T) {
	writes := captureUserWrites(t)

	table, _ := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	argc, argvPtr, merr := m.SetupArgs([][]byte{[]byte("prog"), []byte("hello")})
	require.Nil(t, merr)
	require.Equal(t, uint64(2), argc)

	// Strings sit immediately below the argument region top, the pointer
	// table 8-byte aligned below them.
	stringsStart := ArgsTopAddr - 11
	require.Equal(t, (stringsStart-16)&^7, argvPtr)

	require.Equal(t, []byte("prog\x00"), writes[stringsStart])
	require.Equal(t, []byte("hello\x00"), writes[stringsStart+5])

	entry0 := binary.LittleEndian.Uint64(writes[argvPtr])
	entry1 := binary.LittleEndian.Uint64(writes[argvPtr+8])
	require.Equal(t, uint64(stringsStart), entry0)
	require.Equal(t, uint64(stringsStart+5), entry1)

	// The whole argument region ends up read-only.
	mapping := m.Pageset().LookupPage(argvPtr)
	require.NotNil(t, mapping)
	require.Equal(t, vmm.PageUserReadOnly, mapping.Type)
	mapping = m.Pageset().LookupPage(stringsStart)
	require.NotNil(t, mapping)
	require.Equal(t, vmm.PageUserReadOnly, mapping.Type)
}

func TestSetupArgsEmpty(t *testing.T) {
	writes := captureUserWrites(t)

	table, _ := newTestTable(t, 256)

	p, err := table.Create("proc")
	require.Nil(t, err)
	m := p.Mem()

	// No strings, a zero-entry table at the top address, nothing written
	// or mapped.
	argc, argvPtr, merr := m.SetupArgs(nil)
	require.Nil(t, merr)
	require.Equal(t, uint64(0), argc)
	require.Equal(t, ArgsTopAddr, argvPtr)
	require.Empty(t, writes)
	require.Nil(t, m.Pageset().LookupPage(ArgsTopAddr-mem.PageSize))
}
