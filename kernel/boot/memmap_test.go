package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisitMemRegions(t *testing.T) {
	m := MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Kind: MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Kind: MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Kind: MemAvailable},
	}

	var visited []uint64
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		visited = append(visited, entry.PhysAddress)
		return true
	})
	require.Equal(t, []uint64{0, 0x9fc00, 0x100000}, visited)

	// Returning false aborts the visit.
	visited = nil
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		visited = append(visited, entry.PhysAddress)
		return false
	})
	require.Equal(t, []uint64{0}, visited)
}

func TestMemoryEntryKindString(t *testing.T) {
	require.Equal(t, "available", MemAvailable.String())
	require.Equal(t, "reserved", MemReserved.String())
	require.Equal(t, "unknown", MemoryEntryKind(9).String())
}
