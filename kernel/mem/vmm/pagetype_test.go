package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageTypeAttributes(t *testing.T) {
	specs := []struct {
		pt                   PageType
		writable, user, exec bool
	}{
		{PageKernelData, true, false, false},
		{PageKernelCode, false, false, true},
		{PageKernelReadOnly, false, false, false},
		{PageUserData, true, true, false},
		{PageUserCode, false, true, true},
		{PageUserReadOnly, false, true, false},
	}

	for _, spec := range specs {
		require.Equal(t, spec.writable, spec.pt.Writable())
		require.Equal(t, spec.user, spec.pt.User())
		require.Equal(t, spec.exec, spec.pt.Executable())
	}
}

func TestUserType(t *testing.T) {
	require.Equal(t, PageUserData, UserType(true, false))
	// Writable wins: writable pages are never executable.
	require.Equal(t, PageUserData, UserType(true, true))
	require.Equal(t, PageUserCode, UserType(false, true))
	require.Equal(t, PageUserReadOnly, UserType(false, false))
}

func TestEntryEncoding(t *testing.T) {
	for _, pt := range []PageType{
		PageKernelData, PageKernelCode, PageKernelReadOnly,
		PageUserData, PageUserCode, PageUserReadOnly,
	} {
		entry := entryForMapping(Mapping{Paddr: 0x123000, Type: pt})
		require.True(t, entry.present())
		require.Equal(t, uintptr(0x123000), entry.paddr())
		require.Equal(t, pt, entry.pageType())
	}

	require.False(t, pageTableEntry(0).present())
}

func TestPageOffset(t *testing.T) {
	require.Equal(t, uintptr(0), PageOffset(0x400000))
	require.Equal(t, uintptr(0x123), PageOffset(0x400123))
	require.Equal(t, uintptr(0xfff), PageOffset(0x400fff))
}
