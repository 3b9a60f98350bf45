// Package archive reads the init ramdisk's embedded executables and spawns
// processes from them.
package archive

import (
	"encoding/binary"

	"github.com/devyn/kit-sub000/kernel"
)

// archiveMagic identifies an init archive image.
var archiveMagic = [4]byte{'K', 'A', 'R', 'C'}

var (
	// ErrBadArchive is returned when the archive image is malformed.
	ErrBadArchive = &kernel.Error{Module: "archive", Message: "malformed archive image"}
)

// Archive is a read-only name → bytes table decoded from the init ramdisk.
type Archive struct {
	entries map[string][]byte
}

// Parse decodes an archive image: the magic, a little-endian u32 entry
// count, then per entry a u32 name length, the name bytes, a u32 data
// length and the data bytes.
func Parse(image []byte) (*Archive, *kernel.Error) {
	if len(image) < 8 || [4]byte(image[:4]) != archiveMagic {
		return nil, ErrBadArchive
	}

	count := binary.LittleEndian.Uint32(image[4:])
	entries := make(map[string][]byte, count)

	offset := uint64(8)
	for i := uint32(0); i < count; i++ {
		if offset+4 > uint64(len(image)) {
			return nil, ErrBadArchive
		}
		nameLen := uint64(binary.LittleEndian.Uint32(image[offset:]))
		offset += 4

		if offset+nameLen > uint64(len(image)) {
			return nil, ErrBadArchive
		}
		name := string(image[offset : offset+nameLen])
		offset += nameLen

		if offset+4 > uint64(len(image)) {
			return nil, ErrBadArchive
		}
		dataLen := uint64(binary.LittleEndian.Uint32(image[offset:]))
		offset += 4

		if offset+dataLen > uint64(len(image)) {
			return nil, ErrBadArchive
		}
		entries[name] = image[offset : offset+dataLen]
		offset += dataLen
	}

	return &Archive{entries: entries}, nil
}

// FromEntries builds an archive directly from a name → bytes table. The
// boot path uses Parse; FromEntries serves tests and embedded images.
func FromEntries(entries map[string][]byte) *Archive {
	copied := make(map[string][]byte, len(entries))
	for name, data := range entries {
		copied[name] = data
	}
	return &Archive{entries: copied}
}

// Get returns the bytes of the named entry.
func (a *Archive) Get(name string) ([]byte, bool) {
	data, ok := a.entries[name]
	return data, ok
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	return len(a.entries)
}
