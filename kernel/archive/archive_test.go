package archive

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildArchive serializes entries in the init ramdisk format, in the order
// given.
func buildArchive(entries ...[2][]byte) []byte {
	image := []byte{'K', 'A', 'R', 'C'}
	image = binary.LittleEndian.AppendUint32(image, uint32(len(entries)))

	for _, entry := range entries {
		image = binary.LittleEndian.AppendUint32(image, uint32(len(entry[0])))
		image = append(image, entry[0]...)
		image = binary.LittleEndian.AppendUint32(image, uint32(len(entry[1])))
		image = append(image, entry[1]...)
	}
	return image
}

func TestParse(t *testing.T) {
	image := buildArchive(
		[2][]byte{[]byte("init"), []byte("elf-bytes")},
		[2][]byte{[]byte("shell"), {}},
	)

	a, err := Parse(image)
	require.Nil(t, err)
	require.Equal(t, 2, a.Len())

	data, ok := a.Get("init")
	require.True(t, ok)
	require.Equal(t, []byte("elf-bytes"), data)

	data, ok = a.Get("shell")
	require.True(t, ok)
	require.Empty(t, data)

	_, ok = a.Get("missing")
	require.False(t, ok)
}

func TestParseMalformed(t *testing.T) {
	good := buildArchive([2][]byte{[]byte("init"), []byte("data")})

	specs := []struct {
		name  string
		image []byte
	}{
		{"empty", nil},
		{"short", []byte("KAR")},
		{"bad magic", append([]byte("XARC"), good[4:]...)},
		{"truncated name", good[:10]},
		{"truncated data", good[:len(good)-2]},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := Parse(spec.image)
			require.Equal(t, ErrBadArchive, err)
		})
	}
}

func TestFromEntries(t *testing.T) {
	src := map[string][]byte{"a": []byte("1")}
	a := FromEntries(src)

	// The archive holds its own table; mutating the source map afterwards
	// does not affect it.
	delete(src, "a")
	data, ok := a.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), data)
	require.Equal(t, 1, a.Len())
}
