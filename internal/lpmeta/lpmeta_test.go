package lpmeta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/packer"
)

func buildMetadataBuffer() []byte {
	const headerOffset = 4096
	partOffset, partCount, partSize := 0, 1, partitionEntryBaseSize
	extOffset, extCount, extSize := partOffset+partCount*partSize, 1, extentEntryBaseSize
	groupOffset, groupCount, groupSize := extOffset+extCount*extSize, 1, groupEntryBaseSize
	blockOffset, blockCount, blockSize := groupOffset+groupCount*groupSize, 1, blockDeviceEntryBaseSize
	tablesSize := blockOffset + blockCount*blockSize

	buf := make([]byte, headerOffset+headerTotalSize+tablesSize)
	h := buf[headerOffset:]
	copy(h[0:4], []byte(magic))
	packer.PutLE16(h[4:6], requiredMajorVersion)
	packer.PutLE16(h[6:8], 0)
	packer.PutLE32(h[8:12], headerTotalSize)
	packer.PutLE32(h[44:48], uint32(tablesSize))

	writeTriple := func(index int, offset, count, entrySize uint32) {
		off := fixedHeaderSize + index*descriptorTripleSize
		b := h[off : off+descriptorTripleSize]
		packer.PutLE32(b[0:4], offset)
		packer.PutLE32(b[4:8], count)
		packer.PutLE32(b[8:12], entrySize)
	}
	writeTriple(0, uint32(partOffset), uint32(partCount), uint32(partSize))
	writeTriple(1, uint32(extOffset), uint32(extCount), uint32(extSize))
	writeTriple(2, uint32(groupOffset), uint32(groupCount), uint32(groupSize))
	writeTriple(3, uint32(blockOffset), uint32(blockCount), uint32(blockSize))

	tablesBase := headerOffset + headerTotalSize

	pe := buf[tablesBase+partOffset : tablesBase+partOffset+partSize]
	copy(pe[0:36], []byte("boot_a"))
	packer.PutLE32(pe[36:40], 1)
	packer.PutLE32(pe[40:44], 0)
	packer.PutLE32(pe[44:48], 1)
	packer.PutLE32(pe[48:52], 0)

	ee := buf[tablesBase+extOffset : tablesBase+extOffset+extSize]
	packer.PutLE64(ee[0:8], 1000)
	packer.PutLE32(ee[8:12], 0)
	packer.PutLE64(ee[12:20], 0)
	packer.PutLE32(ee[20:24], 0)

	ge := buf[tablesBase+groupOffset : tablesBase+groupOffset+groupSize]
	copy(ge[0:36], []byte("default"))
	packer.PutLE64(ge[40:48], 0)

	be := buf[tablesBase+blockOffset : tablesBase+blockOffset+blockSize]
	copy(be[0:36], []byte("super"))
	packer.PutLE64(be[36:44], 0x100000000)

	return buf
}

func TestParseDecodesAllTables(t *testing.T) {
	buf := buildMetadataBuffer()
	m, err := Parse(buf)
	require.NoError(t, err)

	require.Equal(t, uint32(headerTotalSize), m.HeaderSize)
	require.NotZero(t, m.TablesSize)
	require.Len(t, m.Partitions, 1)
	require.Equal(t, "boot_a", m.Partitions[0].Name)
	require.Len(t, m.Extents, 1)
	require.Equal(t, uint64(1000), m.Extents[0].NumSectors)
	require.Len(t, m.Groups, 1)
	require.Equal(t, "default", m.Groups[0].Name)
	require.Len(t, m.BlockDevices, 1)
	require.Equal(t, "super", m.BlockDevices[0].Name)
}

// TestParseCacheDeepCopy verifies that repeated parses of the same bytes
// are structurally equal and mutating one result's slices never reaches
// the cache.
func TestParseCacheDeepCopy(t *testing.T) {
	buf := buildMetadataBuffer()

	first, err := Parse(buf)
	require.NoError(t, err)
	first.Partitions[0].Name = "corrupted"

	second, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, "boot_a", second.Partitions[0].Name)
}

func TestParseRejectsTruncatedTables(t *testing.T) {
	buf := buildMetadataBuffer()
	_, err := Parse(buf[:len(buf)-8])
	require.Error(t, err, "declared tables size running past the buffer must be rejected")
}

func TestHeaderNotFoundReturnsError(t *testing.T) {
	_, err := Parse(make([]byte, 2048))
	require.Error(t, err)
}
