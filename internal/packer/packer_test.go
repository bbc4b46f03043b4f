package packer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBigEndianRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutBE32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), GetBE32(buf))

	PutBE16(buf, 0xCAFE)
	require.Equal(t, uint16(0xCAFE), GetBE16(buf))

	PutBE64(buf, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), GetBE64(buf))
}

func TestLittleEndianRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutLE32(buf, 0x0788CA00)
	require.Equal(t, uint32(0x0788CA00), GetLE32(buf))
}

// TestCRC32TrailerProperty checks the XFlash trailer convention:
// crc32(bytes || u32_le(crc32(bytes))) == 0.
func TestCRC32TrailerProperty(t *testing.T) {
	data := []byte("xflash payload chunk")
	crc := CRC32(data)

	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, crc)

	combined := append(append([]byte{}, data...), trailer...)
	require.Equal(t, uint32(0), CRC32(combined))
}

func TestXorChecksum16(t *testing.T) {
	require.Equal(t, uint16(0), XorChecksum16([]byte{0x00, 0x01, 0x00, 0x01}))
	require.Equal(t, uint16(0x0001), XorChecksum16([]byte{0x01}))
}

func TestSumChecksum16Wraps(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:2], 0xFFFF)
	binary.LittleEndian.PutUint16(data[2:4], 0x0002)
	require.Equal(t, uint16(1), SumChecksum16(data))
}
