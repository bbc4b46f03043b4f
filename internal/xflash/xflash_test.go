package xflash

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/packer"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame := EncodeFrame(RawFrame, payload, false)

	ft, length, err := DecodeFrameHeader(frame[:frameHeaderSize])
	require.NoError(t, err)
	require.Equal(t, RawFrame, ft)
	require.Equal(t, uint32(len(payload)), length)
	require.Equal(t, payload, frame[frameHeaderSize:])
}

func TestEncodeFrameWithCRCTrailer(t *testing.T) {
	payload := []byte("partition chunk")
	frame := EncodeFrame(RawFrame, payload, true)

	require.Len(t, frame, frameHeaderSize+len(payload)+4)
	trailer := frame[len(frame)-4:]
	require.Equal(t, packer.CRC32(payload), packer.GetLE32(trailer))
}

func TestDecodeFrameHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, frameHeaderSize)
	packer.PutLE32(buf[0:4], 0xDEADBEEF)
	_, _, err := DecodeFrameHeader(buf)
	require.Error(t, err)
}

func TestDecodeFrameHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeFrameHeader([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestEncodePartitionParams(t *testing.T) {
	buf := encodePartitionParams(2, 0x1000, 0x2000, 1)
	require.Len(t, buf, 24)
	require.Equal(t, uint32(2), packer.GetLE32(buf[0:4]))
	require.Equal(t, uint64(0x1000), packer.GetLE64(buf[4:12]))
	require.Equal(t, uint64(0x2000), packer.GetLE64(buf[12:20]))
	require.Equal(t, uint32(1), packer.GetLE32(buf[20:24]))
}

func TestEncodeFormatParams(t *testing.T) {
	buf := encodeFormatParams("userdata", 3)
	require.Len(t, buf, 36)
	require.Equal(t, "userdata", string(buf[0:8]))
	require.Equal(t, uint32(3), packer.GetLE32(buf[32:36]))
}
