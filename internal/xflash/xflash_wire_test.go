package xflash

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/link"
	"mtkda/internal/packer"
)

func statusFrame(status uint32, rest []byte) []byte {
	body := make([]byte, 4+len(rest))
	packer.PutLE32(body[0:4], status)
	copy(body[4:], rest)
	return EncodeFrame(FlowFrame, body, false)
}

func TestSetChecksumLevelAndPacketLength(t *testing.T) {
	l, _ := link.NewLoopback(func(w []byte) []byte {
		ft, _, err := DecodeFrameHeader(w[:frameHeaderSize])
		if err != nil || ft != FlowFrame {
			return nil
		}
		cmd := Command(packer.GetLE32(w[frameHeaderSize : frameHeaderSize+4]))
		switch cmd {
		case CmdSetChecksumLevel:
			return statusFrame(0, nil)
		case CmdGetPacketLength:
			resp := make([]byte, 4)
			packer.PutLE32(resp, 0x2000)
			return statusFrame(0, resp)
		}
		return nil
	})
	defer l.Disconnect()

	c := New(l)
	ctx := context.Background()
	require.NoError(t, c.SetChecksumLevel(ctx, ChecksumCRC32))
	require.Equal(t, ChecksumCRC32, c.ChecksumLevel)

	require.NoError(t, c.NegotiatePacketLength(ctx))
	require.Equal(t, uint32(0x2000), c.PacketLength)
}

func TestDetectStorageProbesInOrder(t *testing.T) {
	var probed []Command
	l, _ := link.NewLoopback(func(w []byte) []byte {
		cmd := Command(packer.GetLE32(w[frameHeaderSize : frameHeaderSize+4]))
		probed = append(probed, cmd)
		if cmd == CmdGetUFSInfo {
			return statusFrame(0, nil)
		}
		return statusFrame(0xFFFFFFFF, nil) // negative-convention error status
	})
	defer l.Disconnect()

	c := New(l)
	require.NoError(t, c.DetectStorage(context.Background()))
	require.Equal(t, StorageUFS, c.Storage)
	require.Equal(t, []Command{CmdGetEMMCInfo, CmdGetUFSInfo}, probed)
}

func TestReadPartitionStreamsAndAcks(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(0xF0 + i)
	}
	chunks := [][]byte{data[:16], data[16:]}

	next := 0
	l, _ := link.NewLoopback(func(w []byte) []byte {
		ft, _, err := DecodeFrameHeader(w[:frameHeaderSize])
		if err != nil {
			return nil
		}
		switch ft {
		case FlowFrame:
			// read request accepted: status, then the first data frame
			next = 1
			return append(statusFrame(0, nil), EncodeFrame(RawFrame, chunks[0], false)...)
		case ResponseFrame:
			// per-chunk ack; emit the next chunk if one remains
			if next < len(chunks) {
				out := EncodeFrame(RawFrame, chunks[next], false)
				next++
				return out
			}
		}
		return nil
	})
	defer l.Disconnect()

	c := New(l)
	got, err := c.ReadPartition(context.Background(), 0, 0, uint64(len(data)), 1)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWritePartitionChunksAndFinalStatus(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}

	var received []byte
	l, _ := link.NewLoopback(func(w []byte) []byte {
		ft, length, err := DecodeFrameHeader(w[:frameHeaderSize])
		if err != nil {
			return nil
		}
		body := w[frameHeaderSize : frameHeaderSize+int(length)]
		switch ft {
		case FlowFrame:
			return statusFrame(0, nil)
		case RawFrame:
			received = append(received, body...)
			ack := EncodeFrame(ResponseFrame, nil, false)
			if len(received) >= len(data) {
				return append(ack, statusFrame(0, nil)...)
			}
			return ack
		}
		return nil
	})
	defer l.Disconnect()

	c := New(l)
	c.PacketLength = 16
	require.NoError(t, c.WritePartition(context.Background(), 0, 0x1000, data, 1))
	require.Equal(t, data, received)
}

func TestFormatPartitionWire(t *testing.T) {
	var gotName string
	var gotStorage uint32
	l, _ := link.NewLoopback(func(w []byte) []byte {
		cmd := Command(packer.GetLE32(w[frameHeaderSize : frameHeaderSize+4]))
		if cmd != CmdPartitionFormat {
			return nil
		}
		params := w[frameHeaderSize+4:]
		gotName = string(params[0:8])
		gotStorage = packer.GetLE32(params[32:36])
		return statusFrame(0, nil)
	})
	defer l.Disconnect()

	c := New(l)
	require.NoError(t, c.FormatPartition(context.Background(), "userdata", 2))
	require.Equal(t, "userdata", gotName)
	require.Equal(t, uint32(2), gotStorage)
}
