// Package xflash implements the DA v5 binary-framed wire protocol: setup
// commands (checksum level, packet length negotiation, storage probing),
// partition read/write/format, and the extension operations (RPMB,
// registers, SEJ). Frames are a fixed little-endian header followed by
// the payload, packed with the packer package.
package xflash

import (
	"context"
	"fmt"
	"time"

	"mtkda/internal/errs"
	"mtkda/internal/link"
	"mtkda/internal/packer"
)

// FrameType tags an XFlash/XML-DA frame.
type FrameType uint32

const (
	FlowFrame     FrameType = 0
	ResponseFrame FrameType = 1
	RawFrame      FrameType = 2
)

const frameMagic uint32 = 0xFEEEEEEF
const frameHeaderSize = 12

// ChecksumLevel governs whether frames carry a trailing CRC-32.
type ChecksumLevel uint32

const (
	ChecksumNone    ChecksumLevel = 0
	ChecksumUSB     ChecksumLevel = 1
	ChecksumStorage ChecksumLevel = 2
	ChecksumBoth    ChecksumLevel = 3
	ChecksumCRC32   ChecksumLevel = 4
)

// Command is the XFlash setup/partition command code carried as the first
// u32 of a ProtocolFlow payload.
type Command uint32

const (
	CmdSetChecksumLevel Command = iota + 1
	CmdGetPacketLength
	CmdGetEMMCInfo
	CmdGetUFSInfo
	CmdGetNANDInfo
	CmdPartitionRead
	CmdPartitionWrite
	CmdPartitionFormat
	CmdReadRPMB
	CmdWriteRPMB
	CmdReadRegister
	CmdWriteRegister
	CmdSejEncrypt
	CmdSejDecrypt
)

// StorageKind is the detected flash technology.
type StorageKind int

const (
	StorageUnknown StorageKind = iota
	StorageEMMC
	StorageUFS
	StorageNAND
)

const defaultPacketLength = 0x1000
const readTimeout = 30 * time.Second // DA-protocol reads get a longer deadline than BROM ones

// EncodeFrame builds one XFlash/XML-DA frame: magic, type, length,
// payload, and an optional trailing CRC-32 of payload.
func EncodeFrame(t FrameType, payload []byte, withCRC bool) []byte {
	hdr := make([]byte, frameHeaderSize)
	packer.PutLE32(hdr[0:4], frameMagic)
	packer.PutLE32(hdr[4:8], uint32(t))
	packer.PutLE32(hdr[8:12], uint32(len(payload)))
	out := make([]byte, 0, len(hdr)+len(payload)+4)
	out = append(out, hdr...)
	out = append(out, payload...)
	if withCRC {
		trailer := make([]byte, 4)
		packer.PutLE32(trailer, packer.CRC32(payload))
		out = append(out, trailer...)
	}
	return out
}

// FrameMagicBytes returns the 4-byte little-endian encoding of the frame
// magic, for callers (the XML-DA client's resync scan) that need to search
// a byte stream for it rather than decode a header at a known offset.
func FrameMagicBytes() []byte {
	b := make([]byte, 4)
	packer.PutLE32(b, frameMagic)
	return b
}

// DecodeFrameHeader decodes a 12-byte frame header.
func DecodeFrameHeader(buf []byte) (FrameType, uint32, error) {
	if len(buf) < frameHeaderSize {
		return 0, 0, &errs.ProtocolError{Op: "xflash_frame", Detail: "short header"}
	}
	if magic := packer.GetLE32(buf[0:4]); magic != frameMagic {
		return 0, 0, &errs.ProtocolError{Op: "xflash_frame", Detail: fmt.Sprintf("bad magic 0x%08X", magic)}
	}
	return FrameType(packer.GetLE32(buf[4:8])), packer.GetLE32(buf[8:12]), nil
}

// Client drives the DA v5 protocol over an already-handed-off Link (the
// BROM Client retains disposal ownership; this Client only borrows it).
type Client struct {
	Link          *link.Link
	ChecksumLevel ChecksumLevel
	PacketLength  uint32
	Storage       StorageKind
}

func New(l *link.Link) *Client {
	return &Client{Link: l, PacketLength: defaultPacketLength}
}

func readFrame(ctx context.Context, tx *link.Tx, want FrameType, op string) ([]byte, error) {
	hdr, err := tx.ReadExact(ctx, frameHeaderSize, readTimeout)
	if err != nil {
		return nil, err
	}
	t, length, err := DecodeFrameHeader(hdr)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, &errs.ProtocolError{Op: op, Detail: fmt.Sprintf("expected frame type %d, got %d", want, t)}
	}
	return tx.ReadExact(ctx, int(length), readTimeout)
}

// exchangeFlow sends cmd+params as a ProtocolFlow frame and reads back a
// ProtocolFlow frame whose first u32 is a status code.
func (c *Client) exchangeFlow(ctx context.Context, cmd Command, params []byte) (uint32, []byte, error) {
	var status uint32
	var resp []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		payload := make([]byte, 4+len(params))
		packer.PutLE32(payload[0:4], uint32(cmd))
		copy(payload[4:], params)
		if err := tx.Write(EncodeFrame(FlowFrame, payload, false)); err != nil {
			return err
		}
		body, err := readFrame(ctx, tx, FlowFrame, "xflash_setup")
		if err != nil {
			return err
		}
		if len(body) < 4 {
			return &errs.ProtocolError{Op: "xflash_setup", Detail: "short response body"}
		}
		status = packer.GetLE32(body[0:4])
		resp = body[4:]
		return nil
	})
	return status, resp, err
}

// SetChecksumLevel issues SET_CHECKSUM_LEVEL.
func (c *Client) SetChecksumLevel(ctx context.Context, level ChecksumLevel) error {
	params := make([]byte, 4)
	packer.PutLE32(params, uint32(level))
	status, _, err := c.exchangeFlow(ctx, CmdSetChecksumLevel, params)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.ProtocolError{Op: "set_checksum_level", Detail: fmt.Sprintf("status %d", status)}
	}
	c.ChecksumLevel = level
	return nil
}

// NegotiatePacketLength issues GET_PACKET_LENGTH, defaulting to 0x1000 if
// the device doesn't answer with a usable value.
func (c *Client) NegotiatePacketLength(ctx context.Context) error {
	status, resp, err := c.exchangeFlow(ctx, CmdGetPacketLength, nil)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.ProtocolError{Op: "get_packet_length", Detail: fmt.Sprintf("status %d", status)}
	}
	if len(resp) >= 4 {
		if v := packer.GetLE32(resp[0:4]); v != 0 {
			c.PacketLength = v
			return nil
		}
	}
	c.PacketLength = defaultPacketLength
	return nil
}

// DetectStorage probes EMMC, then UFS, then NAND, in that order, stopping
// at the first one that answers success.
func (c *Client) DetectStorage(ctx context.Context) error {
	probes := []struct {
		cmd  Command
		kind StorageKind
	}{
		{CmdGetEMMCInfo, StorageEMMC},
		{CmdGetUFSInfo, StorageUFS},
		{CmdGetNANDInfo, StorageNAND},
	}
	for _, p := range probes {
		status, _, err := c.exchangeFlow(ctx, p.cmd, nil)
		if err == nil && status == 0 {
			c.Storage = p.kind
			return nil
		}
	}
	return &errs.ProtocolError{Op: "detect_storage", Detail: "no storage type responded"}
}

func encodePartitionParams(partitionType uint32, addr, size uint64, storageType uint32) []byte {
	buf := make([]byte, 24)
	packer.PutLE32(buf[0:4], partitionType)
	packer.PutLE64(buf[4:12], addr)
	packer.PutLE64(buf[12:20], size)
	packer.PutLE32(buf[20:24], storageType)
	return buf
}

// ReadPartition reads size bytes at addr, acknowledging every data frame
// with a zero-length ProtocolResponse frame, and verifies the optional
// trailing CRC-32 on each chunk.
func (c *Client) ReadPartition(ctx context.Context, partitionType uint32, addr, size uint64, storageType uint32) ([]byte, error) {
	var out []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		params := encodePartitionParams(partitionType, addr, size, storageType)
		payload := make([]byte, 4+len(params))
		packer.PutLE32(payload[0:4], uint32(CmdPartitionRead))
		copy(payload[4:], params)
		if err := tx.Write(EncodeFrame(FlowFrame, payload, false)); err != nil {
			return err
		}

		statusBody, err := readFrame(ctx, tx, FlowFrame, "xflash_read")
		if err != nil {
			return err
		}
		if len(statusBody) < 4 || packer.GetLE32(statusBody[0:4]) != 0 {
			return &errs.ProtocolError{Op: "xflash_read", Detail: "initial status not success"}
		}

		out = make([]byte, 0, size)
		wantCRC := c.ChecksumLevel == ChecksumCRC32 || c.ChecksumLevel == ChecksumBoth
		for uint64(len(out)) < size {
			chunk, err := readFrame(ctx, tx, RawFrame, "xflash_read")
			if err != nil {
				return err
			}
			if wantCRC {
				trailer, err := tx.ReadExact(ctx, 4, readTimeout)
				if err != nil {
					return err
				}
				if want, got := packer.GetLE32(trailer), packer.CRC32(chunk); want != got {
					return &errs.ProtocolError{Op: "xflash_read", Detail: "checksum mismatch"}
				}
			}
			out = append(out, chunk...)
			if err := tx.Write(EncodeFrame(ResponseFrame, nil, false)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WritePartition sends data in PacketLength-sized ProtocolRaw frames,
// reading the device's ProtocolResponse ack after each, then the final
// status.
func (c *Client) WritePartition(ctx context.Context, partitionType uint32, addr uint64, data []byte, storageType uint32) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		params := encodePartitionParams(partitionType, addr, uint64(len(data)), storageType)
		payload := make([]byte, 4+len(params))
		packer.PutLE32(payload[0:4], uint32(CmdPartitionWrite))
		copy(payload[4:], params)
		if err := tx.Write(EncodeFrame(FlowFrame, payload, false)); err != nil {
			return err
		}

		statusBody, err := readFrame(ctx, tx, FlowFrame, "xflash_write")
		if err != nil {
			return err
		}
		if len(statusBody) < 4 || packer.GetLE32(statusBody[0:4]) != 0 {
			return &errs.ProtocolError{Op: "xflash_write", Detail: "initial status not success"}
		}

		chunkSize := int(c.PacketLength)
		if chunkSize == 0 {
			chunkSize = defaultPacketLength
		}
		withCRC := c.ChecksumLevel == ChecksumCRC32 || c.ChecksumLevel == ChecksumBoth
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := tx.Write(EncodeFrame(RawFrame, data[off:end], withCRC)); err != nil {
				return err
			}
			if _, err := readFrame(ctx, tx, ResponseFrame, "xflash_write"); err != nil {
				return err
			}
		}

		finalBody, err := readFrame(ctx, tx, FlowFrame, "xflash_write")
		if err != nil {
			return err
		}
		if len(finalBody) < 4 || packer.GetLE32(finalBody[0:4]) != 0 {
			return &errs.ProtocolError{Op: "xflash_write", Detail: "final status not success"}
		}
		return nil
	})
}

func encodeFormatParams(name string, storageType uint32) []byte {
	buf := make([]byte, 36)
	copy(buf[0:32], []byte(name))
	packer.PutLE32(buf[32:36], storageType)
	return buf
}

// FormatPartition issues a format request for the named partition.
func (c *Client) FormatPartition(ctx context.Context, name string, storageType uint32) error {
	status, _, err := c.exchangeFlow(ctx, CmdPartitionFormat, encodeFormatParams(name, storageType))
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.ProtocolError{Op: "xflash_format", Detail: fmt.Sprintf("status %d", status)}
	}
	return nil
}

// ReadRPMB reads length bytes of the RPMB region starting at addr.
func (c *Client) ReadRPMB(ctx context.Context, addr uint64, length uint32) ([]byte, error) {
	params := make([]byte, 12)
	packer.PutLE64(params[0:8], addr)
	packer.PutLE32(params[8:12], length)
	status, resp, err := c.exchangeFlow(ctx, CmdReadRPMB, params)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &errs.ProtocolError{Op: "read_rpmb", Detail: fmt.Sprintf("status %d", status)}
	}
	return resp, nil
}

// WriteRPMB writes data into the RPMB region at addr.
func (c *Client) WriteRPMB(ctx context.Context, addr uint64, data []byte) error {
	params := make([]byte, 12+len(data))
	packer.PutLE64(params[0:8], addr)
	packer.PutLE32(params[8:12], uint32(len(data)))
	copy(params[12:], data)
	status, _, err := c.exchangeFlow(ctx, CmdWriteRPMB, params)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.ProtocolError{Op: "write_rpmb", Detail: fmt.Sprintf("status %d", status)}
	}
	return nil
}

// ReadRegister reads one 32-bit SoC register through the DA.
func (c *Client) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	params := make([]byte, 4)
	packer.PutLE32(params, addr)
	status, resp, err := c.exchangeFlow(ctx, CmdReadRegister, params)
	if err != nil {
		return 0, err
	}
	if status != 0 || len(resp) < 4 {
		return 0, &errs.ProtocolError{Op: "read_reg", Detail: fmt.Sprintf("status %d", status)}
	}
	return packer.GetLE32(resp[0:4]), nil
}

// WriteRegister writes one 32-bit SoC register through the DA.
func (c *Client) WriteRegister(ctx context.Context, addr, value uint32) error {
	params := make([]byte, 8)
	packer.PutLE32(params[0:4], addr)
	packer.PutLE32(params[4:8], value)
	status, _, err := c.exchangeFlow(ctx, CmdWriteRegister, params)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.ProtocolError{Op: "write_reg", Detail: fmt.Sprintf("status %d", status)}
	}
	return nil
}

func (c *Client) sejOp(ctx context.Context, cmd Command, op string, data []byte) ([]byte, error) {
	status, resp, err := c.exchangeFlow(ctx, cmd, data)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &errs.ProtocolError{Op: op, Detail: fmt.Sprintf("status %d", status)}
	}
	return resp, nil
}

// SejEncrypt runs data through the SoC's SEJ crypto engine.
func (c *Client) SejEncrypt(ctx context.Context, data []byte) ([]byte, error) {
	return c.sejOp(ctx, CmdSejEncrypt, "sej_encrypt", data)
}

// SejDecrypt reverses SejEncrypt.
func (c *Client) SejDecrypt(ctx context.Context, data []byte) ([]byte, error) {
	return c.sejOp(ctx, CmdSejDecrypt, "sej_decrypt", data)
}
