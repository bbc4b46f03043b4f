// Package gpt parses a GUID Partition Table out of a raw disk-image byte
// buffer under an unknown sector size, the way the host side of a flashing
// tool has to: no block device to ask, just the bytes a DA read back. It
// also serializes parsed partitions back into a buffer for round-trip
// testing, and detects the active A/B slot from partition attributes.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"

	"mtkda/internal/packer"
)

const (
	signature                = "EFI PART"
	headerBaseSize           = 92
	entryNameCodeUnits       = 36
	defaultEntrySize         = 128
	maxEntries               = 1024
	minEntries               = 128
	entryArrayBruteForceStep = 128
	entryArrayBruteForceCap  = 32 * 1024
	headerBruteForceStep     = 512
)

var headerCandidateOffsets = []int{4096, 512, 0, 8192, 1024}
var zero16 = make([]byte, 16)

// Header is a decoded GPT header plus the sector size and offset inferred
// while locating it.
type Header struct {
	Offset                   int
	Revision                 uint32
	HeaderSize               uint32
	HeaderCrc32              uint32
	MyLba                    uint64
	AlternateLba             uint64
	FirstUsableLba           uint64
	LastUsableLba            uint64
	DiskGUID                 uuid.UUID
	PartitionEntryLba        uint64
	NumPartitionEntries      uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCrc32 uint32
	SectorSize               uint32
	CRCValid                 bool
}

// PartitionInfo is one decoded GPT entry.
type PartitionInfo struct {
	Name        string
	LUN         int
	StartSector uint64
	SectorCount uint64
	SectorSize  uint32
	TypeGUID    uuid.UUID
	UniqueGUID  uuid.UUID
	Attributes  uint64
	EntryIndex  int
}

// Table is a fully parsed GPT.
type Table struct {
	Header     Header
	Partitions []PartitionInfo
}

// Parse locates, validates, and decodes a GPT header and its partition
// entry array from buf.
func Parse(buf []byte) (*Table, error) {
	headerOffset, err := findHeaderOffset(buf)
	if err != nil {
		return nil, err
	}
	hdr, err := parseHeader(buf, headerOffset)
	if err != nil {
		return nil, err
	}

	entrySize := int(hdr.SizeOfPartitionEntry)
	if entrySize <= 0 {
		entrySize = defaultEntrySize
	}
	arrayOffset := locateEntryArray(buf, hdr, entrySize)
	if arrayOffset < 0 {
		return &Table{Header: hdr}, nil
	}
	count := deriveEntryCount(hdr, len(buf), arrayOffset, entrySize)

	var partitions []PartitionInfo
	for i := 0; i < count; i++ {
		off := arrayOffset + i*entrySize
		if off+16 > len(buf) {
			break
		}
		if bytes.Equal(buf[off:off+16], zero16) {
			continue
		}
		if off+entrySize > len(buf) {
			continue
		}
		e := buf[off : off+entrySize]
		startLba := packer.GetLE64(e[32:40])
		endLba := packer.GetLE64(e[40:48])
		partitions = append(partitions, PartitionInfo{
			Name:        decodeUTF16Name(e[56 : 56+entryNameCodeUnits*2]),
			StartSector: startLba,
			SectorCount: endLba - startLba + 1,
			SectorSize:  hdr.SectorSize,
			TypeGUID:    parseMixedEndianGUID(e[0:16]),
			UniqueGUID:  parseMixedEndianGUID(e[16:32]),
			Attributes:  packer.GetLE64(e[48:56]),
			EntryIndex:  i,
		})
	}

	return &Table{Header: hdr, Partitions: partitions}, nil
}

func findHeaderOffset(buf []byte) (int, error) {
	for _, off := range headerCandidateOffsets {
		if hasSignatureAt(buf, off) {
			return off, nil
		}
	}
	for off := 0; off+len(signature) <= len(buf); off += headerBruteForceStep {
		if hasSignatureAt(buf, off) {
			return off, nil
		}
	}
	return 0, fmt.Errorf("gpt: no %q signature found", signature)
}

func hasSignatureAt(buf []byte, off int) bool {
	if off < 0 || off+len(signature) > len(buf) {
		return false
	}
	return string(buf[off:off+len(signature)]) == signature
}

func parseHeader(buf []byte, offset int) (Header, error) {
	if offset+headerBaseSize > len(buf) {
		return Header{}, fmt.Errorf("gpt: header at offset %d is truncated", offset)
	}
	h := buf[offset : offset+headerBaseSize]
	hdr := Header{
		Offset:                   offset,
		Revision:                 packer.GetLE32(h[8:12]),
		HeaderSize:               packer.GetLE32(h[12:16]),
		HeaderCrc32:              packer.GetLE32(h[16:20]),
		MyLba:                    packer.GetLE64(h[24:32]),
		AlternateLba:             packer.GetLE64(h[32:40]),
		FirstUsableLba:           packer.GetLE64(h[40:48]),
		LastUsableLba:            packer.GetLE64(h[48:56]),
		DiskGUID:                 parseMixedEndianGUID(h[56:72]),
		PartitionEntryLba:        packer.GetLE64(h[72:80]),
		NumPartitionEntries:      packer.GetLE32(h[80:84]),
		SizeOfPartitionEntry:     packer.GetLE32(h[84:88]),
		PartitionEntryArrayCrc32: packer.GetLE32(h[88:92]),
	}
	hdr.SectorSize = inferSectorSize(offset, hdr.MyLba)
	hdr.CRCValid = verifyHeaderCRC(buf, offset, hdr.HeaderSize, hdr.HeaderCrc32)
	return hdr, nil
}

func inferSectorSize(headerOffset int, myLba uint64) uint32 {
	if headerOffset > 0 && myLba > 0 {
		cand := uint64(headerOffset) / myLba
		if cand == 512 || cand == 4096 {
			return uint32(cand)
		}
	}
	return 4096
}

// verifyHeaderCRC reports whether the stored header CRC matches; a
// mismatch is reported to the caller as a non-fatal warning, never a
// parse failure.
func verifyHeaderCRC(buf []byte, offset int, headerSize, want uint32) bool {
	if headerSize == 0 || offset+int(headerSize) > len(buf) {
		return false
	}
	cp := append([]byte(nil), buf[offset:offset+int(headerSize)]...)
	packer.PutLE32(cp[16:20], 0)
	return packer.CRC32(cp) == want
}

func locateEntryArray(buf []byte, hdr Header, entrySize int) int {
	altSectorSize := uint32(512)
	if hdr.SectorSize == 512 {
		altSectorSize = 4096
	}

	candidates := []int{
		int(hdr.PartitionEntryLba) * int(hdr.SectorSize),
		int(hdr.PartitionEntryLba) * int(altSectorSize),
		1024,
		8192,
	}
	for _, gap := range []int{512, 4096, 1024, 2048} {
		candidates = append(candidates, hdr.Offset+gap)
	}

	for _, c := range candidates {
		if entryLooksValid(buf, c, entrySize) {
			return c
		}
	}
	for c := hdr.Offset + headerBaseSize; c <= hdr.Offset+entryArrayBruteForceCap; c += entryArrayBruteForceStep {
		if entryLooksValid(buf, c, entrySize) {
			return c
		}
	}
	return -1
}

func entryLooksValid(buf []byte, off, entrySize int) bool {
	if off < 0 || off+entrySize > len(buf) {
		return false
	}
	e := buf[off : off+entrySize]
	if bytes.Equal(e[0:16], zero16) {
		return false
	}
	nameEnd := 56 + entryNameCodeUnits*2
	if nameEnd > len(e) {
		return false
	}
	return decodeUTF16Name(e[56:nameEnd]) != ""
}

func deriveEntryCount(hdr Header, bufLen, arrayOffset, entrySize int) int {
	count := int(hdr.NumPartitionEntries)

	if hdr.SectorSize > 0 && entrySize > 0 && hdr.FirstUsableLba > hdr.PartitionEntryLba {
		derived := int((hdr.FirstUsableLba - hdr.PartitionEntryLba) * uint64(hdr.SectorSize) / uint64(entrySize))
		if derived > count {
			count = derived
		}
	}
	if count > maxEntries {
		count = maxEntries
	}
	if count < minEntries {
		count = minEntries
	}
	if capacity := (bufLen - arrayOffset) / entrySize; capacity < count {
		count = capacity
	}
	if count < 0 {
		count = 0
	}
	return count
}

func decodeUTF16Name(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	end := len(units)
	for end > 0 && units[end-1] == 0 {
		end--
	}
	return string(utf16.Decode(units[:end]))
}

func putUTF16Name(dst []byte, name string) {
	units := utf16.Encode([]rune(name))
	for i := 0; i < len(dst)/2; i++ {
		if i < len(units) {
			binary.LittleEndian.PutUint16(dst[i*2:i*2+2], units[i])
		} else {
			binary.LittleEndian.PutUint16(dst[i*2:i*2+2], 0)
		}
	}
}

// parseMixedEndianGUID decodes a 16-byte Microsoft-style GUID: the first
// three groups little-endian, the last two big-endian.
func parseMixedEndianGUID(b []byte) uuid.UUID {
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func mixedEndianGUIDBytes(u uuid.UUID) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:], u[8:16])
	return out
}

var abBaseNames = map[string]bool{
	"boot": true, "system": true, "vendor": true, "abl": true, "xbl": true, "dtbo": true,
}

// DetectActiveSlot picks the current A/B slot from the Active bit counts
// of slot-suffixed partitions, falling back to the Successful bit on a
// tie.
func DetectActiveSlot(partitions []PartitionInfo) string {
	var activeA, activeB, successfulA, successfulB int
	for _, p := range partitions {
		base, slot, ok := splitSlotSuffix(p.Name)
		if !ok || !abBaseNames[base] {
			continue
		}
		byte6 := byte(p.Attributes >> 48)
		active := byte6&(1<<2) != 0
		successful := byte6&(1<<3) != 0
		switch slot {
		case "a":
			if active {
				activeA++
			}
			if successful {
				successfulA++
			}
		case "b":
			if active {
				activeB++
			}
			if successful {
				successfulB++
			}
		}
	}
	switch {
	case activeA > activeB:
		return "a"
	case activeB > activeA:
		return "b"
	case successfulA > successfulB:
		return "a"
	case successfulB > successfulA:
		return "b"
	default:
		return "undefined"
	}
}

func splitSlotSuffix(name string) (base, slot string, ok bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_a") {
		return lower[:len(lower)-2], "a", true
	}
	if strings.HasSuffix(lower, "_b") {
		return lower[:len(lower)-2], "b", true
	}
	return "", "", false
}

// Serialize re-encodes hdr and partitions into a fresh buffer laid out at
// the conventional LBA-1-header/LBA-2-entries offsets for hdr.SectorSize.
// Parse(Serialize(hdr, parts)) yields the same partitions as a multiset.
func Serialize(hdr Header, partitions []PartitionInfo) []byte {
	sectorSize := hdr.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}
	entrySize := int(hdr.SizeOfPartitionEntry)
	if entrySize <= 0 {
		entrySize = defaultEntrySize
	}
	headerOffset := int(sectorSize)
	arrayOffset := headerOffset + int(sectorSize)

	entryCount := minEntries
	for _, p := range partitions {
		if p.EntryIndex+1 > entryCount {
			entryCount = p.EntryIndex + 1
		}
	}

	buf := make([]byte, arrayOffset+entryCount*entrySize)

	for _, p := range partitions {
		off := arrayOffset + p.EntryIndex*entrySize
		e := buf[off : off+entrySize]
		copy(e[0:16], mixedEndianGUIDBytes(p.TypeGUID))
		copy(e[16:32], mixedEndianGUIDBytes(p.UniqueGUID))
		packer.PutLE64(e[32:40], p.StartSector)
		if p.SectorCount > 0 {
			packer.PutLE64(e[40:48], p.StartSector+p.SectorCount-1)
		}
		packer.PutLE64(e[48:56], p.Attributes)
		nameEnd := 56 + entryNameCodeUnits*2
		if nameEnd <= len(e) {
			putUTF16Name(e[56:nameEnd], p.Name)
		}
	}

	h := buf[headerOffset : headerOffset+headerBaseSize]
	copy(h[0:8], []byte(signature))
	packer.PutLE32(h[8:12], hdr.Revision)
	packer.PutLE32(h[12:16], headerBaseSize)
	packer.PutLE64(h[24:32], 1)
	packer.PutLE64(h[40:48], hdr.FirstUsableLba)
	packer.PutLE64(h[48:56], hdr.LastUsableLba)
	copy(h[56:72], mixedEndianGUIDBytes(hdr.DiskGUID))
	packer.PutLE64(h[72:80], uint64(arrayOffset)/uint64(sectorSize))
	packer.PutLE32(h[80:84], uint32(entryCount))
	packer.PutLE32(h[84:88], uint32(entrySize))
	packer.PutLE32(h[16:20], 0)
	packer.PutLE32(h[16:20], packer.CRC32(h))

	return buf
}
