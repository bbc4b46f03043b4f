// Package lpmeta parses Android Logical Partition ("super") metadata: the
// ALP0-magic header, its four descriptor triples, and the partition/
// extent/group/block-device tables they point at. Results are cached by
// content hash and handed back as deep copies so a caller mutating its own
// result can never corrupt the cache.
package lpmeta

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sync"

	"mtkda/internal/packer"
)

var headerCandidateOffsets = []int{4096, 8192, 0x1000, 0x2000, 0x3000}

const (
	magic                = "0PLA"
	requiredMajorVersion = 10

	// Fixed header: magic(4) + major(2) + minor(2) + header_size(4) +
	// header_checksum(32) + tables_size(4) + tables_checksum(32), followed
	// by the four descriptor triples.
	fixedHeaderSize      = 80
	descriptorTripleSize = 12
	descriptorTripleCnt  = 4
	headerTotalSize      = fixedHeaderSize + descriptorTripleSize*descriptorTripleCnt // 128

	partitionEntryBaseSize   = 68 // name(36) + attrs(4) + first_extent(4) + num_extents(4) + group(4) + guid(16)
	extentEntryBaseSize      = 24 // num_sectors(8) + target_type(4) + target_data(8) + target_source(4)
	groupEntryBaseSize       = 48 // name(36) + flags(4) + maximum_size(8)
	blockDeviceEntryBaseSize = 52 // name(36) + size(8) + alignment(4) + alignment_offset(4)

	boundedSearchLimit = 64 * 1024
	boundedSearchStep  = 4

	cacheCapacity = 10
)

type Extent struct {
	NumSectors   uint64
	TargetType   uint32
	TargetData   uint64
	TargetSource uint32
}

type Partition struct {
	Name             string
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	GroupIndex       uint32
	GUID             [16]byte
}

type Group struct {
	Name        string
	MaximumSize uint64
}

type BlockDevice struct {
	Name             string
	Size             uint64
	Alignment        uint32
	AlignmentOffset  uint32
}

// Metadata is a fully decoded "super" image.
type Metadata struct {
	MajorVersion uint16
	MinorVersion uint16
	HeaderSize   uint32
	TablesSize   uint32
	Partitions   []Partition
	Extents      []Extent
	Groups       []Group
	BlockDevices []BlockDevice
}

func (m Metadata) clone() Metadata {
	out := m
	out.Partitions = append([]Partition(nil), m.Partitions...)
	out.Extents = append([]Extent(nil), m.Extents...)
	out.Groups = append([]Group(nil), m.Groups...)
	out.BlockDevices = append([]BlockDevice(nil), m.BlockDevices...)
	return out
}

var (
	cacheMu sync.Mutex
	cache   = map[string]Metadata{}
)

func cacheKey(buf []byte) string {
	head := buf
	if len(head) > 4096 {
		head = head[:4096]
	}
	sum := md5.Sum(head)
	return fmt.Sprintf("%x:%d", sum, len(buf))
}

// Parse locates and decodes ALP0 metadata in buf, serving a cached result
// when a buffer with the same length and the same MD5 over its first 4 KiB
// was parsed before (bytes past 4 KiB are not part of the cache key). The
// returned *Metadata and every
// slice it holds is always a fresh copy.
func Parse(buf []byte) (*Metadata, error) {
	key := cacheKey(buf)

	cacheMu.Lock()
	if m, ok := cache[key]; ok {
		cacheMu.Unlock()
		clone := m.clone()
		return &clone, nil
	}
	cacheMu.Unlock()

	m, err := decode(buf)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	if _, ok := cache[key]; !ok && len(cache) >= cacheCapacity {
		cache = make(map[string]Metadata, cacheCapacity)
	}
	cache[key] = *m
	cacheMu.Unlock()

	clone := m.clone()
	return &clone, nil
}

func findHeaderOffset(buf []byte) (int, error) {
	check := func(off int) bool {
		if off < 0 || off+8 > len(buf) {
			return false
		}
		if string(buf[off:off+4]) != magic {
			return false
		}
		return packer.GetLE16(buf[off+4:off+6]) == requiredMajorVersion
	}
	for _, off := range headerCandidateOffsets {
		if check(off) {
			return off, nil
		}
	}
	for off := 0; off <= boundedSearchLimit && off+headerTotalSize <= len(buf); off += boundedSearchStep {
		if check(off) {
			return off, nil
		}
	}
	return 0, fmt.Errorf("lpmeta: no %q header found", magic)
}

type descriptorTriple struct {
	offset, count, entrySize uint32
}

func readTriple(h []byte, index int) descriptorTriple {
	off := fixedHeaderSize + index*descriptorTripleSize
	b := h[off : off+descriptorTripleSize]
	return descriptorTriple{
		offset:    packer.GetLE32(b[0:4]),
		count:     packer.GetLE32(b[4:8]),
		entrySize: packer.GetLE32(b[8:12]),
	}
}

func decode(buf []byte) (*Metadata, error) {
	headerOffset, err := findHeaderOffset(buf)
	if err != nil {
		return nil, err
	}
	if headerOffset+headerTotalSize > len(buf) {
		return nil, fmt.Errorf("lpmeta: header at %d is truncated", headerOffset)
	}
	h := buf[headerOffset:]

	major := packer.GetLE16(h[4:6])
	minor := packer.GetLE16(h[6:8])
	headerSize := packer.GetLE32(h[8:12])
	tablesSize := packer.GetLE32(h[44:48])

	partT := readTriple(h, 0)
	extT := readTriple(h, 1)
	groupT := readTriple(h, 2)
	blockT := readTriple(h, 3)

	// The declared header size positions the tables; a header predating the
	// descriptor-triple layout (or a zeroed field) falls back to the struct
	// size decoded above.
	effectiveHeaderSize := int(headerSize)
	if effectiveHeaderSize < headerTotalSize {
		effectiveHeaderSize = headerTotalSize
	}
	tablesBase := headerOffset + effectiveHeaderSize
	if tablesBase > len(buf) {
		return nil, fmt.Errorf("lpmeta: declared header size %d runs past the buffer", headerSize)
	}
	if tablesSize > 0 && tablesBase+int(tablesSize) > len(buf) {
		return nil, fmt.Errorf("lpmeta: declared tables size %d runs past the buffer", tablesSize)
	}

	extents, err := decodeExtents(buf, tablesBase, extT)
	if err != nil {
		return nil, err
	}
	partitions, err := decodePartitions(buf, tablesBase, partT)
	if err != nil {
		return nil, err
	}
	groups, err := decodeGroups(buf, tablesBase, groupT)
	if err != nil {
		return nil, err
	}
	blockDevices, err := decodeBlockDevices(buf, tablesBase, blockT)
	if err != nil {
		return nil, err
	}

	return &Metadata{
		MajorVersion: major,
		MinorVersion: minor,
		HeaderSize:   headerSize,
		TablesSize:   tablesSize,
		Partitions:   partitions,
		Extents:      extents,
		Groups:       groups,
		BlockDevices: blockDevices,
	}, nil
}

func trimName(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// entrySizeOrDefault returns the declared entry size when it is at least
// as large as the base struct (an oversized entry skips forward by the
// surplus), otherwise the base size itself.
func entrySizeOrDefault(declared uint32, base int) int {
	if int(declared) > base {
		return int(declared)
	}
	return base
}

func decodePartitions(buf []byte, tablesBase int, t descriptorTriple) ([]Partition, error) {
	entrySize := entrySizeOrDefault(t.entrySize, partitionEntryBaseSize)
	out := make([]Partition, 0, t.count)
	for i := uint32(0); i < t.count; i++ {
		off := tablesBase + int(t.offset) + int(i)*entrySize
		if off+partitionEntryBaseSize > len(buf) {
			return nil, fmt.Errorf("lpmeta: partition entry %d out of bounds", i)
		}
		e := buf[off : off+partitionEntryBaseSize]
		p := Partition{
			Name:             trimName(e[0:36]),
			Attributes:       packer.GetLE32(e[36:40]),
			FirstExtentIndex: packer.GetLE32(e[40:44]),
			NumExtents:       packer.GetLE32(e[44:48]),
			GroupIndex:       packer.GetLE32(e[48:52]),
		}
		copy(p.GUID[:], e[52:68])
		out = append(out, p)
	}
	return out, nil
}

func decodeExtents(buf []byte, tablesBase int, t descriptorTriple) ([]Extent, error) {
	entrySize := entrySizeOrDefault(t.entrySize, extentEntryBaseSize)
	out := make([]Extent, 0, t.count)
	for i := uint32(0); i < t.count; i++ {
		off := tablesBase + int(t.offset) + int(i)*entrySize
		if off+extentEntryBaseSize > len(buf) {
			return nil, fmt.Errorf("lpmeta: extent entry %d out of bounds", i)
		}
		e := buf[off : off+extentEntryBaseSize]
		out = append(out, Extent{
			NumSectors:   packer.GetLE64(e[0:8]),
			TargetType:   packer.GetLE32(e[8:12]),
			TargetData:   packer.GetLE64(e[12:20]),
			TargetSource: packer.GetLE32(e[20:24]),
		})
	}
	return out, nil
}

func decodeGroups(buf []byte, tablesBase int, t descriptorTriple) ([]Group, error) {
	entrySize := entrySizeOrDefault(t.entrySize, groupEntryBaseSize)
	out := make([]Group, 0, t.count)
	for i := uint32(0); i < t.count; i++ {
		off := tablesBase + int(t.offset) + int(i)*entrySize
		if off+groupEntryBaseSize > len(buf) {
			return nil, fmt.Errorf("lpmeta: group entry %d out of bounds", i)
		}
		e := buf[off : off+groupEntryBaseSize]
		out = append(out, Group{
			Name:        trimName(e[0:36]),
			MaximumSize: packer.GetLE64(e[40:48]),
		})
	}
	return out, nil
}

func decodeBlockDevices(buf []byte, tablesBase int, t descriptorTriple) ([]BlockDevice, error) {
	entrySize := entrySizeOrDefault(t.entrySize, blockDeviceEntryBaseSize)
	out := make([]BlockDevice, 0, t.count)
	for i := uint32(0); i < t.count; i++ {
		off := tablesBase + int(t.offset) + int(i)*entrySize
		if off+blockDeviceEntryBaseSize > len(buf) {
			return nil, fmt.Errorf("lpmeta: block_device entry %d out of bounds", i)
		}
		e := buf[off : off+blockDeviceEntryBaseSize]
		out = append(out, BlockDevice{
			Name:            trimName(e[0:36]),
			Size:            packer.GetLE64(e[36:44]),
			Alignment:       packer.GetLE32(e[44:48]),
			AlignmentOffset: packer.GetLE32(e[48:52]),
		})
	}
	return out, nil
}
