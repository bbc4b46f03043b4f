// Package daloader parses a Download Agent container, selects the DA1/DA2
// regions for a given chip, and implements the byte-level patches the
// Carbonara runtime exploit needs: locating DA2's embedded hash, fixing it
// up after patching DA2, and the ARM/Thumb security-check bypass patches.
//
// The container is a flat binary layout with no compression: a fixed
// header and fixed-width little-endian records, decoded field-by-field
// with the packer package.
package daloader

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"mtkda/internal/errs"
	"mtkda/internal/packer"
)

const (
	headerCountOffset    = 0x68
	entriesStart         = 0x6C
	entrySize            = 0xDC
	entryFixedFieldsSize = 20
	regionDescSize       = 20
	maxRegionsPerEntry   = (entrySize - entryFixedFieldsSize) / regionDescSize

	carbonaraHashTailOffset = 0x30
)

// RegionDescriptor is one DA region inside a container entry.
type RegionDescriptor struct {
	BufOffset       uint32
	Length          uint32
	LoadAddr        uint32
	StartOffset     uint32
	SignatureLength uint32
}

// ContainerEntry is one hw_code-scoped entry in a DA container.
type ContainerEntry struct {
	Magic            uint16
	HWCode           uint16
	HWSubCode        uint16
	HWVersion        uint16
	SWVersion        uint16
	PageSize         uint16
	FirstRegionIndex uint16
	RegionCount      uint16
	Regions          []RegionDescriptor
}

// Container is a parsed DA file.
type Container struct {
	Raw     []byte
	Entries []ContainerEntry
}

// Parse decodes a DA container: a 4-byte entry count at 0x68, 0xDC-byte
// entry headers from 0x6C, each followed inline by its region
// descriptors. Every region must fit within raw.
func Parse(raw []byte) (*Container, error) {
	if len(raw) < entriesStart {
		return nil, &errs.ContainerError{Detail: "buffer too small for container header"}
	}
	count := packer.GetLE32(raw[headerCountOffset : headerCountOffset+4])

	entries := make([]ContainerEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := entriesStart + int(i)*entrySize
		if off+entrySize > len(raw) {
			return nil, &errs.ContainerError{Detail: fmt.Sprintf("entry %d header out of bounds", i)}
		}
		e := parseEntry(raw[off : off+entrySize])
		for j, r := range e.Regions {
			if uint64(r.BufOffset)+uint64(r.Length) > uint64(len(raw)) {
				return nil, &errs.ContainerError{Detail: fmt.Sprintf("entry %d region %d exceeds container bounds", i, j)}
			}
		}
		entries = append(entries, e)
	}
	return &Container{Raw: raw, Entries: entries}, nil
}

func parseEntry(buf []byte) ContainerEntry {
	e := ContainerEntry{
		Magic:            packer.GetLE16(buf[0:2]),
		HWCode:           packer.GetLE16(buf[2:4]),
		HWSubCode:        packer.GetLE16(buf[4:6]),
		HWVersion:        packer.GetLE16(buf[6:8]),
		SWVersion:        packer.GetLE16(buf[8:10]),
		PageSize:         packer.GetLE16(buf[12:14]),
		FirstRegionIndex: packer.GetLE16(buf[16:18]),
		RegionCount:      packer.GetLE16(buf[18:20]),
	}
	// Decode every descriptor slot the 0xDC entry has room for, not just
	// region_count of them: single-region entries still carry their DA2
	// descriptor in the next slot, and the selection algorithm indexes past
	// the declared count. Trailing all-zero slots are padding.
	regions := make([]RegionDescriptor, 0, maxRegionsPerEntry)
	for i := 0; i < maxRegionsPerEntry; i++ {
		ro := entryFixedFieldsSize + i*regionDescSize
		rb := buf[ro : ro+regionDescSize]
		regions = append(regions, RegionDescriptor{
			BufOffset:       packer.GetLE32(rb[0:4]),
			Length:          packer.GetLE32(rb[4:8]),
			LoadAddr:        packer.GetLE32(rb[8:12]),
			StartOffset:     packer.GetLE32(rb[12:16]),
			SignatureLength: packer.GetLE32(rb[16:20]),
		})
	}
	for len(regions) > 0 && regions[len(regions)-1] == (RegionDescriptor{}) {
		regions = regions[:len(regions)-1]
	}
	e.Regions = regions
	return e
}

// DetectVersion inspects raw for the ASCII marker "MTK_DA_v6"; its
// presence selects XML-DA mode, its absence XFlash mode.
func DetectVersion(raw []byte) (version int, mode string) {
	if bytes.Contains(raw, []byte("MTK_DA_v6")) {
		return 6, "Xml"
	}
	return 5, "XFlash"
}

// Selected is the DA1/DA2 pair chosen for one chip, with DA2's trailing
// signature already stripped from its payload.
type Selected struct {
	Entry      ContainerEntry
	DA1        RegionDescriptor
	DA2        RegionDescriptor
	DA1Payload []byte
	DA2Payload []byte
	Version    int
	Mode       string
}

func sliceRegion(raw []byte, r RegionDescriptor) []byte {
	return raw[r.BufOffset : r.BufOffset+r.Length]
}

// Select picks the DA1/DA2 pair for hwCode: the first entry whose
// hw_code matches; regions[1]/regions[2] as DA1/DA2 when region_count >
// 1, else regions[0]/regions[1].
func Select(c *Container, hwCode uint16) (*Selected, error) {
	for _, e := range c.Entries {
		if e.HWCode != hwCode {
			continue
		}

		var da1, da2 RegionDescriptor
		if e.RegionCount > 1 {
			if len(e.Regions) < 3 {
				return nil, &errs.ContainerError{Detail: "region_count > 1 but fewer than 3 regions present"}
			}
			da1, da2 = e.Regions[1], e.Regions[2]
		} else {
			if len(e.Regions) < 2 {
				return nil, &errs.ContainerError{Detail: "entry has fewer than 2 regions"}
			}
			da1, da2 = e.Regions[0], e.Regions[1]
		}

		da2Full := sliceRegion(c.Raw, da2)
		sigLen := int(da2.SignatureLength)
		if sigLen > len(da2Full) {
			return nil, &errs.ContainerError{Detail: "da2 signature length exceeds region length"}
		}

		version, mode := DetectVersion(c.Raw)
		return &Selected{
			Entry:      e,
			DA1:        da1,
			DA2:        da2,
			DA1Payload: sliceRegion(c.Raw, da1),
			DA2Payload: da2Full[:len(da2Full)-sigLen],
			Version:    version,
			Mode:       mode,
		}, nil
	}
	return nil, &errs.ContainerError{Detail: fmt.Sprintf("no entry matches hw_code 0x%04X", hwCode)}
}

// FindDA2HashPosition locates the 32-byte SHA-256 slot embedded in DA1 for
// the v6 container layout.
func FindDA2HashPosition(da1Len, sigLen int) int {
	return da1Len - sigLen - carbonaraHashTailOffset
}

// FixDA1Hash returns a copy of da1 with the 32 bytes at hashPos overwritten
// by SHA-256(patchedDA2), the fixup the Carbonara runtime path requires
// before BOOT-TO'ing DA1's hash region.
func FixDA1Hash(da1 []byte, patchedDA2 []byte, hashPos int) ([]byte, error) {
	if hashPos < 0 || hashPos+sha256.Size > len(da1) {
		return nil, &errs.ContainerError{Detail: "hash position out of bounds"}
	}
	sum := sha256.Sum256(patchedDA2)
	out := append([]byte(nil), da1...)
	copy(out[hashPos:hashPos+sha256.Size], sum[:])
	return out, nil
}

// ApplyPatch verifies that da[offset:offset+len(original)] equals original
// before substituting patch; a mismatch is a no-op returning da unchanged.
func ApplyPatch(da []byte, original, patch []byte, offset int) []byte {
	if offset < 0 || offset+len(original) > len(da) {
		return da
	}
	if !bytes.Equal(da[offset:offset+len(original)], original) {
		return da
	}
	out := append([]byte(nil), da...)
	copy(out[offset:offset+len(patch)], patch)
	return out
}

var (
	armMovR0Zero    = []byte{0x00, 0x00, 0xA0, 0xE3} // MOV R0, #0
	armMovR0One     = []byte{0x01, 0x00, 0xA0, 0xE3} // MOV R0, #1
	thumbMovsR0Zero = []byte{0x00, 0x20}             // MOVS R0, #0
	thumbMovsR0One  = []byte{0x01, 0x20}             // MOVS R0, #1
)

// FindARMSecurityChecks returns every offset in da where the ARM
// "MOV R0,#0" prologue used as a security-check anchor occurs.
func FindARMSecurityChecks(da []byte) []int { return findAll(da, armMovR0Zero) }

// FindThumbSecurityChecks returns every offset in da where the Thumb
// "MOVS R0,#0" prologue occurs.
func FindThumbSecurityChecks(da []byte) []int { return findAll(da, thumbMovsR0Zero) }

// PatchARMSecurityCheck bypasses the ARM security check at offset by
// replacing its #0 immediate with #1.
func PatchARMSecurityCheck(da []byte, offset int) []byte {
	return ApplyPatch(da, armMovR0Zero, armMovR0One, offset)
}

// PatchThumbSecurityCheck bypasses the Thumb security check at offset.
func PatchThumbSecurityCheck(da []byte, offset int) []byte {
	return ApplyPatch(da, thumbMovsR0Zero, thumbMovsR0One, offset)
}

func findAll(haystack, needle []byte) []int {
	var out []int
	start := 0
	for {
		idx := bytes.Index(haystack[start:], needle)
		if idx < 0 {
			return out
		}
		out = append(out, start+idx)
		start += idx + 1
	}
}
