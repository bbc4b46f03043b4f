// Package chipdb is the static catalog mapping MediaTek hardware identifiers
// to the per-chip constants the BROM client needs: watchdog address, DA
// payload base, and which runtime exploit class (if any) the chip requires.
//
// The catalog is a read-only map, written once at init and never after,
// so lookups need no further synchronization.
package chipdb

// ExploitClass classifies the runtime exploit a chip needs to bypass
// DA2-level signature verification when DAA is enabled in Preloader.
type ExploitClass int

const (
	ExploitNone ExploitClass = iota
	ExploitCarbonara
	ExploitKamakiri2
	ExploitAllInOneSignature
)

func (c ExploitClass) String() string {
	switch c {
	case ExploitCarbonara:
		return "carbonara"
	case ExploitKamakiri2:
		return "kamakiri2"
	case ExploitAllInOneSignature:
		return "allinone-signature"
	default:
		return "none"
	}
}

// ChipInfo holds the per-chip constants a BROM/DA session needs once the
// hw_code is known.
type ChipInfo struct {
	HWCode      uint16
	HWVersion   uint16
	Name        string
	WDTAddr     uint32
	WDTValue    uint32 // 0 means "use DefaultWDTValue"; references disagree on 0x22000000 vs 0x22000064
	UARTAddr    uint32
	BROMPayload uint32
	DAPayload   uint32
	CQDMAAddr   uint32 // 0 if the chip has no CQ-DMA base
	Exploit     ExploitClass
}

// DefaultWDTValue is written to ChipInfo.WDTAddr for any chip whose
// WDTValue is unset.
const DefaultWDTValue uint32 = 0x22000000

// WatchdogValue returns ci.WDTValue if the catalog set one, else
// DefaultWDTValue.
func (ci ChipInfo) WatchdogValue() uint32 {
	if ci.WDTValue != 0 {
		return ci.WDTValue
	}
	return DefaultWDTValue
}

// DefaultChip is returned for any hw_code with no catalog entry.
var DefaultChip = ChipInfo{
	WDTAddr:   0x10007000,
	DAPayload: 0x00200000,
	Exploit:   ExploitNone,
	Name:      "unknown",
}

// legacyWatchdog16 lists hw_codes that require a 16-bit write to
// 0xA2050000 with value 0x2200 instead of the default 32-bit WDT write.
var legacyWatchdog16 = map[uint16]bool{
	0x6261: true,
	0x2523: true,
	0x7682: true,
	0x7686: true,
}

// catalog is the static hw_code -> ChipInfo table. Values are representative
// of the public MediaTek chip families this protocol targets; a production
// deployment would extend this table, not restructure it.
var catalog = map[uint16]ChipInfo{
	0x0788: {HWCode: 0x0788, Name: "MT6580", WDTAddr: 0x10007000, UARTAddr: 0x11005000, BROMPayload: 0x00000000, DAPayload: 0x00200000, Exploit: ExploitNone},
	0x6261: {HWCode: 0x6261, Name: "MT6261", WDTAddr: 0x70025000, UARTAddr: 0x70005000, BROMPayload: 0x00000000, DAPayload: 0x00200000, Exploit: ExploitNone},
	0x0279: {HWCode: 0x0279, Name: "MT6797", WDTAddr: 0x10007000, UARTAddr: 0x11005000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitKamakiri2},
	0x0321: {HWCode: 0x0321, Name: "MT6765", WDTAddr: 0x10007000, UARTAddr: 0x11005000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitCarbonara},
	0x0335: {HWCode: 0x0335, Name: "MT6761", WDTAddr: 0x10007000, UARTAddr: 0x11002000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitCarbonara},
	0x0717: {HWCode: 0x0717, Name: "MT6768", WDTAddr: 0x10007000, UARTAddr: 0x11002000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitCarbonara},
	0x0699: {HWCode: 0x0699, Name: "MT6779", WDTAddr: 0x10007000, UARTAddr: 0x11020000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitCarbonara},
	0x0707: {HWCode: 0x0707, Name: "MT6785", WDTAddr: 0x10007000, UARTAddr: 0x11002000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitCarbonara},
	0x0989: {HWCode: 0x0989, Name: "MT6833", WDTAddr: 0x10007000, UARTAddr: 0x11002000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitAllInOneSignature},
	0x0950: {HWCode: 0x0950, Name: "MT6893", WDTAddr: 0x10007000, UARTAddr: 0x11002000, BROMPayload: 0x00000000, DAPayload: 0x40200000, CQDMAAddr: 0x10212000, Exploit: ExploitAllInOneSignature},
	0x2523: {HWCode: 0x2523, Name: "MT2523", WDTAddr: 0x83000000, UARTAddr: 0x80000000, BROMPayload: 0x00000000, DAPayload: 0x00200000, Exploit: ExploitNone},
	0x7682: {HWCode: 0x7682, Name: "MT7682", WDTAddr: 0x81020000, UARTAddr: 0x80000000, BROMPayload: 0x00000000, DAPayload: 0x00200000, Exploit: ExploitNone},
	0x7686: {HWCode: 0x7686, Name: "MT7686", WDTAddr: 0x81020000, UARTAddr: 0x80000000, BROMPayload: 0x00000000, DAPayload: 0x00200000, Exploit: ExploitNone},
}

// Lookup returns the ChipInfo for hw_code, or DefaultChip (with HWCode
// filled in) if the database has no entry.
func Lookup(hwCode uint16) ChipInfo {
	if ci, ok := catalog[hwCode]; ok {
		return ci
	}
	d := DefaultChip
	d.HWCode = hwCode
	return d
}

// UsesLegacyWatchdog16 reports whether hw_code requires the 16-bit
// 0xA2050000/0x2200 watchdog-disable write instead of a 32-bit write to
// ChipInfo.WDTAddr.
func UsesLegacyWatchdog16(hwCode uint16) bool {
	return legacyWatchdog16[hwCode]
}

// All returns every cataloged chip, in no particular order.
func All() []ChipInfo {
	out := make([]ChipInfo, 0, len(catalog))
	for _, ci := range catalog {
		out = append(out, ci)
	}
	return out
}

// WithExploit returns every cataloged chip that requires any runtime
// exploit class.
func WithExploit() []ChipInfo {
	out := make([]ChipInfo, 0)
	for _, ci := range catalog {
		if ci.Exploit != ExploitNone {
			out = append(out, ci)
		}
	}
	return out
}

// WithAllInOneSignature returns every cataloged chip using the
// AllInOneSignature exploit class.
func WithAllInOneSignature() []ChipInfo {
	out := make([]ChipInfo, 0)
	for _, ci := range catalog {
		if ci.Exploit == ExploitAllInOneSignature {
			out = append(out, ci)
		}
	}
	return out
}

// IsAllInOneSignatureSupported reports whether hw_code's cataloged exploit
// class is AllInOneSignature.
func IsAllInOneSignatureSupported(hwCode uint16) bool {
	return Lookup(hwCode).Exploit == ExploitAllInOneSignature
}

// ExploitType returns the human-readable exploit class name for hw_code.
func ExploitType(hwCode uint16) string {
	return Lookup(hwCode).Exploit.String()
}
