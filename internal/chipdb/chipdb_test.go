package chipdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupKnownChip(t *testing.T) {
	ci := Lookup(0x0321)
	require.Equal(t, "MT6765", ci.Name)
	require.Equal(t, ExploitCarbonara, ci.Exploit)
}

func TestLookupUnknownChipReturnsDefault(t *testing.T) {
	ci := Lookup(0xFFFF)
	require.Equal(t, uint32(0x10007000), ci.WDTAddr)
	require.Equal(t, uint32(0x00200000), ci.DAPayload)
	require.Equal(t, ExploitNone, ci.Exploit)
	require.Equal(t, uint16(0xFFFF), ci.HWCode)
}

func TestLegacyWatchdog16(t *testing.T) {
	require.True(t, UsesLegacyWatchdog16(0x6261))
	require.True(t, UsesLegacyWatchdog16(0x2523))
	require.False(t, UsesLegacyWatchdog16(0x0321))
}

func TestWithExploitAndAllInOne(t *testing.T) {
	for _, ci := range WithExploit() {
		require.NotEqual(t, ExploitNone, ci.Exploit)
	}
	for _, ci := range WithAllInOneSignature() {
		require.Equal(t, ExploitAllInOneSignature, ci.Exploit)
	}
	require.True(t, IsAllInOneSignatureSupported(0x0989))
	require.False(t, IsAllInOneSignatureSupported(0x0321))
	require.Equal(t, "carbonara", ExploitType(0x0321))
}
