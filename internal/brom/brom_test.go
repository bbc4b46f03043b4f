package brom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIsSuccessClassification checks that IsSuccess accepts exactly the
// documented success statuses and is idempotent.
func TestIsSuccessClassification(t *testing.T) {
	successes := []uint16{0x0000, 0x1D0C, 0x7015, 0x7017, 0x000F, 0x0080, 0x00FF}
	for _, s := range successes {
		require.True(t, IsSuccess(s), "status 0x%04X should classify as success", s)
		require.Equal(t, IsSuccess(s), IsSuccess(s), "is_success must be idempotent")
	}

	failures := []uint16{0x0001, 0x0002, 0x0010, 0x0011, 0x1D0D, 0x000E, 0x0100}
	for _, s := range failures {
		require.False(t, IsSuccess(s), "status 0x%04X should classify as failure", s)
	}
}

func TestIsDaaTriggered(t *testing.T) {
	require.True(t, IsDaaTriggered(0x7015))
	require.True(t, IsDaaTriggered(0x7017))
	require.False(t, IsDaaTriggered(0x0000))
}

func TestRetryDelayRamp(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, retryDelay(1))
	require.Equal(t, 50*time.Millisecond, retryDelay(20))
	require.Equal(t, 100*time.Millisecond, retryDelay(21))
	require.Equal(t, 100*time.Millisecond, retryDelay(50))
	require.Equal(t, 200*time.Millisecond, retryDelay(51))
	require.Equal(t, 200*time.Millisecond, retryDelay(100))
}

func TestDeviceStateStrings(t *testing.T) {
	require.Equal(t, "Disconnected", StateDisconnected.String())
	require.Equal(t, "Da1Loaded", StateDa1Loaded.String())
	require.Equal(t, "Da2Loaded", StateDa2Loaded.String())
	require.Equal(t, "Error", StateError.String())
}

func TestModeStrings(t *testing.T) {
	require.Equal(t, "Brom", ModeBrom.String())
	require.Equal(t, "Preloader", ModePreloader.String())
	require.Equal(t, "Unknown", ModeUnknown.String())
}
