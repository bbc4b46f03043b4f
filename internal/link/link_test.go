package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mtkda/internal/errs"
)

func TestRxBufferAppendAndTakeExact(t *testing.T) {
	var b rxBuffer
	b.append([]byte{0x01, 0x02, 0x03}, 16)
	require.Equal(t, 3, b.available())

	out, ok := b.takeExact(2)
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02}, out)
	require.Equal(t, 1, b.available())

	_, ok = b.takeExact(5)
	require.False(t, ok, "takeExact must not partially consume on a short buffer")
	require.Equal(t, 1, b.available())
}

func TestRxBufferRespectsCap(t *testing.T) {
	var b rxBuffer
	b.append(make([]byte, 10), 8)
	require.Equal(t, 0, b.available(), "append beyond cap must be dropped, not truncated into the buffer")
}

func TestRxBufferReset(t *testing.T) {
	var b rxBuffer
	b.append([]byte{0xAA, 0xBB}, 16)
	b.reset()
	require.Equal(t, 0, b.available())
}

func TestLoopbackEchoRoundTrip(t *testing.T) {
	l, _ := NewLoopback(func(w []byte) []byte {
		return append([]byte(nil), w...)
	})
	defer l.Disconnect()

	err := l.EchoBytes(context.Background(), []byte{0xA0, 0x0A, 0x50}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, l.BytesAvailable())
}

// A mismatched echo must return EchoFailed and leave no bytes in the
// read buffer, including residue past the compared length.
func TestEchoMismatchLeavesEmptyBuffer(t *testing.T) {
	l, _ := NewLoopback(func(w []byte) []byte {
		return []byte{0x99, 0xAA}
	})
	defer l.Disconnect()

	err := l.EchoBytes(context.Background(), []byte{0xA0}, time.Second)
	require.True(t, errs.IsEchoFailed(err))
	require.Equal(t, 0, l.BytesAvailable())
}

func TestEchoTimeoutIsEchoFailed(t *testing.T) {
	l, _ := NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	err := l.EchoBytes(context.Background(), []byte{0xFD}, 30*time.Millisecond)
	require.True(t, errs.IsEchoFailed(err))
	require.Equal(t, 0, l.BytesAvailable())
}

func TestReadExactTimeout(t *testing.T) {
	l, _ := NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	_, err := l.ReadBytes(context.Background(), 4, 30*time.Millisecond)
	var le *errs.LinkError
	require.ErrorAs(t, err, &le)
}

func TestReadExactCancellation(t *testing.T) {
	l, _ := NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.ReadBytes(ctx, 1, time.Second)
	require.ErrorIs(t, err, errs.ErrCancelled)
}

func TestInjectFeedsDeviceInitiatedBytes(t *testing.T) {
	l, inject := NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	inject([]byte{0xDE, 0xAD})
	got, err := l.ReadBytes(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD}, got)
}

func TestDiscardBuffersDropsEverything(t *testing.T) {
	l, inject := NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	inject([]byte{0x01, 0x02, 0x03})
	require.Equal(t, 3, l.BytesAvailable())
	l.DiscardBuffers()
	require.Equal(t, 0, l.BytesAvailable())
}
