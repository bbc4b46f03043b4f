package xmlda

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/link"
	"mtkda/internal/xflash"
)

func flowFrame(text string) []byte {
	return xflash.EncodeFrame(xflash.FlowFrame, []byte(text), false)
}

func ackFrame() []byte {
	return xflash.EncodeFrame(xflash.ResponseFrame, []byte("OK"), false)
}

// recordingOracle counts Sign invocations and remembers every challenge.
type recordingOracle struct {
	calls      int
	challenges [][]byte
	signature  []byte
}

func (o *recordingOracle) Sign(challenge []byte) ([]byte, error) {
	o.calls++
	o.challenges = append(o.challenges, append([]byte(nil), challenge...))
	return o.signature, nil
}

// carbonaraDevice replays the BOOT-TO / GET-SLA / SLA-CHALLENGE trace of
// the runtime exploit, collecting every streamed payload so the test can
// verify what actually went over the wire.
type carbonaraDevice struct {
	t *testing.T

	packetLength int
	pendingSize  int
	received     []byte
	downloads    [][]byte

	challengeHex string
	authSigHex   string
	runtimeDoc   string
}

func (d *carbonaraDevice) handle(w []byte) []byte {
	if len(w) == 0 {
		return nil
	}
	ft, length, err := xflash.DecodeFrameHeader(w[:12])
	require.NoError(d.t, err, "host must only write whole frames")
	body := string(w[12 : 12+int(length)])

	switch ft {
	case xflash.FlowFrame:
		switch {
		case strings.Contains(body, "CMD:BOOT-TO"):
			return flowFrame("<CMD:DOWNLOAD-FILE><arg><packet_length>0x" +
				strconv.FormatInt(int64(d.packetLength), 16) +
				"</packet_length></arg></CMD:DOWNLOAD-FILE>")
		case strings.Contains(body, "CMD:SET-RUNTIME-PARAMETER"):
			d.runtimeDoc = body
			return flowFrame("<CMD:END>OK</CMD:END>")
		case strings.Contains(body, "CMD:GET-SLA"):
			return flowFrame("<CMD:END>OK<sla_status>ENABLED</sla_status></CMD:END>")
		case strings.Contains(body, "CMD:SLA-CHALLENGE"):
			return flowFrame("<CMD:END>OK<challenge>" + d.challengeHex + "</challenge></CMD:END>")
		case strings.Contains(body, "CMD:SLA-AUTH"):
			d.authSigHex, _ = extractTag(body, "signature")
			return flowFrame("<CMD:END>OK</CMD:END>")
		}
	case xflash.ResponseFrame:
		if strings.HasPrefix(body, "OK@") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(body, "OK@")))
			require.NoError(d.t, err)
			d.pendingSize = n
			d.received = nil
		}
	case xflash.RawFrame:
		require.LessOrEqual(d.t, int(length), d.packetLength, "chunk exceeds negotiated packet_length")
		d.received = append(d.received, w[12:12+int(length)]...)
		ack := ackFrame()
		if len(d.received) >= d.pendingSize {
			d.downloads = append(d.downloads, append([]byte(nil), d.received...))
			return append(ack, flowFrame("<CMD:END>OK</CMD:END>")...)
		}
		return ack
	}
	return nil
}

// TestCarbonaraRuntimeExploitTrace replays a full exploit trace: the
// patched DA2 hash streams first, then the patched DA2 itself, then the
// SLA challenge is satisfied exactly once via the external oracle.
func TestCarbonaraRuntimeExploitTrace(t *testing.T) {
	dev := &carbonaraDevice{t: t, packetLength: 0x10, challengeHex: "a1b2c3d4"}
	l, _ := link.NewLoopback(dev.handle)
	defer l.Disconnect()

	c := New(l)
	oracle := &recordingOracle{signature: []byte{0xCA, 0xFE, 0xBA, 0xBE}}
	c.SLA = oracle

	patched := make([]byte, 40)
	for i := range patched {
		patched[i] = byte(0x5A + i)
	}
	hash := sha256.Sum256(patched)

	err := c.RunCarbonaraExploit(context.Background(), 0x40000000, 0x100, hash, 0x40200000, patched)
	require.NoError(t, err)

	require.Len(t, dev.downloads, 2)
	require.Equal(t, hash[:], dev.downloads[0], "first BOOT-TO must carry the patched DA2 hash")
	require.Equal(t, patched, dev.downloads[1], "second BOOT-TO must carry the patched DA2 payload")

	require.Equal(t, 1, oracle.calls, "the SLA oracle must be invoked exactly once")
	require.Equal(t, []byte{0xA1, 0xB2, 0xC3, 0xD4}, oracle.challenges[0])
	require.Equal(t, hex.EncodeToString(oracle.signature), dev.authSigHex)
}

func TestCarbonaraSkipsSLAWhenDisabled(t *testing.T) {
	dev := &carbonaraDevice{t: t, packetLength: 0x20}
	l, _ := link.NewLoopback(func(w []byte) []byte {
		if len(w) >= 12 {
			if _, length, err := xflash.DecodeFrameHeader(w[:12]); err == nil {
				body := string(w[12 : 12+int(length)])
				if strings.Contains(body, "CMD:GET-SLA") {
					return flowFrame("<CMD:END>OK<sla_status>DISABLED</sla_status></CMD:END>")
				}
			}
		}
		return dev.handle(w)
	})
	defer l.Disconnect()

	c := New(l)
	oracle := &recordingOracle{signature: []byte{0x01}}
	c.SLA = oracle

	patched := make([]byte, 16)
	hash := sha256.Sum256(patched)
	require.NoError(t, c.RunCarbonaraExploit(context.Background(), 0x40000000, 0x80, hash, 0x40200000, patched))
	require.Equal(t, 0, oracle.calls, "no SLA exchange when the device reports it disabled")
}

func TestPostUploadHandshake(t *testing.T) {
	dev := &carbonaraDevice{t: t, packetLength: 0x1000}
	l, inject := link.NewLoopback(dev.handle)
	defer l.Disconnect()

	// The DA speaks first after an upload: its CMD:START is already on the
	// wire before the host reads anything.
	inject(flowFrame("<CMD:START></CMD:START>"))

	c := New(l)
	require.NoError(t, c.PostUploadHandshake(context.Background()))
	require.Contains(t, dev.runtimeDoc, "<initialize_dram>YES</initialize_dram>")
	require.Contains(t, dev.runtimeDoc, "<checksum_level>NONE</checksum_level>")
}

func TestReadPartitionXMLFlow(t *testing.T) {
	data := []byte("super partition contents")
	sent := false
	l, _ := link.NewLoopback(func(w []byte) []byte {
		ft, length, err := xflash.DecodeFrameHeader(w[:12])
		if err != nil {
			return nil
		}
		body := string(w[12 : 12+int(length)])
		switch {
		case ft == xflash.FlowFrame && strings.Contains(body, "CMD:READ-PARTITION"):
			return flowFrame("OK")
		case ft == xflash.ResponseFrame && !sent:
			sent = true
			return xflash.EncodeFrame(xflash.RawFrame, data, false)
		case ft == xflash.ResponseFrame && sent:
			return flowFrame("<CMD:END>OK</CMD:END>")
		}
		return nil
	})
	defer l.Disconnect()

	c := New(l)
	got, err := c.ReadPartition(context.Background(), "super", 0, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestResyncRecoversFromLeadingGarbage(t *testing.T) {
	payload := "<CMD:END>OK</CMD:END>"
	l, inject := link.NewLoopback(func(w []byte) []byte { return nil })
	defer l.Disconnect()

	// One full header's worth of garbage: the bad header read consumes it,
	// then the resync scan finds the real magic at the frame boundary.
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	inject(append(garbage, flowFrame(payload)...))

	c := New(l)
	var text string
	err := c.Link.Transact(func(tx *link.Tx) error {
		var rerr error
		text, rerr = c.readFrameText(context.Background(), tx, readTimeoutXmlDA)
		return rerr
	})
	require.NoError(t, err)
	require.Equal(t, payload, text)
}
