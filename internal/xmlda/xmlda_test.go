package xmlda

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/link"
	"mtkda/internal/xflash"
)

func TestExtractTag(t *testing.T) {
	text := "<CMD:DOWNLOAD-FILE><arg><packet_length>0x1000</packet_length></arg></CMD:DOWNLOAD-FILE>"
	val, ok := extractTag(text, "packet_length")
	require.True(t, ok)
	require.Equal(t, "0x1000", val)
}

func TestExtractTagMissing(t *testing.T) {
	_, ok := extractTag("<CMD:GET-SLA>ENABLED</CMD:GET-SLA>", "challenge")
	require.False(t, ok)
}

func TestParseHexOrDecHex(t *testing.T) {
	v, err := parseHexOrDec("0x1000")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), v)
}

func TestParseHexOrDecDecimal(t *testing.T) {
	v, err := parseHexOrDec("4096")
	require.NoError(t, err)
	require.Equal(t, uint64(4096), v)
}

func TestParseHexOrDecUppercasePrefix(t *testing.T) {
	v, err := parseHexOrDec("0X2000")
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), v)
}

func TestParseHexOrDecInvalid(t *testing.T) {
	_, err := parseHexOrDec("not-a-number")
	require.Error(t, err)
}

// TestBuildSetRuntimeParameterDoc checks the required field set of
// CMD:SET-RUNTIME-PARAMETER.
func TestBuildSetRuntimeParameterDoc(t *testing.T) {
	doc := buildSetRuntimeParameterDoc()
	for _, want := range []string{
		"<checksum_level>NONE</checksum_level>",
		"<da_log_level>ERROR</da_log_level>",
		"<log_channel>UART</log_channel>",
		"<battery_exist>AUTO-DETECT</battery_exist>",
		"<system_os>LINUX</system_os>",
		"<initialize_dram>YES</initialize_dram>",
	} {
		require.True(t, strings.Contains(doc, want), "missing field %q", want)
	}
}

// TestBootToAckFormat checks the "OK@<size> " download ack, including
// the load-bearing trailing space.
func TestBootToAckFormat(t *testing.T) {
	payload := make([]byte, 1234)
	var ack string
	l, _ := link.NewLoopback(func(w []byte) []byte {
		ft, length, err := xflash.DecodeFrameHeader(w[:12])
		if err != nil {
			return nil
		}
		switch ft {
		case xflash.FlowFrame:
			return xflash.EncodeFrame(xflash.FlowFrame,
				[]byte("<CMD:DOWNLOAD-FILE><arg><packet_length>0x1000</packet_length></arg></CMD:DOWNLOAD-FILE>"), false)
		case xflash.ResponseFrame:
			ack = string(w[12 : 12+int(length)])
		case xflash.RawFrame:
			return append(xflash.EncodeFrame(xflash.ResponseFrame, []byte("OK"), false),
				xflash.EncodeFrame(xflash.FlowFrame, []byte("<CMD:END>OK</CMD:END>"), false)...)
		}
		return nil
	})
	defer l.Disconnect()

	require.NoError(t, New(l).BootTo(context.Background(), 0x40200000, payload))
	require.Equal(t, "OK@1234 ", ack)
	require.True(t, strings.HasSuffix(ack, " "), "trailing space is required by the device-side parser")
}
