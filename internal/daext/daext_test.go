package daext

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mtkda/internal/link"
	"mtkda/internal/packer"
	"mtkda/internal/xflash"
	"mtkda/internal/xmlda"
)

func TestNewRequiresMatchingClient(t *testing.T) {
	_, err := New(ModeXFlash, nil, nil)
	require.Error(t, err)

	_, err = New(ModeXml, nil, nil)
	require.Error(t, err)

	_, err = New(Mode(4), &xflash.Client{}, &xmlda.Client{})
	require.Error(t, err)

	m, err := New(ModeXml, nil, &xmlda.Client{})
	require.NoError(t, err)
	require.Equal(t, ModeXml, m.Mode())
}

func TestReadRegisterDispatchesToXFlash(t *testing.T) {
	var gotAddr uint32
	l, _ := link.NewLoopback(func(w []byte) []byte {
		cmd := xflash.Command(packer.GetLE32(w[12:16]))
		if cmd != xflash.CmdReadRegister {
			return nil
		}
		gotAddr = packer.GetLE32(w[16:20])
		body := make([]byte, 8)
		packer.PutLE32(body[4:8], 0xCAFEF00D)
		return xflash.EncodeFrame(xflash.FlowFrame, body, false)
	})
	defer l.Disconnect()

	m, err := New(ModeXFlash, xflash.New(l), nil)
	require.NoError(t, err)

	v, err := m.ReadRegister(context.Background(), 0x10007000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFEF00D), v)
	require.Equal(t, uint32(0x10007000), gotAddr)
}

func TestReadRegisterDispatchesToXml(t *testing.T) {
	l, _ := link.NewLoopback(func(w []byte) []byte {
		if !strings.Contains(string(w), "CMD:READ-REGISTER") {
			return nil
		}
		return xflash.EncodeFrame(xflash.FlowFrame,
			[]byte("<CMD:END>OK<value>0x1234</value></CMD:END>"), false)
	})
	defer l.Disconnect()

	m, err := New(ModeXml, nil, xmlda.New(l))
	require.NoError(t, err)

	v, err := m.ReadRegister(context.Background(), 0x10007000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1234), v)
}

func TestSejRoundTripOverXFlash(t *testing.T) {
	l, _ := link.NewLoopback(func(w []byte) []byte {
		cmd := xflash.Command(packer.GetLE32(w[12:16]))
		data := w[16:]
		out := make([]byte, 4+len(data))
		switch cmd {
		case xflash.CmdSejEncrypt:
			for i, b := range data {
				out[4+i] = b ^ 0x5A
			}
		case xflash.CmdSejDecrypt:
			for i, b := range data {
				out[4+i] = b ^ 0x5A
			}
		default:
			return nil
		}
		return xflash.EncodeFrame(xflash.FlowFrame, out, false)
	})
	defer l.Disconnect()

	m, err := New(ModeXFlash, xflash.New(l), nil)
	require.NoError(t, err)

	plain := []byte("sej block")
	enc, err := m.SejEncrypt(context.Background(), plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)

	dec, err := m.SejDecrypt(context.Background(), enc)
	require.NoError(t, err)
	require.Equal(t, plain, dec)
}
