// Package brom implements the Boot ROM / Preloader protocol state machine:
// handshake, device identification, memory read/write, watchdog disable,
// and the DA upload/jump sequence that hands control to the first-stage
// Download Agent.
//
// Every command follows the same echo-then-status discipline: write the
// command and its parameters, read them echoed back byte-for-byte, then
// classify the status word before trusting any payload.
package brom

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"mtkda/internal/chipdb"
	"mtkda/internal/errs"
	"mtkda/internal/link"
	"mtkda/internal/packer"
)

// Mode distinguishes which ROM answered the handshake: BROM itself, or the
// Preloader running from flash.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeBrom
	ModePreloader
)

func (m Mode) String() string {
	switch m {
	case ModeBrom:
		return "Brom"
	case ModePreloader:
		return "Preloader"
	default:
		return "Unknown"
	}
}

// DeviceState tracks the session from connect through DA2 handoff. It
// advances monotonically; the only backward edges are to Error or
// Disconnected.
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateHandshaking
	StateBrom
	StatePreloader
	StateDa1Loaded
	StateDa2Loaded
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateHandshaking:
		return "Handshaking"
	case StateBrom:
		return "Brom"
	case StatePreloader:
		return "Preloader"
	case StateDa1Loaded:
		return "Da1Loaded"
	case StateDa2Loaded:
		return "Da2Loaded"
	default:
		return "Error"
	}
}

// SLAOracle signs an SLA challenge with a key the caller holds externally;
// this module never sees private key material.
type SLAOracle interface {
	Sign(challenge []byte) ([]byte, error)
}

// TargetConfig is the decoded GET_TARGET_CONFIG response.
type TargetConfig struct {
	Raw    uint32
	Status uint16
}

const (
	transactionalReadTimeout = 5 * time.Second
	handshakeStepTimeout     = 200 * time.Millisecond
	handshakeMaxAttempts     = 100
	daChunkSize              = 1024
	daFlushInterval          = 8 * 1024
	maxIDFieldLen            = 64
)

// Client drives one BROM/Preloader session over a Link. It is not safe for
// concurrent use from more than one goroutine; the protocol assumes a
// single cooperative caller per session.
type Client struct {
	Link *link.Link
	SLA  SLAOracle

	chip  chipdb.ChipInfo
	state DeviceState
	mode  Mode

	HWCode       uint16
	HWVer        uint16
	TargetConfig TargetConfig
	MEID         []byte
	SOCID        []byte
	Version      []byte
	HWSWVer      []byte

	LastUploadStatus uint16
}

// New creates a Client bound to an already-connected Link.
func New(l *link.Link) *Client {
	return &Client{Link: l, state: StateDisconnected}
}

func (c *Client) State() DeviceState { return c.state }
func (c *Client) Chip() chipdb.ChipInfo { return c.chip }

// IsSuccess classifies a BROM status code. It is a pure function of
// status: calling it twice with the same value returns the same answer.
func IsSuccess(status uint16) bool {
	switch {
	case status == 0x0000 || status == 0x1D0C:
		return true
	case status == 0x7015 || status == 0x7017:
		return true
	case status >= 0x000F && status <= 0x00FF:
		return true
	default:
		return false
	}
}

// IsDaaTriggered reports whether status is one of the two "success with
// DAA-triggered side effect" codes that mean the caller must expect
// re-enumeration.
func IsDaaTriggered(status uint16) bool {
	return status == 0x7015 || status == 0x7017
}

func statusError(op string, status uint16) error {
	switch status {
	case 0x0010, 0x0011:
		return &errs.AuthRequiredError{Kind: errs.AuthPreloaderDAA, Status: status}
	default:
		return &errs.ProtocolError{Op: op, Detail: fmt.Sprintf("status 0x%04X", status)}
	}
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	packer.PutBE32(b, v)
	return b
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	packer.PutBE16(b, v)
	return b
}

// Handshake runs CMD:A0 0A 50 05 / 5F F5 AF FA with a ramping retry
// delay: 50ms for the first 20 tries, 100ms to 50, then 200ms.
func (c *Client) Handshake(ctx context.Context) error {
	c.state = StateHandshaking
	for attempt := 1; attempt <= handshakeMaxAttempts; attempt++ {
		c.Link.DiscardBuffers()

		matched, err := c.handshakeAttempt(ctx)
		if err != nil {
			return err // cooperative cancellation or a hard link error
		}
		if matched {
			c.Link.DiscardBuffers()
			return nil
		}

		select {
		case <-ctx.Done():
			return errs.ErrCancelled
		case <-time.After(retryDelay(attempt)):
		}
	}
	c.state = StateError
	return &errs.ProtocolError{Op: "handshake", Detail: "no response after max attempts"}
}

func retryDelay(attempt int) time.Duration {
	switch {
	case attempt <= 20:
		return 50 * time.Millisecond
	case attempt <= 50:
		return 100 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

func (c *Client) handshakeAttempt(ctx context.Context) (bool, error) {
	matched := false
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Write([]byte{0xA0}); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)

		b, err := tx.ReadExact(ctx, 1, handshakeStepTimeout)
		if err != nil {
			if err == errs.ErrCancelled {
				return err
			}
			return nil // timeout: this attempt just didn't see 0x5F
		}
		if b[0] != 0x5F {
			return nil
		}
		if err := handshakeStep(tx, ctx, 0x0A, 0xF5); err != nil {
			return nil
		}
		if err := handshakeStep(tx, ctx, 0x50, 0xAF); err != nil {
			return nil
		}
		if err := handshakeStep(tx, ctx, 0x05, 0xFA); err != nil {
			return nil
		}
		matched = true
		return nil
	})
	if err == errs.ErrCancelled {
		return false, err
	}
	return matched, nil
}

func handshakeStep(tx *link.Tx, ctx context.Context, send, expect byte) error {
	if err := tx.Write([]byte{send}); err != nil {
		return err
	}
	got, err := tx.ReadExact(ctx, 1, handshakeStepTimeout)
	if err != nil {
		return err
	}
	if got[0] != expect {
		return fmt.Errorf("expected 0x%02X, got 0x%02X", expect, got[0])
	}
	return nil
}

// GetHWCode issues GET_HW_CODE (0xFD) and populates HWCode/HWVer and the
// chip database lookup.
func (c *Client) GetHWCode(ctx context.Context) error {
	var hwCode, hwVer uint16
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{0xFD}, transactionalReadTimeout); err != nil {
			return err
		}
		b, err := tx.ReadExact(ctx, 4, transactionalReadTimeout)
		if err != nil {
			return err
		}
		hwCode = packer.GetBE16(b[0:2])
		hwVer = packer.GetBE16(b[2:4])
		return nil
	})
	if err != nil {
		return err
	}
	c.HWCode, c.HWVer = hwCode, hwVer
	c.chip = chipdb.Lookup(hwCode)
	return nil
}

// Heartbeat sends 20 probe bytes (0xA0) draining whatever the device
// replies with.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		for i := 0; i < 20; i++ {
			if err := tx.Write([]byte{0xA0}); err != nil {
				return err
			}
			time.Sleep(5 * time.Millisecond)
			tx.Discard()
		}
		return nil
	})
}

// GetTargetConfig issues GET_TARGET_CONFIG (0xD8).
func (c *Client) GetTargetConfig(ctx context.Context) error {
	var cfg uint32
	var status uint16
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{0xD8}, transactionalReadTimeout); err != nil {
			return err
		}
		b, err := tx.ReadExact(ctx, 6, transactionalReadTimeout)
		if err != nil {
			return err
		}
		cfg = packer.GetBE32(b[0:4])
		status = packer.GetBE16(b[4:6])
		return nil
	})
	if err != nil {
		return err
	}
	if status > 0x00FF {
		return &errs.ProtocolError{Op: "get_target_config", Detail: fmt.Sprintf("status 0x%04X", status)}
	}
	c.TargetConfig = TargetConfig{Raw: cfg, Status: status}
	return nil
}

// GetBLVer issues GET_BL_VER (0xFE), which is not echoed, and sets mode.
func (c *Client) GetBLVer(ctx context.Context) (Mode, error) {
	var resp []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Write([]byte{0xFE}); err != nil {
			return err
		}
		var rerr error
		resp, rerr = tx.ReadExact(ctx, 1, transactionalReadTimeout)
		return rerr
	})
	if err != nil {
		return ModeUnknown, err
	}
	if resp[0] == 0xFE {
		c.mode = ModeBrom
		c.state = StateBrom
	} else {
		c.mode = ModePreloader
		c.state = StatePreloader
	}
	return c.mode, nil
}

// readIDField implements the shared GET_ME_ID/GET_SOC_ID/GET_VERSION/
// GET_HW_SW_VER contract: echo cmd, read a big-endian u32 length (1..64),
// read length bytes, read a little-endian u16 status that must be zero.
func (c *Client) readIDField(ctx context.Context, cmd byte) ([]byte, error) {
	if c.mode == ModeUnknown {
		if _, err := c.GetBLVer(ctx); err != nil {
			return nil, err
		}
	}
	var out []byte
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{cmd}, transactionalReadTimeout); err != nil {
			return err
		}
		lb, err := tx.ReadExact(ctx, 4, transactionalReadTimeout)
		if err != nil {
			return err
		}
		length := packer.GetBE32(lb)
		if length == 0 || length > maxIDFieldLen {
			return &errs.ProtocolError{Op: "read_id_field", Detail: fmt.Sprintf("invalid length %d", length)}
		}
		id, err := tx.ReadExact(ctx, int(length), transactionalReadTimeout)
		if err != nil {
			return err
		}
		sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if status := packer.GetLE16(sb); status != 0 {
			return &errs.ProtocolError{Op: "read_id_field", Detail: fmt.Sprintf("status 0x%04X", status)}
		}
		out = id
		return nil
	})
	return out, err
}

func (c *Client) GetMEID(ctx context.Context) error {
	id, err := c.readIDField(ctx, 0xE1)
	if err != nil {
		return err
	}
	c.MEID = id
	return nil
}

func (c *Client) GetSOCID(ctx context.Context) error {
	id, err := c.readIDField(ctx, 0xE7)
	if err != nil {
		return err
	}
	c.SOCID = id
	return nil
}

func (c *Client) GetVersion(ctx context.Context) error {
	v, err := c.readIDField(ctx, 0xFF)
	if err != nil {
		return err
	}
	c.Version = v
	return nil
}

func (c *Client) GetHWSWVer(ctx context.Context) error {
	v, err := c.readIDField(ctx, 0xFC)
	if err != nil {
		return err
	}
	c.HWSWVer = v
	return nil
}

// Read32 issues READ32 (0xD1): echo cmd/address/count, read a status word,
// then read count big-endian 32-bit words followed by a final status.
func (c *Client) Read32(ctx context.Context, addr, count uint32) ([]uint32, error) {
	var words []uint32
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{0xD1}, transactionalReadTimeout); err != nil {
			return err
		}
		if err := tx.Echo(ctx, be32(addr), transactionalReadTimeout); err != nil {
			return err
		}
		if err := tx.Echo(ctx, be32(count), transactionalReadTimeout); err != nil {
			return err
		}
		sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if status := packer.GetBE16(sb); !IsSuccess(status) {
			return statusError("read32", status)
		}
		words = make([]uint32, count)
		for i := range words {
			wb, err := tx.ReadExact(ctx, 4, transactionalReadTimeout)
			if err != nil {
				return err
			}
			words[i] = packer.GetBE32(wb)
		}
		fb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		final := packer.GetBE16(fb)
		if !IsSuccess(final) {
			return statusError("read32", final)
		}
		if IsDaaTriggered(final) {
			return &errs.DaaTriggeredError{Status: final}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return words, nil
}

func (c *Client) writeWords(ctx context.Context, cmd byte, addr uint32, wordBytes [][]byte) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{cmd}, transactionalReadTimeout); err != nil {
			return err
		}
		if err := tx.Echo(ctx, be32(addr), transactionalReadTimeout); err != nil {
			return err
		}
		if err := tx.Echo(ctx, be32(uint32(len(wordBytes))), transactionalReadTimeout); err != nil {
			return err
		}
		sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if status := packer.GetBE16(sb); !IsSuccess(status) {
			return statusError(fmt.Sprintf("write%d", len(wordBytes[0])*8), status)
		}
		for _, w := range wordBytes {
			if err := tx.Echo(ctx, w, transactionalReadTimeout); err != nil {
				return err
			}
		}
		fb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		final := packer.GetBE16(fb)
		if !IsSuccess(final) {
			return statusError("write", final)
		}
		if IsDaaTriggered(final) {
			return &errs.DaaTriggeredError{Status: final}
		}
		return nil
	})
}

// Write32 issues WRITE32 (0xD4).
func (c *Client) Write32(ctx context.Context, addr uint32, words []uint32) error {
	wb := make([][]byte, len(words))
	for i, w := range words {
		wb[i] = be32(w)
	}
	return c.writeWords(ctx, 0xD4, addr, wb)
}

// Write16 issues WRITE16 (0xD2).
func (c *Client) Write16(ctx context.Context, addr uint32, words []uint16) error {
	wb := make([][]byte, len(words))
	for i, w := range words {
		wb[i] = be16(w)
	}
	return c.writeWords(ctx, 0xD2, addr, wb)
}

// DisableWatchdog writes the per-chip disable value to the watchdog
// register, using the legacy 16-bit path for the chips that require it.
func (c *Client) DisableWatchdog(ctx context.Context) error {
	if chipdb.UsesLegacyWatchdog16(c.chip.HWCode) {
		return c.Write16(ctx, 0xA2050000, []uint16{0x2200})
	}
	return c.Write32(ctx, c.chip.WDTAddr, []uint32{c.chip.WatchdogValue()})
}

// uploadPayload implements the 1 KiB-chunked, 8 KiB-flushed upload body
// shared by SEND_DA/SEND_ENV_PREPARE and SEND_CERT, ending in the
// checksum+status read both commands share. wantChecksum is the host-side
// checksum (XOR for SEND_DA/SEND_ENV_PREPARE, additive sum for SEND_CERT);
// a mismatch against the device's echoed checksum is a ProtocolError.
func (c *Client) uploadPayload(ctx context.Context, tx *link.Tx, payload []byte, wantChecksum uint16) error {
	sinceFlush := 0
	for off := 0; off < len(payload); off += daChunkSize {
		end := off + daChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := tx.Write(payload[off:end]); err != nil {
			return err
		}
		sinceFlush += end - off
		if sinceFlush >= daFlushInterval {
			if err := tx.Write(nil); err != nil {
				return err
			}
			sinceFlush = 0
		}
	}
	if err := tx.Write(nil); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)

	cb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
	if err != nil {
		return err
	}
	fb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
	if err != nil {
		return err
	}
	final := packer.GetBE16(fb)
	c.LastUploadStatus = final
	if IsDaaTriggered(final) {
		return &errs.DaaTriggeredError{Status: final}
	}
	if !IsSuccess(final) {
		return &errs.ProtocolError{Op: "upload", Detail: fmt.Sprintf("status 0x%04X", final)}
	}
	if recv := packer.GetBE16(cb); recv != wantChecksum {
		return &errs.ProtocolError{Op: "upload", Detail: fmt.Sprintf("checksum mismatch: want 0x%04X got 0x%04X", wantChecksum, recv)}
	}
	return nil
}

// SendDA issues SEND_DA (0xD7): payload is the full DA region buffer,
// sigLen the trailing signature length to strip before computing the
// upload checksum.
func (c *Client) SendDA(ctx context.Context, payload []byte, sigLen int, addr uint32) error {
	return c.sendDALike(ctx, 0xD7, payload, sigLen, addr)
}

// SendEnvPrepare issues SEND_ENV_PREPARE (0xD9) for EMI configuration,
// which shares SEND_DA's framing up through the data-send phase.
func (c *Client) SendEnvPrepare(ctx context.Context, payload []byte, sigLen int, addr uint32) error {
	return c.sendDALike(ctx, 0xD9, payload, sigLen, addr)
}

func (c *Client) sendDALike(ctx context.Context, cmd byte, payload []byte, sigLen int, addr uint32) error {
	if sigLen < 0 || sigLen > len(payload) {
		return &errs.ContainerError{Detail: "signature length exceeds payload length"}
	}
	body := payload[:len(payload)-sigLen]
	signature := payload[len(payload)-sigLen:]

	return c.Link.Transact(func(tx *link.Tx) error {
		tx.Discard()
		if err := tx.Write([]byte{cmd}); err != nil {
			return err
		}
		b, err := tx.ReadExact(ctx, 1, transactionalReadTimeout)
		if err != nil {
			return err
		}
		switch {
		case b[0] == cmd:
			return c.sendDAStandard(ctx, tx, addr, body, signature)
		case b[0] == 0xE7 || b[0] == 0x00:
			return c.sendDAAlternative(ctx, tx, addr, body, signature)
		default:
			return &errs.ProtocolError{Op: "send_da", Detail: fmt.Sprintf("unexpected branch byte 0x%02X", b[0])}
		}
	})
}

func (c *Client) sendDAStandard(ctx context.Context, tx *link.Tx, addr uint32, body, signature []byte) error {
	if err := tx.Echo(ctx, be32(addr), transactionalReadTimeout); err != nil {
		return err
	}
	if err := tx.Echo(ctx, be32(uint32(len(body))), transactionalReadTimeout); err != nil {
		return err
	}
	if err := tx.Echo(ctx, be32(uint32(len(signature))), transactionalReadTimeout); err != nil {
		return err
	}

	sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
	if err != nil {
		return err
	}
	status := packer.GetBE16(sb)

	switch {
	case status == 0x0010 || status == 0x0011:
		c.LastUploadStatus = status
		return &errs.AuthRequiredError{Kind: errs.AuthPreloaderDAA, Status: status}
	case status <= 0x00FF:
		// proceed to upload
	case status == 0x1D0D:
		if err := c.runSLA(ctx, tx); err != nil {
			return err
		}
	default:
		c.LastUploadStatus = status
		return &errs.ProtocolError{Op: "send_da", Detail: fmt.Sprintf("unexpected status 0x%04X", status)}
	}

	return c.uploadPayload(ctx, tx, body, packer.XorChecksum16(body))
}

// sendDAAlternative is the undocumented 0xE7/0x00 branch some loaders
// take. Its semantics on real devices are not pinned down, so it is kept
// minimal: the same three parameters sent blind (no echo), then the same
// chunked upload.
func (c *Client) sendDAAlternative(ctx context.Context, tx *link.Tx, addr uint32, body, signature []byte) error {
	if err := tx.Write(be32(addr)); err != nil {
		return err
	}
	if err := tx.Write(be32(uint32(len(body)))); err != nil {
		return err
	}
	if err := tx.Write(be32(uint32(len(signature)))); err != nil {
		return err
	}
	return c.uploadPayload(ctx, tx, body, packer.XorChecksum16(body))
}

// runSLA handles the 0x1D0D SLA-required status mid-SEND_DA: read the
// challenge, hand it to the external oracle, write back the signature.
func (c *Client) runSLA(ctx context.Context, tx *link.Tx) error {
	if c.SLA == nil {
		return &errs.AuthRequiredError{Kind: errs.AuthSLA, Status: 0x1D0D}
	}
	lb, err := tx.ReadExact(ctx, 4, transactionalReadTimeout)
	if err != nil {
		return err
	}
	chalLen := packer.GetBE32(lb)
	if chalLen == 0 || chalLen > 4096 {
		return &errs.ProtocolError{Op: "sla", Detail: fmt.Sprintf("invalid challenge length %d", chalLen)}
	}
	challenge, err := tx.ReadExact(ctx, int(chalLen), transactionalReadTimeout)
	if err != nil {
		return err
	}
	sig, err := c.SLA.Sign(challenge)
	if err != nil {
		return fmt.Errorf("sla oracle: %w", err)
	}
	if err := tx.Write(be32(uint32(len(sig)))); err != nil {
		return err
	}
	return tx.Write(sig)
}

// JumpDA issues JUMP_DA (0xD5): echo cmd, write the address blind, read it
// back as a 4-byte echo, then a status. On success the session transitions
// to Da1Loaded after the mandated 100ms settle.
func (c *Client) JumpDA(ctx context.Context, addr uint32) error {
	err := c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{0xD5}, transactionalReadTimeout); err != nil {
			return err
		}
		addrBuf := be32(addr)
		if err := tx.Write(addrBuf); err != nil {
			return err
		}
		echoed, err := tx.ReadExact(ctx, 4, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if !bytes.Equal(echoed, addrBuf) {
			return &errs.ProtocolError{Op: "jump_da", Detail: "address echo mismatch"}
		}
		sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if status := packer.GetBE16(sb); status != 0x0000 {
			return &errs.ProtocolError{Op: "jump_da", Detail: fmt.Sprintf("status 0x%04X", status)}
		}
		return nil
	})
	if err != nil {
		c.state = StateError
		return err
	}
	time.Sleep(100 * time.Millisecond)
	c.state = StateDa1Loaded
	return nil
}

// SendCert uploads the runtime exploit payload via SEND_CERT (0xE0), using
// the additive (not XOR) checksum.
func (c *Client) SendCert(ctx context.Context, payload []byte) error {
	return c.Link.Transact(func(tx *link.Tx) error {
		if err := tx.Echo(ctx, []byte{0xE0}, transactionalReadTimeout); err != nil {
			return err
		}
		if err := tx.Echo(ctx, be32(uint32(len(payload))), transactionalReadTimeout); err != nil {
			return err
		}
		sb, err := tx.ReadExact(ctx, 2, transactionalReadTimeout)
		if err != nil {
			return err
		}
		if status := packer.GetBE16(sb); status > 0x00FF {
			return &errs.ProtocolError{Op: "send_cert", Detail: fmt.Sprintf("status 0x%04X", status)}
		}
		return c.uploadPayload(ctx, tx, payload, packer.SumChecksum16(payload))
	})
}

// MarkDa2Loaded records a successful DA2 handoff (XML-DA upload or the
// Carbonara runtime path), advancing the session state machine.
func (c *Client) MarkDa2Loaded() { c.state = StateDa2Loaded }

// MarkError forces the Error terminal state, e.g. after a Link I/O failure
// observed outside a Client method.
func (c *Client) MarkError() { c.state = StateError }

// MarkDisconnected records the disconnect edge of the state machine; every
// state may take it.
func (c *Client) MarkDisconnected() { c.state = StateDisconnected }
