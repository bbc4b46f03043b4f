// Package daext exposes the extension operations both DA generations
// share (load, RPMB access, register access, SEJ crypto) behind one
// dispatcher tagged by the DA-mode integer, in place of a per-generation
// manager class hierarchy.
package daext

import (
	"context"
	"fmt"

	"mtkda/internal/xflash"
	"mtkda/internal/xmlda"
)

// Mode is the DA-mode integer a parsed container reports: 5 for the
// binary-framed v5 protocol, 6 for the XML-framed v6 protocol.
type Mode int

const (
	ModeXFlash Mode = 5
	ModeXml    Mode = 6
)

// Manager dispatches the shared extension operation set to whichever wire
// client matches the session's DA mode.
type Manager struct {
	mode Mode
	xf   *xflash.Client
	xd   *xmlda.Client
}

// New builds a Manager for mode; the client for the selected mode must be
// non-nil.
func New(mode Mode, xf *xflash.Client, xd *xmlda.Client) (*Manager, error) {
	switch mode {
	case ModeXFlash:
		if xf == nil {
			return nil, fmt.Errorf("daext: xflash client required for mode %d", mode)
		}
	case ModeXml:
		if xd == nil {
			return nil, fmt.Errorf("daext: xml client required for mode %d", mode)
		}
	default:
		return nil, fmt.Errorf("daext: unknown da mode %d", mode)
	}
	return &Manager{mode: mode, xf: xf, xd: xd}, nil
}

func (m *Manager) Mode() Mode { return m.mode }

// Load places an extension payload into DA memory at addr. The v6 DA has
// BOOT-TO for exactly this; the v5 DA reuses its chunked write path
// against DA RAM.
func (m *Manager) Load(ctx context.Context, addr uint32, payload []byte) error {
	if m.mode == ModeXml {
		return m.xd.BootTo(ctx, addr, payload)
	}
	return m.xf.WritePartition(ctx, 0, uint64(addr), payload, uint32(m.xf.Storage))
}

// ReadRPMB reads length bytes of the RPMB region starting at addr.
func (m *Manager) ReadRPMB(ctx context.Context, addr uint64, length uint32) ([]byte, error) {
	if m.mode == ModeXml {
		return m.xd.ReadRPMB(ctx, addr, length)
	}
	return m.xf.ReadRPMB(ctx, addr, length)
}

// WriteRPMB writes data into the RPMB region at addr.
func (m *Manager) WriteRPMB(ctx context.Context, addr uint64, data []byte) error {
	if m.mode == ModeXml {
		return m.xd.WriteRPMB(ctx, addr, data)
	}
	return m.xf.WriteRPMB(ctx, addr, data)
}

// ReadRegister reads one 32-bit SoC register through the DA.
func (m *Manager) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	if m.mode == ModeXml {
		return m.xd.ReadRegister(ctx, addr)
	}
	return m.xf.ReadRegister(ctx, addr)
}

// WriteRegister writes one 32-bit SoC register through the DA.
func (m *Manager) WriteRegister(ctx context.Context, addr, value uint32) error {
	if m.mode == ModeXml {
		return m.xd.WriteRegister(ctx, addr, value)
	}
	return m.xf.WriteRegister(ctx, addr, value)
}

// SejEncrypt runs data through the SoC's SEJ crypto engine.
func (m *Manager) SejEncrypt(ctx context.Context, data []byte) ([]byte, error) {
	if m.mode == ModeXml {
		return m.xd.SejEncrypt(ctx, data)
	}
	return m.xf.SejEncrypt(ctx, data)
}

// SejDecrypt reverses SejEncrypt.
func (m *Manager) SejDecrypt(ctx context.Context, data []byte) ([]byte, error) {
	if m.mode == ModeXml {
		return m.xd.SejDecrypt(ctx, data)
	}
	return m.xf.SejDecrypt(ctx, data)
}
