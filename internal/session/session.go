// Package session wires Link, the BROM Client, the DA Loader, and whichever
// DA wire client the selected container calls for into one top-to-bottom
// flow: bring the device up through BROM/Preloader, load and hand off a
// Download Agent, then serve partition-level reads through whichever
// higher-level parser the caller needs (GPT, LP metadata, or a
// rawprogram/patch flashing plan).
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"mtkda/internal/brom"
	"mtkda/internal/chipdb"
	"mtkda/internal/config"
	"mtkda/internal/daext"
	"mtkda/internal/daloader"
	"mtkda/internal/flashplan"
	"mtkda/internal/gpt"
	"mtkda/internal/link"
	"mtkda/internal/lpmeta"
	"mtkda/internal/xflash"
	"mtkda/internal/xmlda"
)

const defaultPartitionHeaderReadSize = 1 << 20 // 1 MiB, enough for a GPT header+entries or an LP "super" header

// Session drives one device from connect through DA2 handoff. It owns the
// Link for the lifetime of the session; disposal is always through Close.
type Session struct {
	Link *link.Link
	Brom *brom.Client
	cfg  config.SessionConfig

	da     *daloader.Selected
	xflash *xflash.Client
	xmlda  *xmlda.Client
}

// New creates a Session over an already-connected Link. sla may be nil if
// the caller never expects to hit an SLA-gated code path.
func New(l *link.Link, sla brom.SLAOracle) *Session {
	cfg, _ := config.LoadSessionConfig()
	b := brom.New(l)
	b.SLA = sla
	return &Session{Link: l, Brom: b, cfg: *cfg}
}

// Init runs the BROM-level bring-up sequence: handshake, hw_code lookup,
// heartbeat drain, target-config read, BL version (mode) detection, the two
// ID fields, and the watchdog disable.
func (s *Session) Init(ctx context.Context) error {
	if err := s.Brom.Handshake(ctx); err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}
	if err := s.Brom.GetHWCode(ctx); err != nil {
		return fmt.Errorf("session: get_hw_code: %w", err)
	}
	if err := s.Brom.Heartbeat(ctx); err != nil {
		return fmt.Errorf("session: heartbeat: %w", err)
	}
	if err := s.Brom.GetTargetConfig(ctx); err != nil {
		return fmt.Errorf("session: get_target_config: %w", err)
	}
	if _, err := s.Brom.GetBLVer(ctx); err != nil {
		return fmt.Errorf("session: get_bl_ver: %w", err)
	}
	if err := s.Brom.GetMEID(ctx); err != nil {
		return fmt.Errorf("session: get_me_id: %w", err)
	}
	if err := s.Brom.GetSOCID(ctx); err != nil {
		return fmt.Errorf("session: get_soc_id: %w", err)
	}
	if err := s.Brom.DisableWatchdog(ctx); err != nil {
		return fmt.Errorf("session: disable_watchdog: %w", err)
	}
	return nil
}

// LoadDA parses a DA container and selects the entry matching the
// connected chip's hw_code, optionally dumping DA1.bin/DA2.bin for offline
// inspection when the session config enables it.
func (s *Session) LoadDA(raw []byte) error {
	container, err := daloader.Parse(raw)
	if err != nil {
		return fmt.Errorf("session: parsing da container: %w", err)
	}
	sel, err := daloader.Select(container, s.Brom.Chip().HWCode)
	if err != nil {
		return fmt.Errorf("session: selecting da entry: %w", err)
	}
	s.da = sel

	if s.cfg.DumpDAArtifacts {
		if err := s.dumpDAArtifacts(); err != nil {
			return fmt.Errorf("session: dumping da artifacts: %w", err)
		}
	}
	return nil
}

func (s *Session) dumpDAArtifacts() error {
	if err := os.WriteFile(filepath.Join(s.cfg.ArtifactDir, "DA1.bin"), s.da.DA1Payload, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.cfg.ArtifactDir, "DA2.bin"), s.da.DA2Payload, 0o644)
}

// UploadDA1 sends the DA1 region via SEND_DA and jumps to it.
func (s *Session) UploadDA1(ctx context.Context) error {
	if s.da == nil {
		return fmt.Errorf("session: no da container loaded")
	}
	sigLen := int(s.da.DA1.SignatureLength)
	if err := s.Brom.SendDA(ctx, s.da.DA1Payload, sigLen, s.da.DA1.LoadAddr); err != nil {
		return fmt.Errorf("session: send_da (da1): %w", err)
	}
	if err := s.Brom.JumpDA(ctx, s.da.DA1.LoadAddr); err != nil {
		return fmt.Errorf("session: jump_da: %w", err)
	}
	return nil
}

// StartDA2 performs the post-DA1 handoff for the normal (non-exploit) path:
// DA1 has already loaded DA2 on-device, so the host only needs to run the
// v5/v6 wire client's own post-upload handshake.
func (s *Session) StartDA2(ctx context.Context) error {
	if s.da == nil {
		return fmt.Errorf("session: no da container loaded")
	}
	switch s.da.Mode {
	case "XFlash":
		s.xflash = xflash.New(s.Link)
		if err := s.xflash.SetChecksumLevel(ctx, xflash.ChecksumNone); err != nil {
			return fmt.Errorf("session: xflash set_checksum_level: %w", err)
		}
		if err := s.xflash.NegotiatePacketLength(ctx); err != nil {
			return fmt.Errorf("session: xflash negotiate_packet_length: %w", err)
		}
		if err := s.xflash.DetectStorage(ctx); err != nil {
			return fmt.Errorf("session: xflash detect_storage: %w", err)
		}
	case "Xml":
		s.xmlda = xmlda.New(s.Link)
		s.xmlda.SLA = s.Brom.SLA
		if err := s.xmlda.PostUploadHandshake(ctx); err != nil {
			return fmt.Errorf("session: xmlda post_upload_handshake: %w", err)
		}
	default:
		return fmt.Errorf("session: unknown da mode %q", s.da.Mode)
	}
	s.Brom.MarkDa2Loaded()
	return nil
}

// patchedDA2 applies the ARM/Thumb security-check bypass patches to a copy
// of the selected DA2 payload, for the runtime exploit path.
func (s *Session) patchedDA2() []byte {
	da2 := append([]byte(nil), s.da.DA2Payload...)
	for _, off := range daloader.FindARMSecurityChecks(da2) {
		da2 = daloader.PatchARMSecurityCheck(da2, off)
	}
	for _, off := range daloader.FindThumbSecurityChecks(da2) {
		da2 = daloader.PatchThumbSecurityCheck(da2, off)
	}
	return da2
}

// RunCarbonaraExploit drives the runtime boot_to sequence for chips whose
// chipdb entry requires it, bypassing DA2 signature verification without
// DA1 ever having to re-verify a re-signed payload.
func (s *Session) RunCarbonaraExploit(ctx context.Context) error {
	if s.da == nil {
		return fmt.Errorf("session: no da container loaded")
	}
	if s.Brom.Chip().Exploit != chipdb.ExploitCarbonara {
		return fmt.Errorf("session: chip %s does not use the carbonara exploit", s.Brom.Chip().Name)
	}

	patched := s.patchedDA2()
	hashPos := daloader.FindDA2HashPosition(len(s.da.DA1Payload), int(s.da.DA1.SignatureLength))
	hash := sha256.Sum256(patched)

	s.xmlda = xmlda.New(s.Link)
	s.xmlda.SLA = s.Brom.SLA
	if err := s.xmlda.RunCarbonaraExploit(ctx, s.da.DA1.LoadAddr, hashPos, hash, s.da.DA2.LoadAddr, patched); err != nil {
		return fmt.Errorf("session: carbonara exploit: %w", err)
	}
	s.Brom.MarkDa2Loaded()
	return nil
}

func (s *Session) readPartitionRaw(ctx context.Context, partitionName string, addr, size uint64) ([]byte, error) {
	switch {
	case s.xmlda != nil:
		return s.xmlda.ReadPartition(ctx, partitionName, addr, size)
	case s.xflash != nil:
		return s.xflash.ReadPartition(ctx, 0, addr, size, uint32(s.xflash.Storage))
	default:
		return nil, fmt.Errorf("session: no da2 client active")
	}
}

// ReadGPT reads partitionName's first megabyte and parses its GPT.
func (s *Session) ReadGPT(ctx context.Context, partitionName string) (*gpt.Table, error) {
	data, err := s.readPartitionRaw(ctx, partitionName, 0, defaultPartitionHeaderReadSize)
	if err != nil {
		return nil, fmt.Errorf("session: reading gpt from %s: %w", partitionName, err)
	}
	return gpt.Parse(data)
}

// ReadLPMetadata reads readSize bytes from partitionName (typically
// "super") and parses its Android Logical Partition metadata.
func (s *Session) ReadLPMetadata(ctx context.Context, partitionName string, readSize uint64) (*lpmeta.Metadata, error) {
	data, err := s.readPartitionRaw(ctx, partitionName, 0, readSize)
	if err != nil {
		return nil, fmt.Errorf("session: reading lp metadata from %s: %w", partitionName, err)
	}
	return lpmeta.Parse(data)
}

// Extensions returns the DA extension dispatcher for whichever DA wire
// client is active.
func (s *Session) Extensions() (*daext.Manager, error) {
	switch {
	case s.xmlda != nil:
		return daext.New(daext.ModeXml, nil, s.xmlda)
	case s.xflash != nil:
		return daext.New(daext.ModeXFlash, s.xflash, nil)
	default:
		return nil, fmt.Errorf("session: no da2 client active")
	}
}

// BuildFlashPlan enumerates and parses every rawprogram*.xml/patch*.xml
// file beneath root into a sorted task list.
func (s *Session) BuildFlashPlan(root string) ([]flashplan.FlashTask, error) {
	return flashplan.BuildPlan(root)
}

// Close disconnects the underlying Link, releasing the USB device.
func (s *Session) Close() error {
	s.Brom.MarkDisconnected()
	return s.Link.Disconnect()
}
