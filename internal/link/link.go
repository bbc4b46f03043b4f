// Package link implements the byte-oriented transport over the device's
// USB-CDC endpoint: opening it, asserting DTR+RTS and the line coding the
// BROM expects, buffered timed reads, and the mutually-exclusive
// acquire/release discipline every multi-message transaction relies on.
//
// The endpoint is claimed directly with gousb rather than through the
// kernel's cdc_acm driver: a CDC-ACM device is a data interface with a
// bulk IN and a bulk OUT endpoint plus a class-specific control interface,
// so the OpenDeviceWithVIDPID -> Config -> Interface -> {In,Out}Endpoint
// chain covers it, with SET_LINE_CODING / SET_CONTROL_LINE_STATE sent as
// class control transfers.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"mtkda/internal/errs"
)

const (
	defaultBaud       = 921600
	rxBufferCap       = 16 << 20
	pollInterval      = 10 * time.Millisecond
	cdcSetLineCoding  = 0x20
	cdcSetCtrlLine    = 0x22
	cdcReqTypeHostOut = 0x21 // class, interface, host-to-device
	dtrRtsBit         = 0x03
)

// PortDescriptor identifies which USB-CDC device to open. Port enumeration
// itself (scanning OS PnP events for CDC devices) lives outside this
// module; callers supply the VID/PID/interface they already discovered.
type PortDescriptor struct {
	VendorID     gousb.ID
	ProductID    gousb.ID
	ConfigNum    int
	InterfaceNum int // -1: autodetect the first bulk-capable interface
	BaudRate     uint32
}

// wire is the writable side of the transport: a gousb.OutEndpoint in
// production, an in-memory device stub under test (see NewLoopback).
type wire interface {
	Write(p []byte) (int, error)
}

// Link is the exclusive-access, byte-oriented transport. It owns the USB
// context/device/config/interface for the duration of a session; the port
// lock lives exactly as long as the Link.
type Link struct {
	txMu sync.Mutex // the "mutually-exclusive acquire/release" transaction lock

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  wire
	in   *gousb.InEndpoint

	rx     rxBuffer
	stopCh chan struct{}
	doneCh chan struct{}
}

// rxBuffer is the buffered-bytes-available queue a real UART/CDC driver's
// RX FIFO gives you for free; gousb's bulk endpoints don't, so the pump
// goroutine fills one. Split out from Link so it can be exercised without
// a real USB device attached.
type rxBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *rxBuffer) append(p []byte, cap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf)+len(p) <= cap {
		b.buf = append(b.buf, p...)
	}
}

func (b *rxBuffer) available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *rxBuffer) takeExact(n int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) < n {
		return nil, false
	}
	out := append([]byte(nil), b.buf[:n]...)
	b.buf = b.buf[n:]
	return out, true
}

func (b *rxBuffer) reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}

// Connect opens the named USB-CDC endpoint at 921,600 bps 8N1 with DTR+RTS
// asserted.
func Connect(desc PortDescriptor) (*Link, error) {
	if desc.ConfigNum == 0 {
		desc.ConfigNum = 1
	}
	if desc.InterfaceNum == 0 {
		desc.InterfaceNum = -1
	}
	if desc.BaudRate == 0 {
		desc.BaudRate = defaultBaud
	}

	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(desc.VendorID, desc.ProductID)
	if err != nil {
		ctx.Close()
		return nil, &errs.LinkError{Op: "open", Err: err}
	}
	if dev == nil {
		ctx.Close()
		return nil, &errs.LinkError{Op: "open", Err: fmt.Errorf("device not found (VID:%#04x PID:%#04x)", desc.VendorID, desc.ProductID)}
	}

	cfg, err := dev.Config(desc.ConfigNum)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, &errs.LinkError{Op: "set config", Err: err}
	}

	ifaceNum := desc.InterfaceNum
	if ifaceNum < 0 {
		ifaceNum, err = findDataInterface(dev, desc.ConfigNum)
		if err != nil {
			cfg.Close()
			dev.Close()
			ctx.Close()
			return nil, &errs.LinkError{Op: "find interface", Err: err}
		}
	}

	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &errs.LinkError{Op: "claim interface", Err: err}
	}

	epOut, epIn, err := findBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, &errs.LinkError{Op: "find endpoints", Err: err}
	}

	l := &Link{
		ctx:    ctx,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		out:    epOut,
		in:     epIn,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := l.setLineCoding(desc.BaudRate, ifaceNum); err != nil {
		l.Disconnect()
		return nil, err
	}
	if err := l.assertControlLines(ifaceNum); err != nil {
		l.Disconnect()
		return nil, err
	}

	go l.pump()

	return l, nil
}

// findDataInterface picks the first interface exposing a bulk IN and bulk
// OUT endpoint pair, which is how a CDC-ACM data interface presents itself.
func findDataInterface(dev *gousb.Device, cfgNum int) (int, error) {
	cfgDesc, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return 0, fmt.Errorf("config %d not described by device", cfgNum)
	}
	for _, iface := range cfgDesc.Interfaces {
		for _, alt := range iface.AltSettings {
			hasIn, hasOut := false, false
			for _, ep := range alt.Endpoints {
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionIn {
					hasIn = true
				} else {
					hasOut = true
				}
			}
			if hasIn && hasOut {
				return iface.Number, nil
			}
		}
	}
	return 0, fmt.Errorf("no bulk IN/OUT interface found")
}

func findBulkEndpoints(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	outNum, inNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outNum = ep.Number
		} else {
			inNum = ep.Number
		}
	}
	if outNum < 0 || inNum < 0 {
		return nil, nil, fmt.Errorf("no bulk IN/OUT endpoint pair on claimed interface")
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, err
	}
	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, err
	}
	return epOut, epIn, nil
}

// setLineCoding issues the CDC SET_LINE_CODING control request: 921,600 bps,
// 1 stop bit, no parity, 8 data bits.
func (l *Link) setLineCoding(baud uint32, ifaceNum int) error {
	payload := make([]byte, 7)
	payload[0] = byte(baud)
	payload[1] = byte(baud >> 8)
	payload[2] = byte(baud >> 16)
	payload[3] = byte(baud >> 24)
	payload[4] = 0 // 1 stop bit
	payload[5] = 0 // no parity
	payload[6] = 8 // 8 data bits
	_, err := l.dev.Control(cdcReqTypeHostOut, cdcSetLineCoding, 0, uint16(ifaceNum), payload)
	if err != nil {
		return &errs.LinkError{Op: "set line coding", Err: err}
	}
	return nil
}

// assertControlLines issues CDC SET_CONTROL_LINE_STATE with DTR and RTS set.
func (l *Link) assertControlLines(ifaceNum int) error {
	_, err := l.dev.Control(cdcReqTypeHostOut, cdcSetCtrlLine, dtrRtsBit, uint16(ifaceNum), nil)
	if err != nil {
		return &errs.LinkError{Op: "assert DTR/RTS", Err: err}
	}
	return nil
}

// pump continuously drains the bulk IN endpoint into the RX buffer,
// emulating the 16 MiB hardware RX FIFO a real UART/CDC driver maintains.
func (l *Link) pump() {
	defer close(l.doneCh)
	chunk := make([]byte, 4096)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		n, err := l.in.ReadContext(ctx, chunk)
		cancel()
		if n > 0 {
			l.rx.append(chunk[:n], rxBufferCap)
		}
		if err != nil {
			// Timeouts are expected; anything else means the device is gone.
			continue
		}
	}
}

// Disconnect closes the Link unconditionally. A Link is opened once and
// scoped to its session; its lock dies with it.
func (l *Link) Disconnect() error {
	close(l.stopCh)
	<-l.doneCh
	if l.intf != nil {
		l.intf.Close()
	}
	if l.cfg != nil {
		l.cfg.Close()
	}
	if l.dev != nil {
		l.dev.Close()
	}
	if l.ctx != nil {
		l.ctx.Close()
	}
	return nil
}

// Transaction acquires the exclusive transaction lock for the duration of
// fn. Every higher-level operation that issues more than one wire message
// takes the lock across the whole exchange.
func (l *Link) Transaction(fn func() error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return fn()
}

// Tx exposes the lock-free read/write/echo primitives for use inside a
// single Transact call, letting the BROM, XFlash and XML-DA clients
// compose a multi-message exchange under one lock acquisition.
type Tx struct{ l *Link }

func (t *Tx) Write(data []byte) error { return t.l.writeLocked(data) }

func (t *Tx) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	return t.l.readExactLocked(ctx, n, timeout)
}

func (t *Tx) Echo(ctx context.Context, data []byte, timeout time.Duration) error {
	return t.l.echoLocked(ctx, data, timeout)
}

func (t *Tx) Discard() { t.l.discardLocked() }

func (t *Tx) BytesAvailable() int { return t.l.rx.available() }

// Transact acquires the transaction lock once and hands fn a Tx, the
// composable counterpart to Transaction for callers that need several
// writes/reads in the same atomic exchange.
func (l *Link) Transact(fn func(tx *Tx) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return fn(&Tx{l: l})
}

// BytesAvailable reports how many RX bytes are currently buffered.
func (l *Link) BytesAvailable() int {
	return l.rx.available()
}

// DiscardBuffers drops every buffered RX byte. It takes the transaction
// lock itself since exploit code may call it outside any larger
// transaction.
func (l *Link) DiscardBuffers() {
	l.Transaction(func() error {
		l.discardLocked()
		return nil
	})
}

func (l *Link) discardLocked() {
	l.rx.reset()
}

// WriteBytes writes data to the wire under the transaction lock.
func (l *Link) WriteBytes(data []byte) error {
	var err error
	l.Transaction(func() error {
		err = l.writeLocked(data)
		return nil
	})
	return err
}

func (l *Link) writeLocked(data []byte) error {
	_, err := l.out.Write(data)
	if err != nil {
		return &errs.LinkError{Op: "write", Err: err}
	}
	return nil
}

// ReadBytes reads exactly n bytes under the transaction lock.
func (l *Link) ReadBytes(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	var (
		out []byte
		err error
	)
	l.Transaction(func() error {
		out, err = l.readExactLocked(ctx, n, timeout)
		return nil
	})
	return out, err
}

// readExactLocked polls the RX buffer against a wall-clock deadline,
// sleeping ~10ms between polls. There is no retry at this layer.
func (l *Link) readExactLocked(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if out, ok := l.rx.takeExact(n); ok {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, errs.ErrCancelled
		default:
		}

		if time.Now().After(deadline) {
			return nil, &errs.LinkError{Op: "read_exact", Err: errs.ErrTimeout}
		}

		time.Sleep(pollInterval)
	}
}

// EchoBytes writes data and then expects the device to echo it back
// byte-for-byte, the discipline every BROM command byte and parameter
// follows. A mismatch, short read, or timeout returns a ProtocolError and
// leaves no bytes in the read buffer.
func (l *Link) EchoBytes(ctx context.Context, data []byte, timeout time.Duration) error {
	var err error
	l.Transaction(func() error {
		err = l.echoLocked(ctx, data, timeout)
		return nil
	})
	return err
}

func (l *Link) echoLocked(ctx context.Context, data []byte, timeout time.Duration) error {
	if err := l.writeLocked(data); err != nil {
		return err
	}
	got, err := l.readExactLocked(ctx, len(data), timeout)
	if err != nil {
		if le, ok := err.(*errs.LinkError); ok && le.Op == "read_exact" {
			l.discardLocked()
			return &errs.ProtocolError{Op: "echo", Detail: "timeout waiting for echo"}
		}
		return err
	}
	for i := range data {
		if data[i] != got[i] {
			l.discardLocked()
			return &errs.ProtocolError{Op: "echo", Detail: fmt.Sprintf("mismatch at byte %d: sent 0x%02X got 0x%02X", i, data[i], got[i])}
		}
	}
	return nil
}
