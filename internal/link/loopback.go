package link

// DeviceFunc models the device side of an in-memory wire: it receives
// every write the host issues (nil for a zero-length flush) and returns
// the bytes the device puts on the wire in response, or nil for none.
type DeviceFunc func(written []byte) []byte

type loopbackWire struct {
	l      *Link
	device DeviceFunc
}

func (w *loopbackWire) Write(p []byte) (int, error) {
	resp := w.device(append([]byte(nil), p...))
	if len(resp) > 0 {
		w.l.rx.append(resp, rxBufferCap)
	}
	return len(p), nil
}

// NewLoopback returns a Link backed by an in-memory device stub instead of
// a USB endpoint, for exercising the wire protocols without hardware. The
// transaction lock, RX buffering, and read_exact semantics are the real
// ones; only the endpoint I/O is substituted. The returned inject function
// queues device-initiated traffic (the XML DA speaks first after an
// upload) into the RX buffer without a host write.
func NewLoopback(device DeviceFunc) (*Link, func(p []byte)) {
	l := &Link{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	close(l.doneCh) // no pump goroutine for Disconnect to wait on
	l.out = &loopbackWire{l: l, device: device}
	inject := func(p []byte) {
		l.rx.append(p, rxBufferCap)
	}
	return l, inject
}
