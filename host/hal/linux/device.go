//go:build linux

package linux

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Device Connection
// =============================================================================

// deviceConn is an open usbfs node for one device.
type deviceConn struct {
	fd      int
	info    usbDeviceInfo
	address hal.DeviceAddress

	// ioMu is held shared across every syscall on fd and exclusively by
	// close, so fd is never reused under an in-flight ioctl.
	ioMu   sync.RWMutex
	closed bool

	claimMu  sync.Mutex
	claimed  uint16 // bitmask of claimed interfaces
	detached uint16 // bitmask of interfaces whose kernel driver we removed

	// In-flight isochronous URBs, keyed by the pointer the kernel hands
	// back on reap.
	urbMu   sync.Mutex
	pending map[*urb]chan struct{}

	gone     chan struct{}
	goneOnce sync.Once
}

func newDeviceConn(info usbDeviceInfo) (*deviceConn, error) {
	fd, err := openDevice(info.devfsPath)
	if err != nil {
		return nil, err
	}
	return &deviceConn{
		fd:      fd,
		info:    info,
		pending: make(map[*urb]chan struct{}),
		gone:    make(chan struct{}),
	}, nil
}

// markDisconnected wakes every waiter; transfers fail from now on.
func (d *deviceConn) markDisconnected() {
	d.goneOnce.Do(func() { close(d.gone) })
}

func (d *deviceConn) isDisconnected() bool {
	select {
	case <-d.gone:
		return true
	default:
		return false
	}
}

// close releases claimed interfaces, hands detached interfaces back to
// their kernel drivers, and closes the node.
func (d *deviceConn) close() error {
	d.markDisconnected()

	d.claimMu.Lock()
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	for i := uint8(0); i < MaxInterfacesPerDevice; i++ {
		if d.claimed&(1<<i) != 0 {
			_ = releaseInterface(d.fd, i)
		}
		if d.detached&(1<<i) != 0 {
			_ = connectDriver(d.fd, i)
		}
	}
	d.claimed, d.detached = 0, 0
	d.claimMu.Unlock()

	d.urbMu.Lock()
	for u := range d.pending {
		_ = discardURB(d.fd, u)
	}
	d.urbMu.Unlock()

	d.closed = true
	return closeDevice(d.fd)
}

// acquire takes ioMu shared, failing once the node has been closed.
func (d *deviceConn) acquire() bool {
	d.ioMu.RLock()
	if d.closed {
		d.ioMu.RUnlock()
		return false
	}
	return true
}

// =============================================================================
// Interface Claiming
// =============================================================================

func (d *deviceConn) claim(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}
	if d.isDisconnected() {
		return pkg.ErrNoDevice
	}

	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	mask := uint16(1) << iface
	if d.claimed&mask != 0 {
		return nil
	}

	if !d.acquire() {
		return pkg.ErrNoDevice
	}
	defer d.ioMu.RUnlock()

	// ENODATA means no driver was bound.
	if err := disconnectDriver(d.fd, iface); err == nil {
		d.detached |= mask
	} else if !errors.Is(err, unix.ENODATA) {
		pkg.LogDebug(pkg.ComponentHAL, "driver detach failed", "interface", iface, "error", err)
	}

	if err := claimInterface(d.fd, iface); err != nil {
		return translateErrno(err)
	}
	d.claimed |= mask
	return nil
}

func (d *deviceConn) release(iface uint8) error {
	if iface >= MaxInterfacesPerDevice {
		return pkg.ErrInvalidParameter
	}

	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	mask := uint16(1) << iface
	if d.claimed&mask == 0 {
		return nil
	}
	d.claimed &^= mask

	if !d.acquire() {
		return pkg.ErrNoDevice
	}
	defer d.ioMu.RUnlock()

	if err := releaseInterface(d.fd, iface); err != nil {
		return translateErrno(err)
	}
	if d.detached&mask != 0 {
		d.detached &^= mask
		_ = connectDriver(d.fd, iface)
	}
	return nil
}

func (d *deviceConn) setAlt(iface, alt uint8) error {
	if d.isDisconnected() {
		return pkg.ErrNoDevice
	}
	if !d.acquire() {
		return pkg.ErrNoDevice
	}
	defer d.ioMu.RUnlock()
	return translateErrno(selectAltSetting(d.fd, iface, alt))
}

// =============================================================================
// Synchronous Transfers
// =============================================================================

func (d *deviceConn) control(ctx context.Context, setup *hal.SetupPacket, data []byte, def time.Duration) (int, error) {
	if d.isDisconnected() {
		return 0, pkg.ErrNoDevice
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	deadline, ok := ctx.Deadline()

	if !d.acquire() {
		return 0, pkg.ErrNoDevice
	}
	defer d.ioMu.RUnlock()

	n, err := doControlTransfer(d.fd, setup.RequestType, setup.Request,
		setup.Value, setup.Index, data, timeoutMillis(deadline, ok, def))
	if err != nil {
		return 0, translateErrno(err)
	}
	return n, nil
}

func (d *deviceConn) bulk(ctx context.Context, endpoint uint8, data []byte, def time.Duration) (int, error) {
	if d.isDisconnected() {
		return 0, pkg.ErrNoDevice
	}
	deadline, ok := ctx.Deadline()

	if !d.acquire() {
		return 0, pkg.ErrNoDevice
	}
	defer d.ioMu.RUnlock()

	n, err := doBulkTransfer(d.fd, endpoint, data, timeoutMillis(deadline, ok, def))
	if errors.Is(err, unix.EPIPE) {
		_ = clearHalt(d.fd, endpoint)
	}
	if err != nil {
		return 0, translateErrno(err)
	}
	return n, nil
}

// =============================================================================
// Isochronous Transfers
// =============================================================================

// iso submits one isochronous URB and waits for the poller to reap it.
func (d *deviceConn) iso(ctx context.Context, endpoint uint8, data []byte, packetSize int) (int, error) {
	if packetSize <= 0 || len(data) < packetSize {
		return 0, pkg.ErrBufferTooSmall
	}
	if d.isDisconnected() {
		return 0, pkg.ErrNoDevice
	}

	u := new(isoURB)
	initISOURB(u, endpoint, data, packetSize)

	var pin runtime.Pinner
	pin.Pin(u)
	pin.Pin(&data[0])
	defer pin.Unpin()

	done := make(chan struct{})
	key := &u.urb

	d.urbMu.Lock()
	d.pending[key] = done
	d.urbMu.Unlock()

	if !d.acquire() {
		d.forget(key)
		return 0, pkg.ErrNoDevice
	}
	err := submitURB(d.fd, key)
	d.ioMu.RUnlock()
	if err != nil {
		d.forget(key)
		return 0, translateErrno(err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		d.cancelURB(key, done)
		return 0, ctx.Err()
	case <-d.gone:
		return 0, pkg.ErrNoDevice
	}

	n := compactISO(u, data, packetSize)
	if n == 0 {
		if err := urbStatusError(u.status); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// cancelURB discards an in-flight URB and waits briefly for the reap so
// the buffer is not reused while the kernel still owns it.
func (d *deviceConn) cancelURB(key *urb, done chan struct{}) {
	if d.acquire() {
		_ = discardURB(d.fd, key)
		d.ioMu.RUnlock()
	}

	select {
	case <-done:
	case <-d.gone:
	case <-time.After(pollInterval * 2):
		d.forget(key)
	}
}

func (d *deviceConn) forget(key *urb) {
	d.urbMu.Lock()
	delete(d.pending, key)
	d.urbMu.Unlock()
}

// reapCompleted drains every completed URB and wakes its waiter. Called
// from the poll loop when the node becomes writable.
func (d *deviceConn) reapCompleted() error {
	for {
		if !d.acquire() {
			return nil
		}
		u, err := reapURBNDelay(d.fd)
		d.ioMu.RUnlock()
		if err != nil {
			if isAgain(err) {
				return nil
			}
			return err
		}
		if u == nil {
			return nil
		}

		d.urbMu.Lock()
		done, ok := d.pending[u]
		delete(d.pending, u)
		d.urbMu.Unlock()
		if ok {
			close(done)
		}
	}
}

// =============================================================================
// Device Pool
// =============================================================================

// devicePool maps HAL addresses to open device connections. Address n
// lives in slot n-1.
type devicePool struct {
	slots [MaxDevices]*deviceConn
	mu    sync.Mutex
}

// add stores conn in the first free slot and assigns its address.
func (p *devicePool) add(conn *deviceConn) (hal.DeviceAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i] == nil {
			p.slots[i] = conn
			conn.address = hal.DeviceAddress(i + 1)
			return conn.address, true
		}
	}
	return 0, false
}

// remove takes the connection at addr out of the pool without closing it.
func (p *devicePool) remove(addr hal.DeviceAddress) *deviceConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := int(addr) - 1
	if i < 0 || i >= MaxDevices {
		return nil
	}
	conn := p.slots[i]
	p.slots[i] = nil
	return conn
}

func (p *devicePool) get(addr hal.DeviceAddress) *deviceConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := int(addr) - 1
	if i < 0 || i >= MaxDevices {
		return nil
	}
	return p.slots[i]
}

// find returns the connection for a bus location.
func (p *devicePool) find(busNum, devNum uint8) *deviceConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.slots {
		if conn != nil && conn.info.busNum == busNum && conn.info.devNum == devNum {
			return conn
		}
	}
	return nil
}

// drain empties the pool and returns what it held.
func (p *devicePool) drain() []*deviceConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var conns []*deviceConn
	for i, conn := range p.slots {
		if conn != nil {
			conns = append(conns, conn)
			p.slots[i] = nil
		}
	}
	return conns
}
