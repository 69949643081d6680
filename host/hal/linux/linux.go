//go:build linux

package linux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// HostHAL Implementation
// =============================================================================

// HostHAL implements hal.HostHAL on top of Linux usbfs.
type HostHAL struct {
	devices devicePool
	poller  *poller
	hotplug *hotplugMonitor

	connectCh    chan hal.DeviceAddress
	disconnectCh chan hal.DeviceAddress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex

	transferTimeout time.Duration
	sysfsRoot       string
}

// NewHostHAL creates a new Linux host HAL.
func NewHostHAL() *HostHAL {
	return &HostHAL{
		connectCh:       make(chan hal.DeviceAddress, MaxDevices),
		disconnectCh:    make(chan hal.DeviceAddress, MaxDevices),
		transferTimeout: DefaultTransferTimeout,
		sysfsRoot:       SysfsUSBPath,
	}
}

// SetTransferTimeout sets the timeout for transfers whose context has no
// deadline.
func (h *HostHAL) SetTransferTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transferTimeout = d
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init opens the netlink socket and the epoll instance.
func (h *HostHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrAlreadyRunning
	}

	var err error
	if h.poller, err = newPoller(); err != nil {
		return fmt.Errorf("epoll: %w", err)
	}

	if h.hotplug, err = newHotplugMonitor(); err != nil {
		h.poller.close()
		return fmt.Errorf("netlink: %w", err)
	}

	if err := h.poller.addFD(h.hotplug.fd, unix.EPOLLIN, h.onHotplugEvent); err != nil {
		h.hotplug.close()
		h.poller.close()
		return err
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	pkg.LogDebug(pkg.ComponentHAL, "usbfs HAL initialized")
	return nil
}

// Start begins polling and reports devices already present.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx == nil {
		return pkg.ErrNotRunning
	}
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	h.running = true

	h.wg.Add(3)
	go h.pollLoop()
	go h.hotplugLoop()
	go h.initialScan()

	pkg.LogDebug(pkg.ComponentHAL, "usbfs HAL started")
	return nil
}

// Stop ends polling and unblocks pending waits.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.poller.wake()
	h.wg.Wait()

	pkg.LogDebug(pkg.ComponentHAL, "usbfs HAL stopped")
	return nil
}

// Close stops the HAL and closes every open device node.
func (h *HostHAL) Close() error {
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.devices.drain() {
		if h.poller != nil {
			h.poller.delFD(conn.fd)
		}
		conn.close()
	}

	if h.hotplug != nil {
		h.hotplug.close()
		h.hotplug = nil
	}
	if h.poller != nil {
		h.poller.close()
		h.poller = nil
	}

	pkg.LogDebug(pkg.ComponentHAL, "usbfs HAL closed")
	return nil
}

// =============================================================================
// Device Access
// =============================================================================

func (h *HostHAL) conn(addr hal.DeviceAddress) (*deviceConn, error) {
	conn := h.devices.get(addr)
	if conn == nil || conn.isDisconnected() {
		return nil, pkg.ErrNoDevice
	}
	return conn, nil
}

func (h *HostHAL) timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transferTimeout
}

// DeviceInfo returns the sysfs identity of a connected device.
func (h *HostHAL) DeviceInfo(addr hal.DeviceAddress) (hal.DeviceInfo, error) {
	conn, err := h.conn(addr)
	if err != nil {
		return hal.DeviceInfo{}, err
	}
	return conn.info.halInfo(), nil
}

// ControlTransfer performs a synchronous control transfer.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	conn, err := h.conn(addr)
	if err != nil {
		return 0, err
	}
	return conn.control(ctx, setup, data, h.timeout())
}

// BulkTransfer performs a synchronous bulk transfer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	conn, err := h.conn(addr)
	if err != nil {
		return 0, err
	}
	return conn.bulk(ctx, endpoint, data, h.timeout())
}

// IsochronousTransfer submits one isochronous URB of up to MaxISOPackets
// packets and waits for it to complete.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error) {
	conn, err := h.conn(addr)
	if err != nil {
		return 0, err
	}
	return conn.iso(ctx, endpoint, data, packetSize)
}

// ClaimInterface claims an interface, detaching any kernel driver.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	conn, err := h.conn(addr)
	if err != nil {
		return err
	}
	return conn.claim(iface)
}

// ReleaseInterface releases an interface and rebinds its kernel driver.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	conn, err := h.conn(addr)
	if err != nil {
		return err
	}
	return conn.release(iface)
}

// SetInterface selects an alternate setting.
func (h *HostHAL) SetInterface(addr hal.DeviceAddress, iface, alt uint8) error {
	conn, err := h.conn(addr)
	if err != nil {
		return err
	}
	return conn.setAlt(iface, alt)
}

// =============================================================================
// Connection Events
// =============================================================================

// WaitForConnection blocks until a device connects or ctx is done.
func (h *HostHAL) WaitForConnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case addr := <-h.connectCh:
		return addr, nil
	}
}

// WaitForDisconnection blocks until a device disconnects or ctx is done.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case addr := <-h.disconnectCh:
		return addr, nil
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

func (h *HostHAL) pollLoop() {
	defer h.wg.Done()

	for h.ctx.Err() == nil {
		if _, err := h.poller.pollOnce(pollInterval); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "poll error", "error", err)
			time.Sleep(pollInterval)
		}
	}
}

func (h *HostHAL) hotplugLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case info := <-h.hotplug.addCh:
			h.handleDeviceAdd(info)
		case info := <-h.hotplug.removeCh:
			h.handleDeviceRemove(info)
		}
	}
}

func (h *HostHAL) initialScan() {
	defer h.wg.Done()

	devices, err := scanUSBDevices(h.sysfsRoot)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "initial scan failed", "error", err)
		return
	}
	for _, info := range devices {
		h.handleDeviceAdd(info)
	}
}

// onHotplugEvent runs on the poll goroutine when netlink is readable.
func (h *HostHAL) onHotplugEvent(events uint32) {
	if events&unix.EPOLLIN == 0 {
		return
	}
	for {
		processed, err := h.hotplug.processEvent()
		if err != nil || !processed {
			return
		}
	}
}

func (h *HostHAL) handleDeviceAdd(info usbDeviceInfo) {
	if info.isHub() {
		return
	}
	// The initial scan and a hotplug event can report the same device.
	if h.devices.find(info.busNum, info.devNum) != nil {
		return
	}

	conn, err := newDeviceConn(info)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "cannot open device", "path", info.devfsPath, "error", err)
		return
	}

	addr, ok := h.devices.add(conn)
	if !ok {
		pkg.LogWarn(pkg.ComponentHAL, "no device slots available", "path", info.devfsPath)
		conn.close()
		return
	}

	// usbfs signals reapable URBs as writable.
	if err := h.poller.addFD(conn.fd, unix.EPOLLOUT, func(events uint32) {
		h.onDeviceEvent(conn, events)
	}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to poll device", "error", err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "device connected",
		"address", addr,
		"bus", info.busNum,
		"dev", info.devNum,
		"vid", fmt.Sprintf("0x%04x", info.vendorID),
		"pid", fmt.Sprintf("0x%04x", info.productID),
	)

	select {
	case h.connectCh <- addr:
	case <-h.ctx.Done():
	}
}

func (h *HostHAL) handleDeviceRemove(info usbDeviceInfo) {
	conn := h.devices.find(info.busNum, info.devNum)
	if conn == nil {
		return
	}
	h.disconnect(conn)
}

// disconnect retires conn: waiters wake with ErrNoDevice, the node is
// closed and the address freed.
func (h *HostHAL) disconnect(conn *deviceConn) {
	if h.devices.remove(conn.address) != conn {
		return
	}
	conn.markDisconnected()
	h.poller.delFD(conn.fd)
	conn.close()

	pkg.LogDebug(pkg.ComponentHAL, "device disconnected", "address", conn.address)
	select {
	case h.disconnectCh <- conn.address:
	case <-h.ctx.Done():
	}
}

// onDeviceEvent runs on the poll goroutine for a device node.
func (h *HostHAL) onDeviceEvent(conn *deviceConn, events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		h.disconnect(conn)
		return
	}
	if events&unix.EPOLLOUT != 0 {
		if err := conn.reapCompleted(); err != nil && isNoDevice(err) {
			h.disconnect(conn)
		}
	}
}

// Ensure HostHAL implements hal.HostHAL.
var _ hal.HostHAL = (*HostHAL)(nil)
