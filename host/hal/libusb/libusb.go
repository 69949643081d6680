//go:build cgo && libusb

package libusb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// Backend defaults.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultTransferTimeout = 5 * time.Second
	MaxDevices             = 127
)

// busKey locates a device on the system bus across polls.
type busKey struct {
	bus    int
	number int
}

// device is one opened gousb device and the interfaces claimed on it.
type device struct {
	addr hal.DeviceAddress
	key  busKey
	info hal.DeviceInfo
	usb  *gousb.Device

	// ctlMu serializes ControlTimeout updates with the request using them.
	ctlMu sync.Mutex

	mu     sync.Mutex
	config *gousb.Config
	ifaces map[uint8]*gousb.Interface
	gone   bool
}

// HostHAL implements hal.HostHAL on gousb.
type HostHAL struct {
	usb *gousb.Context

	mu       sync.Mutex
	devices  map[hal.DeviceAddress]*device
	byKey    map[busKey]hal.DeviceAddress
	lastAddr hal.DeviceAddress
	running  bool

	connectCh    chan hal.DeviceAddress
	disconnectCh chan hal.DeviceAddress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollInterval    time.Duration
	transferTimeout time.Duration
}

// New creates a libusb host HAL.
func New() (hal.HostHAL, error) {
	return &HostHAL{
		devices:         make(map[hal.DeviceAddress]*device),
		byKey:           make(map[busKey]hal.DeviceAddress),
		connectCh:       make(chan hal.DeviceAddress, MaxDevices),
		disconnectCh:    make(chan hal.DeviceAddress, MaxDevices),
		pollInterval:    DefaultPollInterval,
		transferTimeout: DefaultTransferTimeout,
	}, nil
}

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init opens the libusb context.
func (h *HostHAL) Init(ctx context.Context) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if h.usb != nil {
		return nil
	}

	// gousb panics when libusb_init fails.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libusb init: %v", r)
		}
	}()
	h.usb = gousb.NewContext()
	h.ctx, h.cancel = context.WithCancel(context.Background())

	pkg.LogDebug(pkg.ComponentHAL, "libusb HAL initialized")
	return nil
}

// Start begins polling the bus.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.usb == nil {
		return pkg.ErrNotRunning
	}
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	h.running = true

	h.wg.Add(1)
	go h.pollLoop()

	pkg.LogDebug(pkg.ComponentHAL, "libusb HAL started", "interval", h.pollInterval)
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
	h.wg.Wait()
	return nil
}

// Close stops the HAL, closes every device and the libusb context.
func (h *HostHAL) Close() error {
	h.Stop()

	h.mu.Lock()
	devices := make([]*device, 0, len(h.devices))
	for addr, d := range h.devices {
		devices = append(devices, d)
		delete(h.devices, addr)
		delete(h.byKey, d.key)
	}
	usb := h.usb
	h.usb = nil
	h.mu.Unlock()

	for _, d := range devices {
		d.close()
	}
	if usb != nil {
		return usb.Close()
	}
	return nil
}

// =============================================================================
// Discovery
// =============================================================================

func (h *HostHAL) pollLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		h.scan()
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan opens devices that appeared since the last pass and drops those
// that are no longer listed.
func (h *HostHAL) scan() {
	seen := make(map[busKey]bool)

	opened, err := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		key := busKey{desc.Bus, desc.Address}
		seen[key] = true
		if desc.Class == gousb.ClassHub {
			return false
		}
		h.mu.Lock()
		_, known := h.byKey[key]
		h.mu.Unlock()
		return !known
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "some devices could not be opened", "error", err)
	}

	for _, usb := range opened {
		h.add(usb)
	}

	h.mu.Lock()
	var gone []*device
	for key, addr := range h.byKey {
		if !seen[key] {
			gone = append(gone, h.devices[addr])
		}
	}
	h.mu.Unlock()

	for _, d := range gone {
		h.disconnect(d)
	}
}

func (h *HostHAL) add(usb *gousb.Device) {
	desc := usb.Desc
	if err := usb.SetAutoDetach(true); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "auto-detach unavailable", "error", err)
	}

	h.mu.Lock()
	addr, ok := h.allocAddress()
	if !ok {
		h.mu.Unlock()
		usb.Close()
		pkg.LogWarn(pkg.ComponentHAL, "no free device address", "bus", desc.Bus, "number", desc.Address)
		return
	}
	d := &device{
		addr: addr,
		key:  busKey{desc.Bus, desc.Address},
		info: hal.DeviceInfo{
			Bus:       desc.Bus,
			Number:    desc.Address,
			Path:      formatPath(desc.Bus, desc.Path),
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Speed:     mapSpeed(desc.Speed),
		},
		usb:    usb,
		ifaces: make(map[uint8]*gousb.Interface),
	}
	h.devices[addr] = d
	h.byKey[d.key] = addr
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device opened",
		"address", addr,
		"bus", d.info.String(),
		"vid", fmt.Sprintf("0x%04x", d.info.VendorID),
		"pid", fmt.Sprintf("0x%04x", d.info.ProductID))

	select {
	case h.connectCh <- addr:
	case <-h.ctx.Done():
	}
}

func (h *HostHAL) disconnect(d *device) {
	h.mu.Lock()
	if h.devices[d.addr] != d {
		h.mu.Unlock()
		return
	}
	delete(h.devices, d.addr)
	delete(h.byKey, d.key)
	h.mu.Unlock()

	d.close()
	pkg.LogDebug(pkg.ComponentHAL, "device removed", "address", d.addr)

	select {
	case h.disconnectCh <- d.addr:
	case <-h.ctx.Done():
	}
}

// allocAddress returns the next unused address after the last one handed
// out. Caller holds h.mu.
func (h *HostHAL) allocAddress() (hal.DeviceAddress, bool) {
	for i := 0; i < MaxDevices; i++ {
		h.lastAddr = h.lastAddr%MaxDevices + 1
		if _, used := h.devices[h.lastAddr]; !used {
			return h.lastAddr, true
		}
	}
	return 0, false
}

// =============================================================================
// Device Access
// =============================================================================

func (h *HostHAL) device(addr hal.DeviceAddress) (*device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.devices[addr]
	if d == nil {
		return nil, pkg.ErrNoDevice
	}
	return d, nil
}

// DeviceInfo returns the bus location of a connected device.
func (h *HostHAL) DeviceInfo(addr hal.DeviceAddress) (hal.DeviceInfo, error) {
	d, err := h.device(addr)
	if err != nil {
		return hal.DeviceInfo{}, err
	}
	return d.info, nil
}

// ControlTransfer performs a control transfer. libusb control requests
// are synchronous, so ctx contributes only its deadline.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	d, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	d.usb.ControlTimeout = h.timeoutFor(ctx)
	n, err := d.usb.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	return n, mapError(err)
}

// BulkTransfer performs one bulk transfer on an endpoint of a claimed
// interface.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.transfer(ctx, addr, endpoint, data)
}

// IsochronousTransfer reads from an isochronous IN endpoint. gousb sizes
// packets from the endpoint descriptor, so packetSize only validates the
// buffer.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error) {
	if endpoint&0x80 == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	if packetSize <= 0 || len(data) < packetSize {
		return 0, pkg.ErrBufferTooSmall
	}
	return h.transfer(ctx, addr, endpoint, data)
}

func (h *HostHAL) transfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	d, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	intf, err := d.interfaceFor(endpoint)
	if err != nil {
		return 0, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.transferTimeout)
		defer cancel()
	}

	num := int(endpoint & 0x0F)
	var n int
	if endpoint&0x80 != 0 {
		var ep *gousb.InEndpoint
		if ep, err = intf.InEndpoint(num); err != nil {
			return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrInvalidEndpoint)
		}
		n, err = ep.ReadContext(ctx, data)
	} else {
		var ep *gousb.OutEndpoint
		if ep, err = intf.OutEndpoint(num); err != nil {
			return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrInvalidEndpoint)
		}
		n, err = ep.WriteContext(ctx, data)
	}

	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return n, pkg.ErrTimeout
		}
		return n, ctx.Err()
	}
	return n, mapError(err)
}

func (h *HostHAL) timeoutFor(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return h.transferTimeout
}

// ClaimInterface claims an interface at alternate setting zero.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}
	return d.claim(iface, 0)
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}
	d.release(iface)
	return nil
}

// SetInterface selects an alternate setting by reclaiming the interface
// with that setting.
func (h *HostHAL) SetInterface(addr hal.DeviceAddress, iface, alt uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, claimed := d.ifaces[iface]
	d.mu.Unlock()
	if !claimed {
		return fmt.Errorf("interface %d not claimed: %w", iface, pkg.ErrInvalidParameter)
	}

	d.release(iface)
	return d.claim(iface, alt)
}

// WaitForConnection blocks until a device connects.
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

// WaitForDisconnection blocks until a device disconnects.
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
// Device Helpers
// =============================================================================

func (d *device) claim(iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return pkg.ErrNoDevice
	}
	if _, ok := d.ifaces[iface]; ok && alt == 0 {
		return nil
	}

	if d.config == nil {
		num, err := d.usb.ActiveConfigNum()
		if err != nil {
			return fmt.Errorf("active configuration: %w", mapError(err))
		}
		if d.config, err = d.usb.Config(num); err != nil {
			return fmt.Errorf("configuration %d: %w", num, mapError(err))
		}
	}

	intf, err := d.config.Interface(int(iface), int(alt))
	if err != nil {
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, mapError(err))
	}
	d.ifaces[iface] = intf
	return nil
}

func (d *device) release(iface uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	intf, ok := d.ifaces[iface]
	if !ok {
		return
	}
	delete(d.ifaces, iface)
	intf.Close()

	if len(d.ifaces) == 0 && d.config != nil {
		d.config.Close()
		d.config = nil
	}
}

func (d *device) interfaceFor(endpoint uint8) (*gousb.Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return nil, pkg.ErrNoDevice
	}
	for _, intf := range d.ifaces {
		for _, ep := range intf.Setting.Endpoints {
			if uint8(ep.Address) == endpoint {
				return intf, nil
			}
		}
	}
	return nil, fmt.Errorf("endpoint 0x%02x not in a claimed interface: %w", endpoint, pkg.ErrInvalidEndpoint)
}

func (d *device) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return
	}
	d.gone = true
	for num, intf := range d.ifaces {
		intf.Close()
		delete(d.ifaces, num)
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	d.usb.Close()
}

// =============================================================================
// Translation
// =============================================================================

// mapError folds libusb errors and transfer statuses onto pkg sentinels,
// keeping the libusb text.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error

	var lerr gousb.Error
	var status gousb.TransferStatus
	switch {
	case errors.As(err, &lerr):
		switch lerr {
		case gousb.ErrorNoDevice:
			sentinel = pkg.ErrNoDevice
		case gousb.ErrorTimeout:
			sentinel = pkg.ErrTimeout
		case gousb.ErrorPipe:
			sentinel = pkg.ErrStall
		case gousb.ErrorBusy:
			sentinel = pkg.ErrBusy
		case gousb.ErrorOverflow:
			sentinel = pkg.ErrOverrun
		case gousb.ErrorInterrupted:
			sentinel = pkg.ErrCancelled
		case gousb.ErrorNotSupported:
			sentinel = pkg.ErrNotSupported
		case gousb.ErrorInvalidParam:
			sentinel = pkg.ErrInvalidParameter
		}
	case errors.As(err, &status):
		switch status {
		case gousb.TransferNoDevice:
			sentinel = pkg.ErrNoDevice
		case gousb.TransferTimedOut:
			sentinel = pkg.ErrTimeout
		case gousb.TransferStall:
			sentinel = pkg.ErrStall
		case gousb.TransferOverflow:
			sentinel = pkg.ErrOverrun
		case gousb.TransferCancelled:
			sentinel = pkg.ErrCancelled
		case gousb.TransferError:
			sentinel = pkg.ErrProtocol
		}
	}

	if sentinel == nil {
		return err
	}
	return fmt.Errorf("%w (%v)", sentinel, err)
}

func mapSpeed(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh:
		return hal.SpeedHigh
	case gousb.SpeedSuper:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

// formatPath renders a port chain the way sysfs names it, e.g. "1-2.4".
func formatPath(bus int, ports []int) string {
	if len(ports) == 0 {
		return "usb" + strconv.Itoa(bus)
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strconv.Itoa(bus) + "-" + strings.Join(parts, ".")
}

var _ hal.HostHAL = (*HostHAL)(nil)
