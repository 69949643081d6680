package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// Identity is what enumeration learns about a device: its IDs, its
// strings and where it sits on the bus.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	Bus          int
	Number       int
}

// String formats the identity as "vvvv:pppp Manufacturer Product".
func (id Identity) String() string {
	s := fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
	if id.Manufacturer != "" {
		s += " " + id.Manufacturer
	}
	if id.Product != "" {
		s += " " + id.Product
	}
	return s
}

// Device is a connected USB device as seen by the host. The Host owns
// every Device; holders call Close exactly once when done with it.
type Device struct {
	host *Host
	addr hal.DeviceAddress
	info hal.DeviceInfo

	descriptor DeviceDescriptor
	config     Configuration
	identity   Identity

	mu      sync.Mutex
	claimed uint32 // bitmask of claimed interfaces
	closed  bool

	detached   chan struct{}
	detachOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func newDevice(host *Host, addr hal.DeviceAddress, info hal.DeviceInfo) *Device {
	return &Device{
		host:     host,
		addr:     addr,
		info:     info,
		detached: make(chan struct{}),
	}
}

// Address returns the HAL address of the device.
func (d *Device) Address() hal.DeviceAddress {
	return d.addr
}

// Info returns the bus information reported by the HAL.
func (d *Device) Info() hal.DeviceInfo {
	return d.info
}

// Identity returns the identity read during enumeration.
func (d *Device) Identity() Identity {
	return d.identity
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the active configuration tree.
func (d *Device) Configuration() *Configuration {
	return &d.config
}

// Detached returns a channel that is closed when the device leaves the
// bus.
func (d *Device) Detached() <-chan struct{} {
	return d.detached
}

// IsDetached reports whether the device has left the bus.
func (d *Device) IsDetached() bool {
	select {
	case <-d.detached:
		return true
	default:
		return false
	}
}

func (d *Device) markDetached() {
	d.detachOnce.Do(func() { close(d.detached) })
}

// usable fails once the device is detached or closed, so a stale handle
// never reaches a device that reused its address.
func (d *Device) usable() error {
	if d.IsDetached() {
		return pkg.ErrNoDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pkg.ErrClosed
	}
	return nil
}

// =============================================================================
// Transfers
// =============================================================================

// ControlTransfer performs a control transfer on endpoint 0.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	return d.host.hal.ControlTransfer(ctx, d.addr, setup, data)
}

// BulkTransfer performs one bulk transfer. The direction follows bit 7 of
// endpoint.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	return d.host.hal.BulkTransfer(ctx, d.addr, endpoint, data)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// =============================================================================
// Interfaces
// =============================================================================

// ClaimInterface claims an interface for exclusive use.
func (d *Device) ClaimInterface(iface uint8) error {
	if iface >= MaxInterfaces {
		return pkg.ErrInvalidParameter
	}
	if err := d.usable(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.claimed&(1<<iface) != 0 {
		return nil
	}
	if err := d.host.hal.ClaimInterface(d.addr, iface); err != nil {
		return fmt.Errorf("claim interface %d: %w", iface, err)
	}
	d.claimed |= 1 << iface
	return nil
}

// ReleaseInterface releases a claimed interface. Releasing an interface
// of a detached device succeeds.
func (d *Device) ReleaseInterface(iface uint8) error {
	if iface >= MaxInterfaces {
		return pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.claimed&(1<<iface) == 0 {
		return nil
	}
	d.claimed &^= 1 << iface

	if d.IsDetached() {
		return nil
	}
	if err := d.host.hal.ReleaseInterface(d.addr, iface); err != nil && !pkg.IsDetached(err) {
		return fmt.Errorf("release interface %d: %w", iface, err)
	}
	return nil
}

// SetInterface selects an alternate setting of a claimed interface.
func (d *Device) SetInterface(iface, alt uint8) error {
	if err := d.usable(); err != nil {
		return err
	}
	if _, ok := d.config.Interface(iface, alt); !ok {
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, pkg.ErrInvalidParameter)
	}
	return d.host.hal.SetInterface(d.addr, iface, alt)
}

// Close releases every claimed interface. It is safe to call more than
// once; later calls return the first result.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		claimed := d.claimed
		d.mu.Unlock()

		for i := uint8(0); i < MaxInterfaces; i++ {
			if claimed&(1<<i) == 0 {
				continue
			}
			if err := d.ReleaseInterface(i); err != nil && d.closeErr == nil {
				d.closeErr = err
			}
		}

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		pkg.LogDebug(pkg.ComponentHost, "device closed", "address", d.addr)
	})
	return d.closeErr
}
