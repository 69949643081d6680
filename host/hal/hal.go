package hal

import (
	"context"
	"fmt"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// String formats the packet the way usbmon prints it.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("%02x %02x %04x %04x %04x", s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// DeviceAddress identifies a connected device within one HAL instance.
// Backends assign addresses; they carry no bus meaning.
type DeviceAddress uint8

// DeviceInfo describes where a device sits on the system bus. It is
// available before any descriptor has been read.
type DeviceInfo struct {
	Bus       int    // Bus number, 0 if unknown
	Number    int    // Device number on the bus, 0 if unknown
	Path      string // Backend-specific location (devfs node, port path)
	VendorID  uint16 // idVendor as reported by the backend
	ProductID uint16 // idProduct as reported by the backend
	Speed     Speed
}

// String formats the bus location as "bus:number".
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%03d:%03d", d.Bus, d.Number)
}

// HostHAL is the transport adapter between the accessory host and a USB
// backend (Linux usbfs, libusb, or a simulation).
//
// Addresses returned by WaitForConnection stay valid until the matching
// WaitForDisconnection; every transfer on a removed device fails with
// pkg.ErrNoDevice. All methods are safe for concurrent use.
type HostHAL interface {
	// Init prepares the backend. The context bounds initialization only.
	Init(ctx context.Context) error

	// Start begins device discovery. Devices already present are reported
	// through WaitForConnection like hotplugged ones.
	Start() error

	// Stop ends device discovery and unblocks pending waits.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// DeviceInfo returns bus information for a connected device.
	DeviceInfo(addr DeviceAddress) (DeviceInfo, error)

	// ControlTransfer performs a control transfer on endpoint 0.
	// For IN requests data is filled; for OUT requests data is sent.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs one bulk transfer to/from an endpoint.
	// A read returns as soon as the device ends the transfer, so one call
	// yields exactly one device-side write.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer reads from an isochronous IN endpoint, splitting
	// data into packets of packetSize bytes. Received packets are packed
	// contiguously at the start of data; the total is returned.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error)

	// ClaimInterface claims exclusive access to an interface, detaching
	// any kernel driver first.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// SetInterface selects an alternate setting of a claimed interface.
	SetInterface(addr DeviceAddress, iface, alt uint8) error

	// WaitForConnection blocks until a device connects or ctx is done.
	WaitForConnection(ctx context.Context) (DeviceAddress, error)

	// WaitForDisconnection blocks until a device disconnects or ctx is done.
	WaitForDisconnection(ctx context.Context) (DeviceAddress, error)
}
