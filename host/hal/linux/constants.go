package linux

import "time"

// =============================================================================
// Device and Endpoint Limits
// =============================================================================

// MaxDevices is the maximum number of devices tracked simultaneously.
const MaxDevices = 64

// MaxInterfacesPerDevice is the maximum number of interfaces per device.
const MaxInterfacesPerDevice = 16

// MaxISOPackets is the usbfs limit on packets in one isochronous URB.
const MaxISOPackets = 128

// DefaultTransferTimeout bounds synchronous control and bulk transfers
// when the caller's context carries no deadline.
const DefaultTransferTimeout = 5 * time.Second

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// =============================================================================
// URB Constants
// =============================================================================

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	URBTypeISO       = 0
	URBTypeInterrupt = 1
	URBTypeControl   = 2
	URBTypeBulk      = 3
)

// URB flags.
const (
	URBShortNotOK = 0x01 // Short read is an error
	URBISOAsap    = 0x02 // Schedule ISO transfer in the next free frame
)

// =============================================================================
// Netlink and Polling
// =============================================================================

// UEventBufferSize is the buffer size for netlink messages.
const UEventBufferSize = 4096

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 32

// pollInterval bounds how long the poll loop sleeps before checking for
// shutdown.
const pollInterval = 100 * time.Millisecond
