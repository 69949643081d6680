// Package hal defines the transport adapter between the accessory host and
// a USB backend.
//
// The [HostHAL] interface covers what an Android Open Accessory host needs
// from the platform and nothing more: device discovery, control transfers
// for descriptors and the AOA handshake, bulk transfers for the command
// channel, and isochronous reads for the audio stream. Enumeration and
// address assignment stay with the operating system.
//
// # Backends
//
//   - [github.com/ardnew/softaoa/host/hal/linux]: usbfs, sysfs and netlink
//   - [github.com/ardnew/softaoa/host/hal/libusb]: libusb through gousb (cgo)
//   - [github.com/ardnew/softaoa/host/hal/sim]: simulated AOA peripherals
//
// # Errors
//
// Backends map their native failures onto the sentinel values in
// [github.com/ardnew/softaoa/pkg]. Detachment is always pkg.ErrNoDevice;
// a transfer that ran out of time is pkg.ErrTimeout.
package hal
