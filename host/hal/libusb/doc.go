// Package libusb implements hal.HostHAL on libusb through
// github.com/google/gousb.
//
// It is the portable alternative to the usbfs backend: any platform with
// libusb-1.0 and cgo works. gousb exposes no hotplug callback, so the
// backend polls the bus and diffs the device list.
//
// The backend links against libusb-1.0 and is only compiled with cgo and
// the libusb build tag:
//
//	go build -tags libusb ./cmd/softaoa
//
// Otherwise New returns pkg.ErrNotSupported.
package libusb
