// Package linux implements hal.HostHAL on Linux usbfs without cgo.
//
// Devices are discovered through sysfs (/sys/bus/usb/devices) and tracked
// with kernel uevents read from a netlink socket. Every device node under
// /dev/bus/usb is opened once and driven with usbdevfs ioctls: control and
// bulk transfers are synchronous, while isochronous URBs are submitted
// asynchronously and reaped from an epoll loop when the node turns
// writable.
//
// # Permissions
//
// The process needs read/write access to the device nodes. Run as root or
// install a udev rule granting access, for example:
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="18d1", MODE="0660", GROUP="plugdev"
//
// Claiming an interface detaches whatever kernel driver is bound to it;
// the driver is rebound when the interface is released or the device
// closed.
package linux
