//go:build linux

package linux

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softaoa/pkg"
)

// ueventAction represents a kernel uevent action.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventChange
	ueventBind
	ueventUnbind
)

var ueventActions = map[string]ueventAction{
	"add":    ueventAdd,
	"remove": ueventRemove,
	"change": ueventChange,
	"bind":   ueventBind,
	"unbind": ueventUnbind,
}

// uevent is a parsed netlink uevent.
type uevent struct {
	action    ueventAction
	devpath   string // DEVPATH
	subsystem string // SUBSYSTEM
	devtype   string // DEVTYPE
	busnum    string // BUSNUM
	devnum    string // DEVNUM
	product   string // PRODUCT, "vid/pid/bcdDevice" in hex
}

// hotplugMonitor reads kernel uevents for USB devices from a netlink socket.
type hotplugMonitor struct {
	fd       int
	buf      [UEventBufferSize]byte
	addCh    chan usbDeviceInfo
	removeCh chan usbDeviceInfo
}

func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := unix.Socket(
		unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT,
	)
	if err != nil {
		return nil, err
	}

	// Group 1 carries raw kernel events; udev rebroadcasts on group 2.
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &hotplugMonitor{
		fd:       fd,
		addCh:    make(chan usbDeviceInfo, 16),
		removeCh: make(chan usbDeviceInfo, 16),
	}, nil
}

func (h *hotplugMonitor) close() error {
	return unix.Close(h.fd)
}

// processEvent reads one uevent from the socket.
// It reports false when no data is available.
func (h *hotplugMonitor) processEvent() (bool, error) {
	n, err := unix.Read(h.fd, h.buf[:])
	if err != nil {
		if isAgain(err) {
			return false, nil
		}
		return false, err
	}
	if n <= 0 {
		return false, nil
	}

	evt := parseUEvent(h.buf[:n])
	if evt.subsystem != "usb" || evt.devtype != "usb_device" {
		return true, nil
	}

	switch evt.action {
	case ueventAdd:
		// Sysfs attributes are complete by the time the event arrives.
		info, err := parseUSBDevice(filepath.Join(SysfsUSBPath, filepath.Base(evt.devpath)))
		if err == nil {
			h.deliver(h.addCh, info)
		}

	case ueventRemove:
		// The sysfs node is gone; identify the device from the event itself.
		if info, ok := evt.deviceInfo(); ok {
			h.deliver(h.removeCh, info)
		}
	}

	return true, nil
}

// deliver never blocks the poll goroutine; a full queue drops the event.
func (h *hotplugMonitor) deliver(ch chan usbDeviceInfo, info usbDeviceInfo) {
	select {
	case ch <- info:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "hotplug queue full, event dropped",
			"bus", info.busNum, "dev", info.devNum)
	}
}

// parseUEvent parses a netlink uevent message: a header line
// "action@devpath" followed by NUL-separated KEY=value pairs.
func parseUEvent(data []byte) uevent {
	var evt uevent

	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		s := string(field)

		key, value, ok := strings.Cut(s, "=")
		if !ok {
			if action, path, ok := strings.Cut(s, "@"); ok {
				evt.action = ueventActions[action]
				evt.devpath = path
			}
			continue
		}

		switch key {
		case "ACTION":
			evt.action = ueventActions[value]
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "BUSNUM":
			evt.busnum = value
		case "DEVNUM":
			evt.devnum = value
		case "PRODUCT":
			evt.product = value
		}
	}

	return evt
}

// deviceInfo builds the minimal device identity carried by a uevent.
func (evt *uevent) deviceInfo() (usbDeviceInfo, bool) {
	bus, err := strconv.ParseUint(evt.busnum, 10, 8)
	if err != nil {
		return usbDeviceInfo{}, false
	}
	dev, err := strconv.ParseUint(evt.devnum, 10, 8)
	if err != nil {
		return usbDeviceInfo{}, false
	}

	info := usbDeviceInfo{
		sysfsPath: filepath.Join(SysfsUSBPath, filepath.Base(evt.devpath)),
		busNum:    uint8(bus),
		devNum:    uint8(dev),
	}
	info.devfsPath = formatDevfsPath(info.busNum, info.devNum)

	// PRODUCT is "18d1/2d05/100" with no zero padding.
	if parts := strings.Split(evt.product, "/"); len(parts) >= 2 {
		if v, err := strconv.ParseUint(parts[0], 16, 16); err == nil {
			info.vendorID = uint16(v)
		}
		if p, err := strconv.ParseUint(parts[1], 16, 16); err == nil {
			info.productID = uint16(p)
		}
	}
	return info, true
}
