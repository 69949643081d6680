//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/softaoa/host/hal"
)

// usbClassHub is bDeviceClass for hubs, which are never accessories.
const usbClassHub = 0x09

// usbDeviceInfo holds information about a USB device discovered via sysfs.
type usbDeviceInfo struct {
	sysfsPath   string // Path in /sys/bus/usb/devices
	devfsPath   string // Path in /dev/bus/usb
	busNum      uint8
	devNum      uint8
	vendorID    uint16
	productID   uint16
	deviceClass uint8
	speed       hal.Speed
}

func (d *usbDeviceInfo) halInfo() hal.DeviceInfo {
	return hal.DeviceInfo{
		Bus:       int(d.busNum),
		Number:    int(d.devNum),
		Path:      d.devfsPath,
		VendorID:  d.vendorID,
		ProductID: d.productID,
		Speed:     d.speed,
	}
}

// isHub reports whether the device is a hub.
func (d *usbDeviceInfo) isHub() bool {
	return d.deviceClass == usbClassHub
}

// scanUSBDevices lists the devices under root (normally SysfsUSBPath).
func scanUSBDevices(root string) ([]usbDeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []usbDeviceInfo
	for _, entry := range entries {
		name := entry.Name()
		// Root hubs are "usbN" and interfaces are "1-1:1.0".
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseUSBDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// parseUSBDevice reads one device directory. busnum and devnum are
// required; the other attributes are best effort.
func parseUSBDevice(sysfsPath string) (usbDeviceInfo, error) {
	info := usbDeviceInfo{sysfsPath: sysfsPath}

	busNum, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	devNum, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.busNum, info.devNum = busNum, devNum
	info.devfsPath = formatDevfsPath(busNum, devNum)

	if v, err := readSysfsHex(filepath.Join(sysfsPath, "idVendor"), 16); err == nil {
		info.vendorID = uint16(v)
	}
	if v, err := readSysfsHex(filepath.Join(sysfsPath, "idProduct"), 16); err == nil {
		info.productID = uint16(v)
	}
	if v, err := readSysfsHex(filepath.Join(sysfsPath, "bDeviceClass"), 8); err == nil {
		info.deviceClass = uint8(v)
	}
	if s, err := readSysfsString(filepath.Join(sysfsPath, "speed")); err == nil {
		info.speed = parseSpeed(s)
	}

	return info, nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

// formatDevfsPath returns /dev/bus/usb/BBB/DDD.
func formatDevfsPath(busNum, devNum uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", DevfsUSBPath, busNum, devNum)
}

// parseSpeed converts a sysfs speed string (Mbit/s) to a hal.Speed value.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	case "5000", "10000", "20000":
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}
