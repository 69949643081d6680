package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// ErrEnumerationFailed wraps failures to read the mandatory descriptors.
var ErrEnumerationFailed = errors.New("enumeration failed")

// identify reads the device and configuration descriptors and the
// manufacturer, product and serial strings of a new device. The HAL has
// already addressed and configured it; string failures are not fatal.
func (h *Host) identify(addr hal.DeviceAddress, timeout time.Duration) (*Device, error) {
	info, err := h.hal.DeviceInfo(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	dev := newDevice(h, addr, info)
	pkg.LogDebug(pkg.ComponentHost, "identifying device", "address", addr, "bus", info.String())

	buf := make([]byte, MaxDescriptorSize)

	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if err := ParseDeviceDescriptor(buf[:n], &dev.descriptor); err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}
	var header ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(buf[:n], &header); err != nil {
		return nil, fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}

	total := int(header.TotalLength)
	if total > len(buf) {
		total = len(buf)
	}
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return nil, fmt.Errorf("%w: configuration: %w", ErrEnumerationFailed, err)
	}
	if dev.config, err = ParseConfiguration(buf[:n]); err != nil {
		return nil, fmt.Errorf("%w: configuration: %w", ErrEnumerationFailed, err)
	}

	dev.identity = Identity{
		VendorID:  dev.descriptor.VendorID,
		ProductID: dev.descriptor.ProductID,
		Bus:       info.Bus,
		Number:    info.Number,
	}

	langID := uint16(LangIDUSEnglish)
	if n, err := dev.GetDescriptor(ctx, DescriptorTypeString, 0, 0, buf[:MaxStringDescriptorSize]); err == nil {
		if ids, err := ParseLangIDs(buf[:n]); err == nil && len(ids) > 0 {
			langID = ids[0]
		}
	}

	readString := func(index uint8) string {
		if index == 0 {
			return ""
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, langID, buf[:MaxStringDescriptorSize])
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", index, "error", err)
			return ""
		}
		s, err := ParseStringDescriptor(buf[:n])
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "bad string descriptor", "index", index, "error", err)
			return ""
		}
		return s
	}

	dev.identity.Manufacturer = readString(dev.descriptor.ManufacturerIndex)
	dev.identity.Product = readString(dev.descriptor.ProductIndex)
	dev.identity.Serial = readString(dev.descriptor.SerialNumberIndex)

	pkg.LogDebug(pkg.ComponentHost, "device identified",
		"address", addr,
		"vid", fmt.Sprintf("0x%04x", dev.identity.VendorID),
		"pid", fmt.Sprintf("0x%04x", dev.identity.ProductID),
		"interfaces", len(dev.config.Interfaces))

	return dev, nil
}
