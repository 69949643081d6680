package host

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Device Descriptor
// =============================================================================

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := checkHeader(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// =============================================================================
// Configuration, Interface and Endpoint Descriptors
// =============================================================================

// ConfigurationDescriptor represents a USB configuration descriptor header.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := checkHeader(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkHeader(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// IsAudioStreaming reports whether the interface is an audio streaming
// interface.
func (i *InterfaceDescriptor) IsAudioStreaming() bool {
	return i.InterfaceClass == ClassAudio && i.InterfaceSubClass == SubclassAudioStreaming
}

// EndpointDescriptor represents a USB endpoint descriptor. Audio class
// endpoints carry two extra bytes that are ignored here.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of a standard endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkHeader(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return nil
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&0x80 == EndpointDirectionIn
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// IsIsochronous returns true if this is an isochronous endpoint.
func (e *EndpointDescriptor) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// PacketSize returns the payload size of one transaction. Bits 11-12 of
// wMaxPacketSize count extra high-bandwidth transactions per microframe.
func (e *EndpointDescriptor) PacketSize() int {
	size := int(e.MaxPacketSize & 0x07FF)
	return size * (1 + int(e.MaxPacketSize>>11&0x03))
}

// String formats the endpoint like "0x83 iso in 192".
func (e *EndpointDescriptor) String() string {
	dir := "out"
	if e.IsIn() {
		dir = "in"
	}
	kinds := [...]string{"control", "iso", "bulk", "interrupt"}
	return fmt.Sprintf("0x%02x %s %s %d", e.EndpointAddress, kinds[e.TransferType()], dir, e.PacketSize())
}

// =============================================================================
// Configuration Tree
// =============================================================================

// Interface is one alternate setting of an interface together with its
// endpoints and class-specific descriptors.
type Interface struct {
	InterfaceDescriptor
	Endpoints []EndpointDescriptor
	Extra     [][]byte
}

// Configuration is a parsed configuration descriptor tree. Every
// alternate setting appears as its own Interface.
type Configuration struct {
	ConfigurationDescriptor
	Interfaces []Interface
}

// ParseConfiguration parses a full configuration descriptor as returned
// by GET_DESCRIPTOR(CONFIGURATION) with wTotalLength bytes.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := ParseConfigurationDescriptor(data, &cfg.ConfigurationDescriptor); err != nil {
		return cfg, err
	}

	end := len(data)
	if int(cfg.TotalLength) < end {
		end = int(cfg.TotalLength)
	}

	var current *Interface
	for offset := int(cfg.Length); offset+2 <= end; {
		length := int(data[offset])
		if length < 2 || offset+length > end {
			return cfg, fmt.Errorf("descriptor at offset %d: %w", offset, pkg.ErrDescriptorTooShort)
		}
		desc := data[offset : offset+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var iface Interface
			if err := ParseInterfaceDescriptor(desc, &iface.InterfaceDescriptor); err != nil {
				return cfg, err
			}
			cfg.Interfaces = append(cfg.Interfaces, iface)
			current = &cfg.Interfaces[len(cfg.Interfaces)-1]

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if err := ParseEndpointDescriptor(desc, &ep); err != nil {
				return cfg, err
			}
			if current != nil {
				current.Endpoints = append(current.Endpoints, ep)
			}

		default:
			if current != nil {
				current.Extra = append(current.Extra, append([]byte(nil), desc...))
			}
		}
		offset += length
	}
	return cfg, nil
}

// Interface returns the given alternate setting of an interface.
func (c *Configuration) Interface(num, alt uint8) (*Interface, bool) {
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		if iface.InterfaceNumber == num && iface.AlternateSetting == alt {
			return iface, true
		}
	}
	return nil, false
}

// Endpoint finds an endpoint by address in any alternate setting.
func (c *Configuration) Endpoint(addr uint8) (*Interface, *EndpointDescriptor, bool) {
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		for j := range iface.Endpoints {
			if iface.Endpoints[j].EndpointAddress == addr {
				return iface, &iface.Endpoints[j], true
			}
		}
	}
	return nil, nil, false
}

// HasAudioStreaming reports whether any interface streams audio.
func (c *Configuration) HasAudioStreaming() bool {
	for i := range c.Interfaces {
		if c.Interfaces[i].IsAudioStreaming() {
			return true
		}
	}
	return false
}

// =============================================================================
// String Descriptors
// =============================================================================

// ParseStringDescriptor decodes a UTF-16LE string descriptor.
func ParseStringDescriptor(data []byte) (string, error) {
	if err := checkHeader(data, 2, DescriptorTypeString); err != nil {
		return "", err
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}

	units := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), nil
}

// ParseLangIDs decodes string descriptor zero.
func ParseLangIDs(data []byte) ([]uint16, error) {
	if err := checkHeader(data, 2, DescriptorTypeString); err != nil {
		return nil, err
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}

	var ids []uint16
	for i := 2; i+1 < length; i += 2 {
		ids = append(ids, binary.LittleEndian.Uint16(data[i:]))
	}
	return ids, nil
}

func checkHeader(data []byte, size int, typ uint8) error {
	if len(data) < size || int(data[0]) < size {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != typ {
		return pkg.ErrDescriptorTypeMismatch
	}
	return nil
}
