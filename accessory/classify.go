package accessory

import (
	"fmt"

	"github.com/ardnew/softaoa/host"
)

// Vendor IDs.
const (
	VendorGoogle          = 0x18D1
	VendorLinuxFoundation = 0x1D6B // root hubs
)

// AOA product IDs. Only accessory and accessory+adb, without or with
// audio, expose the bulk command interface this host needs.
const (
	ProductAccessory         = 0x2D00
	ProductAccessoryADB      = 0x2D01
	ProductAudio             = 0x2D02
	ProductAudioADB          = 0x2D03
	ProductAccessoryAudio    = 0x2D04
	ProductAccessoryAudioADB = 0x2D05
)

// Identity is what negotiation knows about the attaching device.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// FromHost converts an enumerated device identity.
func FromHost(id host.Identity) Identity {
	return Identity{
		VendorID:     id.VendorID,
		ProductID:    id.ProductID,
		Manufacturer: id.Manufacturer,
		Model:        id.Product,
		Serial:       id.Serial,
	}
}

// String formats the identity as "vvvv:pppp".
func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
}

// Classification is the negotiation path a device takes.
type Classification int

// Classifications.
const (
	Unsupported Classification = iota
	RequiresModeSwitch
	AlreadyAccessoryNoAudio
	AlreadyAccessoryAudioCapable
)

// String returns the classification name.
func (c Classification) String() string {
	switch c {
	case RequiresModeSwitch:
		return "requires-mode-switch"
	case AlreadyAccessoryNoAudio:
		return "accessory"
	case AlreadyAccessoryAudioCapable:
		return "accessory-audio"
	default:
		return "unsupported"
	}
}

// IsAccessory reports whether the device is already in accessory mode.
func (c Classification) IsAccessory() bool {
	return c == AlreadyAccessoryNoAudio || c == AlreadyAccessoryAudioCapable
}

// Classify derives the classification from the vendor and product IDs.
func Classify(id Identity) Classification {
	switch {
	case id.VendorID == 0 || id.ProductID == 0:
		return Unsupported
	case id.VendorID == VendorLinuxFoundation:
		return Unsupported
	case id.VendorID == VendorGoogle:
		switch id.ProductID {
		case ProductAccessory, ProductAccessoryADB:
			return AlreadyAccessoryNoAudio
		case ProductAccessoryAudioADB:
			return AlreadyAccessoryAudioCapable
		case ProductAudio, ProductAudioADB, ProductAccessoryAudio:
			return Unsupported
		}
	}
	return RequiresModeSwitch
}
