package accessory

import (
	"fmt"
	"strings"

	"github.com/ardnew/softaoa/pkg"
)

// SEND_STRING indices.
const (
	StringManufacturer = iota
	StringModel
	StringDescription
	StringVersion
	StringURI
	StringSerial

	numStrings
)

// maxStringLength bounds each identification string, terminator
// excluded. Android copies them into 256-byte buffers.
const maxStringLength = 255

// HostIdentity is the set of strings this host presents to the device.
// Android matches manufacturer, model and version against the
// accessory filters of installed apps.
type HostIdentity struct {
	Manufacturer string `koanf:"manufacturer"`
	Model        string `koanf:"model"`
	Description  string `koanf:"description"`
	Version      string `koanf:"version"`
	URI          string `koanf:"uri"`
	Serial       string `koanf:"serial"`
}

// DefaultHostIdentity returns the identity the companion Android app
// filters on.
func DefaultHostIdentity() HostIdentity {
	return HostIdentity{
		Manufacturer: "Freescale",
		Model:        "iMX6Q",
		Description:  "Description",
		Version:      "SabreLite",
		URI:          "http://www.adeneo-embedded.com",
		Serial:       "2254711SerialNo.",
	}
}

// Strings returns the identity in SEND_STRING index order.
func (h HostIdentity) Strings() [numStrings]string {
	return [numStrings]string{
		StringManufacturer: h.Manufacturer,
		StringModel:        h.Model,
		StringDescription:  h.Description,
		StringVersion:      h.Version,
		StringURI:          h.URI,
		StringSerial:       h.Serial,
	}
}

// Validate checks that every string fits the device buffer and carries no
// NUL byte.
func (h HostIdentity) Validate() error {
	names := [numStrings]string{"manufacturer", "model", "description", "version", "uri", "serial"}
	for i, s := range h.Strings() {
		if len(s) > maxStringLength {
			return fmt.Errorf("%w: %s longer than %d bytes", pkg.ErrInvalidParameter, names[i], maxStringLength)
		}
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%w: %s contains NUL", pkg.ErrInvalidParameter, names[i])
		}
	}
	return nil
}
