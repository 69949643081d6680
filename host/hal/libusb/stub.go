//go:build !cgo || !libusb

package libusb

import (
	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// New reports that the binary was built without the libusb backend.
func New() (hal.HostHAL, error) {
	return nil, pkg.ErrNotSupported
}
