// Package host identifies and tracks USB devices on top of a [hal.HostHAL].
//
// The Host waits for the HAL to report a connection, reads the device
// and configuration descriptors and the manufacturer, product and serial
// strings, and publishes the result as a *Device. Disconnections mark the
// Device detached: its Detached channel closes and further transfers fail
// with pkg.ErrNoDevice.
//
// A Device exposes control and bulk transfers, interface claiming and
// isochronous IN endpoints:
//
//	h := host.New(backend)
//	h.SetOnDeviceConnect(func(dev *host.Device) {
//		fmt.Println(dev.Identity())
//	})
//	if err := h.Start(ctx); err != nil {
//		return err
//	}
//	defer h.Stop()
//
// Backends live under host/hal: linux (usbfs), libusb (gousb) and sim
// (simulated Android devices for tests).
package host
