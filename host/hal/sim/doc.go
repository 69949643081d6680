// Package sim implements hal.HostHAL with simulated Android devices.
//
// A simulated device answers standard GET_DESCRIPTOR requests and the
// Android Open Accessory vendor requests. When it receives START it drops
// off the bus and re-enumerates as an accessory (18d1:2d01, or 18d1:2d05
// when audio mode was requested on a protocol 2 device), exposing the
// accessory bulk endpoints and, for audio, a streaming interface with an
// isochronous IN endpoint.
//
// Tests drive the device side through *Device:
//
//	h := sim.New()
//	dev := h.Plug(sim.FakePeripheral())
//	...
//	dev.SendCommand([]byte{0x01}) // next slide
//	dev.Unplug()
package sim
