// Package accessory classifies attached USB devices against the Android
// Open Accessory (AOA) product IDs and switches devices into accessory
// mode.
//
// A device already in accessory mode (vendor 0x18D1, product 0x2D00,
// 0x2D01 or 0x2D05) is handed back unchanged. Any other candidate gets the
// AOA handshake:
//
//	GET_PROTOCOL   (51)  version must be 1 or 2
//	SEND_STRING    (52)  indices 0..5: manufacturer, model, description,
//	                     version, URI, serial
//	SET_AUDIO_MODE (58)  only when audio is wanted and version >= 2
//	START          (53)  device drops off the bus and re-enumerates
//
// Negotiate does not wait for re-enumeration. The device returns under an
// accessory product ID as a fresh attach, and that attach is classified
// from scratch.
//
// Failures are reported as *NegotiationError, which matches
// ErrUnsupportedDevice or ErrTransport with errors.Is and keeps the
// transport cause reachable.
package accessory
