package sim

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"
	"unicode/utf16"

	"github.com/ardnew/softaoa/host/hal"
)

// Vendor and product IDs the simulator reports.
const (
	GoogleVendorID = 0x18D1

	AccessoryProductID      = 0x2D01 // accessory + adb
	AccessoryAudioProductID = 0x2D05 // accessory + audio + adb

	FakeProductID = 0x4E42
	FakeSerial    = "FakeSerial01010101"
)

// Accessory mode endpoint layout.
const (
	EndpointBulkIn  = 0x81
	EndpointBulkOut = 0x02
	EndpointIsoIn   = 0x83

	InterfaceAccessory      = 0
	InterfaceAudioControl   = 1
	InterfaceAudioStreaming = 2

	bulkMaxPacket = 512
	isoMaxPacket  = 192
)

// AOA vendor requests, as seen from the device.
const (
	reqGetProtocol  = 51
	reqSendString   = 52
	reqStart        = 53
	reqSetAudioMode = 58
)

// Standard requests the simulator answers.
const (
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09

	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03
	descInterface     = 0x04
	descEndpoint      = 0x05
)

// ControlHook runs before the simulator handles a control request. A
// non-nil error is returned to the host instead of the response; a hook
// may block to model a slow device.
type ControlHook func(ctx context.Context, setup hal.SetupPacket) error

// Peripheral describes a simulated device as it first appears on the bus.
type Peripheral struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string

	// AOAVersion is returned by GET_PROTOCOL. Zero means the device does
	// not speak AOA and stalls every accessory request.
	AOAVersion uint16

	// ReenumerateDelay is the time spent off the bus after START.
	ReenumerateDelay time.Duration

	// PCM supplies the isochronous audio stream. Nil streams silence.
	PCM io.Reader

	// Realtime paces isochronous reads at one packet per millisecond.
	Realtime bool

	ControlHook ControlHook
}

// FakePeripheral returns a Nexus-style phone that supports AOA 2 with
// audio, the device used when no real phone is attached.
func FakePeripheral() Peripheral {
	return Peripheral{
		VendorID:         GoogleVendorID,
		ProductID:        FakeProductID,
		Manufacturer:     "LGE",
		Product:          "Nexus 4",
		Serial:           FakeSerial,
		AOAVersion:       2,
		ReenumerateDelay: 50 * time.Millisecond,
	}
}

// isAccessoryPID reports whether pid is one of the AOA product IDs.
func isAccessoryPID(vid, pid uint16) bool {
	return vid == GoogleVendorID && pid >= 0x2D00 && pid <= 0x2D05
}

// hasAccessoryInterface reports whether an AOA pid exposes the accessory
// bulk interface. 2D02 and 2D03 are audio only.
func hasAccessoryInterface(pid uint16) bool {
	switch pid {
	case 0x2D00, 0x2D01, 0x2D04, 0x2D05:
		return true
	}
	return false
}

// hasAudioInterface reports whether an AOA pid exposes audio streaming.
func hasAudioInterface(pid uint16) bool {
	return pid >= 0x2D02 && pid <= 0x2D05
}

// =============================================================================
// Descriptor Generation
// =============================================================================

func deviceDescriptor(vid, pid uint16) []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = descDevice
	binary.LittleEndian.PutUint16(b[2:], 0x0200)
	b[7] = 64
	binary.LittleEndian.PutUint16(b[8:], vid)
	binary.LittleEndian.PutUint16(b[10:], pid)
	binary.LittleEndian.PutUint16(b[12:], 0x0100)
	b[14], b[15], b[16] = 1, 2, 3
	b[17] = 1
	return b
}

func interfaceDescriptor(num, alt, numEP, class, subclass, protocol uint8) []byte {
	return []byte{9, descInterface, num, alt, numEP, class, subclass, protocol, 0}
}

func endpointDescriptor(addr, attrs uint8, maxPacket uint16, interval uint8) []byte {
	return []byte{7, descEndpoint, addr, attrs, byte(maxPacket), byte(maxPacket >> 8), interval}
}

// configDescriptor builds the full configuration for a device state.
func configDescriptor(accessory, audio bool) []byte {
	var body []byte
	numIfaces := uint8(1)

	if accessory {
		body = append(body, interfaceDescriptor(InterfaceAccessory, 0, 2, 0xFF, 0xFF, 0x00)...)
		body = append(body, endpointDescriptor(EndpointBulkIn, 0x02, bulkMaxPacket, 0)...)
		body = append(body, endpointDescriptor(EndpointBulkOut, 0x02, bulkMaxPacket, 0)...)
		if audio {
			numIfaces = 3
			body = append(body, interfaceDescriptor(InterfaceAudioControl, 0, 0, 0x01, 0x01, 0x00)...)
			body = append(body, interfaceDescriptor(InterfaceAudioStreaming, 0, 0, 0x01, 0x02, 0x00)...)
			body = append(body, interfaceDescriptor(InterfaceAudioStreaming, 1, 1, 0x01, 0x02, 0x00)...)
			body = append(body, endpointDescriptor(EndpointIsoIn, 0x05, isoMaxPacket, 4)...)
		}
	} else {
		// A vendor-specific interface standing in for MTP.
		body = append(body, interfaceDescriptor(0, 0, 2, 0xFF, 0xFF, 0x00)...)
		body = append(body, endpointDescriptor(0x81, 0x02, bulkMaxPacket, 0)...)
		body = append(body, endpointDescriptor(0x01, 0x02, bulkMaxPacket, 0)...)
	}

	b := make([]byte, 9, 9+len(body))
	b[0] = 9
	b[1] = descConfiguration
	binary.LittleEndian.PutUint16(b[2:], uint16(9+len(body)))
	b[4] = numIfaces
	b[5] = 1
	b[7] = 0x80
	b[8] = 250
	return append(b, body...)
}

// stringDescriptor encodes s as a UTF-16LE string descriptor. Index 0
// lists US English as the only language.
func stringDescriptor(index uint8, s string) []byte {
	if index == 0 {
		return []byte{4, descString, 0x09, 0x04}
	}
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 2+2*len(units))
	b[0] = byte(len(b))
	b[1] = descString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}

// =============================================================================
// PCM Generation
// =============================================================================

// Tone returns a reader producing an endless 16-bit stereo sine wave at
// 44100 Hz.
func Tone(freq float64, amplitude int16) io.Reader {
	return &toneReader{step: 2 * math.Pi * freq / 44100, amp: float64(amplitude)}
}

type toneReader struct {
	phase float64
	step  float64
	amp   float64
	rem   []byte
}

func (t *toneReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(t.rem) == 0 {
			v := uint16(int16(t.amp * math.Sin(t.phase)))
			t.phase = math.Mod(t.phase+t.step, 2*math.Pi)
			t.rem = []byte{byte(v), byte(v >> 8), byte(v), byte(v >> 8)}
		}
		c := copy(p[n:], t.rem)
		t.rem = t.rem[c:]
		n += c
	}
	return n, nil
}
