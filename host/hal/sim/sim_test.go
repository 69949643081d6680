package sim

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

func newTestHAL(t *testing.T) *HostHAL {
	t.Helper()
	h := New()
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitConnect(t *testing.T, h *HostHAL) hal.DeviceAddress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := h.WaitForConnection(ctx)
	if err != nil {
		t.Fatalf("WaitForConnection() error = %v", err)
	}
	return addr
}

func waitDisconnect(t *testing.T, h *HostHAL) hal.DeviceAddress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := h.WaitForDisconnection(ctx)
	if err != nil {
		t.Fatalf("WaitForDisconnection() error = %v", err)
	}
	return addr
}

func vendorOut(req uint8, value, index uint16, length int) *hal.SetupPacket {
	return &hal.SetupPacket{RequestType: 0x40, Request: req, Value: value, Index: index, Length: uint16(length)}
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestPlug_ReportsConnection(t *testing.T) {
	h := newTestHAL(t)
	dev := h.Plug(FakePeripheral())

	addr := waitConnect(t, h)
	if addr != dev.Address() {
		t.Errorf("address = %d, want %d", addr, dev.Address())
	}

	info, err := h.DeviceInfo(addr)
	if err != nil {
		t.Fatalf("DeviceInfo() error = %v", err)
	}
	if info.VendorID != GoogleVendorID || info.ProductID != FakeProductID {
		t.Errorf("DeviceInfo() ids = %04x:%04x", info.VendorID, info.ProductID)
	}
}

func TestGetDescriptor_Device(t *testing.T) {
	h := newTestHAL(t)
	h.Plug(FakePeripheral())
	addr := waitConnect(t, h)

	buf := make([]byte, 18)
	setup := &hal.SetupPacket{RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 18}
	n, err := h.ControlTransfer(context.Background(), addr, setup, buf)
	if err != nil {
		t.Fatalf("ControlTransfer() error = %v", err)
	}
	if n != 18 || buf[0] != 18 || buf[1] != descDevice {
		t.Fatalf("device descriptor = % x", buf[:n])
	}
	if buf[8] != 0xD1 || buf[9] != 0x18 || buf[10] != 0x42 || buf[11] != 0x4E {
		t.Errorf("ids = % x", buf[8:12])
	}
}

func TestGetDescriptor_String(t *testing.T) {
	h := newTestHAL(t)
	h.Plug(FakePeripheral())
	addr := waitConnect(t, h)

	buf := make([]byte, 255)
	setup := &hal.SetupPacket{RequestType: 0x80, Request: reqGetDescriptor, Value: descString<<8 | 3, Index: 0x0409, Length: 255}
	n, err := h.ControlTransfer(context.Background(), addr, setup, buf)
	if err != nil {
		t.Fatalf("ControlTransfer() error = %v", err)
	}
	if want := 2 + 2*len(FakeSerial); n != want {
		t.Fatalf("length = %d, want %d", n, want)
	}
	if buf[2] != 'F' || buf[3] != 0 {
		t.Errorf("first unit = % x", buf[2:4])
	}

	setup.Value = descString<<8 | 9
	if _, err := h.ControlTransfer(context.Background(), addr, setup, buf); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("unknown string error = %v, want ErrStall", err)
	}
}

func TestConfigDescriptor_Layout(t *testing.T) {
	tests := []struct {
		name      string
		accessory bool
		audio     bool
		ifaces    uint8
		length    int
	}{
		{"vendor", false, false, 1, 9 + 9 + 7 + 7},
		{"accessory", true, false, 1, 9 + 9 + 7 + 7},
		{"accessory audio", true, true, 3, 9 + 9 + 7 + 7 + 9 + 9 + 9 + 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := configDescriptor(tt.accessory, tt.audio)
			if len(b) != tt.length {
				t.Errorf("len = %d, want %d", len(b), tt.length)
			}
			if total := int(b[2]) | int(b[3])<<8; total != len(b) {
				t.Errorf("wTotalLength = %d, want %d", total, len(b))
			}
			if b[4] != tt.ifaces {
				t.Errorf("bNumInterfaces = %d, want %d", b[4], tt.ifaces)
			}
		})
	}
}

// =============================================================================
// Accessory Handshake Tests
// =============================================================================

func TestHandshake_Reenumerates(t *testing.T) {
	h := newTestHAL(t)
	p := FakePeripheral()
	p.ReenumerateDelay = time.Millisecond
	dev := h.Plug(p)
	addr := waitConnect(t, h)
	ctx := context.Background()

	buf := make([]byte, 2)
	setup := &hal.SetupPacket{RequestType: 0xC0, Request: reqGetProtocol, Length: 2}
	if _, err := h.ControlTransfer(ctx, addr, setup, buf); err != nil {
		t.Fatalf("GET_PROTOCOL error = %v", err)
	}
	if buf[0] != 2 || buf[1] != 0 {
		t.Fatalf("protocol = % x, want 02 00", buf)
	}

	model := []byte("iMX6Q\x00")
	if _, err := h.ControlTransfer(ctx, addr, vendorOut(reqSendString, 0, 1, len(model)), model); err != nil {
		t.Fatalf("SEND_STRING error = %v", err)
	}
	if _, err := h.ControlTransfer(ctx, addr, vendorOut(reqSetAudioMode, 1, 0, 0), nil); err != nil {
		t.Fatalf("SET_AUDIO_MODE error = %v", err)
	}
	if _, err := h.ControlTransfer(ctx, addr, vendorOut(reqStart, 0, 0, 0), nil); err != nil {
		t.Fatalf("START error = %v", err)
	}

	if got := waitDisconnect(t, h); got != addr {
		t.Errorf("disconnected %d, want %d", got, addr)
	}
	newAddr := waitConnect(t, h)
	if newAddr == addr {
		t.Error("re-enumeration reused the old address")
	}

	if vid, pid := dev.IDs(); vid != GoogleVendorID || pid != AccessoryAudioProductID {
		t.Errorf("ids after START = %04x:%04x", vid, pid)
	}
	if !dev.Accessory() {
		t.Error("Accessory() = false after START")
	}
	if got := dev.HostStrings()[1]; got != "iMX6Q" {
		t.Errorf("model = %q", got)
	}
	if dev.AudioMode() != 1 {
		t.Errorf("AudioMode() = %d", dev.AudioMode())
	}

	if _, err := h.BulkTransfer(ctx, addr, EndpointBulkIn, buf); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("old address error = %v, want ErrNoDevice", err)
	}
}

func TestHandshake_NoAOAStalls(t *testing.T) {
	h := newTestHAL(t)
	h.Plug(Peripheral{VendorID: 0x1234, ProductID: 0x0001})
	addr := waitConnect(t, h)

	buf := make([]byte, 2)
	setup := &hal.SetupPacket{RequestType: 0xC0, Request: reqGetProtocol, Length: 2}
	if _, err := h.ControlTransfer(context.Background(), addr, setup, buf); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("GET_PROTOCOL error = %v, want ErrStall", err)
	}
}

func TestControlHook_Blocks(t *testing.T) {
	h := newTestHAL(t)
	release := make(chan struct{})
	p := Peripheral{
		VendorID:   0x1234,
		ProductID:  0x0001,
		AOAVersion: 2,
		ControlHook: func(ctx context.Context, setup hal.SetupPacket) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	dev := h.Plug(p)
	addr := waitConnect(t, h)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 2)
		setup := &hal.SetupPacket{RequestType: 0xC0, Request: reqGetProtocol, Length: 2}
		_, err := h.ControlTransfer(context.Background(), addr, setup, buf)
		errCh <- err
	}()

	dev.Unplug()
	close(release)

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrNoDevice) {
			t.Errorf("error = %v, want ErrNoDevice", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control transfer did not return")
	}
}

// =============================================================================
// Accessory Endpoint Tests
// =============================================================================

func plugAccessory(t *testing.T, h *HostHAL, pid uint16) (*Device, hal.DeviceAddress) {
	t.Helper()
	dev := h.Plug(Peripheral{VendorID: GoogleVendorID, ProductID: pid, AOAVersion: 2})
	return dev, waitConnect(t, h)
}

func TestBulkIn_DeliversOneFramePerRead(t *testing.T) {
	h := newTestHAL(t)
	dev, addr := plugAccessory(t, h, AccessoryProductID)

	dev.SendCommand([]byte{0x01})
	dev.SendCommand([]byte("next"))

	buf := make([]byte, 64)
	for _, want := range [][]byte{{0x01}, []byte("next")} {
		n, err := h.BulkTransfer(context.Background(), addr, EndpointBulkIn, buf)
		if err != nil {
			t.Fatalf("BulkTransfer() error = %v", err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("frame = %q, want %q", buf[:n], want)
		}
	}
	if got := dev.Stats().CommandsRead; got != 2 {
		t.Errorf("CommandsRead = %d, want 2", got)
	}
}

func TestBulkIn_TimeoutAndDetach(t *testing.T) {
	h := newTestHAL(t)
	dev, addr := plugAccessory(t, h, AccessoryProductID)
	buf := make([]byte, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.BulkTransfer(ctx, addr, EndpointBulkIn, buf); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("idle read error = %v, want ErrTimeout", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.BulkTransfer(context.Background(), addr, EndpointBulkIn, buf)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	dev.Unplug()

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrNoDevice) {
			t.Errorf("error = %v, want ErrNoDevice", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bulk read did not observe detach")
	}
}

func TestBulkOut_RecordsWrites(t *testing.T) {
	h := newTestHAL(t)
	dev, addr := plugAccessory(t, h, AccessoryProductID)

	if _, err := h.BulkTransfer(context.Background(), addr, EndpointBulkOut, []byte{0x80, 0x01, 0x00}); err != nil {
		t.Fatalf("BulkTransfer() error = %v", err)
	}
	written := dev.Written()
	if len(written) != 1 || !bytes.Equal(written[0], []byte{0x80, 0x01, 0x00}) {
		t.Errorf("Written() = %v", written)
	}
}

func TestIsochronous_RequiresAltSetting(t *testing.T) {
	h := newTestHAL(t)
	_, addr := plugAccessory(t, h, AccessoryAudioProductID)
	buf := make([]byte, isoMaxPacket*8)
	ctx := context.Background()

	if _, err := h.IsochronousTransfer(ctx, addr, EndpointIsoIn, buf, isoMaxPacket); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("unclaimed error = %v, want ErrInvalidEndpoint", err)
	}

	if err := h.ClaimInterface(addr, InterfaceAudioStreaming); err != nil {
		t.Fatalf("ClaimInterface() error = %v", err)
	}
	if err := h.SetInterface(addr, InterfaceAudioStreaming, 1); err != nil {
		t.Fatalf("SetInterface() error = %v", err)
	}

	n, err := h.IsochronousTransfer(ctx, addr, EndpointIsoIn, buf, isoMaxPacket)
	if err != nil {
		t.Fatalf("IsochronousTransfer() error = %v", err)
	}
	// Eight packets at 44.1 frames per millisecond: 352 frames.
	if n != 352*4 {
		t.Errorf("n = %d, want %d", n, 352*4)
	}
}

func TestIsochronous_NoAudioInterface(t *testing.T) {
	h := newTestHAL(t)
	_, addr := plugAccessory(t, h, AccessoryProductID)

	if err := h.ClaimInterface(addr, InterfaceAudioStreaming); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ClaimInterface() error = %v, want ErrInvalidParameter", err)
	}
}

func TestTone(t *testing.T) {
	r := Tone(1000, 8000)
	buf := make([]byte, 4*64)
	if n, err := r.Read(buf); err != nil || n != len(buf) {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	// Both channels carry the same sample.
	for i := 0; i < len(buf); i += 4 {
		if buf[i] != buf[i+2] || buf[i+1] != buf[i+3] {
			t.Fatalf("frame %d channels differ: % x", i/4, buf[i:i+4])
		}
	}
	if bytes.Equal(buf, make([]byte, len(buf))) {
		t.Error("tone is silent")
	}
}
