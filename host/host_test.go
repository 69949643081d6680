package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/host/hal/sim"
	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Mock HAL for Testing
// =============================================================================

// mockHAL implements hal.HostHAL with canned control responses.
type mockHAL struct {
	connectCh    chan hal.DeviceAddress
	disconnectCh chan hal.DeviceAddress

	controlErr error
	claimErr   error

	mu       sync.Mutex
	claims   map[uint8]int
	releases map[uint8]int
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		connectCh:    make(chan hal.DeviceAddress, 16),
		disconnectCh: make(chan hal.DeviceAddress, 16),
		claims:       make(map[uint8]int),
		releases:     make(map[uint8]int),
	}
}

func (m *mockHAL) Init(ctx context.Context) error { return nil }
func (m *mockHAL) Start() error                   { return nil }
func (m *mockHAL) Stop() error                    { return nil }
func (m *mockHAL) Close() error                   { return nil }

func (m *mockHAL) DeviceInfo(addr hal.DeviceAddress) (hal.DeviceInfo, error) {
	return hal.DeviceInfo{Bus: 1, Number: int(addr)}, nil
}

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	return 0, m.controlErr
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return len(data), nil
}

func (m *mockHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error) {
	return len(data), nil
}

func (m *mockHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return m.claimErr
	}
	m.claims[iface]++
	return nil
}

func (m *mockHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[iface]++
	return nil
}

func (m *mockHAL) SetInterface(addr hal.DeviceAddress, iface, alt uint8) error {
	return nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case addr := <-m.connectCh:
		return addr, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case addr := <-m.disconnectCh:
		return addr, nil
	}
}

func (m *mockHAL) releaseCount(iface uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases[iface]
}

// newMockDevice builds a device on a stopped host for direct tests.
func newMockDevice(m *mockHAL, raw []byte) *Device {
	h := New(m)
	dev := newDevice(h, 1, hal.DeviceInfo{Bus: 1, Number: 1})
	if raw != nil {
		dev.config, _ = ParseConfiguration(raw)
	}
	return dev
}

// =============================================================================
// Host Lifecycle Tests
// =============================================================================

func startSimHost(t *testing.T) (*Host, *sim.HostHAL) {
	t.Helper()
	backend := sim.New()
	h := New(backend)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		h.Stop()
		backend.Close()
	})
	return h, backend
}

func waitDevice(t *testing.T, h *Host) *Device {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice() error = %v", err)
	}
	return dev
}

func TestHost_StartTwice(t *testing.T) {
	h, _ := startSimHost(t)
	if err := h.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !h.IsRunning() {
		t.Error("IsRunning() = false")
	}
}

func TestHost_IdentifiesDevice(t *testing.T) {
	h, backend := startSimHost(t)
	backend.Plug(sim.FakePeripheral())

	dev := waitDevice(t, h)
	id := dev.Identity()

	if id.VendorID != sim.GoogleVendorID || id.ProductID != sim.FakeProductID {
		t.Errorf("ids = %04x:%04x", id.VendorID, id.ProductID)
	}
	if id.Manufacturer != "LGE" || id.Product != "Nexus 4" || id.Serial != sim.FakeSerial {
		t.Errorf("strings = %q / %q / %q", id.Manufacturer, id.Product, id.Serial)
	}
	if got := id.String(); got != "18d1:4e42 LGE Nexus 4" {
		t.Errorf("String() = %q", got)
	}

	devices := h.Devices()
	if len(devices) != 1 || devices[0] != dev {
		t.Errorf("Devices() = %v", devices)
	}
	if h.GetDevice(dev.Address()) != dev {
		t.Error("GetDevice() did not return the device")
	}
}

func TestHost_IdentifiesAccessoryAudio(t *testing.T) {
	h, backend := startSimHost(t)
	backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryAudioProductID,
		AOAVersion: 2,
	})

	dev := waitDevice(t, h)
	cfg := dev.Configuration()
	if !cfg.HasAudioStreaming() {
		t.Error("accessory audio device has no streaming interface")
	}
	if _, _, ok := cfg.Endpoint(sim.EndpointIsoIn); !ok {
		t.Error("iso endpoint missing")
	}
}

func TestHost_DisconnectMarksDetached(t *testing.T) {
	h, backend := startSimHost(t)

	disconnected := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(dev *Device) { disconnected <- dev })

	phone := backend.Plug(sim.FakePeripheral())
	dev := waitDevice(t, h)

	phone.Unplug()

	select {
	case got := <-disconnected:
		if got != dev {
			t.Error("callback received a different device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}

	select {
	case <-dev.Detached():
	default:
		t.Error("Detached() not closed when callback ran")
	}
	if len(h.Devices()) != 0 {
		t.Error("device still listed after disconnect")
	}

	buf := make([]byte, 8)
	if _, err := dev.BulkTransfer(context.Background(), 0x81, buf); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("transfer after detach error = %v, want ErrNoDevice", err)
	}
}

func TestHost_ConnectCallback(t *testing.T) {
	h, backend := startSimHost(t)

	connected := make(chan Identity, 1)
	h.SetOnDeviceConnect(func(dev *Device) { connected <- dev.Identity() })

	backend.Plug(sim.Peripheral{VendorID: 0x1234, ProductID: 0x0001})

	select {
	case id := <-connected:
		if id.VendorID != 0x1234 {
			t.Errorf("VendorID = %04x", id.VendorID)
		}
		if id.Manufacturer != "" {
			t.Errorf("Manufacturer = %q, want empty", id.Manufacturer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback not called")
	}
}

func TestHost_IdentificationFailureNotPublished(t *testing.T) {
	m := newMockHAL()
	m.controlErr = pkg.ErrStall
	h := New(m)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	m.connectCh <- 5

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := h.WaitDevice(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitDevice() error = %v, want deadline", err)
	}
	if len(h.Devices()) != 0 {
		t.Error("unidentified device was published")
	}
}

func TestHost_StopDetachesAndCloses(t *testing.T) {
	backend := sim.New()
	defer backend.Close()
	h := New(backend)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	backend.Plug(sim.Peripheral{VendorID: sim.GoogleVendorID, ProductID: sim.AccessoryProductID, AOAVersion: 1})
	dev := waitDevice(t, h)
	if err := dev.ClaimInterface(0); err != nil {
		t.Fatalf("ClaimInterface() error = %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !dev.IsDetached() {
		t.Error("device not detached after Stop")
	}
	if err := dev.ClaimInterface(0); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ClaimInterface() after Stop = %v, want ErrNoDevice", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
