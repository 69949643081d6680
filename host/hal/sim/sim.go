package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// maxAddress is the highest address the simulator hands out.
const maxAddress = 127

// commandQueueDepth bounds frames queued by SendCommand.
const commandQueueDepth = 16

// =============================================================================
// HostHAL
// =============================================================================

// HostHAL is an in-memory hal.HostHAL. Devices are attached with Plug.
type HostHAL struct {
	mu       sync.Mutex
	devices  map[hal.DeviceAddress]*Device
	lastAddr hal.DeviceAddress
	running  bool

	connectCh    chan hal.DeviceAddress
	disconnectCh chan hal.DeviceAddress

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty simulated bus.
func New() *HostHAL {
	ctx, cancel := context.WithCancel(context.Background())
	return &HostHAL{
		devices:      make(map[hal.DeviceAddress]*Device),
		connectCh:    make(chan hal.DeviceAddress, maxAddress),
		disconnectCh: make(chan hal.DeviceAddress, maxAddress),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Init implements hal.HostHAL.
func (h *HostHAL) Init(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return pkg.ErrClosed
	}
	return ctx.Err()
}

// Start implements hal.HostHAL. Devices plugged earlier are already
// queued for WaitForConnection.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if h.ctx.Err() != nil {
		return pkg.ErrClosed
	}
	h.running = true
	return nil
}

// Stop implements hal.HostHAL.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	return nil
}

// Close implements hal.HostHAL. Every device is removed from the bus.
func (h *HostHAL) Close() error {
	h.Stop()

	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()

	for _, d := range devices {
		d.Unplug()
	}
	return nil
}

// Plug attaches a device described by p and returns its device-side
// handle.
func (h *HostHAL) Plug(p Peripheral) *Device {
	d := &Device{
		host:     h,
		p:        p,
		vid:      p.VendorID,
		pid:      p.ProductID,
		commands: make(chan []byte, commandQueueDepth),
	}
	d.accessory = isAccessoryPID(d.vid, d.pid) && hasAccessoryInterface(d.pid)
	d.audio = isAccessoryPID(d.vid, d.pid) && hasAudioInterface(d.pid)

	d.mu.Lock()
	h.attach(d)
	d.mu.Unlock()
	return d
}

// attach puts d on the bus under a fresh address. d.mu must be held.
func (h *HostHAL) attach(d *Device) {
	h.mu.Lock()
	addr := h.lastAddr
	for {
		addr = addr%maxAddress + 1
		if _, used := h.devices[addr]; !used {
			break
		}
	}
	h.lastAddr = addr
	h.devices[addr] = d
	h.mu.Unlock()

	d.addr = addr
	d.gone = make(chan struct{})
	d.claimed = 0
	d.alt = [3]uint8{}

	pkg.LogDebug(pkg.ComponentHAL, "sim device attached",
		"address", addr,
		"vid", fmt.Sprintf("0x%04x", d.vid),
		"pid", fmt.Sprintf("0x%04x", d.pid))

	select {
	case h.connectCh <- addr:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "sim connect queue full", "address", addr)
	}
}

// detach takes d off the bus. d.mu must be held.
func (h *HostHAL) detach(d *Device) {
	if d.addr == 0 {
		return
	}
	addr := d.addr

	h.mu.Lock()
	delete(h.devices, addr)
	h.mu.Unlock()

	d.addr = 0
	close(d.gone)

	pkg.LogDebug(pkg.ComponentHAL, "sim device detached", "address", addr)

	select {
	case h.disconnectCh <- addr:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "sim disconnect queue full", "address", addr)
	}
}

func (h *HostHAL) device(addr hal.DeviceAddress) (*Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[addr]
	if !ok {
		return nil, pkg.ErrNoDevice
	}
	return d, nil
}

// DeviceInfo implements hal.HostHAL.
func (h *HostHAL) DeviceInfo(addr hal.DeviceAddress) (hal.DeviceInfo, error) {
	d, err := h.device(addr)
	if err != nil {
		return hal.DeviceInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return hal.DeviceInfo{
		Bus:       1,
		Number:    int(addr),
		Path:      fmt.Sprintf("sim/%d", addr),
		VendorID:  d.vid,
		ProductID: d.pid,
		Speed:     hal.SpeedHigh,
	}, nil
}

// ControlTransfer implements hal.HostHAL.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	d, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	return d.control(ctx, addr, *setup, data)
}

// BulkTransfer implements hal.HostHAL.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	d, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	if endpoint&0x80 != 0 {
		return d.bulkIn(ctx, addr, endpoint, data)
	}
	return d.bulkOut(addr, endpoint, data)
}

// IsochronousTransfer implements hal.HostHAL.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error) {
	d, err := h.device(addr)
	if err != nil {
		return 0, err
	}
	return d.isoIn(ctx, addr, endpoint, data, packetSize)
}

// ClaimInterface implements hal.HostHAL.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addr != addr {
		return pkg.ErrNoDevice
	}
	if !d.hasInterface(iface) {
		return pkg.ErrInvalidParameter
	}
	d.claimed |= 1 << iface
	return nil
}

// ReleaseInterface implements hal.HostHAL.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addr != addr {
		return pkg.ErrNoDevice
	}
	d.claimed &^= 1 << iface
	if int(iface) < len(d.alt) {
		d.alt[iface] = 0
	}
	return nil
}

// SetInterface implements hal.HostHAL.
func (h *HostHAL) SetInterface(addr hal.DeviceAddress, iface, alt uint8) error {
	d, err := h.device(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addr != addr {
		return pkg.ErrNoDevice
	}
	if !d.hasInterface(iface) || d.claimed&(1<<iface) == 0 {
		return pkg.ErrInvalidParameter
	}
	if alt > 1 || (alt == 1 && iface != InterfaceAudioStreaming) {
		return pkg.ErrInvalidParameter
	}
	d.alt[iface] = alt
	return nil
}

// WaitForConnection implements hal.HostHAL.
func (h *HostHAL) WaitForConnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case addr := <-h.connectCh:
		return addr, nil
	}
}

// WaitForDisconnection implements hal.HostHAL.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (hal.DeviceAddress, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case addr := <-h.disconnectCh:
		return addr, nil
	}
}

// =============================================================================
// Device
// =============================================================================

// Stats counts traffic seen by a simulated device.
type Stats struct {
	ControlRequests int64
	CommandsRead    int64
	FramesWritten   int64
	IsoBytes        int64
}

// Device is the device side of a simulated phone. It survives
// re-enumeration; each appearance on the bus gets a new address.
type Device struct {
	host *HostHAL
	p    Peripheral

	mu        sync.Mutex
	addr      hal.DeviceAddress // zero while off the bus
	gone      chan struct{}
	unplugged bool
	vid, pid  uint16
	accessory bool
	audio     bool
	claimed   uint32
	alt       [3]uint8

	hostStrings [6]string
	audioMode   uint16
	written     [][]byte
	isoClock    uint64

	commands chan []byte

	controlRequests atomic.Int64
	commandsRead    atomic.Int64
	framesWritten   atomic.Int64
	isoBytes        atomic.Int64
}

// Address returns the current bus address, or zero while off the bus.
func (d *Device) Address() hal.DeviceAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// IDs returns the vendor and product ID currently reported.
func (d *Device) IDs() (vid, pid uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vid, d.pid
}

// Accessory reports whether the device is in accessory mode.
func (d *Device) Accessory() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessory
}

// HostStrings returns the identity strings received via SEND_STRING.
func (d *Device) HostStrings() [6]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostStrings
}

// AudioMode returns the last SET_AUDIO_MODE value.
func (d *Device) AudioMode() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.audioMode
}

// Written returns copies of every bulk OUT transfer received.
func (d *Device) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]byte, len(d.written))
	for i, w := range d.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Stats returns the device traffic counters.
func (d *Device) Stats() Stats {
	return Stats{
		ControlRequests: d.controlRequests.Load(),
		CommandsRead:    d.commandsRead.Load(),
		FramesWritten:   d.framesWritten.Load(),
		IsoBytes:        d.isoBytes.Load(),
	}
}

// SendCommand queues frame for the next bulk IN read on the accessory
// endpoint.
func (d *Device) SendCommand(frame []byte) error {
	select {
	case d.commands <- append([]byte(nil), frame...):
		return nil
	default:
		return pkg.ErrBusy
	}
}

// Unplug removes the device from the bus for good.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.unplugged = true
	d.host.detach(d)
}

// Gone returns a channel closed when the current enumeration ends.
func (d *Device) Gone() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gone
}

func (d *Device) hasInterface(iface uint8) bool {
	if iface == 0 {
		return true
	}
	return d.accessory && d.audio && iface <= InterfaceAudioStreaming
}

// current returns the gone channel if addr is still this device's
// address.
func (d *Device) current(addr hal.DeviceAddress) (chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addr != addr {
		return nil, false
	}
	return d.gone, true
}

// =============================================================================
// Control Requests
// =============================================================================

func (d *Device) control(ctx context.Context, addr hal.DeviceAddress, setup hal.SetupPacket, data []byte) (int, error) {
	d.controlRequests.Inc()

	if hook := d.p.ControlHook; hook != nil {
		if err := hook(ctx, setup); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addr != addr {
		return 0, pkg.ErrNoDevice
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	switch setup.RequestType & 0x60 {
	case 0x00:
		return d.standardRequest(setup, data)
	case 0x40:
		return d.vendorRequest(setup, data)
	}
	return 0, pkg.ErrStall
}

func (d *Device) standardRequest(setup hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case reqGetDescriptor:
		var desc []byte
		index := uint8(setup.Value)
		switch uint8(setup.Value >> 8) {
		case descDevice:
			desc = deviceDescriptor(d.vid, d.pid)
		case descConfiguration:
			desc = configDescriptor(d.accessory, d.audio)
		case descString:
			s, ok := d.deviceString(index)
			if !ok {
				return 0, pkg.ErrStall
			}
			desc = stringDescriptor(index, s)
		default:
			return 0, pkg.ErrStall
		}
		return copy(data, desc), nil

	case reqSetConfiguration:
		return 0, nil
	}
	return 0, pkg.ErrStall
}

func (d *Device) deviceString(index uint8) (string, bool) {
	switch index {
	case 0:
		return "", true
	case 1:
		return d.p.Manufacturer, true
	case 2:
		return d.p.Product, true
	case 3:
		return d.p.Serial, true
	}
	return "", false
}

func (d *Device) vendorRequest(setup hal.SetupPacket, data []byte) (int, error) {
	if d.p.AOAVersion == 0 {
		return 0, pkg.ErrStall
	}

	switch setup.Request {
	case reqGetProtocol:
		if !setup.IsIn() || len(data) < 2 {
			return 0, pkg.ErrStall
		}
		binary.LittleEndian.PutUint16(data, d.p.AOAVersion)
		return 2, nil

	case reqSendString:
		if setup.Index >= uint16(len(d.hostStrings)) {
			return 0, pkg.ErrStall
		}
		s := data
		for i, c := range s {
			if c == 0 {
				s = s[:i]
				break
			}
		}
		d.hostStrings[setup.Index] = string(s)
		return len(data), nil

	case reqSetAudioMode:
		if d.p.AOAVersion < 2 {
			return 0, pkg.ErrStall
		}
		d.audioMode = setup.Value
		return 0, nil

	case reqStart:
		d.scheduleReenumeration()
		return 0, nil
	}
	return 0, pkg.ErrStall
}

// scheduleReenumeration drops the device off the bus once START has been
// acknowledged and brings it back in accessory mode. d.mu must be held.
func (d *Device) scheduleReenumeration() {
	pid := uint16(AccessoryProductID)
	if d.audioMode == 1 {
		pid = AccessoryAudioProductID
	}

	h := d.host
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		d.mu.Lock()
		h.detach(d)
		d.mu.Unlock()

		select {
		case <-time.After(d.p.ReenumerateDelay):
		case <-h.ctx.Done():
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.unplugged {
			return
		}
		d.vid, d.pid = GoogleVendorID, pid
		d.accessory = true
		d.audio = hasAudioInterface(pid)
		h.attach(d)
	}()
}

// =============================================================================
// Bulk and Isochronous Endpoints
// =============================================================================

func (d *Device) bulkIn(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	gone, ok := d.current(addr)
	if !ok {
		return 0, pkg.ErrNoDevice
	}
	if !d.Accessory() || endpoint != EndpointBulkIn {
		return 0, pkg.ErrInvalidEndpoint
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, pkg.ErrTimeout
		}
		return 0, ctx.Err()
	case <-gone:
		return 0, pkg.ErrNoDevice
	case frame := <-d.commands:
		d.commandsRead.Inc()
		n := copy(data, frame)
		if n < len(frame) {
			return n, pkg.ErrOverrun
		}
		return n, nil
	}
}

func (d *Device) bulkOut(addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.addr != addr {
		return 0, pkg.ErrNoDevice
	}
	if !d.accessory || endpoint != EndpointBulkOut {
		return 0, pkg.ErrInvalidEndpoint
	}
	d.written = append(d.written, append([]byte(nil), data...))
	d.framesWritten.Inc()
	return len(data), nil
}

// isoIn fills whole packets with 44.1 frames per millisecond of PCM, so
// packets alternate between 176 and 180 bytes.
func (d *Device) isoIn(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte, packetSize int) (int, error) {
	if packetSize <= 0 || len(data) < packetSize {
		return 0, pkg.ErrBufferTooSmall
	}

	d.mu.Lock()
	if d.addr != addr {
		d.mu.Unlock()
		return 0, pkg.ErrNoDevice
	}
	if endpoint != EndpointIsoIn || !d.audio ||
		d.claimed&(1<<InterfaceAudioStreaming) == 0 || d.alt[InterfaceAudioStreaming] != 1 {
		d.mu.Unlock()
		return 0, pkg.ErrInvalidEndpoint
	}
	gone := d.gone

	packets := len(data) / packetSize
	total := 0
	for i := 0; i < packets; i++ {
		next := d.isoClock + 44100
		frames := int(next/1000 - d.isoClock/1000)
		d.isoClock = next
		n := frames * 4
		if n > packetSize {
			n = packetSize
		}
		total += n
	}
	d.mu.Unlock()

	if d.p.Realtime {
		select {
		case <-time.After(time.Duration(packets) * time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-gone:
			return 0, pkg.ErrNoDevice
		}
	} else {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-gone:
			return 0, pkg.ErrNoDevice
		default:
		}
	}

	buf := data[:total]
	if d.p.PCM != nil {
		if _, err := io.ReadFull(d.p.PCM, buf); err != nil {
			return 0, pkg.ErrOverrun
		}
	} else {
		clear(buf)
	}
	d.isoBytes.Add(int64(total))
	return total, nil
}

// Ensure HostHAL implements hal.HostHAL.
var _ hal.HostHAL = (*HostHAL)(nil)
