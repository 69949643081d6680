package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// DefaultIdentifyTimeout bounds the descriptor reads for one device.
const DefaultIdentifyTimeout = 2 * time.Second

// Host tracks the devices a HAL reports and identifies each one before
// publishing it.
type Host struct {
	hal hal.HostHAL

	devices map[hal.DeviceAddress]*Device
	// pending holds addresses being identified; true once the device
	// disconnected mid-identification.
	pending map[hal.DeviceAddress]bool

	running bool
	mutex   sync.RWMutex
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	deviceConnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)

	identifyTimeout time.Duration
}

// New creates a host on top of h.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:             h,
		devices:         make(map[hal.DeviceAddress]*Device),
		pending:         make(map[hal.DeviceAddress]bool),
		deviceConnected: make(chan *Device, 16),
		identifyTimeout: DefaultIdentifyTimeout,
	}
}

// HAL returns the transport adapter the host runs on.
func (h *Host) HAL() hal.HostHAL {
	return h.hal
}

// Start initializes the HAL and begins monitoring devices.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		return err
	}
	if err := h.hal.Start(); err != nil {
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started")

	h.wg.Add(2)
	go h.monitorConnections()
	go h.monitorDisconnections()

	return nil
}

// Stop stops monitoring, marks every remaining device detached and
// closes it.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mutex.Unlock()

	err := h.hal.Stop()
	h.wg.Wait()

	h.mutex.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for addr, dev := range h.devices {
		devices = append(devices, dev)
		delete(h.devices, addr)
	}
	h.mutex.Unlock()

	for _, dev := range devices {
		dev.markDetached()
		dev.Close()
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return err
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns the connected devices ordered by address.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].addr < result[j].addr })
	return result
}

// GetDevice returns the device at the given address, or nil.
func (h *Host) GetDevice(addr hal.DeviceAddress) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[addr]
}

// WaitDevice blocks until a device has been identified.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback run after a device is identified.
// Callbacks run on the monitor goroutine and should not block.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback run after a device leaves the
// bus. The device is already marked detached when it runs.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// SetIdentifyTimeout bounds descriptor reads for each new device.
func (h *Host) SetIdentifyTimeout(d time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.identifyTimeout = d
}

// =============================================================================
// Monitoring
// =============================================================================

func (h *Host) monitorConnections() {
	defer h.wg.Done()

	for {
		addr, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}

		h.mutex.Lock()
		h.pending[addr] = false
		timeout := h.identifyTimeout
		h.mutex.Unlock()

		dev, err := h.identify(addr, timeout)

		h.mutex.Lock()
		gone := h.pending[addr]
		delete(h.pending, addr)
		if err == nil && !gone {
			h.devices[addr] = dev
		}
		cb := h.onDeviceConnect
		h.mutex.Unlock()

		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "identification failed", "address", addr, "error", err)
			continue
		}
		if gone {
			pkg.LogDebug(pkg.ComponentHost, "device left during identification", "address", addr)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected",
			"address", addr,
			"bus", dev.info.String(),
			"identity", dev.identity.String())

		select {
		case h.deviceConnected <- dev:
		default:
		}

		if cb != nil {
			cb(dev)
		}
	}
}

func (h *Host) monitorDisconnections() {
	defer h.wg.Done()

	for {
		addr, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			continue
		}

		h.mutex.Lock()
		if _, ok := h.pending[addr]; ok {
			h.pending[addr] = true
		}
		dev := h.devices[addr]
		delete(h.devices, addr)
		cb := h.onDeviceDisconnect
		h.mutex.Unlock()

		if dev == nil {
			continue
		}

		dev.markDetached()
		pkg.LogInfo(pkg.ComponentHost, "device disconnected",
			"address", addr,
			"identity", dev.identity.String())

		if cb != nil {
			cb(dev)
		}
	}
}
