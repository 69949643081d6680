package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softaoa/pkg"
)

// IsoConfig selects an isochronous IN endpoint.
type IsoConfig struct {
	Interface  uint8 // streaming interface number
	AltSetting uint8 // alternate setting that carries the endpoint
	Endpoint   uint8 // endpoint address, direction bit set

	// PacketSize overrides the endpoint's wMaxPacketSize when non-zero.
	PacketSize int
}

// IsoEndpoint is a claimed isochronous IN endpoint.
type IsoEndpoint struct {
	dev        *Device
	cfg        IsoConfig
	packetSize int

	releaseOnce sync.Once
	releaseErr  error
}

// ClaimIsochronous claims the streaming interface, selects the alternate
// setting and checks that it carries the endpoint as isochronous IN.
func (d *Device) ClaimIsochronous(ctx context.Context, cfg IsoConfig) (*IsoEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iface, ok := d.config.Interface(cfg.Interface, cfg.AltSetting)
	if !ok {
		return nil, fmt.Errorf("interface %d alt %d: %w", cfg.Interface, cfg.AltSetting, pkg.ErrInvalidEndpoint)
	}

	var ep *EndpointDescriptor
	for i := range iface.Endpoints {
		if iface.Endpoints[i].EndpointAddress == cfg.Endpoint {
			ep = &iface.Endpoints[i]
			break
		}
	}
	if ep == nil || !ep.IsIsochronous() || !ep.IsIn() {
		return nil, fmt.Errorf("endpoint 0x%02x: %w", cfg.Endpoint, pkg.ErrInvalidEndpoint)
	}

	packetSize := cfg.PacketSize
	if packetSize == 0 {
		packetSize = ep.PacketSize()
	}
	if packetSize <= 0 {
		return nil, fmt.Errorf("endpoint 0x%02x packet size: %w", cfg.Endpoint, pkg.ErrInvalidParameter)
	}

	if err := d.ClaimInterface(cfg.Interface); err != nil {
		return nil, err
	}
	if err := d.SetInterface(cfg.Interface, cfg.AltSetting); err != nil {
		d.ReleaseInterface(cfg.Interface)
		return nil, fmt.Errorf("select alt %d: %w", cfg.AltSetting, err)
	}

	pkg.LogDebug(pkg.ComponentHost, "isochronous endpoint claimed",
		"address", d.addr,
		"endpoint", ep.String())

	return &IsoEndpoint{dev: d, cfg: cfg, packetSize: packetSize}, nil
}

// PacketSize returns the bytes requested per isochronous packet.
func (e *IsoEndpoint) PacketSize() int {
	return e.packetSize
}

// Read performs one isochronous transfer into p, which should hold a
// whole number of packets. Received payload is packed at the start of p.
func (e *IsoEndpoint) Read(ctx context.Context, p []byte) (int, error) {
	if err := e.dev.usable(); err != nil {
		return 0, err
	}
	return e.dev.host.hal.IsochronousTransfer(ctx, e.dev.addr, e.cfg.Endpoint, p, e.packetSize)
}

// Release returns the interface to alternate setting zero and releases
// it. Safe to call more than once.
func (e *IsoEndpoint) Release() error {
	e.releaseOnce.Do(func() {
		if !e.dev.IsDetached() {
			if err := e.dev.SetInterface(e.cfg.Interface, 0); err != nil && !pkg.IsDetached(err) {
				pkg.LogDebug(pkg.ComponentHost, "reset alt setting failed", "error", err)
			}
		}
		e.releaseErr = e.dev.ReleaseInterface(e.cfg.Interface)
	})
	return e.releaseErr
}
