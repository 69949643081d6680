package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/config"
	"github.com/ardnew/softaoa/display"
	"github.com/ardnew/softaoa/host"
	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/host/hal/libusb"
	"github.com/ardnew/softaoa/host/hal/sim"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Serve accessory sessions until interrupted.",
		Action: run,
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := configFrom(cliCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	halImpl, bus, err := openHAL(cfg.Transport)
	if err != nil {
		return err
	}
	if bus != nil {
		// With no real bus, serve the built-in phone.
		bus.Plug(simPeripheral())
	}

	h, ctrl, done, err := startController(ctx, cliCtx, cfg, halImpl)
	if err != nil {
		return err
	}
	defer done()
	defer h.Stop()

	pkg.LogInfo(pkg.ComponentSession, "waiting for devices", "transport", cfg.Transport)
	return ctrl.Run(ctx)
}

// openHAL returns the backend for transport. The simulated bus is also
// returned so callers can plug devices into it.
func openHAL(transport string) (hal.HostHAL, *sim.HostHAL, error) {
	switch transport {
	case config.TransportLinux:
		h, err := newLinuxHAL()
		if err != nil {
			return nil, nil, fmt.Errorf("linux transport: %w", err)
		}
		return h, nil, nil
	case config.TransportLibusb:
		h, err := libusb.New()
		if err != nil {
			return nil, nil, fmt.Errorf("libusb transport: %w", err)
		}
		return h, nil, nil
	case config.TransportSim:
		bus := sim.New()
		return bus, bus, nil
	}
	return nil, nil, fmt.Errorf("%w: transport %q", pkg.ErrInvalidParameter, transport)
}

// startController wires the displays, controller and host together and
// starts the host. The returned func closes the displays.
func startController(ctx context.Context, cliCtx *cli.Context, cfg config.Config, halImpl hal.HostHAL) (*host.Host, *session.Controller, func(), error) {
	disp, err := display.New(cfg.Displays(), cliCtx.App.Writer)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, err := cfg.Session()
	if err != nil {
		disp.Close()
		return nil, nil, nil, err
	}

	ctrl := session.NewController(accessory.NewNegotiator(cfg.Negotiator()), disp, opts)
	h := host.New(halImpl)
	ctrl.Bind(h)

	if err := h.Start(ctx); err != nil {
		disp.Close()
		return nil, nil, nil, fmt.Errorf("start host: %w", err)
	}
	return h, ctrl, func() { disp.Close() }, nil
}
