package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/host"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/pkg/linux/usbid"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List attached devices and how each would be negotiated.",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "wait",
				Value: time.Second,
				Usage: "Time allowed for enumeration.",
			},
		},
		Action: list,
	}
}

func list(cliCtx *cli.Context) error {
	cfg, err := configFrom(cliCtx)
	if err != nil {
		return err
	}
	halImpl, bus, err := openHAL(cfg.Transport)
	if err != nil {
		return err
	}
	if bus != nil {
		bus.Plug(simPeripheral())
	}

	h := host.New(halImpl)
	if err := h.Start(cliCtx.Context); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer h.Stop()

	select {
	case <-time.After(cliCtx.Duration("wait")):
	case <-cliCtx.Context.Done():
		return cliCtx.Context.Err()
	}

	db := usbid.New()
	db.Load()

	devices := h.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(cliCtx.App.Writer, "no devices")
		return nil
	}
	for _, dev := range devices {
		id := dev.Identity()
		class := accessory.Classify(accessory.FromHost(id))
		name := db.Describe(id.VendorID, id.ProductID)
		if id.Manufacturer != "" || id.Product != "" {
			name = strings.TrimSpace(id.Manufacturer + " " + id.Product)
		}
		fmt.Fprintf(cliCtx.App.Writer, "%03d:%03d %04x:%04x %-22s %s\n",
			id.Bus, id.Number, id.VendorID, id.ProductID, classColor(class).Sprint(class), name)
	}
	return nil
}

func classifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify a vendor and product ID pair.",
		ArgsUsage: "VID:PID",
		Action: func(cliCtx *cli.Context) error {
			id, err := parseID(cliCtx.Args().First())
			if err != nil {
				return err
			}
			class := accessory.Classify(id)
			fmt.Fprintf(cliCtx.App.Writer, "%s %s\n", id, classColor(class).Sprint(class))
			return nil
		},
	}
}

// parseID parses "vvvv:pppp" in hex.
func parseID(s string) (accessory.Identity, error) {
	vid, pid, ok := strings.Cut(s, ":")
	if !ok {
		return accessory.Identity{}, fmt.Errorf("%w: %q is not VID:PID", pkg.ErrInvalidParameter, s)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(vid, "0x"), 16, 16)
	if err != nil {
		return accessory.Identity{}, fmt.Errorf("%w: vendor %q", pkg.ErrInvalidParameter, vid)
	}
	p, err := strconv.ParseUint(strings.TrimPrefix(pid, "0x"), 16, 16)
	if err != nil {
		return accessory.Identity{}, fmt.Errorf("%w: product %q", pkg.ErrInvalidParameter, pid)
	}
	return accessory.Identity{VendorID: uint16(v), ProductID: uint16(p)}, nil
}

func classColor(c accessory.Classification) *color.Color {
	switch c {
	case accessory.AlreadyAccessoryAudioCapable:
		return color.New(color.FgGreen, color.Bold)
	case accessory.AlreadyAccessoryNoAudio:
		return color.New(color.FgGreen)
	case accessory.RequiresModeSwitch:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgHiBlack)
}
