package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/config"
	"github.com/ardnew/softaoa/host/hal/sim"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a scripted session against a simulated phone.",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "step",
				Value: 500 * time.Millisecond,
				Usage: "Pause between scripted commands.",
			},
		},
		Action: simulate,
	}
}

// simPeripheral is the simulated phone, playing a 440 Hz tone.
func simPeripheral() sim.Peripheral {
	p := sim.FakePeripheral()
	p.PCM = sim.Tone(440, 4000)
	p.Realtime = true
	return p
}

// script is what the simulated phone sends once the session is active.
var script = []command.Event{
	command.AdvanceSlide{},
	command.AdvanceSlide{},
	command.MetadataUpdate{
		Artist: command.NewText("Boards of Canada"),
		Album:  command.NewText("Music Has the Right to Children"),
		Track:  command.NewText("Roygbiv"),
	},
	command.RetreatSlide{},
	command.MetadataUpdate{Track: command.NewText("Turquoise Hexagon Sun")},
	command.AdvanceSlide{},
}

func simulate(cliCtx *cli.Context) error {
	cfg, err := configFrom(cliCtx)
	if err != nil {
		return err
	}
	cfg.Transport = config.TransportSim

	bus := sim.New()
	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	h, ctrl, done, err := startController(ctx, cliCtx, cfg, bus)
	if err != nil {
		return err
	}
	defer done()
	defer h.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return play(gctx, ctrl, bus.Plug(simPeripheral()), cliCtx.Duration("step"))
	})
	return g.Wait()
}

// play waits for the session, sends the script, unplugs the phone and
// waits for the controller to return to idle.
func play(ctx context.Context, ctrl *session.Controller, phone *sim.Device, step time.Duration) error {
	if err := waitState(ctx, ctrl, session.StateActive); err != nil {
		return err
	}

	for _, ev := range script {
		frame, err := command.Encode(ev)
		if err != nil {
			return err
		}
		if err := phone.SendCommand(frame); err != nil {
			return fmt.Errorf("send %s: %w", ev, err)
		}
		select {
		case <-time.After(step):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	snap := ctrl.Snapshot()
	pkg.LogInfo(pkg.ComponentSession, "script finished",
		"session", snap.Session, "slide", snap.Slide,
		"frames", snap.Stream.FramesWritten, "commands", snap.Commands.Emitted)

	phone.Unplug()
	return waitState(ctx, ctrl, session.StateIdle)
}

func waitState(ctx context.Context, ctrl *session.Controller, want session.State) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for ctrl.State() != want {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
