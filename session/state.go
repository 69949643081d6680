package session

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/ardnew/softaoa/pkg"
)

// State is the controller state.
type State string

// Controller states.
const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateDetaching   State = "detaching"
)

// State machine events.
const (
	eventAttach   = "attach"
	eventActivate = "activate"
	eventRelease  = "release"
	eventDetach   = "detach"
	eventSettle   = "settle"
)

func newMachine() *fsm.FSM {
	idle := string(StateIdle)
	negotiating := string(StateNegotiating)
	active := string(StateActive)
	detaching := string(StateDetaching)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventAttach, Src: []string{idle}, Dst: negotiating},
			{Name: eventActivate, Src: []string{negotiating}, Dst: active},
			{Name: eventRelease, Src: []string{negotiating}, Dst: idle},
			{Name: eventDetach, Src: []string{negotiating, active}, Dst: detaching},
			{Name: eventSettle, Src: []string{detaching}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				pkg.LogDebug(pkg.ComponentSession, "state changed",
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst)
			},
		},
	)
}

// EndReason tells the display why a session ended.
type EndReason int

// End reasons.
const (
	EndDetached          EndReason = iota // device left the bus
	EndStopped                            // Stop or shutdown
	EndNegotiationFailed                  // handshake or classification failed
	EndFailed                             // accessory could not be opened
)

func (r EndReason) String() string {
	switch r {
	case EndDetached:
		return "detached"
	case EndStopped:
		return "stopped"
	case EndNegotiationFailed:
		return "negotiation-failed"
	case EndFailed:
		return "failed"
	}
	return "unknown"
}
