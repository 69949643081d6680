// Package session runs the accessory session: it reacts to devices
// arriving and leaving, drives negotiation, and owns the command channel
// and audio pipeline of the one active accessory.
//
// All decisions happen on a single control path, Controller.Run. Host
// callbacks, negotiation results and command events are posted to its
// inbox and handled in order:
//
//	idle        --attach-->   negotiating
//	negotiating --activate--> active
//	negotiating --release-->  idle         failure or mode switch
//	negotiating --detach-->   detaching
//	active      --detach-->   detaching
//	detaching   --settle-->   idle
//
// Devices that attach while the controller is busy wait in arrival order
// and are negotiated one at a time as it returns to idle; a waiting
// device that leaves is forgotten.
//
// While active, a host-level disconnect is ignored; the command channel
// reports the detach itself and that event ends the session. Every
// teardown stops the pipeline before the channel and releases the device
// handle once.
package session
