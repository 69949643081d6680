package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/host"
	"github.com/ardnew/softaoa/pkg"
)

// Controller defaults.
const (
	DefaultInboxSize = 64

	// isoPacketsPerRead sets the pipeline read size from the endpoint's
	// packet size.
	isoPacketsPerRead = 8
)

// DefaultIsoConfig is the AOA audio streaming interface.
var DefaultIsoConfig = host.IsoConfig{
	Interface:  2,
	AltSetting: 1,
	Endpoint:   0x83,
}

// Options configures a Controller.
type Options struct {
	Command command.Options
	Audio   audio.Options
	Iso     host.IsoConfig

	// Opener creates the PCM sink. Nil disables audio.
	Opener audio.Opener

	// SettleDelay is spent in detaching before returning to idle.
	SettleDelay time.Duration

	InboxSize int
}

// DefaultOptions returns the default channel, pipeline and endpoint
// layout. Audio stays disabled until Opener is set.
func DefaultOptions() Options {
	return Options{
		Command:   command.DefaultOptions(),
		Audio:     audio.DefaultOptions(),
		Iso:       DefaultIsoConfig,
		InboxSize: DefaultInboxSize,
	}
}

// Inbox messages.
type (
	attachMsg struct{ dev *host.Device }
	detachMsg struct{ dev *host.Device }
	stopMsg   struct{}

	negotiatedMsg struct {
		attempt uint64
		result  accessory.Result
		err     error
	}

	commandMsg struct {
		session uuid.UUID
		event   command.Event
	}
)

// attempt is a negotiation in flight.
type attempt struct {
	id     uint64
	dev    *host.Device
	cancel context.CancelFunc

	// ending is set when a detach or stop arrived during the handshake.
	ending bool
	reason EndReason
}

// Controller is the session state machine. Create it with NewController,
// connect it to a host with Bind and run it with Run.
type Controller struct {
	neg  *accessory.Negotiator
	ui   Display
	opts Options

	fsm     *fsm.FSM
	inbox   chan any
	quit    chan struct{}
	running atomic.Bool

	// Owned by Run.
	attempts uint64
	pending  *attempt
	waiting  []*host.Device // attached while busy, served in order once idle

	mu      sync.Mutex // guards session for Snapshot
	session *Session
}

// NewController creates a controller. A nil ui discards updates.
func NewController(neg *accessory.Negotiator, ui Display, opts Options) *Controller {
	if ui == nil {
		ui = nopDisplay{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	return &Controller{
		neg:   neg,
		ui:    ui,
		opts:  opts,
		fsm:   newMachine(),
		inbox: make(chan any, opts.InboxSize),
		quit:  make(chan struct{}),
	}
}

// Bind registers the controller as the host's connect and disconnect
// callbacks. Call it before h.Start so devices already present are seen.
func (c *Controller) Bind(h *host.Host) {
	h.SetOnDeviceConnect(c.DeviceAttached)
	h.SetOnDeviceDisconnect(c.DeviceDetached)
}

// DeviceAttached reports a new device. Safe from any goroutine.
func (c *Controller) DeviceAttached(dev *host.Device) {
	c.post(attachMsg{dev: dev})
}

// DeviceDetached reports a device leaving the bus. Safe from any
// goroutine.
func (c *Controller) DeviceDetached(dev *host.Device) {
	c.post(detachMsg{dev: dev})
}

// Stop ends the current session or negotiation with EndStopped. The
// controller keeps running and accepts the next attach.
func (c *Controller) Stop() {
	c.post(stopMsg{})
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.fsm.Current())
}

// Snapshot returns the current state and session details.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{State: c.State()}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	if s == nil {
		return snap
	}
	snap.Session = s.ID
	snap.Device = s.dev.Identity().String()
	snap.Slide = s.slide
	snap.Meta = s.meta
	snap.Commands = s.channel.Stats()
	if s.pipeline != nil {
		snap.Audio = true
		snap.Stream = s.pipeline.Stats()
	}
	return snap
}

// Run handles inbox messages until ctx is done, then tears down any
// session or negotiation and returns. It may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer close(c.quit)

	pkg.LogDebug(pkg.ComponentSession, "controller running")

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			pkg.LogDebug(pkg.ComponentSession, "controller stopped")
			return nil
		case m := <-c.inbox:
			c.handle(ctx, m)
		}
	}
}

func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.quit:
	}
}

func (c *Controller) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case attachMsg:
		c.attached(ctx, m.dev)
	case detachMsg:
		c.detached(m.dev)
	case negotiatedMsg:
		c.negotiated(ctx, m)
	case commandMsg:
		c.command(ctx, m)
	case stopMsg:
		c.stop(ctx)
	}
	c.serveWaiting(ctx)
}

// fire runs a state machine event. A refusal means the control path and
// the machine disagree.
func (c *Controller) fire(event string) {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		pkg.LogError(pkg.ComponentSession, "invalid transition",
			"event", event,
			"state", c.fsm.Current(),
			"error", err)
	}
}

// =============================================================================
// Negotiation
// =============================================================================

func (c *Controller) attached(ctx context.Context, dev *host.Device) {
	if c.State() != StateIdle {
		pkg.LogDebug(pkg.ComponentSession, "device waiting, session busy",
			"device", dev.Identity().String(),
			"state", c.State())
		c.waiting = append(c.waiting, dev)
		return
	}

	c.attempts++
	nctx, cancel := context.WithCancel(ctx)
	a := &attempt{id: c.attempts, dev: dev, cancel: cancel}
	c.pending = a
	c.fire(eventAttach)

	id := accessory.FromHost(dev.Identity())
	pkg.LogInfo(pkg.ComponentSession, "negotiating",
		"device", id.String(),
		"attempt", a.id)

	go func() {
		res, err := c.neg.Negotiate(nctx, dev, id)
		c.post(negotiatedMsg{attempt: a.id, result: res, err: err})
	}()
}

func (c *Controller) negotiated(ctx context.Context, m negotiatedMsg) {
	a := c.pending
	if a == nil || a.id != m.attempt {
		pkg.LogDebug(pkg.ComponentSession, "stale negotiation result", "attempt", m.attempt)
		return
	}
	c.pending = nil
	a.cancel()

	if a.ending {
		// Already in detaching.
		closeDevice(a.dev)
		c.settle(ctx)
		if m.err == nil && m.result.Switched && a.reason == EndDetached {
			pkg.LogInfo(pkg.ComponentSession, "device re-enumerating")
			return
		}
		pkg.LogInfo(pkg.ComponentSession, "negotiation abandoned", "reason", a.reason)
		c.ui.OnSessionEnded(a.reason, nil)
		return
	}

	switch {
	case m.err != nil:
		c.fire(eventRelease)
		closeDevice(a.dev)
		pkg.LogWarn(pkg.ComponentSession, "negotiation failed", "error", m.err)
		c.ui.OnSessionEnded(EndNegotiationFailed, m.err)

	case m.result.Switched:
		c.fire(eventRelease)
		closeDevice(a.dev)
		pkg.LogInfo(pkg.ComponentSession, "waiting for accessory to re-enumerate",
			"protocol", m.result.Protocol,
			"audio", m.result.Audio)

	default:
		c.activate(ctx, a.dev, m.result)
	}
}

// abandon marks the pending negotiation as ending. Its result still
// arrives and finishes the teardown.
func (c *Controller) abandon(reason EndReason) {
	a := c.pending
	if a.ending {
		return
	}
	a.ending = true
	a.reason = reason
	c.fire(eventDetach)
	a.cancel()
}

// =============================================================================
// Active Session
// =============================================================================

func (c *Controller) activate(ctx context.Context, dev *host.Device, res accessory.Result) {
	s := &Session{ID: uuid.New(), dev: dev}

	ch, err := command.Open(ctx, dev, c.emitter(s.ID), c.opts.Command)
	if err != nil {
		c.fire(eventRelease)
		closeDevice(dev)
		pkg.LogError(pkg.ComponentSession, "command channel failed", "error", err)
		c.ui.OnSessionEnded(EndFailed, err)
		return
	}
	s.channel = ch

	if res.Audio && c.opts.Opener != nil {
		s.pipeline = c.startAudio(ctx, dev)
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.fire(eventActivate)

	pkg.LogInfo(pkg.ComponentSession, "session active",
		"session", s.ID,
		"device", dev.Identity().String(),
		"classification", res.Classification.String(),
		"audio", s.pipeline != nil)
}

// startAudio returns nil when audio cannot start; the session runs
// without it.
func (c *Controller) startAudio(ctx context.Context, dev *host.Device) *audio.Pipeline {
	ep, err := dev.ClaimIsochronous(ctx, c.opts.Iso)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSession, "audio unavailable", "error", err)
		return nil
	}

	opts := c.opts.Audio
	opts.ReadSize = isoPacketsPerRead * ep.PacketSize()

	p, err := audio.Start(ctx, ep, c.opts.Opener, opts)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSession, "audio unavailable", "error", err)
		return nil
	}
	return p
}

// emitter tags channel events with the session they belong to.
func (c *Controller) emitter(id uuid.UUID) command.Emitter {
	return func(ctx context.Context, ev command.Event) bool {
		select {
		case c.inbox <- commandMsg{session: id, event: ev}:
			return true
		case <-ctx.Done():
			return false
		case <-c.quit:
			return false
		}
	}
}

func (c *Controller) command(ctx context.Context, m commandMsg) {
	s := c.session
	if s == nil || s.ID != m.session {
		pkg.LogDebug(pkg.ComponentSession, "stale command", "event", m.event)
		return
	}

	switch ev := m.event.(type) {
	case command.AdvanceSlide:
		slide := c.update(func(s *Session) { s.slide = (s.slide + 1) % NumSlides })
		c.ui.OnAdvanceSlide(slide)

	case command.RetreatSlide:
		slide := c.update(func(s *Session) { s.slide = (s.slide + NumSlides - 1) % NumSlides })
		c.ui.OnRetreatSlide(slide)

	case command.MetadataUpdate:
		c.update(func(s *Session) { s.meta = s.meta.Merge(ev) })
		meta := s.meta
		c.ui.OnMetadataUpdated(meta.Artist, meta.Album, meta.Track)

	case command.DeviceDetached:
		pkg.LogInfo(pkg.ComponentSession, "accessory detached", "error", ev.Err)
		c.end(ctx, EndDetached, nil)
	}
}

// update mutates the session under the snapshot lock and returns the
// resulting slide.
func (c *Controller) update(fn func(*Session)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.session)
	return c.session.slide
}

// =============================================================================
// Teardown
// =============================================================================

func (c *Controller) detached(dev *host.Device) {
	c.dropWaiting(dev)

	switch c.State() {
	case StateNegotiating:
		if c.pending != nil && c.pending.dev == dev {
			pkg.LogInfo(pkg.ComponentSession, "device left during negotiation")
			c.abandon(EndDetached)
		}
	case StateActive:
		// The command channel reports it.
		pkg.LogDebug(pkg.ComponentSession, "host detach ignored while active")
	}
}

func (c *Controller) stop(ctx context.Context) {
	switch c.State() {
	case StateNegotiating:
		c.abandon(EndStopped)
	case StateActive:
		c.end(ctx, EndStopped, nil)
	}
}

// serveWaiting negotiates the oldest device still attached once the
// controller is idle again.
func (c *Controller) serveWaiting(ctx context.Context) {
	for len(c.waiting) > 0 && c.State() == StateIdle {
		dev := c.waiting[0]
		c.waiting = c.waiting[1:]
		if dev.IsDetached() {
			closeDevice(dev)
			continue
		}
		c.attached(ctx, dev)
	}
}

func (c *Controller) dropWaiting(dev *host.Device) {
	for i, w := range c.waiting {
		if w == dev {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			closeDevice(dev)
			return
		}
	}
}

// closeDevice releases a device handle. Errors from a device that is
// already gone are expected.
func closeDevice(dev io.Closer) {
	if err := dev.Close(); err != nil && !pkg.IsDetached(err) {
		pkg.LogDebug(pkg.ComponentSession, "close device", "error", err)
	}
}

// end tears down the active session: pipeline, then channel, then the
// device handle.
func (c *Controller) end(ctx context.Context, reason EndReason, cause error) {
	s := c.session
	c.fire(eventDetach)

	if s.pipeline != nil {
		if err := s.pipeline.Stop(); err != nil {
			pkg.LogDebug(pkg.ComponentSession, "stop pipeline", "error", err)
		}
	}
	if err := s.channel.Stop(); err != nil && !pkg.IsDetached(err) {
		pkg.LogDebug(pkg.ComponentSession, "stop channel", "error", err)
	}
	closeDevice(s.dev)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	c.settle(ctx)
	pkg.LogInfo(pkg.ComponentSession, "session ended",
		"session", s.ID,
		"reason", reason)
	c.ui.OnSessionEnded(reason, cause)
}

// settle waits out SettleDelay, cut short by ctx, and returns to idle.
func (c *Controller) settle(ctx context.Context) {
	if d := c.opts.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	c.fire(eventSettle)
}

// shutdown ends whatever is in progress once ctx is done. A pending
// negotiation is cancelled and its result awaited so the handle is
// released.
func (c *Controller) shutdown(ctx context.Context) {
	if c.pending != nil {
		c.abandon(EndStopped)
		for c.pending != nil {
			if m, ok := (<-c.inbox).(negotiatedMsg); ok {
				c.negotiated(ctx, m)
			}
		}
	}
	if c.session != nil {
		c.end(ctx, EndStopped, nil)
	}
	for _, dev := range c.waiting {
		closeDevice(dev)
	}
	c.waiting = nil
}
