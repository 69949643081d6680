package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/host"
	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/host/hal/sim"
	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Test Doubles
// =============================================================================

// call is one Display method invocation.
type call struct {
	kind   string
	slide  int
	meta   Metadata
	reason EndReason
	err    error
}

type recorder struct {
	calls chan call
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan call, 256)}
}

func (r *recorder) OnAdvanceSlide(slide int) {
	r.calls <- call{kind: "advance", slide: slide}
}

func (r *recorder) OnRetreatSlide(slide int) {
	r.calls <- call{kind: "retreat", slide: slide}
}

func (r *recorder) OnMetadataUpdated(artist, album, track command.Text) {
	r.calls <- call{kind: "metadata", meta: Metadata{artist, album, track}}
}

func (r *recorder) OnSessionEnded(reason EndReason, err error) {
	r.calls <- call{kind: "ended", reason: reason, err: err}
}

func (r *recorder) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no display update")
		return call{}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected display update %+v", c)
	case <-time.After(d):
	}
}

// pcmSink counts frames and can hold writes until released.
type pcmSink struct {
	gate    chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	frames int
	closed bool
}

func (s *pcmSink) Write(p []byte) (int, error) {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return len(p), nil
}

func (s *pcmSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *pcmSink) state() (frames int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.closed
}

func (s *pcmSink) opener() audio.Opener {
	return func(audio.Format) (audio.Sink, error) { return s, nil }
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	ctl     *Controller
	host    *host.Host
	backend *sim.HostHAL
	ui      *recorder
}

func testOptions(sink *pcmSink) Options {
	opts := DefaultOptions()
	opts.Command.ReadTimeout = 20 * time.Millisecond
	if sink != nil {
		opts.Opener = sink.opener()
	}
	return opts
}

func startHarness(t *testing.T, opts Options, neg accessory.Options) *harness {
	t.Helper()

	backend := sim.New()
	h := host.New(backend)
	ui := newRecorder()
	ctl := NewController(accessory.NewNegotiator(neg), ui, opts)
	ctl.Bind(h)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("host Start() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctl.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		h.Stop()
		backend.Close()
	})
	return &harness{ctl: ctl, host: h, backend: backend, ui: ui}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func send(t *testing.T, dev *sim.Device, ev command.Event) {
	t.Helper()
	frame, err := command.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.SendCommand(frame); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func TestController_AccessoryWithAudio(t *testing.T) {
	sink := &pcmSink{}
	hs := startHarness(t, testOptions(sink), accessory.DefaultOptions())

	phone := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryAudioProductID,
		AOAVersion: 2,
		PCM:        sim.Tone(440, 8000),
	})
	waitState(t, hs.ctl, StateActive)

	snap := hs.ctl.Snapshot()
	if !snap.Audio || snap.Session == uuid.Nil {
		t.Errorf("snapshot = %+v, want a session with audio", snap)
	}
	if phone.HostStrings() != ([6]string{}) || phone.AudioMode() != 0 {
		t.Error("accessory received a handshake")
	}

	for i := 0; i < 5; i++ {
		send(t, phone, command.AdvanceSlide{})
	}
	send(t, phone, command.RetreatSlide{})
	for i, want := range []int{1, 2, 3, 0, 1} {
		if c := hs.ui.next(t); c.kind != "advance" || c.slide != want {
			t.Fatalf("update %d = %+v, want advance to %d", i, c, want)
		}
	}
	if c := hs.ui.next(t); c.kind != "retreat" || c.slide != 0 {
		t.Fatalf("update = %+v, want retreat to 0", c)
	}

	send(t, phone, command.MetadataUpdate{Artist: command.NewText("Air"), Album: command.NewText("Moon Safari")})
	send(t, phone, command.MetadataUpdate{Track: command.NewText("La femme d'argent")})
	hs.ui.next(t)
	c := hs.ui.next(t)
	want := Metadata{
		Artist: command.NewText("Air"),
		Album:  command.NewText("Moon Safari"),
		Track:  command.NewText("La femme d'argent"),
	}
	if c.kind != "metadata" || c.meta != want {
		t.Fatalf("update = %+v, want merged metadata", c)
	}
	if got := hs.ctl.Snapshot().Meta; got != want {
		t.Errorf("snapshot metadata = %+v", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for frames, _ := sink.state(); frames < 1; frames, _ = sink.state() {
		if time.Now().After(deadline) {
			t.Fatal("no audio frames reached the sink")
		}
		time.Sleep(time.Millisecond)
	}

	phone.Unplug()
	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndDetached {
		t.Fatalf("update = %+v, want ended by detach", c)
	}
	waitState(t, hs.ctl, StateIdle)

	if _, closed := sink.state(); !closed {
		t.Error("sink not closed after detach")
	}
	if hs.ctl.Snapshot().Session != uuid.Nil {
		t.Error("session kept after detach")
	}
}

func TestController_ModeSwitch(t *testing.T) {
	hs := startHarness(t, testOptions(&pcmSink{}), accessory.DefaultOptions())

	phone := hs.backend.Plug(sim.FakePeripheral())
	waitState(t, hs.ctl, StateActive)

	if got, want := phone.HostStrings(), accessory.DefaultHostIdentity().Strings(); got != want {
		t.Errorf("host strings = %q, want %q", got, want)
	}
	if phone.AudioMode() != accessory.AudioModePCM {
		t.Errorf("audio mode = %d", phone.AudioMode())
	}
	if vid, pid := phone.IDs(); vid != sim.GoogleVendorID || pid != sim.AccessoryAudioProductID {
		t.Errorf("re-enumerated as %04x:%04x", vid, pid)
	}
	hs.ui.none(t, 20*time.Millisecond)

	hs.ctl.Stop()
	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndStopped {
		t.Fatalf("update = %+v, want ended by stop", c)
	}
	waitState(t, hs.ctl, StateIdle)
}

func TestController_NoAudioAccessory(t *testing.T) {
	hs := startHarness(t, testOptions(&pcmSink{}), accessory.DefaultOptions())

	phone := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryProductID,
		AOAVersion: 1,
	})
	waitState(t, hs.ctl, StateActive)

	if hs.ctl.Snapshot().Audio {
		t.Error("audio started for a 2D01 accessory")
	}

	send(t, phone, command.RetreatSlide{})
	if c := hs.ui.next(t); c.kind != "retreat" || c.slide != 3 {
		t.Fatalf("update = %+v, want retreat to 3", c)
	}
}

func TestController_NegotiationFailures(t *testing.T) {
	tests := []struct {
		name string
		p    sim.Peripheral
	}{
		{"root hub", sim.Peripheral{VendorID: 0x1D6B, ProductID: 0x0002}},
		{"no AOA support", sim.Peripheral{VendorID: 0x046D, ProductID: 0xC52B}},
		{"audio-only accessory", sim.Peripheral{VendorID: sim.GoogleVendorID, ProductID: 0x2D02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := startHarness(t, testOptions(nil), accessory.DefaultOptions())
			hs.backend.Plug(tt.p)

			c := hs.ui.next(t)
			if c.kind != "ended" || c.reason != EndNegotiationFailed {
				t.Fatalf("update = %+v, want negotiation failure", c)
			}
			if !errors.Is(c.err, accessory.ErrUnsupportedDevice) {
				t.Errorf("error = %v, want ErrUnsupportedDevice", c.err)
			}
			waitState(t, hs.ctl, StateIdle)
		})
	}
}

func TestController_DetachDuringNegotiation(t *testing.T) {
	entered := make(chan struct{}, 1)
	hook := func(ctx context.Context, setup hal.SetupPacket) error {
		if setup.RequestType&0x60 != 0x40 {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	neg := accessory.DefaultOptions()
	neg.RequestTimeout = time.Minute
	hs := startHarness(t, testOptions(nil), neg)

	phone := hs.backend.Plug(sim.Peripheral{
		VendorID:    0x1234,
		ProductID:   0x0001,
		AOAVersion:  2,
		ControlHook: hook,
	})

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never started")
	}
	if got := hs.ctl.State(); got != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", got)
	}

	phone.Unplug()

	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndDetached {
		t.Fatalf("update = %+v, want ended by detach", c)
	}
	waitState(t, hs.ctl, StateIdle)
	hs.ui.none(t, 20*time.Millisecond)
}

func TestController_DetachWhileSinkBlocked(t *testing.T) {
	sink := &pcmSink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	hs := startHarness(t, testOptions(sink), accessory.DefaultOptions())

	phone := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryAudioProductID,
		AOAVersion: 2,
	})
	waitState(t, hs.ctl, StateActive)

	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the sink")
	}

	phone.Unplug()
	waitState(t, hs.ctl, StateDetaching)
	hs.ui.none(t, 50*time.Millisecond)

	close(sink.gate)
	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndDetached {
		t.Fatalf("update = %+v, want ended by detach", c)
	}
	waitState(t, hs.ctl, StateIdle)

	if frames, closed := sink.state(); frames != 1 || !closed {
		t.Errorf("sink frames = %d closed = %v, want the in-flight frame and closed", frames, closed)
	}
}

// waitQueued waits until the host has published n devices, then gives the
// last connect callback time to reach the inbox.
func (hs *harness) waitQueued(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(hs.host.Devices()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("host has %d devices, want %d", len(hs.host.Devices()), n)
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestController_WaitingDeviceAfterFailure(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	stall := func(ctx context.Context, setup hal.SetupPacket) error {
		if setup.RequestType&0x60 != 0x40 {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return pkg.ErrStall
	}

	hs := startHarness(t, testOptions(&pcmSink{}), accessory.DefaultOptions())

	hs.backend.Plug(sim.Peripheral{
		VendorID:    0x046D,
		ProductID:   0xC52B,
		ControlHook: stall,
	})
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake with the first device never started")
	}

	hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryAudioProductID,
		AOAVersion: 2,
	})
	hs.waitQueued(t, 2)
	if got := hs.ctl.State(); got != StateNegotiating {
		t.Fatalf("state = %s, want negotiating the first device", got)
	}
	close(release)

	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndNegotiationFailed {
		t.Fatalf("update = %+v, want negotiation failure", c)
	}
	waitState(t, hs.ctl, StateActive)

	snap := hs.ctl.Snapshot()
	if !snap.Audio {
		t.Error("waiting phone became active without audio")
	}
	if !strings.HasPrefix(snap.Device, "18d1:2d05") {
		t.Errorf("active device = %q", snap.Device)
	}
}

func TestController_WaitingAccessoryAfterSession(t *testing.T) {
	hs := startHarness(t, testOptions(&pcmSink{}), accessory.DefaultOptions())

	first := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryProductID,
		AOAVersion: 1,
	})
	waitState(t, hs.ctl, StateActive)
	id := hs.ctl.Snapshot().Session

	second := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryAudioProductID,
		AOAVersion: 2,
	})
	hs.waitQueued(t, 2)
	if got := hs.ctl.Snapshot().Session; got != id {
		t.Fatalf("session changed to %v while the first was active", got)
	}

	first.Unplug()
	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndDetached {
		t.Fatalf("update = %+v, want ended by detach", c)
	}
	waitState(t, hs.ctl, StateActive)

	snap := hs.ctl.Snapshot()
	if snap.Session == id || !snap.Audio {
		t.Errorf("snapshot = %+v, want a new session with audio", snap)
	}

	send(t, second, command.AdvanceSlide{})
	if c := hs.ui.next(t); c.kind != "advance" || c.slide != 1 {
		t.Fatalf("update = %+v, want advance to 1", c)
	}
}

func TestController_WaitingDeviceLeaves(t *testing.T) {
	hs := startHarness(t, testOptions(nil), accessory.DefaultOptions())

	first := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryProductID,
		AOAVersion: 1,
	})
	waitState(t, hs.ctl, StateActive)

	second := hs.backend.Plug(sim.Peripheral{
		VendorID:   sim.GoogleVendorID,
		ProductID:  sim.AccessoryProductID,
		AOAVersion: 1,
	})
	hs.waitQueued(t, 2)
	second.Unplug()
	hs.ui.none(t, 50*time.Millisecond)

	first.Unplug()
	if c := hs.ui.next(t); c.kind != "ended" || c.reason != EndDetached {
		t.Fatalf("update = %+v, want ended by detach", c)
	}
	waitState(t, hs.ctl, StateIdle)
	hs.ui.none(t, 50*time.Millisecond)
	if got := hs.ctl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle with nothing waiting", got)
	}
}

func TestController_RunOnce(t *testing.T) {
	c := NewController(accessory.NewNegotiator(accessory.DefaultOptions()), nil, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !c.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Run did not start")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}

	// Posting after Run returned must not block.
	c.Stop()
	c.DeviceDetached(nil)
}

// =============================================================================
// Control Path Tests
// =============================================================================

// activeController returns a controller forced into active with a bare
// session, for driving handle directly.
func activeController(ui Display) (*Controller, uuid.UUID) {
	c := NewController(accessory.NewNegotiator(accessory.DefaultOptions()), ui, DefaultOptions())
	id := uuid.New()
	c.session = &Session{ID: id}
	c.fsm.SetState(string(StateActive))
	return c, id
}

func TestController_SlideCycle(t *testing.T) {
	adv := command.AdvanceSlide{}
	ret := command.RetreatSlide{}

	tests := []struct {
		name   string
		events []command.Event
		want   []int
	}{
		{"advance wraps", []command.Event{adv, adv, adv, adv, adv}, []int{1, 2, 3, 0, 1}},
		{"retreat wraps", []command.Event{ret, ret}, []int{3, 2}},
		{"mixed", []command.Event{adv, ret, ret, adv, adv}, []int{1, 0, 3, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui := newRecorder()
			c, id := activeController(ui)

			for i, ev := range tt.events {
				c.handle(context.Background(), commandMsg{session: id, event: ev})
				if got := ui.next(t).slide; got != tt.want[i] {
					t.Errorf("after event %d slide = %d, want %d", i, got, tt.want[i])
				}
			}
			if got := c.session.slide; got != tt.want[len(tt.want)-1] {
				t.Errorf("session slide = %d", got)
			}
		})
	}
}

func TestController_MetadataMerge(t *testing.T) {
	ui := newRecorder()
	c, id := activeController(ui)
	ctx := context.Background()

	updates := []command.MetadataUpdate{
		{Artist: command.NewText("Björk"), Album: command.NewText("Post"), Track: command.NewText("Army of Me")},
		{Track: command.NewText("Hyperballad")},
		{Album: command.NewText("")},
	}
	want := []Metadata{
		{command.NewText("Björk"), command.NewText("Post"), command.NewText("Army of Me")},
		{command.NewText("Björk"), command.NewText("Post"), command.NewText("Hyperballad")},
		{command.NewText("Björk"), command.NewText(""), command.NewText("Hyperballad")},
	}

	for i, u := range updates {
		c.handle(ctx, commandMsg{session: id, event: u})
		if got := ui.next(t).meta; got != want[i] {
			t.Errorf("update %d metadata = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestController_StaleMessagesIgnored(t *testing.T) {
	ui := newRecorder()
	ctx := context.Background()

	c, _ := activeController(ui)
	c.handle(ctx, commandMsg{session: uuid.New(), event: command.AdvanceSlide{}})
	c.handle(ctx, commandMsg{session: uuid.New(), event: command.DeviceDetached{Err: pkg.ErrNoDevice}})
	c.handle(ctx, negotiatedMsg{attempt: 42, err: pkg.ErrTimeout})
	if c.State() != StateActive {
		t.Errorf("state = %s after stale messages", c.State())
	}

	idle := NewController(accessory.NewNegotiator(accessory.DefaultOptions()), ui, DefaultOptions())
	idle.handle(ctx, detachMsg{})
	idle.handle(ctx, stopMsg{})
	idle.handle(ctx, commandMsg{session: uuid.New(), event: command.RetreatSlide{}})
	if idle.State() != StateIdle {
		t.Errorf("idle state = %s", idle.State())
	}

	select {
	case got := <-ui.calls:
		t.Errorf("display updated by stale message: %+v", got)
	default:
	}
}

// failingCloser returns err from Close.
type failingCloser struct{ err error }

func (f failingCloser) Close() error { return f.err }

func TestCloseDevice_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	original := pkg.DefaultLogger
	defer pkg.SetLogger(original)
	pkg.SetLogger(pkg.NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tests := []struct {
		name    string
		err     error
		wantLog bool
	}{
		{"success", nil, false},
		{"release failed", errors.New("release interface 0: busy"), true},
		{"already detached", pkg.ErrNoDevice, false},
		{"already closed", pkg.ErrClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			closeDevice(failingCloser{tt.err})

			logged := strings.Contains(buf.String(), "close device")
			if logged != tt.wantLog {
				t.Errorf("logged = %v, want %v:\n%s", logged, tt.wantLog, buf.String())
			}
			if tt.wantLog && !strings.Contains(buf.String(), "busy") {
				t.Errorf("log missing cause:\n%s", buf.String())
			}
		})
	}
}

func TestEndReason_String(t *testing.T) {
	tests := []struct {
		r    EndReason
		want string
	}{
		{EndDetached, "detached"},
		{EndStopped, "stopped"},
		{EndNegotiationFailed, "negotiation-failed"},
		{EndFailed, "failed"},
		{EndReason(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.r, got, tt.want)
		}
	}
}
