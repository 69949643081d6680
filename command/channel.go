package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ardnew/softaoa/pkg"
)

// Channel defaults.
const (
	DefaultInterface   = 0
	DefaultBulkIn      = 0x81
	DefaultBulkOut     = 0x02
	DefaultReadTimeout = 500 * time.Millisecond
	DefaultReadSize    = 16 * 1024

	// errorBackoff paces the loop after an unexpected read error.
	errorBackoff = 10 * time.Millisecond
)

// Endpoint is the part of a device the channel uses. *host.Device
// satisfies it.
type Endpoint interface {
	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
	Detached() <-chan struct{}
}

// Emitter delivers an event to the consumer. It must return false once
// ctx is done instead of blocking; a false return stops the read loop.
type Emitter func(ctx context.Context, e Event) bool

// Options configures a Channel.
type Options struct {
	Interface uint8
	BulkIn    uint8
	BulkOut   uint8

	// ReadTimeout bounds each bulk read and so the time Stop takes.
	ReadTimeout time.Duration

	// ReadSize is the bulk read buffer size, the largest frame accepted.
	ReadSize int

	// Ack writes an acknowledgement to BulkOut for every frame read.
	Ack bool
}

// DefaultOptions returns the accessory interface layout without acks.
func DefaultOptions() Options {
	return Options{
		Interface:   DefaultInterface,
		BulkIn:      DefaultBulkIn,
		BulkOut:     DefaultBulkOut,
		ReadTimeout: DefaultReadTimeout,
		ReadSize:    DefaultReadSize,
	}
}

// Validate checks endpoint directions and sizes.
func (o Options) Validate() error {
	switch {
	case o.BulkIn&0x80 == 0:
		return fmt.Errorf("%w: bulk IN endpoint 0x%02x", pkg.ErrInvalidEndpoint, o.BulkIn)
	case o.Ack && o.BulkOut&0x80 != 0:
		return fmt.Errorf("%w: bulk OUT endpoint 0x%02x", pkg.ErrInvalidEndpoint, o.BulkOut)
	case o.ReadTimeout <= 0:
		return fmt.Errorf("%w: read timeout %v", pkg.ErrInvalidParameter, o.ReadTimeout)
	case o.ReadSize <= 0:
		return fmt.Errorf("%w: read size %d", pkg.ErrInvalidParameter, o.ReadSize)
	}
	return nil
}

// Stats counts channel traffic.
type Stats struct {
	Frames     int64 // frames read
	Malformed  int64 // frames dropped by the decoder
	Emitted    int64 // events delivered
	ReadErrors int64 // failed reads other than timeouts
}

// Channel reads command frames from the accessory bulk IN endpoint on its
// own goroutine and emits them in arrival order.
type Channel struct {
	dev  Endpoint
	emit Emitter
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error

	frames     atomic.Int64
	malformed  atomic.Int64
	emitted    atomic.Int64
	readErrors atomic.Int64
}

// Open claims the accessory interface and starts the read loop.
func Open(ctx context.Context, dev Endpoint, emit Emitter, opts Options) (*Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := dev.ClaimInterface(opts.Interface); err != nil {
		return nil, fmt.Errorf("command channel: %w", err)
	}

	c := &Channel{
		dev:  dev,
		emit: emit,
		opts: opts,
		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.loop()

	pkg.LogDebug(pkg.ComponentCommand, "command channel open",
		"interface", opts.Interface,
		"endpoint", fmt.Sprintf("0x%02x", opts.BulkIn))
	return c, nil
}

// Done is closed when the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Stats returns the traffic counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Frames:     c.frames.Load(),
		Malformed:  c.malformed.Load(),
		Emitted:    c.emitted.Load(),
		ReadErrors: c.readErrors.Load(),
	}
}

// Stop ends the read loop, waits for it and releases the interface. It
// returns within about one read timeout and is safe to call more than
// once.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
		c.stopErr = c.dev.ReleaseInterface(c.opts.Interface)
		pkg.LogDebug(pkg.ComponentCommand, "command channel stopped", "frames", c.frames.Load())
	})
	return c.stopErr
}

func (c *Channel) loop() {
	defer close(c.done)

	buf := make([]byte, c.opts.ReadSize)
	for {
		if c.ctx.Err() != nil {
			return
		}
		select {
		case <-c.dev.Detached():
			c.detached(pkg.ErrNoDevice)
			return
		default:
		}

		rctx, cancel := context.WithTimeout(c.ctx, c.opts.ReadTimeout)
		n, err := c.dev.BulkTransfer(rctx, c.opts.BulkIn, buf)
		cancel()

		switch {
		case err == nil:
		case c.ctx.Err() != nil:
			return
		case pkg.IsDetached(err):
			c.detached(err)
			return
		case errors.Is(err, pkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case pkg.IsTransient(err):
			c.readErrors.Inc()
			pkg.LogDebug(pkg.ComponentCommand, "transient read error", "error", err)
			continue
		default:
			c.readErrors.Inc()
			pkg.LogWarn(pkg.ComponentCommand, "read failed", "error", err)
			if !sleep(c.ctx, errorBackoff) {
				return
			}
			continue
		}

		if n == 0 {
			continue
		}
		c.frames.Inc()

		ev, err := Decode(buf[:n])
		if err != nil {
			c.malformed.Inc()
			pkg.LogWarn(pkg.ComponentCommand, "dropping frame", "length", n, "error", err)
			c.ack(buf[0], AckMalformed)
			continue
		}
		c.ack(buf[0], AckOK)

		pkg.LogDebug(pkg.ComponentCommand, "command received", "event", ev)
		if !c.emit(c.ctx, ev) {
			return
		}
		c.emitted.Inc()
	}
}

func (c *Channel) detached(cause error) {
	pkg.LogInfo(pkg.ComponentCommand, "device detached", "error", cause)
	if c.emit(c.ctx, DeviceDetached{Err: cause}) {
		c.emitted.Inc()
	}
}

func (c *Channel) ack(cmd, status byte) {
	if !c.opts.Ack {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReadTimeout)
	defer cancel()
	if _, err := c.dev.BulkTransfer(ctx, c.opts.BulkOut, EncodeAck(cmd, status)); err != nil {
		pkg.LogDebug(pkg.ComponentCommand, "ack failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
