package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softaoa/pkg"
)

// Pipeline defaults.
const (
	DefaultQueueFrames = 2
	DefaultReadSize    = 8 * 192 // eight full-speed iso packets

	zeroWriteBackoff = 5 * time.Millisecond
	readErrorBackoff = 10 * time.Millisecond
)

// ErrSinkWriteFailed is logged when the sink rejects a frame. The
// pipeline moves on to the next frame.
var ErrSinkWriteFailed = errors.New("sink write failed")

// errStopped closes the ring on Stop.
var errStopped = errors.New("pipeline stopped")

// Sink consumes PCM frames. Write may block to apply backpressure and may
// accept only part of p.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
}

// Opener opens a sink for a format.
type Opener func(Format) (Sink, error)

// Source is a claimed isochronous endpoint. *host.IsoEndpoint satisfies
// it.
type Source interface {
	Read(ctx context.Context, p []byte) (int, error)
	Release() error
}

// Options configures a Pipeline.
type Options struct {
	Format Format

	// QueueFrames is the ring capacity in frames.
	QueueFrames int

	// PrimeFrames of silence are written before the first received frame.
	PrimeFrames int

	// ReadSize is the buffer passed to each Source.Read.
	ReadSize int
}

// DefaultOptions returns the default format with a two-frame queue.
func DefaultOptions() Options {
	return Options{
		Format:      DefaultFormat,
		QueueFrames: DefaultQueueFrames,
		ReadSize:    DefaultReadSize,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := o.Format.Validate(); err != nil {
		return err
	}
	switch {
	case o.QueueFrames < 1:
		return fmt.Errorf("%w: queue of %d frames", pkg.ErrInvalidParameter, o.QueueFrames)
	case o.PrimeFrames < 0:
		return fmt.Errorf("%w: %d prime frames", pkg.ErrInvalidParameter, o.PrimeFrames)
	case o.ReadSize <= 0:
		return fmt.Errorf("%w: read size %d", pkg.ErrInvalidParameter, o.ReadSize)
	}
	return nil
}

// Stats counts pipeline traffic.
type Stats struct {
	BytesReceived int64
	FramesWritten int64
	WriteFailures int64
	ReadErrors    int64
	Queued        int // bytes waiting in the ring
}

// Pipeline streams PCM from a Source to a Sink.
type Pipeline struct {
	src  Source
	sink Sink
	opts Options
	ring *ringbuffer.RingBuffer

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	stopOnce sync.Once
	stopErr  error

	bytesReceived atomic.Int64
	framesWritten atomic.Int64
	writeFailures atomic.Int64
	readErrors    atomic.Int64
}

// Start opens the sink and starts the receive loop and the writer. The
// pipeline owns src from here on and releases it in Stop, also when Start
// fails.
func Start(ctx context.Context, src Source, open Opener, opts Options) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		src.Release()
		return nil, err
	}

	sink, err := open(opts.Format)
	if err != nil {
		src.Release()
		return nil, fmt.Errorf("open sink: %w", err)
	}

	p := &Pipeline{
		src:  src,
		sink: sink,
		opts: opts,
		ring: ringbuffer.New(opts.QueueFrames * opts.Format.FrameBytes).SetBlocking(true),
		done: make(chan struct{}),
	}

	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(gctx) })
	g.Go(func() error { return p.write(gctx) })

	go func() {
		p.err = g.Wait()
		close(p.done)
	}()

	pkg.LogInfo(pkg.ComponentAudio, "audio pipeline started",
		"format", opts.Format.String(),
		"frame", opts.Format.FrameBytes,
		"queue", opts.QueueFrames)
	return p, nil
}

// Done is closed once both loops have exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the loops, such as pkg.ErrNoDevice.
// It is valid after Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stats returns the traffic counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		BytesReceived: p.bytesReceived.Load(),
		FramesWritten: p.framesWritten.Load(),
		WriteFailures: p.writeFailures.Load(),
		ReadErrors:    p.readErrors.Load(),
		Queued:        p.ring.Length(),
	}
}

// Stop ends both loops and waits for them, then releases the source and
// closes the sink. A writer inside a sink write finishes that write
// first. Stop is safe to call more than once.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		p.ring.CloseWithError(errStopped)
		<-p.done

		var errs []error
		if err := p.src.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release source: %w", err))
		}
		if err := p.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		p.stopErr = errors.Join(errs...)

		pkg.LogInfo(pkg.ComponentAudio, "audio pipeline stopped",
			"frames", p.framesWritten.Load(),
			"failures", p.writeFailures.Load())
	})
	return p.stopErr
}

// receive copies isochronous data into the ring until cancelled or the
// device is gone.
func (p *Pipeline) receive(ctx context.Context) error {
	buf := make([]byte, p.opts.ReadSize)
	for {
		n, err := p.src.Read(ctx, buf)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case pkg.IsDetached(err):
			pkg.LogInfo(pkg.ComponentAudio, "isochronous endpoint gone", "error", err)
			p.ring.CloseWithError(err)
			return err
		case pkg.IsTransient(err):
			p.readErrors.Inc()
			pkg.LogDebug(pkg.ComponentAudio, "transient read error", "error", err)
			continue
		default:
			p.readErrors.Inc()
			pkg.LogWarn(pkg.ComponentAudio, "isochronous read failed", "error", err)
			if !sleep(ctx, readErrorBackoff) {
				return nil
			}
			continue
		}

		if n == 0 {
			continue
		}
		p.bytesReceived.Add(int64(n))

		// Blocks while the ring is full.
		if _, err := p.ring.Write(buf[:n]); err != nil {
			return nil
		}
	}
}

// write hands whole frames to the sink.
func (p *Pipeline) write(ctx context.Context) error {
	for i := 0; i < p.opts.PrimeFrames; i++ {
		p.deliver(ctx, make([]byte, p.opts.Format.FrameBytes))
		if ctx.Err() != nil {
			return nil
		}
	}

	for {
		frame := make([]byte, p.opts.Format.FrameBytes)
		if _, err := io.ReadFull(p.ring, frame); err != nil {
			return nil
		}
		p.deliver(ctx, frame)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// deliver writes frame to the sink, looping over partial writes.
func (p *Pipeline) deliver(ctx context.Context, frame []byte) {
	for off := 0; off < len(frame); {
		n, err := p.sink.Write(frame[off:])
		if err != nil {
			p.writeFailures.Inc()
			pkg.LogWarn(pkg.ComponentAudio, "dropping frame",
				"error", fmt.Errorf("%w: %w", ErrSinkWriteFailed, err),
				"written", off+n)
			return
		}
		if n == 0 {
			if !sleep(ctx, zeroWriteBackoff) {
				return
			}
			continue
		}
		off += n
	}
	p.framesWritten.Inc()
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
