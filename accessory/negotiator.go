package accessory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softaoa/host/hal"
	"github.com/ardnew/softaoa/pkg"
)

// AOA vendor requests.
const (
	RequestGetProtocol  = 51
	RequestSendString   = 52
	RequestStart        = 53
	RequestSetAudioMode = 58
)

// SET_AUDIO_MODE values.
const (
	AudioModeNone = 0
	AudioModePCM  = 1 // 16-bit PCM, 44100 Hz, stereo
)

const (
	requestTypeVendorIn  = 0xC0
	requestTypeVendorOut = 0x40
)

// Handshake defaults.
const (
	DefaultProtocolDelay  = 10 * time.Millisecond
	DefaultStringDelay    = 1 * time.Millisecond
	DefaultRequestTimeout = 1 * time.Second
)

// Target is the control endpoint of a device under negotiation.
// *host.Device satisfies it.
type Target interface {
	ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error)
}

// Options configures a Negotiator.
type Options struct {
	Host HostIdentity

	// Audio requests audio streaming from devices that support AOA 2.
	Audio bool

	// ProtocolDelay follows GET_PROTOCOL; StringDelay follows each
	// SEND_STRING.
	ProtocolDelay time.Duration
	StringDelay   time.Duration

	// RequestTimeout bounds each control request.
	RequestTimeout time.Duration
}

// DefaultOptions returns options with the default host identity and
// audio enabled.
func DefaultOptions() Options {
	return Options{
		Host:           DefaultHostIdentity(),
		Audio:          true,
		ProtocolDelay:  DefaultProtocolDelay,
		StringDelay:    DefaultStringDelay,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Result is the outcome of a successful negotiation.
type Result struct {
	// Handle is the negotiated device. When Switched it is about to
	// leave the bus and must be released by the caller.
	Handle Target

	Classification Classification

	// Audio reports audio streaming: supported by an accessory, or
	// requested from a device being switched.
	Audio bool

	// Switched reports that START was sent and the device will
	// re-enumerate.
	Switched bool

	// Protocol is the AOA version reported by GET_PROTOCOL, zero when
	// the handshake was skipped.
	Protocol uint16
}

// Negotiator brings devices into accessory mode.
type Negotiator struct {
	opts Options
}

// NewNegotiator creates a negotiator. Zero timing fields take defaults.
func NewNegotiator(opts Options) *Negotiator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ProtocolDelay < 0 {
		opts.ProtocolDelay = 0
	}
	if opts.StringDelay < 0 {
		opts.StringDelay = 0
	}
	return &Negotiator{opts: opts}
}

// Options returns the negotiator's options.
func (n *Negotiator) Options() Options {
	return n.opts
}

// Negotiate classifies id and, if needed, runs the AOA handshake on dev.
// An accessory is returned as is without any control traffic.
func (n *Negotiator) Negotiate(ctx context.Context, dev Target, id Identity) (Result, error) {
	class := Classify(id)

	switch class {
	case AlreadyAccessoryNoAudio, AlreadyAccessoryAudioCapable:
		pkg.LogInfo(pkg.ComponentAccessory, "device already in accessory mode",
			"device", id.String(),
			"classification", class.String())
		return Result{
			Handle:         dev,
			Classification: class,
			Audio:          class == AlreadyAccessoryAudioCapable,
		}, nil

	case Unsupported:
		return Result{}, unsupported("classify", fmt.Errorf("device %s", id.String()))
	}

	pkg.LogInfo(pkg.ComponentAccessory, "switching device to accessory mode", "device", id.String())

	version, err := n.Protocol(ctx, dev)
	if err != nil {
		return Result{}, err
	}
	if err := sleep(ctx, n.opts.ProtocolDelay); err != nil {
		return Result{}, transport("get protocol", err)
	}

	for i, s := range n.opts.Host.Strings() {
		if err := n.sendString(ctx, dev, uint16(i), s); err != nil {
			return Result{}, err
		}
		if err := sleep(ctx, n.opts.StringDelay); err != nil {
			return Result{}, transport("send string", err)
		}
	}

	audio := n.opts.Audio && version >= 2
	if audio {
		setup := hal.SetupPacket{
			RequestType: requestTypeVendorOut,
			Request:     RequestSetAudioMode,
			Value:       AudioModePCM,
		}
		if err := n.control(ctx, dev, &setup, nil); err != nil {
			return Result{}, transport("set audio mode", err)
		}
	} else if n.opts.Audio {
		pkg.LogInfo(pkg.ComponentAccessory, "device cannot stream audio", "protocol", version)
	}

	setup := hal.SetupPacket{RequestType: requestTypeVendorOut, Request: RequestStart}
	if err := n.control(ctx, dev, &setup, nil); err != nil {
		return Result{}, transport("start", err)
	}

	pkg.LogInfo(pkg.ComponentAccessory, "accessory mode requested",
		"device", id.String(),
		"protocol", version,
		"audio", audio)

	return Result{
		Handle:         dev,
		Classification: class,
		Audio:          audio,
		Switched:       true,
		Protocol:       version,
	}, nil
}

// Protocol queries the AOA protocol version. A device that stalls the
// request or reports a version other than 1 or 2 is unsupported.
func (n *Negotiator) Protocol(ctx context.Context, dev Target) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: requestTypeVendorIn,
		Request:     RequestGetProtocol,
		Length:      uint16(len(buf)),
	}

	if err := n.control(ctx, dev, &setup, buf[:]); err != nil {
		if errors.Is(err, pkg.ErrStall) {
			return 0, unsupported("get protocol", err)
		}
		return 0, transport("get protocol", err)
	}

	version := binary.LittleEndian.Uint16(buf[:])
	if version < 1 || version > 2 {
		return 0, unsupported("get protocol", fmt.Errorf("version %d", version))
	}

	pkg.LogDebug(pkg.ComponentAccessory, "protocol version", "version", version)
	return version, nil
}

func (n *Negotiator) sendString(ctx context.Context, dev Target, index uint16, s string) error {
	data := append([]byte(s), 0)
	setup := hal.SetupPacket{
		RequestType: requestTypeVendorOut,
		Request:     RequestSendString,
		Index:       index,
		Length:      uint16(len(data)),
	}
	if err := n.control(ctx, dev, &setup, data); err != nil {
		return transport(fmt.Sprintf("send string %d", index), err)
	}
	return nil
}

// control issues one request under the per-request timeout.
func (n *Negotiator) control(ctx context.Context, dev Target, setup *hal.SetupPacket, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)
	defer cancel()

	pkg.LogDebug(pkg.ComponentAccessory, "control request", "setup", setup.String())
	_, err := dev.ControlTransfer(ctx, setup, data)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
