package accessory

import (
	"errors"
	"strings"
)

// Negotiation failure classes.
var (
	// ErrUnsupportedDevice means the device cannot become an accessory.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrTransport means a control transfer of the handshake failed.
	ErrTransport = errors.New("transport error")
)

// Kind classifies a NegotiationError.
type Kind int

// Negotiation error kinds.
const (
	KindUnsupportedDevice Kind = iota
	KindTransport
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindTransport {
		return ErrTransport.Error()
	}
	return ErrUnsupportedDevice.Error()
}

// NegotiationError ends one negotiation attempt. There is no retry: the
// next attach of the device starts a new attempt.
type NegotiationError struct {
	Kind Kind
	Op   string // handshake step, e.g. "get protocol"
	Err  error  // underlying cause, may be nil
}

func (e *NegotiationError) Error() string {
	var b strings.Builder
	b.WriteString("accessory: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *NegotiationError) Is(target error) bool {
	switch target {
	case ErrUnsupportedDevice:
		return e.Kind == KindUnsupportedDevice
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

func unsupported(op string, err error) error {
	return &NegotiationError{Kind: KindUnsupportedDevice, Op: op, Err: err}
}

func transport(op string, err error) error {
	return &NegotiationError{Kind: KindTransport, Op: op, Err: err}
}
