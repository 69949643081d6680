package display

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

// Display kinds accepted by New.
const (
	KindLog      = "log"
	KindTerminal = "terminal"
	KindDBus     = "dbus"
	KindNone     = "none"
)

// Multi forwards every update to each display in order.
type Multi []session.Display

// New opens the displays named in kinds. Terminal output goes to out.
func New(kinds []string, out io.Writer) (Multi, error) {
	var m Multi
	for _, kind := range kinds {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case KindLog:
			m = append(m, Log{})
		case KindTerminal:
			m = append(m, NewTerminal(out, !color.NoColor))
		case KindDBus:
			d, err := ConnectDBus()
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("dbus display: %w", err)
			}
			m = append(m, d)
		case KindNone, "":
		default:
			m.Close()
			return nil, fmt.Errorf("%w: display %q", pkg.ErrInvalidParameter, kind)
		}
	}
	return m, nil
}

func (m Multi) OnAdvanceSlide(slide int) {
	for _, d := range m {
		d.OnAdvanceSlide(slide)
	}
}

func (m Multi) OnRetreatSlide(slide int) {
	for _, d := range m {
		d.OnRetreatSlide(slide)
	}
}

func (m Multi) OnMetadataUpdated(artist, album, track command.Text) {
	for _, d := range m {
		d.OnMetadataUpdated(artist, album, track)
	}
}

func (m Multi) OnSessionEnded(reason session.EndReason, err error) {
	for _, d := range m {
		d.OnSessionEnded(reason, err)
	}
}

// Close closes every display that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// field renders a metadata field for people: the text, or "-" when unset.
func field(t command.Text) string {
	if !t.Valid {
		return "-"
	}
	return t.String
}
