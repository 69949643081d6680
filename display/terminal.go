package display

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/session"
)

// Terminal prints one line per update.
type Terminal struct {
	mu sync.Mutex
	w  io.Writer

	slide  *color.Color
	track  *color.Color
	ended  *color.Color
	failed *color.Color
}

// NewTerminal prints to w, with ANSI colors when colored is set.
func NewTerminal(w io.Writer, colored bool) *Terminal {
	t := &Terminal{
		w:      w,
		slide:  color.New(color.FgCyan, color.Bold),
		track:  color.New(color.FgGreen),
		ended:  color.New(color.FgYellow),
		failed: color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{t.slide, t.track, t.ended, t.failed} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

func (t *Terminal) OnAdvanceSlide(slide int) {
	t.print(t.slide, ">> slide %d/%d\n", slide+1, session.NumSlides)
}

func (t *Terminal) OnRetreatSlide(slide int) {
	t.print(t.slide, "<< slide %d/%d\n", slide+1, session.NumSlides)
}

func (t *Terminal) OnMetadataUpdated(artist, album, track command.Text) {
	t.print(t.track, "now playing: %s / %s / %s\n", field(artist), field(album), field(track))
}

func (t *Terminal) OnSessionEnded(reason session.EndReason, err error) {
	if err != nil {
		t.print(t.failed, "session ended (%s): %v\n", reason, err)
		return
	}
	t.print(t.ended, "session ended (%s)\n", reason)
}

func (t *Terminal) print(c *color.Color, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Fprintf(t.w, format, args...)
}
