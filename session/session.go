package session

import (
	"github.com/google/uuid"

	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/host"
)

// NumSlides is the length of the slide cycle.
const NumSlides = 4

// Display receives session updates. Methods are called from the control
// path only, one at a time, and should return quickly.
type Display interface {
	OnAdvanceSlide(slide int)
	OnRetreatSlide(slide int)
	OnMetadataUpdated(artist, album, track command.Text)
	OnSessionEnded(reason EndReason, err error)
}

// Metadata is the current track information.
type Metadata struct {
	Artist command.Text
	Album  command.Text
	Track  command.Text
}

// Merge applies the set fields of u.
func (m Metadata) Merge(u command.MetadataUpdate) Metadata {
	return Metadata{
		Artist: u.Artist.Or(m.Artist),
		Album:  u.Album.Or(m.Album),
		Track:  u.Track.Or(m.Track),
	}
}

// Session is one active accessory. The controller owns it.
type Session struct {
	ID uuid.UUID

	dev      *host.Device
	channel  *command.Channel
	pipeline *audio.Pipeline // nil without audio

	slide int
	meta  Metadata
}

// Snapshot is a copy of the controller's observable state.
type Snapshot struct {
	State   State
	Session uuid.UUID // uuid.Nil when no session is active
	Device  string
	Slide   int
	Meta    Metadata
	Audio   bool

	Commands command.Stats
	Stream   audio.Stats
}

type nopDisplay struct{}

func (nopDisplay) OnAdvanceSlide(int) {}
func (nopDisplay) OnRetreatSlide(int) {}
func (nopDisplay) OnMetadataUpdated(_, _, _ command.Text) {}
func (nopDisplay) OnSessionEnded(EndReason, error) {}
