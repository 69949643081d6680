package display

import (
	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

// Log writes updates to the package logger at info level.
type Log struct{}

func (Log) OnAdvanceSlide(slide int) {
	pkg.LogInfo(pkg.ComponentDisplay, "slide advanced", "slide", slide)
}

func (Log) OnRetreatSlide(slide int) {
	pkg.LogInfo(pkg.ComponentDisplay, "slide retreated", "slide", slide)
}

func (Log) OnMetadataUpdated(artist, album, track command.Text) {
	pkg.LogInfo(pkg.ComponentDisplay, "now playing",
		"artist", field(artist),
		"album", field(album),
		"track", field(track))
}

func (Log) OnSessionEnded(reason session.EndReason, err error) {
	if err != nil {
		pkg.LogInfo(pkg.ComponentDisplay, "session ended", "reason", reason.String(), "error", err)
		return
	}
	pkg.LogInfo(pkg.ComponentDisplay, "session ended", "reason", reason.String())
}
