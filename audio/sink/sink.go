package sink

import (
	"fmt"
	"strings"

	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/pkg"
)

// Sink kinds accepted by Open.
const (
	KindExec    = "exec"
	KindFile    = "file"
	KindDiscard = "discard"
)

// Config selects and configures a sink.
type Config struct {
	Kind string

	// Command is the player for KindExec, split on white space. Empty
	// selects aplay with arguments matching the stream format.
	Command string

	// Path is the capture file for KindFile.
	Path string
}

// Open returns an opener for the configured sink.
func Open(cfg Config) (audio.Opener, error) {
	switch strings.ToLower(cfg.Kind) {
	case KindExec, "":
		args := strings.Fields(cfg.Command)
		return func(f audio.Format) (audio.Sink, error) {
			if len(args) == 0 {
				return NewExec(PlayerArgs(f)...)
			}
			return NewExec(args...)
		}, nil

	case KindFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: file sink needs a path", pkg.ErrInvalidParameter)
		}
		return func(audio.Format) (audio.Sink, error) {
			return NewFile(cfg.Path)
		}, nil

	case KindDiscard:
		return func(audio.Format) (audio.Sink, error) {
			return &Discard{}, nil
		}, nil
	}
	return nil, fmt.Errorf("%w: sink %q", pkg.ErrInvalidParameter, cfg.Kind)
}

// PlayerArgs returns an aplay command line for raw PCM in format f.
func PlayerArgs(f audio.Format) []string {
	return []string{
		"aplay", "-q", "-t", "raw",
		"-f", fmt.Sprintf("S%d_LE", f.BitsPerSample),
		"-c", fmt.Sprint(f.Channels),
		"-r", fmt.Sprint(f.SampleRate),
		"-",
	}
}
