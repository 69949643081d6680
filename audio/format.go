package audio

import (
	"fmt"
	"time"

	"github.com/ardnew/softaoa/pkg"
)

// Format describes the PCM stream and the frame size handed to the sink.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// FrameBytes is the size of one sink write.
	FrameBytes int
}

// DefaultFormat is AOA 2 audio: 16-bit signed little-endian stereo at
// 44100 Hz, written 400 ms at a time.
var DefaultFormat = Format{
	SampleRate:    44100,
	Channels:      2,
	BitsPerSample: 16,
	FrameBytes:    70560,
}

// BlockAlign returns the bytes in one sample of every channel.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesPerSecond returns the stream data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// FrameDuration returns the playback time of one frame.
func (f Format) FrameDuration() time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(f.FrameBytes) * time.Second / time.Duration(bps)
}

// Validate checks that the format is usable.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", pkg.ErrInvalidParameter, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: channels %d", pkg.ErrInvalidParameter, f.Channels)
	case f.BitsPerSample%8 != 0 || f.BitsPerSample <= 0 || f.BitsPerSample > 32:
		return fmt.Errorf("%w: bits per sample %d", pkg.ErrInvalidParameter, f.BitsPerSample)
	case f.FrameBytes <= 0 || f.FrameBytes%f.BlockAlign() != 0:
		return fmt.Errorf("%w: frame of %d bytes", pkg.ErrInvalidParameter, f.FrameBytes)
	}
	return nil
}

// String formats the stream as "44100 Hz 2 ch 16 bit".
func (f Format) String() string {
	return fmt.Sprintf("%d Hz %d ch %d bit", f.SampleRate, f.Channels, f.BitsPerSample)
}
