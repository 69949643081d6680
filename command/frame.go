package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Command bytes.
const (
	CmdAdvanceSlide = 0x01
	CmdRetreatSlide = 0x02
	CmdMetadata     = 0x03
	CmdAck          = 0x80
)

// Ack status bytes.
const (
	AckOK        = 0x00
	AckMalformed = 0x01
)

// unsetLength marks an unset metadata field.
const unsetLength = 0xFFFF

// MaxFieldLength is the longest encodable metadata field.
const MaxFieldLength = unsetLength - 1

// ErrMalformedFrame is returned for frames that cannot be decoded. The
// channel drops such a frame and keeps reading.
var ErrMalformedFrame = errors.New("malformed frame")

// Legacy text commands.
const (
	textNext     = "next"
	textPrev     = "prev"
	textNull     = "null"
	musicPrefix  = "com.android.music."
	musicDivider = "/"
)

// musicActions are the broadcasts forwarded by the legacy peripheral app.
// Only the first musicActionMatch bytes of an action are compared, so
// vendor variants such as "metachanged2" are accepted.
var musicActions = []string{
	"playstatechanged",
	"metachanged",
	"queuechanged",
	"playbackcomplete",
}

const musicActionMatch = 5

func isMusicAction(action string) bool {
	if len(action) < musicActionMatch {
		return false
	}
	for _, a := range musicActions {
		if a[:musicActionMatch] == action[:musicActionMatch] {
			return true
		}
	}
	return false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Decode parses one frame.
func Decode(frame []byte) (Event, error) {
	if len(frame) == 0 {
		return nil, malformed("empty")
	}

	switch frame[0] {
	case CmdAdvanceSlide:
		if len(frame) != 1 {
			return nil, malformed("advance: %d trailing bytes", len(frame)-1)
		}
		return AdvanceSlide{}, nil

	case CmdRetreatSlide:
		if len(frame) != 1 {
			return nil, malformed("retreat: %d trailing bytes", len(frame)-1)
		}
		return RetreatSlide{}, nil

	case CmdMetadata:
		return decodeMetadata(frame[1:])
	}

	if frame[0] >= 'a' && frame[0] <= 'z' {
		return decodeText(frame)
	}
	return nil, malformed("unknown command 0x%02x", frame[0])
}

func decodeMetadata(p []byte) (Event, error) {
	var fields [3]Text
	for i := range fields {
		if len(p) < 2 {
			return nil, malformed("metadata field %d: truncated length", i)
		}
		n := binary.LittleEndian.Uint16(p)
		p = p[2:]
		if n == unsetLength {
			continue
		}
		if len(p) < int(n) {
			return nil, malformed("metadata field %d: %d of %d bytes", i, len(p), n)
		}
		if !utf8.Valid(p[:n]) {
			return nil, malformed("metadata field %d: invalid UTF-8", i)
		}
		fields[i] = NewText(string(p[:n]))
		p = p[n:]
	}
	if len(p) != 0 {
		return nil, malformed("metadata: %d trailing bytes", len(p))
	}
	return MetadataUpdate{Artist: fields[0], Album: fields[1], Track: fields[2]}, nil
}

// decodeText parses the legacy text commands. Peripherals may send the C
// string terminator along with the text.
func decodeText(frame []byte) (Event, error) {
	frame = bytes.TrimRight(frame, "\x00")
	if !utf8.Valid(frame) {
		return nil, malformed("text: invalid UTF-8")
	}
	s := string(frame)

	switch s {
	case textNext:
		return AdvanceSlide{}, nil
	case textPrev:
		return RetreatSlide{}, nil
	}

	if !strings.HasPrefix(s, musicPrefix) {
		return nil, malformed("text: unknown command %q", truncate(s, 32))
	}

	parts := strings.Split(strings.TrimPrefix(s, musicPrefix), musicDivider)
	if !isMusicAction(parts[0]) {
		return nil, malformed("text: unknown music action %q", truncate(parts[0], 32))
	}
	if len(parts) < 4 {
		return nil, malformed("text: %d metadata fields, want 3", len(parts)-1)
	}

	field := func(v string) Text {
		if v == textNull {
			return Text{}
		}
		return NewText(v)
	}
	return MetadataUpdate{
		Artist: field(parts[1]),
		Album:  field(parts[2]),
		Track:  field(parts[3]),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Encode produces the binary frame for a command event. DeviceDetached
// has no wire form.
func Encode(e Event) ([]byte, error) {
	switch e := e.(type) {
	case AdvanceSlide:
		return []byte{CmdAdvanceSlide}, nil
	case RetreatSlide:
		return []byte{CmdRetreatSlide}, nil
	case MetadataUpdate:
		frame := []byte{CmdMetadata}
		for _, f := range [...]Text{e.Artist, e.Album, e.Track} {
			if !f.Valid {
				frame = binary.LittleEndian.AppendUint16(frame, unsetLength)
				continue
			}
			if len(f.String) > MaxFieldLength {
				return nil, fmt.Errorf("metadata field of %d bytes: %w", len(f.String), ErrMalformedFrame)
			}
			frame = binary.LittleEndian.AppendUint16(frame, uint16(len(f.String)))
			frame = append(frame, f.String...)
		}
		return frame, nil
	}
	return nil, fmt.Errorf("%T has no wire form: %w", e, ErrMalformedFrame)
}

// EncodeAck produces an acknowledgement frame.
func EncodeAck(cmd, status byte) []byte {
	return []byte{CmdAck, cmd, status}
}
