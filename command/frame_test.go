package command

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// =============================================================================
// Binary Frame Tests
// =============================================================================

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  Event
	}{
		{"advance", []byte{0x01}, AdvanceSlide{}},
		{"retreat", []byte{0x02}, RetreatSlide{}},
		{
			"metadata all set",
			[]byte{0x03, 0x01, 0x00, 'A', 0x02, 0x00, 'B', 'C', 0x00, 0x00},
			MetadataUpdate{Artist: NewText("A"), Album: NewText("BC"), Track: NewText("")},
		},
		{
			"metadata unset fields",
			[]byte{0x03, 0xFF, 0xFF, 0x01, 0x00, 'X', 0xFF, 0xFF},
			MetadataUpdate{Album: NewText("X")},
		},
		{
			"metadata utf-8",
			[]byte{0x03, 0x02, 0x00, 0xC3, 0xA9, 0xFF, 0xFF, 0xFF, 0xFF},
			MetadataUpdate{Artist: NewText("é")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown command", []byte{0x7F}},
		{"ack is outbound only", []byte{0x80, 0x01, 0x00}},
		{"advance trailing", []byte{0x01, 0x00}},
		{"retreat trailing", []byte{0x02, 0xFF}},
		{"metadata no fields", []byte{0x03}},
		{"metadata half length", []byte{0x03, 0x05}},
		{"metadata short payload", []byte{0x03, 0x05, 0x00, 'a', 'b'}},
		{"metadata two fields", []byte{0x03, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"metadata trailing", []byte{0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}},
		{"metadata bad utf-8", []byte{0x03, 0x01, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"unknown text", []byte("hello")},
		{"unknown music action", []byte("com.android.music.shuffle/a/b/c/true")},
		{"music too few fields", []byte("com.android.music.metachanged/a/b")},
		{"music action too short", []byte("com.android.music.meta/a/b/c/true")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.frame)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode(%q) = %v, %v; want ErrMalformedFrame", tt.frame, ev, err)
			}
		})
	}
}

// =============================================================================
// Legacy Text Frame Tests
// =============================================================================

func TestDecode_Text(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{"next", "next", AdvanceSlide{}},
		{"prev", "prev", RetreatSlide{}},
		{"next with terminator", "next\x00", AdvanceSlide{}},
		{
			"metachanged",
			"com.android.music.metachanged/Daft Punk/Discovery/One More Time/true",
			MetadataUpdate{Artist: NewText("Daft Punk"), Album: NewText("Discovery"), Track: NewText("One More Time")},
		},
		{
			"null fields are unset",
			"com.android.music.playstatechanged/null/Discovery/null/false",
			MetadataUpdate{Album: NewText("Discovery")},
		},
		{
			"playing flag optional",
			"com.android.music.queuechanged/A/B/C",
			MetadataUpdate{Artist: NewText("A"), Album: NewText("B"), Track: NewText("C")},
		},
		{
			"action matched by prefix",
			"com.android.music.metachanged2/A/B/C/true",
			MetadataUpdate{Artist: NewText("A"), Album: NewText("B"), Track: NewText("C")},
		},
		{
			"empty field is set",
			"com.android.music.playbackcomplete//B/C/false",
			MetadataUpdate{Artist: NewText(""), Album: NewText("B"), Track: NewText("C")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Encoding Tests
// =============================================================================

func TestEncode(t *testing.T) {
	frame, err := Encode(MetadataUpdate{Artist: NewText("A"), Track: NewText("")})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{0x03, 0x01, 0x00, 'A', 0xFF, 0xFF, 0x00, 0x00}
	if !bytes.Equal(frame, want) {
		t.Errorf("Encode() = % x, want % x", frame, want)
	}

	back, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	m := back.(MetadataUpdate)
	if m.Album.Valid || !m.Track.Valid || m.Track.String != "" {
		t.Errorf("unset and empty not preserved: %v", m)
	}

	if _, err := Encode(DeviceDetached{}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Encode(DeviceDetached) error = %v", err)
	}

	long := MetadataUpdate{Artist: NewText(string(make([]byte, MaxFieldLength+1)))}
	if _, err := Encode(long); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Encode(oversized) error = %v", err)
	}
}

func TestEncodeAck(t *testing.T) {
	if got := EncodeAck(CmdMetadata, AckOK); !bytes.Equal(got, []byte{0x80, 0x03, 0x00}) {
		t.Errorf("EncodeAck() = % x", got)
	}
}

func TestText(t *testing.T) {
	prev := NewText("A")
	if got := (Text{}).Or(prev); got != prev {
		t.Errorf("unset.Or() = %v", got)
	}
	if got := NewText("").Or(prev); got != NewText("") {
		t.Errorf("empty.Or() = %v, want empty string", got)
	}
	if got := fmt.Sprint(Text{}); got != "<unset>" {
		t.Errorf("Sprint(unset) = %q", got)
	}
	if got := fmt.Sprint(NewText("x")); got != `"x"` {
		t.Errorf("Sprint(x) = %q", got)
	}
}
