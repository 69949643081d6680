package command

import "fmt"

// Text is an optional metadata string. The zero value is unset.
type Text struct {
	String string
	Valid  bool
}

// NewText returns a set Text.
func NewText(s string) Text {
	return Text{String: s, Valid: true}
}

// Or returns t when set and prev otherwise.
func (t Text) Or(prev Text) Text {
	if t.Valid {
		return t
	}
	return prev
}

// Format renders the value for logs, "<unset>" when unset.
func (t Text) Format(f fmt.State, verb rune) {
	if !t.Valid {
		fmt.Fprint(f, "<unset>")
		return
	}
	fmt.Fprintf(f, "%q", t.String)
}

// Event is a decoded command or a channel condition. The concrete types
// are AdvanceSlide, RetreatSlide, MetadataUpdate and DeviceDetached.
type Event interface {
	event()
}

// AdvanceSlide moves the slideshow forward.
type AdvanceSlide struct{}

// RetreatSlide moves the slideshow back.
type RetreatSlide struct{}

// MetadataUpdate carries now-playing metadata. Unset fields leave the
// displayed value alone.
type MetadataUpdate struct {
	Artist Text
	Album  Text
	Track  Text
}

// DeviceDetached reports that the device left the bus. It is the last
// event a channel emits.
type DeviceDetached struct {
	Err error
}

func (AdvanceSlide) event()   {}
func (RetreatSlide) event()   {}
func (MetadataUpdate) event() {}
func (DeviceDetached) event() {}

func (AdvanceSlide) String() string { return "advance-slide" }
func (RetreatSlide) String() string { return "retreat-slide" }
func (e MetadataUpdate) String() string {
	return fmt.Sprintf("metadata(artist=%v album=%v track=%v)", e.Artist, e.Album, e.Track)
}
func (e DeviceDetached) String() string { return "device-detached" }
