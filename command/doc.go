// Package command implements the accessory command channel: the frame
// codec and the bulk IN read loop that turns frames into events.
//
// # Wire Format
//
// Each bulk transfer carries exactly one frame. The first byte selects
// the command:
//
//	0x01                  advance slide
//	0x02                  retreat slide
//	0x03 field field field  metadata update (artist, album, track)
//	0x80 cmd status       acknowledgement, host to device only
//
// A metadata field is a little-endian uint16 length followed by that many
// bytes of UTF-8. The length 0xFFFF marks the field unset; no bytes
// follow it. Unset means "keep the previous value", which is different
// from an empty string.
//
// Older peripherals send text frames instead, which Decode also accepts:
//
//	next
//	prev
//	com.android.music.<action>/<artist>/<album>/<track>/<isPlaying>
//
// In the text form a field spelled "null" is unset.
package command
