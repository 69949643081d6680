// Package audio moves PCM from an isochronous endpoint to a PCM sink.
//
// A Pipeline runs two goroutines. The receive loop reads isochronous
// transfers into a blocking byte ring sized to a few frames. The writer
// takes one whole frame at a time out of the ring and writes it to the
// sink, which paces the stream: a slow sink fills the ring, and a full
// ring blocks the receive loop. Audio is queued, never dropped.
//
// Stop cancels both loops, waits for them to exit, releases the endpoint
// and closes the sink. Once Stop returns the pipeline no longer touches
// the device. A partially filled frame is discarded.
package audio
