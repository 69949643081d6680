// Package sink provides the PCM sinks the audio pipeline writes to: a
// player process fed through its standard input, a raw capture file
// (gzip-compressed when the name ends in .gz) and a discarding sink.
package sink
