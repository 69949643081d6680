package sink

import "go.uber.org/atomic"

// Discard accepts and drops everything.
type Discard struct {
	written atomic.Int64
}

func (d *Discard) Write(p []byte) (int, error) {
	d.written.Add(int64(len(p)))
	return len(p), nil
}

func (d *Discard) Close() error { return nil }

// Written returns the bytes accepted so far.
func (d *Discard) Written() int64 {
	return d.written.Load()
}
