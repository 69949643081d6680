package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/ardnew/softaoa/pkg"
)

// File records raw PCM to a file. Names ending in .gz are compressed.
type File struct {
	f  *os.File
	w  io.Writer
	gz *gzip.Writer

	mu     sync.Mutex
	closed bool
}

// NewFile creates or truncates path.
func NewFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	s := &File{f: f, w: f}
	if strings.HasSuffix(path, ".gz") {
		if s.gz, err = gzip.NewWriterLevel(f, gzip.BestSpeed); err != nil {
			f.Close()
			return nil, err
		}
		s.w = s.gz
	}

	pkg.LogDebug(pkg.ComponentAudio, "recording to file", "path", path, "gzip", s.gz != nil)
	return s, nil
}

func (s *File) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.w.Write(p)
}

// Close flushes the compressor, if any, and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gzip: %w", err))
		}
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
