package sink

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/ardnew/softaoa/audio"
	"github.com/ardnew/softaoa/pkg"
)

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default is exec", Config{}, false},
		{"exec", Config{Kind: "EXEC", Command: "cat"}, false},
		{"file", Config{Kind: KindFile, Path: "out.pcm"}, false},
		{"file without path", Config{Kind: KindFile}, true},
		{"discard", Config{Kind: KindDiscard}, false},
		{"unknown", Config{Kind: "alsa"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, err := Open(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidParameter) {
					t.Errorf("Open() error = %v, want ErrInvalidParameter", err)
				}
				return
			}
			if err != nil || open == nil {
				t.Errorf("Open() = %v, %v", open, err)
			}
		})
	}
}

func TestPlayerArgs(t *testing.T) {
	got := PlayerArgs(audio.DefaultFormat)
	want := []string{"aplay", "-q", "-t", "raw", "-f", "S16_LE", "-c", "2", "-r", "44100", "-"}
	if len(got) != len(want) {
		t.Fatalf("PlayerArgs() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// =============================================================================
// Sink Tests
// =============================================================================

func TestDiscard(t *testing.T) {
	open, err := Open(Config{Kind: KindDiscard})
	if err != nil {
		t.Fatal(err)
	}
	s, err := open(audio.DefaultFormat)
	if err != nil {
		t.Fatal(err)
	}

	s.Write(make([]byte, 100))
	s.Write(make([]byte, 28))
	if got := s.(*Discard).Written(); got != 128 {
		t.Errorf("Written() = %d, want 128", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFile(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 1000)

	tests := []struct {
		name string
		file string
		read func(io.Reader) (io.Reader, error)
	}{
		{"raw", "capture.pcm", func(r io.Reader) (io.Reader, error) { return r, nil }},
		{"gzip", "capture.pcm.gz", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			open, err := Open(Config{Kind: KindFile, Path: path})
			if err != nil {
				t.Fatal(err)
			}
			s, err := open(audio.DefaultFormat)
			if err != nil {
				t.Fatalf("open sink: %v", err)
			}

			if _, err := s.Write(pcm[:1500]); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Write(pcm[1500:]); err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
			if _, err := s.Write(pcm); !errors.Is(err, os.ErrClosed) {
				t.Errorf("Write after Close error = %v", err)
			}

			f, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			r, err := tt.read(f)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, pcm) {
				t.Errorf("read back %d bytes, want %d identical bytes", len(got), len(pcm))
			}
		})
	}
}

func TestFile_BadPath(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "missing", "out.pcm")); err == nil {
		t.Error("NewFile() succeeded in a missing directory")
	}
}

func TestExec(t *testing.T) {
	tee, err := exec.LookPath("tee")
	if err != nil {
		t.Skip("tee not available")
	}

	path := filepath.Join(t.TempDir(), "played.pcm")
	open, err := Open(Config{Kind: KindExec, Command: tee + " " + path})
	if err != nil {
		t.Fatal(err)
	}
	s, err := open(audio.DefaultFormat)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}

	pcm := bytes.Repeat([]byte{0xAA, 0x55}, 512)
	if _, err := s.Write(pcm); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("player received %d bytes, want %d", len(got), len(pcm))
	}
}

func TestExec_Errors(t *testing.T) {
	if _, err := NewExec(); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("NewExec() error = %v", err)
	}
	if _, err := NewExec(filepath.Join(t.TempDir(), "no-such-player")); err == nil {
		t.Error("NewExec() started a missing binary")
	}
}
