package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/softaoa/accessory"
	"github.com/ardnew/softaoa/pkg"
)

// runApp runs the app with an empty config file and returns its output.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "softaoa.hjson")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	err := app.RunContext(ctx, append([]string{"softaoa", "--config", path}, args...))
	return out.String(), err
}

// =============================================================================
// Command Tests
// =============================================================================

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    accessory.Identity
		wantErr bool
	}{
		{"18d1:2d05", accessory.Identity{VendorID: 0x18D1, ProductID: 0x2D05}, false},
		{"0x18D1:0x4EE2", accessory.Identity{VendorID: 0x18D1, ProductID: 0x4EE2}, false},
		{"18d1", accessory.Identity{}, true},
		{"18d1:zzzz", accessory.Identity{}, true},
		{"118d1:2d00", accessory.Identity{}, true},
	}

	for _, tt := range tests {
		got, err := parseID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("parseID(%q) error = %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseID(%q) = %+v, %v", tt.in, got, err)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{"18d1:2d05", "accessory-audio"},
		{"18d1:2d00", "accessory"},
		{"18d1:4ee2", "requires-mode-switch"},
		{"1d6b:0002", "unsupported"},
	}

	for _, tt := range tests {
		out, err := runApp(t, "classify", tt.arg)
		if err != nil {
			t.Fatalf("classify %s: %v", tt.arg, err)
		}
		if !strings.Contains(out, tt.want) {
			t.Errorf("classify %s = %q, want %q", tt.arg, out, tt.want)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := runApp(t, "--transport", "serial", "classify", "18d1:2d00"); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

func TestList_Sim(t *testing.T) {
	out, err := runApp(t, "--transport", "sim", "list", "--wait", "200ms")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "18d1:4e42") || !strings.Contains(out, "requires-mode-switch") {
		t.Errorf("list output = %q", out)
	}
}

func TestSimulate(t *testing.T) {
	out, err := runApp(t,
		"--sink", "discard",
		"--display", "terminal",
		"--settle-delay", "1ms",
		"simulate", "--step", "5ms")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	for _, want := range []string{">> slide 2/4", "now playing: Boards of Canada", "session ended (detached)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
