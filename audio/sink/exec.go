package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ardnew/softaoa/pkg"
)

// exitTimeout is how long Close waits for the player to drain.
const exitTimeout = 2 * time.Second

// Exec pipes PCM into the standard input of a player process. A player
// that cannot keep up blocks Write, which is the backpressure the
// pipeline relies on.
type Exec struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	exited chan struct{}
	err    error

	closeOnce sync.Once
	closeErr  error
}

// NewExec starts the player.
func NewExec(args ...string) (*Exec, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty player command", pkg.ErrInvalidParameter)
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	e := &Exec{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go func() {
		e.err = cmd.Wait()
		close(e.exited)
	}()

	pkg.LogDebug(pkg.ComponentAudio, "player started", "command", args, "pid", cmd.Process.Pid)
	return e, nil
}

func (e *Exec) Write(p []byte) (int, error) {
	select {
	case <-e.exited:
		return 0, fmt.Errorf("player exited: %v", e.err)
	default:
	}
	return e.stdin.Write(p)
}

// Close ends the player's input and waits for it to exit, killing it if
// it does not.
func (e *Exec) Close() error {
	e.closeOnce.Do(func() {
		e.stdin.Close()

		select {
		case <-e.exited:
		case <-time.After(exitTimeout):
			pkg.LogWarn(pkg.ComponentAudio, "player did not exit, killing", "pid", e.cmd.Process.Pid)
			e.cmd.Process.Kill()
			<-e.exited
		}

		var exitErr *exec.ExitError
		if e.err != nil && !errors.As(e.err, &exitErr) {
			e.closeErr = e.err
		}
	})
	return e.closeErr
}
