package muxsession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hullworks/deckhand/schema"
)

// captureGrace bounds how long stop waits for the capture subprocess to
// exit after SIGTERM before it is killed.
const captureGrace = 2 * time.Second

// capture supervises the subprocess streaming one window's output. The
// window's pane is piped into a named FIFO by tmux pipe-pane; a dedicated
// cat subprocess drains the FIFO so a wedged shell in one tab never blocks
// output delivery for any other tab.
type capture struct {
	tabID    schema.TabID
	fifoPath string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
}

// startCapture creates the FIFO and spawns the drain subprocess. onData
// receives output chunks in emission order; onDone fires exactly once when
// the subprocess exits, with its exit code (0 when unavailable) and any
// supervision error.
func startCapture(tabID schema.TabID, fifoPath string, onData func([]byte), onDone func(exitCode int, supervisionErr error)) (*capture, error) {
	_ = os.Remove(fifoPath)
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", fifoPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "cat", fifoPath)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = captureGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = os.Remove(fifoPath)
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.Remove(fifoPath)
		return nil, fmt.Errorf("capture start: %w", err)
	}

	c := &capture{
		tabID:    tabID,
		fifoPath: fifoPath,
		cmd:      cmd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		buf := make([]byte, 16*1024)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if readErr != nil {
				break
			}
		}
		waitErr := cmd.Wait()
		code := 0
		var supervision error
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				if exitCode := exitErr.ExitCode(); exitCode >= 0 {
					code = exitCode
				}
			} else {
				supervision = waitErr
			}
		}
		onDone(code, supervision)
	}()

	return c, nil
}

// stop terminates the subprocess and removes the FIFO. Safe to call
// redundantly.
func (c *capture) stop() {
	if c == nil {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(captureGrace + time.Second):
	}
	_ = os.Remove(c.fifoPath)
}
