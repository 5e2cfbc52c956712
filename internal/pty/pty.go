// Package pty spawns shell processes inside pseudo-terminals and exposes
// the master side for reading, writing and resizing.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	// ErrSpawnFailed indicates the shell could not be started in a PTY.
	ErrSpawnFailed = errors.New("pty: spawn failed")
	// ErrNotOpen indicates an operation on a closed handle.
	ErrNotOpen = errors.New("pty: not open")
)

// DefaultCloseGrace is the SIGHUP→SIGKILL grace period used when Close is
// called without a configured grace.
const DefaultCloseGrace = 3 * time.Second

// Handle owns one PTY master and its shell child process.
type Handle struct {
	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	cols   uint16
	rows   uint16
	grace  time.Duration
	closed bool
	eofOut bool // EOF has been returned to the reader once
}

// Start spawns command inside a fresh PTY with the given dimensions. The
// child runs in its own session with the PTY slave as controlling terminal.
func Start(command string, env []string, cols, rows uint16, grace time.Duration) (*Handle, error) {
	if command == "" {
		command = "/bin/sh"
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if grace <= 0 {
		grace = DefaultCloseGrace
	}

	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrSpawnFailed, command, err)
	}

	return &Handle{
		ptmx:  ptmx,
		cmd:   cmd,
		cols:  cols,
		rows:  rows,
		grace: grace,
	}, nil
}

// Read reads available PTY output into p. After the child exits, the kernel
// reports EIO on the master; that is mapped to io.EOF exactly once, after
// which the handle reads fail with ErrNotOpen.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	if h.closed || h.eofOut {
		h.mu.Unlock()
		return 0, ErrNotOpen
	}
	ptmx := h.ptmx
	h.mu.Unlock()

	n, err := ptmx.Read(p)
	if err != nil {
		if isChildGone(err) {
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			h.mu.Lock()
			h.eofOut = true
			h.mu.Unlock()
		}
	}
	return n, err
}

// isChildGone reports whether a master-side read error means the child
// exited and the slave side is gone.
func isChildGone(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// Write delivers keystrokes to the PTY master.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrNotOpen
	}
	ptmx := h.ptmx
	h.mu.Unlock()

	return ptmx.Write(p)
}

// SetWriteDeadline bounds subsequent writes. Expired deadlines surface as
// os.ErrDeadlineExceeded from Write.
func (h *Handle) SetWriteDeadline(t time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotOpen
	}
	return h.ptmx.SetWriteDeadline(t)
}

// Resize issues the window-size ioctl. Resizing to the current dimensions
// skips the ioctl; resizing a closed handle is a no-op success.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if cols == h.cols && rows == h.rows {
		return nil
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	h.cols, h.rows = cols, rows
	return nil
}

// Size returns the current dimensions.
func (h *Handle) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Close terminates the child and releases the master fd. With graceful set,
// the child gets SIGHUP and the grace period to exit before SIGKILL;
// otherwise it is killed immediately. The child is always reaped.
func (h *Handle) Close(graceful bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ptmx := h.ptmx
	cmd := h.cmd
	grace := h.grace
	h.mu.Unlock()

	if cmd.Process != nil {
		if graceful {
			_ = cmd.Process.Signal(syscall.SIGHUP)

			done := make(chan struct{})
			go func() {
				cmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(grace):
				_ = cmd.Process.Kill()
				<-done
			}
		} else {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}

	return ptmx.Close()
}
