package pty

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// readUntil reads from h until the accumulated output contains want or the
// deadline passes.
func readUntil(t *testing.T, h *Handle, want string, timeout time.Duration) string {
	t.Helper()
	var out bytes.Buffer
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := h.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
			if strings.Contains(out.String(), want) {
				return out.String()
			}
		}
		if err != nil {
			t.Fatalf("read: %v (got %q so far)", err, out.String())
		}
	}
	t.Fatalf("timed out waiting for %q, got %q", want, out.String())
	return ""
}

func TestStartEchoClose(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(false)

	if _, err := h.Write([]byte("echo marker123\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, h, "marker123", 5*time.Second)
}

func TestStartFailure(t *testing.T) {
	_, err := Start("/nonexistent/shell-binary", nil, 80, 24, time.Second)
	if err == nil {
		t.Fatal("expected error for nonexistent shell")
	}
	if !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestEOFAfterExit(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(false)

	if _, err := h.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Drain until EOF.
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	var sawEOF bool
	for time.Now().Before(deadline) {
		_, err := h.Read(buf)
		if err == io.EOF {
			sawEOF = true
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !sawEOF {
		t.Fatal("expected EOF after shell exit")
	}

	// EOF is reported exactly once; afterwards the handle is not open.
	if _, err := h.Read(buf); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen after EOF, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := h.Write([]byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen writing to closed handle, got %v", err)
	}
}

func TestResize(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close(false)

	if err := h.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	cols, rows := h.Size()
	if cols != 120 || rows != 40 {
		t.Errorf("expected 120x40, got %dx%d", cols, rows)
	}

	// Same dimensions again is a no-op success.
	if err := h.Resize(120, 40); err != nil {
		t.Errorf("idempotent resize failed: %v", err)
	}
}

func TestResizeClosedIsNoop(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Close(false)

	if err := h.Resize(100, 30); err != nil {
		t.Errorf("resize of closed handle should succeed as no-op, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	h, err := Start("/bin/sh", nil, 80, 24, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(true); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(true); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
