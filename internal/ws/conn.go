package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/webmux/webmux/internal/policy"
	"github.com/webmux/webmux/internal/telemetry"
)

// connWriteTimeout bounds a single websocket write.
const connWriteTimeout = 10 * time.Second

// StatusQueueOverflow is the close code sent when a client cannot drain its
// outbound queue fast enough.
const StatusQueueOverflow websocket.StatusCode = 4429

// errConnClosing reports an enqueue on a connection that is shutting down.
var errConnClosing = errors.New("ws: connection closing")

// Conn is one connected client. All outbound frames pass through a bounded
// queue drained by a single writer goroutine; enqueueing never blocks, and a
// full queue closes the connection rather than stalling the sessions that
// feed it.
type Conn struct {
	id       string
	identity policy.Identity

	sock *websocket.Conn
	out  chan []byte

	// ctx covers the connection's lifetime; cancellation is a hard
	// teardown. stop asks the writer to finish its current frame and run
	// the close handshake with the recorded status.
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	role        policy.Role
	closeCode   websocket.StatusCode
	closeReason string
	// subs tracks the session ids this connection is attached to, so the
	// server can detach them on disconnect.
	subs map[string]bool

	// pumpDone is closed when the writer goroutine has exited, close
	// handshake included.
	pumpDone chan struct{}
}

func newConn(ctx context.Context, sock *websocket.Conn, ident policy.Identity, role policy.Role, queueFrames int) *Conn {
	if queueFrames <= 0 {
		queueFrames = 256
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Conn{
		id:       "c-" + uuid.NewString(),
		identity: ident,
		sock:     sock,
		out:      make(chan []byte, queueFrames),
		ctx:      cctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		role:     role,
		subs:     make(map[string]bool),
		pumpDone: make(chan struct{}),
	}
}

// ID returns the connection identifier. It doubles as the subscriber id for
// session attachment.
func (c *Conn) ID() string { return c.id }

// Identity returns the principal resolved at accept time.
func (c *Conn) Identity() policy.Identity { return c.identity }

// Role returns the connection's current capability level.
func (c *Conn) Role() policy.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// downgradeToViewer drops the connection to read-only. Connections can
// self-restrict but never escalate past the transport-resolved role.
func (c *Conn) downgradeToViewer() {
	c.mu.Lock()
	c.role = policy.RoleViewer
	c.mu.Unlock()
}

// Output implements session.Sink: terminal output is framed as one or more
// terminal_output events, each at most the transport ceiling, enqueued in
// order. The cut backs off to a rune boundary so no frame carries a torn
// multi-byte sequence through JSON. Overflow fails the whole connection.
func (c *Conn) Output(sessionID string, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxFrameData {
			chunk = chunk[:runeSafeCut(data, maxFrameData)]
		}
		data = data[len(chunk):]

		frame := marshalFrame("terminal_output", "", terminalOutputPayload{
			Session: sessionID,
			Data:    string(chunk),
		})
		if err := c.enqueue(frame); err != nil {
			return err
		}
		telemetry.OutputFrames.Inc()
	}
	return nil
}

// runeSafeCut returns the largest cut point <= limit that does not split a
// UTF-8 sequence. Binary data with no boundary near the limit is cut raw.
func runeSafeCut(data []byte, limit int) int {
	for i := limit; i > limit-utf8.UTFMax && i > 0; i-- {
		if utf8.RuneStart(data[i]) {
			return i
		}
	}
	return limit
}

// SessionClosed implements session.Sink.
func (c *Conn) SessionClosed(sessionID, reason string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()

	_ = c.enqueue(marshalFrame("terminal_closed", "", terminalClosedPayload{
		Session: sessionID,
		Reason:  reason,
	}))
}

// enqueue places a frame on the outbound queue without blocking. A full
// queue means the client is too slow; the connection is closed with
// StatusQueueOverflow and the error is returned so sessions drop this sink.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.stop:
		return errConnClosing
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}

	select {
	case c.out <- frame:
		return nil
	default:
		c.fail(StatusQueueOverflow, "outbound queue overflow")
		return errConnClosing
	}
}

// send enqueues a frame, ignoring failure (the connection is already dying).
func (c *Conn) send(frame []byte) {
	_ = c.enqueue(frame)
}

// sendError enqueues an error event of the given name.
func (c *Conn) sendError(event, requestID, sessionID, code, msg string) {
	c.send(marshalFrame(event, requestID, errorPayload{
		Session: sessionID,
		Error:   code,
		Message: msg,
	}))
}

// track records a session this connection is subscribed to.
func (c *Conn) track(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
}

// trackedSessions returns the session ids this connection is attached to.
func (c *Conn) trackedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

// fail records the close status and signals the writer to run the close
// handshake, exactly once. It never blocks, so it is safe to call from
// under any lock, the session fan-out path included.
func (c *Conn) fail(code websocket.StatusCode, reason string) {
	c.stopOnce.Do(func() {
		log.Printf("[ws] closing %s: %d %s", c.id, code, reason)
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.stop)
	})
}

// writePump drains the outbound queue onto the socket. On stop it finishes
// the in-flight frame and performs the close handshake with the recorded
// status; pending queued frames are discarded.
func (c *Conn) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.stop:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.sock.Close(code, reason)
			return
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, connWriteTimeout)
			err := c.sock.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
