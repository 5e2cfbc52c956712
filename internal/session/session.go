// Package session implements terminal sessions and the process-wide registry.
//
// A Session binds one PTY, one scrollback buffer and the set of attached
// subscribers. The registry owns the id → session map, mints session ids and
// enforces the retention window for closed sessions' buffers.
package session

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/webmux/webmux/internal/buffer"
	"github.com/webmux/webmux/internal/policy"
	"github.com/webmux/webmux/internal/pty"
	"github.com/webmux/webmux/internal/telemetry"
)

var (
	// ErrNotFound means the session id has no running session and no
	// retained buffer.
	ErrNotFound = errors.New("session: not found")
	// ErrPermissionDenied means the policy refused a write/resize/close.
	ErrPermissionDenied = errors.New("session: permission denied")
	// ErrWriteTimeout means the PTY write deadline expired; the session
	// itself stays up.
	ErrWriteTimeout = errors.New("session: pty write timeout")
	// ErrClosed means the target session is no longer running.
	ErrClosed = errors.New("session: closed")
)

// State is a session's lifecycle state.
type State string

const (
	StateSpawning       State = "spawning"
	StateRunning        State = "running"
	StateClosedGraceful State = "closed"
	StateClosedError    State = "error"
)

// terminal reports whether the state is final.
func (s State) terminal() bool {
	return s == StateClosedGraceful || s == StateClosedError
}

// PTY is the session's view of a pseudo-terminal. *pty.Handle implements it;
// tests substitute in-memory fakes.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Resize(cols, rows uint16) error
	Close(graceful bool) error
}

// Sink receives a session's output stream and lifecycle notifications.
// Implementations must not block: Output enqueues onto a bounded queue and
// reports an error when the subscriber cannot keep up, which causes the
// session to drop that subscriber.
type Sink interface {
	ID() string
	Output(sessionID string, data []byte) error
	SessionClosed(sessionID, reason string)
}

// settleDelay is how long a session may sit in Spawning before it is
// considered Running even without output.
const settleDelay = 150 * time.Millisecond

// readBufSize is the PTY read chunk size.
const readBufSize = 32 * 1024

// Session is the runtime binding of one PTY, one buffer and the attached
// subscribers.
type Session struct {
	id     string
	owner  policy.Identity
	access policy.Access

	pty PTY
	buf *buffer.Buffer

	openMode     bool
	writeTimeout time.Duration

	mu           sync.Mutex
	state        State
	reason       string
	subs         map[string]Sink
	cols, rows   uint16
	createdAt    time.Time
	lastActivity time.Time
	closedAt     time.Time
	closeReq     bool

	// onTerminal is invoked once, after the session reaches a final state.
	onTerminal func(*Session)
	// done is closed when the reader loop exits.
	done chan struct{}
}

// ID returns the server-minted session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the identity that created the session.
func (s *Session) Owner() policy.Identity { return s.owner }

// Access returns the session's ownership metadata for policy evaluation.
func (s *Session) Access() policy.Access { return s.access }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dimensions returns the current cols × rows.
func (s *Session) Dimensions() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last input or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// closedSince returns when the session reached a final state (zero if live).
func (s *Session) closedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// HistoryLines returns the number of buffered scrollback lines.
func (s *Session) HistoryLines() int { return s.buf.Lines() }

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Done is closed when the session's reader loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// readLoop streams PTY output: every chunk is appended to the buffer and
// then fanned out to subscribers under the same critical section, so no
// subscriber ever sees bytes that are not in the buffer.
//
// A multi-byte rune can straddle two reads; the incomplete tail is held back
// and prepended to the next chunk so every emitted chunk is valid UTF-8 on
// its own and survives JSON string framing byte-for-byte.
func (s *Session) readLoop() {
	defer close(s.done)

	buf := make([]byte, readBufSize)
	var pending []byte // incomplete trailing rune from the previous read
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(pending)+n)
			data = append(data, pending...)
			data = append(data, buf[:n]...)
			pending = nil
			if err == nil {
				if tail := partialRuneLen(data); tail > 0 {
					pending = append(pending, data[len(data)-tail:]...)
					data = data[:len(data)-tail]
				}
			}
			s.deliver(data, n)
		}
		if err != nil {
			// The stream is over; flush held bytes as-is.
			s.deliver(pending, 0)
			s.finishFromRead(err)
			return
		}
	}
}

// deliver appends one output chunk to the buffer and fans it out. nread is
// the fresh byte count for telemetry (held-back bytes were counted already).
func (s *Session) deliver(data []byte, nread int) {
	s.mu.Lock()
	if nread > 0 && s.state == StateSpawning {
		s.state = StateRunning
	}
	if len(data) > 0 {
		s.buf.Append(data)
		s.fanoutLocked(data)
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()

	if nread > 0 {
		telemetry.PTYBytesRead.Add(float64(nread))
	}
}

// partialRuneLen returns how many trailing bytes of b form the start of an
// incomplete UTF-8 sequence (0 when b ends on a rune boundary or on bytes
// that can never complete).
func partialRuneLen(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// fanoutLocked delivers one chunk to every subscriber, dropping any whose
// sink reports overflow so a slow client cannot stall the rest.
func (s *Session) fanoutLocked(data []byte) {
	for id, sink := range s.subs {
		if err := sink.Output(s.id, data); err != nil {
			delete(s.subs, id)
			telemetry.SubscriberDrops.Inc()
			log.Printf("[session] %s dropped slow subscriber %s: %v", s.id, id, err)
		}
	}
}

// finishFromRead maps the reader loop's terminating error onto a final state.
func (s *Session) finishFromRead(err error) {
	s.mu.Lock()
	requested := s.closeReq
	reason := s.reason
	s.mu.Unlock()

	switch {
	case requested, errors.Is(err, io.EOF), errors.Is(err, pty.ErrNotOpen):
		if reason == "" {
			reason = "exited"
		}
		s.finish(StateClosedGraceful, reason)
	default:
		s.finish(StateClosedError, err.Error())
	}
}

// finish moves the session to a final state exactly once and emits a single
// close notification to every current subscriber.
func (s *Session) finish(state State, reason string) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.reason = reason
	s.closedAt = time.Now()
	subs := make([]Sink, 0, len(s.subs))
	for _, sink := range s.subs {
		subs = append(subs, sink)
	}
	s.subs = make(map[string]Sink)
	cb := s.onTerminal
	s.mu.Unlock()

	for _, sink := range subs {
		sink.SessionClosed(s.id, reason)
	}

	telemetry.SessionsClosed.Inc()
	telemetry.SessionsLive.Dec()
	log.Printf("[session] %s finished: state=%s reason=%s", s.id, state, reason)

	if cb != nil {
		cb(s)
	}
}

// settle promotes a session that produced no output yet from Spawning to
// Running once the settle delay has passed.
func (s *Session) settle() {
	s.mu.Lock()
	if s.state == StateSpawning {
		s.state = StateRunning
	}
	s.mu.Unlock()
}

// Attach installs a subscriber. The buffered scrollback is replayed to the
// sink before the subscriber joins the live fan-out, all under the session
// mutex, so the subscriber sees replay followed by a gapless, duplicate-free
// continuation of live output.
func (s *Session) Attach(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return ErrClosed
	}

	for _, frag := range s.buf.Replay() {
		if err := sink.Output(s.id, frag); err != nil {
			return err
		}
	}
	s.subs[sink.ID()] = sink
	return nil
}

// Detach removes a subscriber. Live output continues for the rest.
func (s *Session) Detach(sinkID string) {
	s.mu.Lock()
	delete(s.subs, sinkID)
	empty := len(s.subs) == 0
	errored := s.state == StateClosedError
	cb := s.onTerminal
	s.mu.Unlock()

	// Errored sessions are removed once the last subscriber leaves.
	if empty && errored && cb != nil {
		cb(s)
	}
}

// Replay returns the buffered scrollback fragments in order.
func (s *Session) Replay() [][]byte { return s.buf.Replay() }

// WriteInput forwards keystrokes to the PTY, gated by the permission policy.
// A write that would block beyond the configured deadline fails with
// ErrWriteTimeout; the session stays up.
func (s *Session) WriteInput(data []byte, ident policy.Identity, role policy.Role) error {
	if !policy.CanWrite(role, ident, s.access, s.openMode) {
		telemetry.PermissionDenials.Inc()
		return ErrPermissionDenied
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.pty.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.pty.SetWriteDeadline(time.Time{})
	}

	n, err := s.pty.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrWriteTimeout
		}
		if errors.Is(err, pty.ErrNotOpen) {
			return ErrClosed
		}
		return err
	}
	telemetry.PTYBytesWritten.Add(float64(n))
	return nil
}

// Resize changes the PTY dimensions, gated by the permission policy.
// Dimensions are clamped to 1..1000 in both axes.
func (s *Session) Resize(cols, rows uint16, ident policy.Identity, role policy.Role) error {
	if !policy.CanWrite(role, ident, s.access, s.openMode) {
		telemetry.PermissionDenials.Inc()
		return ErrPermissionDenied
	}

	cols = clampDim(cols)
	rows = clampDim(rows)

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	return s.pty.Resize(cols, rows)
}

func clampDim(v uint16) uint16 {
	if v < 1 {
		return 1
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// Close ends the session. With a non-empty identity the permission policy is
// applied; the registry and shutdown paths pass ident="" role=Supervisor.
// The PTY is closed gracefully, the reader loop drains remaining output into
// the buffer, and subscribers receive exactly one close notification.
func (s *Session) Close(ident policy.Identity, role policy.Role, reason string) error {
	if ident != "" || role != policy.RoleSupervisor {
		if !policy.CanWrite(role, ident, s.access, s.openMode) {
			telemetry.PermissionDenials.Inc()
			return ErrPermissionDenied
		}
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	s.closeReq = true
	if reason != "" {
		s.reason = reason
	}
	s.mu.Unlock()

	// Closing the PTY unblocks the reader, which drains any final output
	// and drives the terminal-state transition.
	return s.pty.Close(true)
}
