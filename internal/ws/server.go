// Package ws is the broker's websocket surface: it accepts client
// connections, resolves their identity, and dispatches the JSON event
// protocol onto the session registry and the workspace.
package ws

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/webmux/webmux/internal/logutil"
	"github.com/webmux/webmux/internal/policy"
	"github.com/webmux/webmux/internal/pty"
	"github.com/webmux/webmux/internal/session"
	"github.com/webmux/webmux/internal/telemetry"
	"github.com/webmux/webmux/internal/workspace"
)

// messageRateLimit is the maximum number of inbound messages per second per
// connection. Messages beyond this rate are dropped.
const messageRateLimit = 200

// messageRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (e.g. paste operations) before rate limiting kicks in.
const messageRateBurst = 200

// maxReadSize caps a single inbound websocket message.
const maxReadSize = 1 << 20

// Default terminal dimensions when the client does not ask for any.
const (
	defaultCols uint16 = 80
	defaultRows uint16 = 24
)

// Identity headers set by a fronting auth proxy. Absent headers mean the
// connection is anonymous.
const (
	headerUser = "X-Webmux-User"
	headerRole = "X-Webmux-Role"
)

// Options tunes the websocket server.
type Options struct {
	// OutboundQueueFrames is the per-connection outbound queue depth.
	OutboundQueueFrames int
}

type handlerFunc func(s *Server, c *Conn, env Envelope)

// Server owns the connection set, the workspace, and the event dispatch
// table.
type Server struct {
	registry *session.Registry
	ws       *workspace.Workspace
	opts     Options

	mu    sync.Mutex
	conns map[string]*Conn

	handlers map[string]handlerFunc
}

// NewServer builds the websocket server around an existing registry. The
// workspace is created here so its broadcasts reach every connection.
func NewServer(registry *session.Registry, opts Options) *Server {
	s := &Server{
		registry: registry,
		opts:     opts,
		conns:    make(map[string]*Conn),
	}
	s.ws = workspace.New(s.broadcastEvent)
	// Panes must not point at sessions the registry no longer tracks,
	// whichever path removed them (errored teardown, retention sweep).
	registry.OnEvict(func(sessionID string) { s.ws.UnbindSession(sessionID) })
	s.handlers = map[string]handlerFunc{
		"workspace_connect": (*Server).handleWorkspaceConnect,
		"workspace_get":     (*Server).handleWorkspaceGet,
		"tab_create":        (*Server).handleTabCreate,
		"tab_delete":        (*Server).handleTabDelete,
		"pane_create":       (*Server).handlePaneCreate,
		"pane_delete":       (*Server).handlePaneDelete,
		"set_active_tab":    (*Server).handleSetActiveTab,
		"create_terminal":   (*Server).handleCreateTerminal,
		"terminal_input":    (*Server).handleTerminalInput,
		"terminal_resize":   (*Server).handleTerminalResize,
		"close_terminal":    (*Server).handleCloseTerminal,
		"reconnect_session": (*Server).handleReconnectSession,
		"resume_workspace":  (*Server).handleResumeWorkspace,
	}
	return s
}

// Workspace exposes the server's workspace, used by the REST surface.
func (s *Server) Workspace() *workspace.Workspace { return s.ws }

// ServeHTTP upgrades the request and runs the connection until the client
// goes away. Disconnect detaches the connection from its sessions; the
// sessions themselves keep running.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept failed: %v", err)
		return
	}
	defer sock.CloseNow()

	sock.SetReadLimit(maxReadSize)

	ident, role := IdentityFromRequest(r)
	c := newConn(r.Context(), sock, ident, role, s.opts.OutboundQueueFrames)
	defer c.cancel()

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	telemetry.ClientsConnected.Inc()
	log.Printf("[ws] %s connected ident=%s role=%s", c.id, logutil.SanitizeForLog(string(ident)), role)

	go c.writePump()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	telemetry.ClientsConnected.Dec()

	for _, sid := range c.trackedSessions() {
		if sess, err := s.registry.Get(sid); err == nil {
			sess.Detach(c.id)
		}
	}

	// Let the writer finish its close handshake before the deferred
	// CloseNow tears the socket down.
	c.fail(websocket.StatusNormalClosure, "")
	select {
	case <-c.pumpDone:
	case <-time.After(connWriteTimeout):
	}
	log.Printf("[ws] %s disconnected", c.id)
}

// readLoop reads and dispatches inbound frames until the socket closes.
func (s *Server) readLoop(c *Conn) {
	limiter := newTokenBucket(messageRateBurst, messageRateLimit)

	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("error", "", "", CodeInvalidRequest, "malformed envelope")
			continue
		}

		handler, ok := s.handlers[env.Type]
		if !ok {
			c.sendError("error", env.RequestID, "", CodeInvalidRequest, "unknown event type: "+logutil.SanitizeForLog(env.Type))
			continue
		}
		handler(s, c, env)
	}
}

// broadcastEvent fans a workspace event out to every connection. It is
// invoked inside the workspace critical section, so it must not block;
// enqueue is non-blocking and overflow fails only the slow connection.
func (s *Server) broadcastEvent(event string, payload any) {
	frame := marshalFrame(event, "", payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.enqueue(frame)
	}
}

// IdentityFromRequest resolves the connection's principal. A fronting auth
// proxy sets the identity headers; without them the connection is anonymous,
// fingerprinted by remote host so reconnects from the same machine map to
// the same identity.
func IdentityFromRequest(r *http.Request) (policy.Identity, policy.Role) {
	if user := r.Header.Get(headerUser); user != "" {
		role := policy.ParseRole(r.Header.Get(headerRole))
		if role == policy.RoleAnonymous {
			role = policy.RoleUser
		}
		return policy.Identity(user), role
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	sum := sha256.Sum256([]byte(host))
	return policy.Identity("anon-" + hex.EncodeToString(sum[:6])), policy.RoleAnonymous
}

// errCode maps internal errors onto wire error codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, session.ErrWriteTimeout):
		return CodeWriteTimeout
	case errors.Is(err, session.ErrClosed):
		return CodeSessionClosed
	case errors.Is(err, pty.ErrSpawnFailed):
		return CodeSpawnFailed
	case errors.Is(err, workspace.ErrInvalidSpec):
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

// tokenBucket is a simple per-connection rate limiter for inbound messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
