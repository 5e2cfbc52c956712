package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webmux/webmux/internal/buffer"
	"github.com/webmux/webmux/internal/policy"
	"github.com/webmux/webmux/internal/pty"
	"github.com/webmux/webmux/internal/telemetry"
)

// SpawnFunc creates the PTY for a new session. Production wires pty.Start;
// tests inject in-memory fakes.
type SpawnFunc func(command string, env []string, cols, rows uint16) (PTY, error)

// Config carries the registry-wide session settings.
type Config struct {
	// Shell is the default command for new sessions.
	Shell string
	// Env is appended to every session's environment.
	Env []string

	ScrollbackBytes int
	ScrollbackLines int

	// WriteTimeout bounds a single PTY write.
	WriteTimeout time.Duration
	// CloseGrace is the SIGHUP→SIGKILL grace on close.
	CloseGrace time.Duration
	// RetentionWindow is how long closed sessions' buffers are retained.
	RetentionWindow time.Duration

	// OpenMode permits anonymous writes (auth-less deployments).
	OpenMode bool

	// Spawn overrides PTY creation; nil uses a real PTY.
	Spawn SpawnFunc
}

// DefaultRetentionWindow is how long a closed session's buffer is kept for
// replay before the sweeper removes it.
const DefaultRetentionWindow = 24 * time.Hour

// CreateSpec describes a requested session.
type CreateSpec struct {
	// Command overrides the registry's default shell when non-empty.
	Command string
	Env     []string
	Cols    uint16
	Rows    uint16

	// AllowAnyAuthenticated opens write access to any non-viewer identity.
	AllowAnyAuthenticated bool
	// Allowed grants write access to specific identities beyond the owner.
	Allowed []policy.Identity
}

// AttachResult reports what AttachOrReplay did.
type AttachResult int

const (
	// Attached means the session is live and the sink now receives output.
	Attached AttachResult = iota
	// ReplayedClosed means only the retained buffer was replayed; no live
	// output follows.
	ReplayedClosed
)

// Registry is the process-wide map of session id → session. All operations
// are safe under concurrent access; per-session work serializes on the
// session's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config

	// evict is notified after a session is removed from the map, so holders
	// of session references (workspace panes) can drop theirs too.
	evict func(sessionID string)
}

// OnEvict installs the eviction callback. It fires once per removed session,
// outside the registry lock.
func (r *Registry) OnEvict(fn func(sessionID string)) {
	r.mu.Lock()
	r.evict = fn
	r.mu.Unlock()
}

func (r *Registry) notifyEvict(ids ...string) {
	r.mu.RLock()
	fn := r.evict
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = buffer.DefaultByteCap
	}
	if cfg.ScrollbackLines <= 0 {
		cfg.ScrollbackLines = buffer.DefaultLineCap
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.Spawn == nil {
		grace := cfg.CloseGrace
		cfg.Spawn = func(command string, env []string, cols, rows uint16) (PTY, error) {
			return pty.Start(command, env, cols, rows, grace)
		}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Create constructs and starts a new terminal session owned by owner,
// stored under a freshly minted id. Ids are never reused.
func (r *Registry) Create(spec CreateSpec, owner policy.Identity) (*Session, error) {
	command := spec.Command
	if command == "" {
		command = r.cfg.Shell
	}
	env := append(append([]string{}, r.cfg.Env...), spec.Env...)

	cols := clampDim(spec.Cols)
	rows := clampDim(spec.Rows)

	handle, err := r.cfg.Spawn(command, env, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("spawn session: %w", err)
	}

	allowed := make(map[policy.Identity]bool, len(spec.Allowed))
	for _, id := range spec.Allowed {
		allowed[id] = true
	}

	now := time.Now()
	s := &Session{
		id:    "s-" + uuid.NewString(),
		owner: owner,
		access: policy.Access{
			Owner:                 owner,
			Allowed:               allowed,
			AllowAnyAuthenticated: spec.AllowAnyAuthenticated,
		},
		pty:          handle,
		buf:          buffer.New(r.cfg.ScrollbackBytes, r.cfg.ScrollbackLines),
		openMode:     r.cfg.OpenMode,
		writeTimeout: r.cfg.WriteTimeout,
		state:        StateSpawning,
		subs:         make(map[string]Sink),
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	s.onTerminal = func(sess *Session) { r.onSessionTerminal(sess) }

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go s.readLoop()
	time.AfterFunc(settleDelay, s.settle)

	telemetry.SessionsCreated.Inc()
	telemetry.SessionsLive.Inc()
	log.Printf("[registry] created session %s owner=%s cmd=%s %dx%d", s.id, owner, command, cols, rows)
	return s, nil
}

// onSessionTerminal runs when a session reaches a final state. Errored
// sessions with no subscribers are removed immediately; gracefully closed
// ones keep their buffer until the retention sweep.
func (r *Registry) onSessionTerminal(s *Session) {
	if s.State() == StateClosedError && s.SubscriberCount() == 0 {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
		r.notifyEvict(s.id)
		log.Printf("[registry] removed errored session %s", s.id)
	}
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// AttachOrReplay attaches the sink to a live session, or replays the
// retained buffer of a closed one (no live output follows in that case).
func (r *Registry) AttachOrReplay(id string, sink Sink) (AttachResult, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}

	switch err := s.Attach(sink); {
	case err == nil:
		return Attached, nil
	case !errors.Is(err, ErrClosed):
		return 0, err
	}

	// Closed but retained: replay the snapshot only.
	for _, frag := range s.Replay() {
		if err := sink.Output(s.id, frag); err != nil {
			return 0, err
		}
	}
	return ReplayedClosed, nil
}

// Close permission-checks and closes the session.
func (r *Registry) Close(id string, ident policy.Identity, role policy.Role) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Close(ident, role, "closed by client")
}

// Info is a session's metadata as exposed on the REST surface.
type Info struct {
	ID           string          `json:"id"`
	Owner        policy.Identity `json:"owner"`
	State        State           `json:"state"`
	Cols         uint16          `json:"cols"`
	Rows         uint16          `json:"rows"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
	HistoryLines int             `json:"historyLines"`
	Subscribers  int             `json:"subscribers"`
}

// List returns metadata for every tracked session, closed-but-retained
// included.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		cols, rows := s.Dimensions()
		infos = append(infos, Info{
			ID:           s.ID(),
			Owner:        s.Owner(),
			State:        s.State(),
			Cols:         cols,
			Rows:         rows,
			CreatedAt:    s.CreatedAt(),
			LastActivity: s.LastActivity(),
			HistoryLines: s.HistoryLines(),
			Subscribers:  s.SubscriberCount(),
		})
	}
	return infos
}

// ListByIdentity returns the ids of live sessions owned by ident.
func (r *Registry) ListByIdentity(ident policy.Identity) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.Owner() == ident && !s.State().terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of tracked sessions, closed-but-retained included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired removes closed sessions whose buffers have outlived the
// retention window. Run periodically; the registry never retains closed
// sessions unboundedly.
func (r *Registry) SweepExpired() int {
	cutoff := time.Now().Add(-r.cfg.RetentionWindow)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if closed := s.closedSince(); !closed.IsZero() && closed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	r.notifyEvict(expired...)

	if len(expired) > 0 {
		log.Printf("[registry] swept %d expired session buffers", len(expired))
	}
	return len(expired)
}

// CloseAll gracefully closes every live session and waits up to drain for
// their reader loops to finish. Used on process shutdown.
func (r *Registry) CloseAll(drain time.Duration) {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.State().terminal() {
			live = append(live, s)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close("", policy.RoleSupervisor, "server shutdown")
			<-s.Done()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		log.Printf("[registry] shutdown drain timed out with sessions still closing")
	}
}
