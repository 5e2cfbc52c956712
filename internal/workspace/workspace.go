// Package workspace holds the server-authoritative tab/pane structure that
// clients resume into after a reconnect.
//
// The workspace is the sole authority on tab and pane identity and ordering:
// every id is minted here, every mutation happens under one mutex, and the
// broadcast callback runs inside the critical section so all clients observe
// mutations in apply order.
package workspace

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the referenced tab or pane does not exist.
	ErrNotFound = errors.New("workspace: not found")
	// ErrInvalidSpec means the client supplied a malformed or forbidden
	// creation spec (for example its own id).
	ErrInvalidSpec = errors.New("workspace: invalid spec")
)

// Tab types understood by the workspace.
const (
	TabTerminal   = "terminal"
	TabAIAgent    = "ai-agent"
	TabLogMonitor = "log-monitor"
)

// Pane is an organizational slot inside a tab, optionally bound to a
// terminal session.
type Pane struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SubType   string `json:"subType,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Tab is an ordered group of panes.
type Tab struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Type    string  `json:"type"`
	SubType string  `json:"subType,omitempty"`
	Layout  string  `json:"layout,omitempty"`
	Panes   []*Pane `json:"panes"`
}

// Snapshot is a deep copy of the workspace shape, safe to marshal.
type Snapshot struct {
	ID          string `json:"id"`
	ActiveTabID string `json:"activeTabId,omitempty"`
	Tabs        []Tab  `json:"tabs"`
}

// TabSpec describes a requested tab. Client-supplied ids are rejected.
type TabSpec struct {
	Title   string
	Type    string
	SubType string
	Layout  string
	// WithDefaultPane creates one pane of the tab's type alongside the tab.
	WithDefaultPane bool
}

// PaneSpec describes a requested pane.
type PaneSpec struct {
	Type    string
	SubType string
}

// Broadcast is invoked inside the mutation critical section so delivery
// order equals apply order. Implementations must not block.
type Broadcast func(event string, payload any)

// Workspace is the singleton tab/pane model for the process.
type Workspace struct {
	mu          sync.Mutex
	id          string
	tabs        []*Tab
	activeTabID string
	broadcast   Broadcast
}

// New creates an empty workspace. The broadcast callback may be nil.
func New(broadcast Broadcast) *Workspace {
	if broadcast == nil {
		broadcast = func(string, any) {}
	}
	return &Workspace{
		id:        "w-" + uuid.NewString(),
		broadcast: broadcast,
	}
}

// ID returns the workspace identifier.
func (w *Workspace) ID() string {
	return w.id
}

// Snapshot returns a deep copy of the current structure.
func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workspace) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          w.id,
		ActiveTabID: w.activeTabID,
		Tabs:        make([]Tab, 0, len(w.tabs)),
	}
	for _, t := range w.tabs {
		tab := *t
		tab.Panes = make([]*Pane, len(t.Panes))
		for i, p := range t.Panes {
			cp := *p
			tab.Panes[i] = &cp
		}
		snap.Tabs = append(snap.Tabs, tab)
	}
	return snap
}

// CreateTab appends a new tab. The server assigns the tab id; terminal tabs
// may request a default pane in the same mutation.
func (w *Workspace) CreateTab(spec TabSpec) (Tab, error) {
	switch spec.Type {
	case TabTerminal, TabAIAgent, TabLogMonitor:
	default:
		return Tab{}, ErrInvalidSpec
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tab := &Tab{
		ID:      "t-" + uuid.NewString(),
		Title:   spec.Title,
		Type:    spec.Type,
		SubType: spec.SubType,
		Layout:  spec.Layout,
		Panes:   []*Pane{},
	}
	if spec.WithDefaultPane {
		tab.Panes = append(tab.Panes, &Pane{
			ID:      "p-" + uuid.NewString(),
			Type:    spec.Type,
			SubType: spec.SubType,
		})
	}

	w.tabs = append(w.tabs, tab)
	if w.activeTabID == "" {
		w.activeTabID = tab.ID
	}

	out := w.copyTabLocked(tab)
	w.broadcast("tab_created", map[string]any{"tab": out})
	return out, nil
}

// DeleteTab removes the tab and returns the session ids its panes were bound
// to, so the caller can close them through the registry.
func (w *Workspace) DeleteTab(id string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := -1
	for i, t := range w.tabs {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrNotFound
	}

	var sessionIDs []string
	for _, p := range w.tabs[idx].Panes {
		if p.SessionID != "" {
			sessionIDs = append(sessionIDs, p.SessionID)
		}
	}

	w.tabs = append(w.tabs[:idx], w.tabs[idx+1:]...)
	if w.activeTabID == id {
		w.activeTabID = ""
		if len(w.tabs) > 0 {
			w.activeTabID = w.tabs[0].ID
		}
	}

	w.broadcast("tab_deleted", map[string]any{"tabId": id})
	return sessionIDs, nil
}

// CreatePane appends a pane to the given tab.
func (w *Workspace) CreatePane(tabID string, spec PaneSpec) (Pane, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab := w.findTabLocked(tabID)
	if tab == nil {
		return Pane{}, ErrNotFound
	}

	pane := &Pane{
		ID:      "p-" + uuid.NewString(),
		Type:    spec.Type,
		SubType: spec.SubType,
	}
	tab.Panes = append(tab.Panes, pane)

	out := *pane
	w.broadcast("pane_created", map[string]any{"tabId": tabID, "pane": out})
	return out, nil
}

// DeletePane removes a pane and returns its bound session id, if any.
func (w *Workspace) DeletePane(paneID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tab := range w.tabs {
		for i, p := range tab.Panes {
			if p.ID == paneID {
				sessionID := p.SessionID
				tab.Panes = append(tab.Panes[:i], tab.Panes[i+1:]...)
				w.broadcast("pane_deleted", map[string]any{"tabId": tab.ID, "paneId": paneID})
				return sessionID, nil
			}
		}
	}
	return "", ErrNotFound
}

// BindPaneToSession records the session a pane hosts. Rebinding a pane to
// the session it already holds is a no-op; used during resume to stitch
// replayed panes to retained sessions.
func (w *Workspace) BindPaneToSession(paneID, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pane := w.findPaneLocked(paneID)
	if pane == nil {
		return ErrNotFound
	}
	if pane.SessionID == sessionID {
		return nil
	}
	pane.SessionID = sessionID
	w.broadcast("pane_bound", map[string]any{"paneId": paneID, "sessionId": sessionID})
	return nil
}

// UnbindSession clears the given session id from every pane referencing it.
func (w *Workspace) UnbindSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tab := range w.tabs {
		for _, p := range tab.Panes {
			if p.SessionID == sessionID {
				p.SessionID = ""
			}
		}
	}
}

// SetActiveTab records which tab clients should focus.
func (w *Workspace) SetActiveTab(tabID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.findTabLocked(tabID) == nil {
		return ErrNotFound
	}
	w.activeTabID = tabID
	w.broadcast("active_tab_changed", map[string]any{"tabId": tabID})
	return nil
}

// FindPaneTab returns the tab id holding the pane.
func (w *Workspace) FindPaneTab(paneID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tab := range w.tabs {
		for _, p := range tab.Panes {
			if p.ID == paneID {
				return tab.ID, nil
			}
		}
	}
	return "", ErrNotFound
}

func (w *Workspace) findTabLocked(id string) *Tab {
	for _, t := range w.tabs {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (w *Workspace) findPaneLocked(id string) *Pane {
	for _, tab := range w.tabs {
		for _, p := range tab.Panes {
			if p.ID == id {
				return p
			}
		}
	}
	return nil
}

func (w *Workspace) copyTabLocked(t *Tab) Tab {
	tab := *t
	tab.Panes = make([]*Pane, len(t.Panes))
	for i, p := range t.Panes {
		cp := *p
		tab.Panes[i] = &cp
	}
	return tab
}
