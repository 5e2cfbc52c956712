package workspace

import (
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestCreateTabMintsServerIDs(t *testing.T) {
	w := New(nil)

	tab, err := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal, WithDefaultPane: true})
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if !strings.HasPrefix(tab.ID, "t-") {
		t.Errorf("expected server-minted tab id, got %q", tab.ID)
	}
	if len(tab.Panes) != 1 {
		t.Fatalf("expected default pane, got %d", len(tab.Panes))
	}
	if !strings.HasPrefix(tab.Panes[0].ID, "p-") {
		t.Errorf("expected server-minted pane id, got %q", tab.Panes[0].ID)
	}

	snap := w.Snapshot()
	if snap.ActiveTabID != tab.ID {
		t.Errorf("expected first tab to become active, got %q", snap.ActiveTabID)
	}
}

func TestCreateTabRejectsUnknownType(t *testing.T) {
	w := New(nil)
	if _, err := w.CreateTab(TabSpec{Title: "x", Type: "browser"}); err != ErrInvalidSpec {
		t.Errorf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestCreateDeleteRoundTrip(t *testing.T) {
	w := New(nil)
	before := w.Snapshot()

	tab, err := w.CreateTab(TabSpec{Title: "tmp", Type: TabTerminal})
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if _, err := w.DeleteTab(tab.ID); err != nil {
		t.Fatalf("DeleteTab: %v", err)
	}

	after := w.Snapshot()
	if !reflect.DeepEqual(before.Tabs, after.Tabs) {
		t.Errorf("workspace shape changed after create+delete: %+v vs %+v", before.Tabs, after.Tabs)
	}
}

func TestDeleteTabReturnsBoundSessions(t *testing.T) {
	w := New(nil)
	tab, _ := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal, WithDefaultPane: true})
	pane2, _ := w.CreatePane(tab.ID, PaneSpec{Type: TabTerminal})

	if err := w.BindPaneToSession(tab.Panes[0].ID, "s-one"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := w.BindPaneToSession(pane2.ID, "s-two"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ids, err := w.DeleteTab(tab.ID)
	if err != nil {
		t.Fatalf("DeleteTab: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 bound session ids, got %v", ids)
	}
}

func TestBindPaneIdempotent(t *testing.T) {
	var mu sync.Mutex
	var events []string
	w := New(func(event string, _ any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	tab, _ := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal, WithDefaultPane: true})
	paneID := tab.Panes[0].ID

	if err := w.BindPaneToSession(paneID, "s-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := w.BindPaneToSession(paneID, "s-1"); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	bound := 0
	for _, e := range events {
		if e == "pane_bound" {
			bound++
		}
	}
	if bound != 1 {
		t.Errorf("expected exactly one pane_bound broadcast, got %d (%v)", bound, events)
	}
}

func TestBroadcastOrderMatchesApplyOrder(t *testing.T) {
	var mu sync.Mutex
	var events []string
	w := New(func(event string, _ any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	tab, _ := w.CreateTab(TabSpec{Title: "a", Type: TabTerminal})
	w.CreatePane(tab.ID, PaneSpec{Type: TabTerminal})
	w.DeleteTab(tab.ID)

	want := []string{"tab_created", "pane_created", "tab_deleted"}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(events, want) {
		t.Errorf("broadcast order %v, want %v", events, want)
	}
}

func TestDeletePane(t *testing.T) {
	w := New(nil)
	tab, _ := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal})
	pane, _ := w.CreatePane(tab.ID, PaneSpec{Type: TabTerminal})
	w.BindPaneToSession(pane.ID, "s-9")

	sessionID, err := w.DeletePane(pane.ID)
	if err != nil {
		t.Fatalf("DeletePane: %v", err)
	}
	if sessionID != "s-9" {
		t.Errorf("expected bound session id back, got %q", sessionID)
	}
	if _, err := w.DeletePane(pane.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestUnbindSession(t *testing.T) {
	w := New(nil)
	tab, _ := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal, WithDefaultPane: true})
	w.BindPaneToSession(tab.Panes[0].ID, "s-5")

	w.UnbindSession("s-5")

	snap := w.Snapshot()
	if snap.Tabs[0].Panes[0].SessionID != "" {
		t.Errorf("expected session unbound, got %q", snap.Tabs[0].Panes[0].SessionID)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	w := New(nil)
	tab, _ := w.CreateTab(TabSpec{Title: "shell", Type: TabTerminal, WithDefaultPane: true})

	snap := w.Snapshot()
	snap.Tabs[0].Panes[0].SessionID = "hacked"

	if err := w.BindPaneToSession(tab.Panes[0].ID, "s-real"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got := w.Snapshot().Tabs[0].Panes[0].SessionID; got != "s-real" {
		t.Errorf("snapshot mutation leaked into workspace: %q", got)
	}
}
