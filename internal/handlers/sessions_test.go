package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webmux/webmux/internal/session"
)

// stubPTY stays open until closed and produces no output.
type stubPTY struct {
	once sync.Once
	done chan struct{}
}

func newStubPTY() *stubPTY { return &stubPTY{done: make(chan struct{})} }

func (p *stubPTY) Read(b []byte) (int, error) {
	<-p.done
	return 0, io.EOF
}
func (p *stubPTY) Write(b []byte) (int, error)      { return len(b), nil }
func (p *stubPTY) SetWriteDeadline(time.Time) error { return nil }
func (p *stubPTY) Resize(cols, rows uint16) error   { return nil }
func (p *stubPTY) Close(bool) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func setupRESTServer(t *testing.T) *httptest.Server {
	t.Helper()
	Registry = session.NewRegistry(session.Config{
		Spawn: func(string, []string, uint16, uint16) (session.PTY, error) {
			return newStubPTY(), nil
		},
	})
	t.Cleanup(func() { Registry = nil })

	mux := chi.NewRouter()
	mux.Get("/healthz", HealthCheck)
	mux.Get("/api/v1/sessions", ListSessions)
	mux.Delete("/api/v1/sessions/{id}", CloseSession)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthCheck(t *testing.T) {
	ts := setupRESTServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	ts := setupRESTServer(t)

	s, err := Registry.Create(session.CreateSpec{Cols: 80, Rows: 24}, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET /api/v1/sessions: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(body.Sessions))
	}
	got := body.Sessions[0]
	if got.ID != s.ID() || got.Owner != "alice" {
		t.Errorf("unexpected session info: %+v", got)
	}

	// Identity filter excludes other owners.
	resp2, err := http.Get(ts.URL + "/api/v1/sessions?identity=bob")
	if err != nil {
		t.Fatalf("GET filtered: %v", err)
	}
	defer resp2.Body.Close()
	var filtered struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&filtered); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if len(filtered.Sessions) != 0 {
		t.Errorf("expected no sessions for bob, got %d", len(filtered.Sessions))
	}
}

func TestCloseSessionPermissions(t *testing.T) {
	ts := setupRESTServer(t)

	s, err := Registry.Create(session.CreateSpec{Cols: 80, Rows: 24}, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A different non-privileged user may not close it.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+s.ID(), nil)
	req.Header.Set("X-Webmux-User", "mallory")
	req.Header.Set("X-Webmux-Role", "User")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	// The owner may.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+s.ID(), nil)
	req.Header.Set("X-Webmux-User", "alice")
	req.Header.Set("X-Webmux-Role", "User")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	ts := setupRESTServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/s-nope", nil)
	req.Header.Set("X-Webmux-User", "alice")
	req.Header.Set("X-Webmux-Role", "User")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
