// Package handlers implements the REST surface that sits next to the
// websocket endpoint: session inventory and administrative close.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/webmux/webmux/internal/logutil"
	"github.com/webmux/webmux/internal/session"
	"github.com/webmux/webmux/internal/ws"
)

// Registry is set from main.go during init.
var Registry *session.Registry

// ListSessions returns metadata for every tracked session, retained closed
// sessions included. The optional identity query parameter filters by owner.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		http.Error(w, "Registry not initialized", http.StatusServiceUnavailable)
		return
	}
	infos := Registry.List()
	if owner := r.URL.Query().Get("identity"); owner != "" {
		filtered := infos[:0]
		for _, info := range infos {
			if string(info.Owner) == owner {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

// CloseSession gracefully ends a session, subject to the caller's
// permissions as resolved from the identity headers.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		http.Error(w, "Registry not initialized", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	ident, role := ws.IdentityFromRequest(r)

	switch err := Registry.Close(id, ident, role); {
	case err == nil:
		log.Printf("[handlers] session %s closed via REST by %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(string(ident)))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrPermissionDenied):
		http.Error(w, "Access denied", http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HealthCheck reports process liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[handlers] encode response: %v", err)
	}
}
