package ws

import (
	"encoding/json"
	"log"

	"github.com/webmux/webmux/internal/logutil"
	"github.com/webmux/webmux/internal/policy"
	"github.com/webmux/webmux/internal/session"
	"github.com/webmux/webmux/internal/workspace"
)

// handleWorkspaceConnect hands the client the current workspace snapshot.
// A connection may declare itself a viewer to drop its own write access;
// declared roles never escalate past the transport-resolved one.
func (s *Server) handleWorkspaceConnect(c *Conn, env Envelope) {
	var req workspaceConnectReq
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed workspace_connect payload")
			return
		}
	}
	if policy.ParseRole(req.Role) == policy.RoleViewer {
		c.downgradeToViewer()
	}

	c.send(marshalFrame("workspace_connected", env.RequestID, map[string]any{
		"workspace": s.ws.Snapshot(),
	}))
}

func (s *Server) handleWorkspaceGet(c *Conn, env Envelope) {
	c.send(marshalFrame("workspace_data", env.RequestID, map[string]any{
		"workspace": s.ws.Snapshot(),
	}))
}

func (s *Server) handleTabCreate(c *Conn, env Envelope) {
	var req tabCreateReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed tab_create payload")
		return
	}
	if req.ID != "" {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "tab ids are assigned by the server")
		return
	}

	tab, err := s.ws.CreateTab(workspace.TabSpec{
		Title:           req.Title,
		Type:            req.Type,
		SubType:         req.SubType,
		WithDefaultPane: req.Type == workspace.TabTerminal,
	})
	if err != nil {
		c.sendError("workspace_error", env.RequestID, "", errCode(err), err.Error())
		return
	}
	c.send(marshalFrame("tab_created", env.RequestID, map[string]any{"tab": tab}))
}

// handleTabDelete removes the tab and closes the sessions its panes hosted,
// subject to the requester's permissions.
func (s *Server) handleTabDelete(c *Conn, env Envelope) {
	var req tabDeleteReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed tab_delete payload")
		return
	}

	sessionIDs, err := s.ws.DeleteTab(req.TabID)
	if err != nil {
		c.sendError("workspace_error", env.RequestID, "", errCode(err), err.Error())
		return
	}
	for _, id := range sessionIDs {
		if err := s.registry.Close(id, c.identity, c.Role()); err != nil {
			log.Printf("[ws] close %s on tab delete: %v", id, err)
		}
	}
	c.send(marshalFrame("tab_deleted", env.RequestID, map[string]any{"tabId": req.TabID}))
}

func (s *Server) handlePaneCreate(c *Conn, env Envelope) {
	var req paneCreateReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed pane_create payload")
		return
	}
	if req.ID != "" {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "pane ids are assigned by the server")
		return
	}

	pane, err := s.ws.CreatePane(req.TabID, workspace.PaneSpec{
		Type:    req.Type,
		SubType: req.SubType,
	})
	if err != nil {
		c.sendError("workspace_error", env.RequestID, "", errCode(err), err.Error())
		return
	}
	c.send(marshalFrame("pane_created", env.RequestID, map[string]any{
		"tabId": req.TabID,
		"pane":  pane,
	}))
}

func (s *Server) handlePaneDelete(c *Conn, env Envelope) {
	var req paneDeleteReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed pane_delete payload")
		return
	}

	sessionID, err := s.ws.DeletePane(req.PaneID)
	if err != nil {
		c.sendError("workspace_error", env.RequestID, "", errCode(err), err.Error())
		return
	}
	if sessionID != "" {
		if err := s.registry.Close(sessionID, c.identity, c.Role()); err != nil {
			log.Printf("[ws] close %s on pane delete: %v", sessionID, err)
		}
	}
	c.send(marshalFrame("pane_deleted", env.RequestID, map[string]any{"paneId": req.PaneID}))
}

func (s *Server) handleSetActiveTab(c *Conn, env Envelope) {
	var req tabDeleteReq // same single-field shape
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed set_active_tab payload")
		return
	}
	if err := s.ws.SetActiveTab(req.TabID); err != nil {
		c.sendError("workspace_error", env.RequestID, "", errCode(err), err.Error())
		return
	}
	c.send(marshalFrame("active_tab_changed", env.RequestID, map[string]any{"tabId": req.TabID}))
}

// resumeAttach is one session the connection subscribes to after the
// workspace_resumed response has been enqueued, so replay follows the reply.
type resumeAttach struct {
	sessionID string
}

// handleResumeWorkspace rebuilds a client's layout after a disconnect or a
// broker restart. Panes whose sessions are still known reattach to them;
// terminal panes whose sessions are gone get fresh sessions; other pane
// types are left unbound. The response echoes the ids the client submitted,
// grouping tabs by whether every pane reattached.
func (s *Server) handleResumeWorkspace(c *Conn, env Envelope) {
	var req resumeWorkspaceReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("workspace_error", env.RequestID, "", CodeInvalidRequest, "malformed resume_workspace payload")
		return
	}

	resp := workspaceResumedPayload{
		WorkspaceID: s.ws.ID(),
		ResumedTabs: []resumedTab{},
		CreatedTabs: []resumedTab{},
	}
	var attaches []resumeAttach

	for _, tabReq := range req.Tabs {
		tabType := tabReq.Type
		if tabType == "" {
			tabType = workspace.TabTerminal
		}
		serverTabID := s.resolveResumeTab(tabReq, tabType)
		if serverTabID == "" {
			continue
		}

		allResumed := true
		panes := make([]resumedPane, 0, len(tabReq.Panes))

		for _, paneReq := range tabReq.Panes {
			serverPaneID := s.resolveResumePane(serverTabID, paneReq, tabType)

			sessionID := paneReq.SessionID
			resumed := false
			if sessionID != "" {
				if _, err := s.registry.Get(sessionID); err == nil {
					resumed = true
				}
			}

			if !resumed {
				allResumed = false
				sessionID = ""
				paneType := paneReq.Type
				if paneType == "" {
					paneType = tabType
				}
				if paneType == workspace.TabTerminal {
					sess, err := s.registry.Create(session.CreateSpec{
						Cols: defaultCols,
						Rows: defaultRows,
					}, c.identity)
					if err != nil {
						log.Printf("[ws] resume spawn for pane %s: %v", logutil.SanitizeForLog(paneReq.ID), err)
					} else {
						sessionID = sess.ID()
					}
				}
			}

			if sessionID != "" {
				if serverPaneID != "" {
					_ = s.ws.BindPaneToSession(serverPaneID, sessionID)
				}
				attaches = append(attaches, resumeAttach{sessionID: sessionID})
			}
			panes = append(panes, resumedPane{PaneID: paneReq.ID, SessionID: sessionID})
		}

		entry := resumedTab{TabID: tabReq.ID, Panes: panes}
		if allResumed && len(panes) > 0 {
			resp.ResumedTabs = append(resp.ResumedTabs, entry)
		} else {
			resp.CreatedTabs = append(resp.CreatedTabs, entry)
		}
	}

	c.send(marshalFrame("workspace_resumed", env.RequestID, resp))

	for _, a := range attaches {
		res, err := s.registry.AttachOrReplay(a.sessionID, c)
		if err != nil {
			return // connection is overflowing and already closing
		}
		if res == session.Attached {
			c.track(a.sessionID)
		}
	}
}

// resolveResumeTab maps a submitted tab onto a server-side tab, creating one
// when the submitted id belongs to a previous process lifetime.
func (s *Server) resolveResumeTab(tabReq resumeTabReq, tabType string) string {
	for _, t := range s.ws.Snapshot().Tabs {
		if t.ID == tabReq.ID {
			return t.ID
		}
	}
	tab, err := s.ws.CreateTab(workspace.TabSpec{
		Title:   tabReq.Title,
		Type:    tabType,
		SubType: tabReq.SubType,
	})
	if err != nil {
		log.Printf("[ws] resume tab create: %v", err)
		return ""
	}
	return tab.ID
}

// resolveResumePane maps a submitted pane onto a server-side pane in the
// given tab, creating one when the submitted id is unknown.
func (s *Server) resolveResumePane(serverTabID string, paneReq resumePaneReq, tabType string) string {
	if _, err := s.ws.FindPaneTab(paneReq.ID); err == nil {
		return paneReq.ID
	}
	paneType := paneReq.Type
	if paneType == "" {
		paneType = tabType
	}
	pane, err := s.ws.CreatePane(serverTabID, workspace.PaneSpec{
		Type:    paneType,
		SubType: paneReq.SubType,
	})
	if err != nil {
		log.Printf("[ws] resume pane create: %v", err)
		return ""
	}
	return pane.ID
}
