package ws

import (
	"encoding/json"
	"log"

	"github.com/webmux/webmux/internal/session"
	"github.com/webmux/webmux/internal/workspace"
)

// handleCreateTerminal spawns a new session, or reattaches to an existing one
// when the request carries a reconnect id. The terminal_ready response is
// enqueued before the connection is attached, so any scrollback replay and
// live output arrive after it.
func (s *Server) handleCreateTerminal(c *Conn, env Envelope) {
	var req createTerminalReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("terminal_error", env.RequestID, "", CodeInvalidRequest, "malformed create_terminal payload")
		return
	}
	if req.Cols == 0 {
		req.Cols = defaultCols
	}
	if req.Rows == 0 {
		req.Rows = defaultRows
	}

	if req.Reconnect != "" {
		if s.reattachTerminal(c, env.RequestID, req) {
			return
		}
		// The referenced session is gone; fall through to a fresh spawn.
	}

	sess, err := s.registry.Create(session.CreateSpec{
		Cols: req.Cols,
		Rows: req.Rows,
	}, c.identity)
	if err != nil {
		c.sendError("terminal_error", env.RequestID, "", errCode(err), err.Error())
		return
	}

	tabID, paneID := s.placeSession(sess.ID(), req)

	c.send(marshalFrame("terminal_ready", env.RequestID, terminalReadyPayload{
		Session: sess.ID(),
		TabID:   tabID,
		PaneID:  paneID,
		Status:  statusCreated,
	}))

	if err := sess.Attach(c); err != nil {
		return // connection is overflowing and already closing
	}
	c.track(sess.ID())
}

// reattachTerminal serves the reconnect path of create_terminal. Returns
// false when the session id is unknown so the caller spawns fresh.
func (s *Server) reattachTerminal(c *Conn, requestID string, req createTerminalReq) bool {
	sess, err := s.registry.Get(req.Reconnect)
	if err != nil {
		return false
	}

	status := statusRestored
	if st := sess.State(); st == session.StateClosedGraceful || st == session.StateClosedError {
		status = statusRestoredFromBuffer
	}
	tabID, paneID := s.placeSession(sess.ID(), req)

	c.send(marshalFrame("terminal_ready", requestID, terminalReadyPayload{
		Session: sess.ID(),
		TabID:   tabID,
		PaneID:  paneID,
		Status:  status,
	}))

	res, err := s.registry.AttachOrReplay(sess.ID(), c)
	if err == nil && res == session.Attached {
		c.track(sess.ID())
	}
	return true
}

// placeSession binds the session into the workspace. An existing pane id
// binds in place; a tab id grows the tab by one pane. Unknown references are
// ignored rather than rejected, since terminals may run outside any tab.
func (s *Server) placeSession(sessionID string, req createTerminalReq) (tabID, paneID string) {
	if req.PaneID != "" {
		if tab, err := s.ws.FindPaneTab(req.PaneID); err == nil {
			_ = s.ws.BindPaneToSession(req.PaneID, sessionID)
			return tab, req.PaneID
		}
		return req.TabID, req.PaneID
	}
	if req.TabID != "" {
		pane, err := s.ws.CreatePane(req.TabID, workspace.PaneSpec{
			Type:    workspace.TabTerminal,
			SubType: req.SubType,
		})
		if err != nil {
			return req.TabID, ""
		}
		_ = s.ws.BindPaneToSession(pane.ID, sessionID)
		return req.TabID, pane.ID
	}
	return "", ""
}

func (s *Server) handleTerminalInput(c *Conn, env Envelope) {
	var req terminalInputReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("terminal_error", env.RequestID, "", CodeInvalidRequest, "malformed terminal_input payload")
		return
	}
	if len(req.Data) > maxInputMessageSize {
		c.sendError("terminal_error", env.RequestID, req.Session, CodeOverflow, "input exceeds message size limit")
		return
	}

	sess, err := s.registry.Get(req.Session)
	if err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
		return
	}
	if err := sess.WriteInput([]byte(req.Data), c.identity, c.Role()); err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
	}
}

func (s *Server) handleTerminalResize(c *Conn, env Envelope) {
	var req terminalResizeReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("terminal_error", env.RequestID, "", CodeInvalidRequest, "malformed terminal_resize payload")
		return
	}

	sess, err := s.registry.Get(req.Session)
	if err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
		return
	}
	if err := sess.Resize(req.Cols, req.Rows, c.identity, c.Role()); err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
	}
}

// handleCloseTerminal ends a session. Subscribers, this connection included,
// learn about it through the terminal_closed notification the session emits.
func (s *Server) handleCloseTerminal(c *Conn, env Envelope) {
	var req closeTerminalReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("terminal_error", env.RequestID, "", CodeInvalidRequest, "malformed close_terminal payload")
		return
	}

	sess, err := s.registry.Get(req.Session)
	if err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "closed by client"
	}
	if err := sess.Close(c.identity, c.Role(), reason); err != nil {
		c.sendError("terminal_error", env.RequestID, req.Session, errCode(err), err.Error())
		return
	}
	s.ws.UnbindSession(req.Session)
}

// handleReconnectSession reattaches this connection to a session it lost.
// The session_reconnected response goes out first; the scrollback replay and
// any live continuation follow it on the same queue.
func (s *Server) handleReconnectSession(c *Conn, env Envelope) {
	var req reconnectSessionReq
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.sendError("session_reconnect_error", env.RequestID, "", CodeInvalidRequest, "malformed reconnect_session payload")
		return
	}

	sess, err := s.registry.Get(req.Session)
	if err != nil {
		c.sendError("session_reconnect_error", env.RequestID, req.Session, errCode(err), err.Error())
		return
	}

	st := sess.State()
	closed := st == session.StateClosedGraceful || st == session.StateClosedError
	c.send(marshalFrame("session_reconnected", env.RequestID, sessionReconnectedPayload{
		SessionID:          sess.ID(),
		HistoryLines:       sess.HistoryLines(),
		RestoredFromBuffer: closed,
	}))

	res, err := s.registry.AttachOrReplay(req.Session, c)
	if err != nil {
		return // connection is overflowing and already closing
	}
	if res == session.Attached {
		c.track(req.Session)
	}
	log.Printf("[ws] %s reconnected to %s (buffered=%t)", c.id, req.Session, closed)
}
