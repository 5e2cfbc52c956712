package ws

import (
	"encoding/json"
	"log"
)

// Envelope is the wire frame: a named event with a structured payload.
// Requests may carry a requestId, which the response echoes; broadcasts
// carry none.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Error codes surfaced to clients.
const (
	CodeSpawnFailed      = "SpawnFailed"
	CodeNotFound         = "NotFound"
	CodePermissionDenied = "PermissionDenied"
	CodeWriteTimeout     = "WriteTimeout"
	CodeSessionClosed    = "SessionClosed"
	CodeOverflow         = "Overflow"
	CodeInvalidRequest   = "InvalidRequest"
	CodeInternalError    = "InternalError"
)

// maxFrameData is the transport's per-message ceiling for terminal output;
// larger output is split into ordered chunks.
const maxFrameData = 64 * 1024

// maxInputMessageSize caps a single terminal_input payload.
const maxInputMessageSize = 64 * 1024

// --- request payloads ---

type workspaceConnectReq struct {
	Role string `json:"role"`
}

type tabCreateReq struct {
	WorkspaceID string `json:"workspaceId"`
	ID          string `json:"id,omitempty"` // client-supplied ids are rejected
	Title       string `json:"title"`
	Type        string `json:"type"`
	SubType     string `json:"subType,omitempty"`
}

type tabDeleteReq struct {
	TabID string `json:"tabId"`
}

type paneCreateReq struct {
	TabID   string `json:"tabId"`
	ID      string `json:"id,omitempty"` // client-supplied ids are rejected
	Type    string `json:"type"`
	SubType string `json:"subType,omitempty"`
}

type paneDeleteReq struct {
	PaneID string `json:"paneId"`
}

type createTerminalReq struct {
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	TabID     string `json:"tabId,omitempty"`
	PaneID    string `json:"paneId,omitempty"`
	SubType   string `json:"subType,omitempty"`
	Reconnect string `json:"reconnect,omitempty"` // previously issued session id
}

type terminalInputReq struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type terminalResizeReq struct {
	Session string `json:"session"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

type closeTerminalReq struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

type reconnectSessionReq struct {
	Session string `json:"session"`
}

type resumePaneReq struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Type      string `json:"type"`
	SubType   string `json:"subType,omitempty"`
}

type resumeTabReq struct {
	ID      string          `json:"id"`
	Title   string          `json:"title,omitempty"`
	Type    string          `json:"type"`
	SubType string          `json:"subType,omitempty"`
	Panes   []resumePaneReq `json:"panes"`
}

type resumeWorkspaceReq struct {
	WorkspaceID string         `json:"workspaceId"`
	Tabs        []resumeTabReq `json:"tabs"`
}

// --- response payloads ---

type errorPayload struct {
	Session string `json:"session,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Session creation statuses.
const (
	statusCreated            = "created"
	statusRestored           = "restored"
	statusRestoredFromBuffer = "restored_from_buffer"
)

type terminalReadyPayload struct {
	Session string `json:"session"`
	TabID   string `json:"tabId,omitempty"`
	PaneID  string `json:"paneId,omitempty"`
	Status  string `json:"status"`
}

type terminalOutputPayload struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type terminalClosedPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

type sessionReconnectedPayload struct {
	SessionID          string `json:"sessionId"`
	HistoryLines       int    `json:"historyLines"`
	RestoredFromBuffer bool   `json:"restoredFromBuffer"`
}

type resumedPane struct {
	PaneID    string `json:"paneId"`
	SessionID string `json:"sessionId"`
}

type resumedTab struct {
	TabID string        `json:"tabId"`
	Panes []resumedPane `json:"panes"`
}

type workspaceResumedPayload struct {
	WorkspaceID string       `json:"workspaceId"`
	ResumedTabs []resumedTab `json:"resumedTabs"`
	CreatedTabs []resumedTab `json:"createdTabs"`
}

// marshalFrame builds a wire frame. Marshal failures are programming errors
// (all payloads are plain structs) and yield an InternalError frame.
func marshalFrame(eventType, requestID string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ws] marshal %s payload: %v", eventType, err)
		raw = []byte(`{"error":"InternalError"}`)
	}
	frame, err := json.Marshal(Envelope{Type: eventType, RequestID: requestID, Payload: raw})
	if err != nil {
		log.Printf("[ws] marshal %s envelope: %v", eventType, err)
		return []byte(`{"type":"error","payload":{"error":"InternalError"}}`)
	}
	return frame
}
