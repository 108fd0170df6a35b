package models

import (
	"encoding/json"
	"time"
)

// Identity is the minimal user record established once per connection.
type Identity struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

const RoleOwner = "owner"

// SessionMetadata is the persisted view of an edit session, read at join time.
type SessionMetadata struct {
	SessionID   string
	OwnerID     string
	IsActive    bool
	ExpiresAt   time.Time
	Permissions map[string]string // userId -> permission
}

// Joinable reports whether the session accepts joins at the given instant.
func (m *SessionMetadata) Joinable(now time.Time) bool {
	return m != nil && m.IsActive && m.ExpiresAt.After(now)
}

// Authorizes reports whether userID is the owner or holds an explicit permission record.
func (m *SessionMetadata) Authorizes(userID string) bool {
	if m.OwnerID == userID {
		return true
	}
	return m.Permissions[userID] != ""
}

func (m *SessionMetadata) RoleOf(userID string) string {
	if m.OwnerID == userID {
		return RoleOwner
	}
	return m.Permissions[userID]
}

/*** Presence ***/
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Cursor struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Tool string  `json:"tool,omitempty"`
}

// ParticipantInfo is the public profile of a participant as sent to clients.
type ParticipantInfo struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	CursorColor string `json:"cursorColor"`
	IsOwner     bool   `json:"isOwner"`
	Role        string `json:"role"`
}

// Operation is a stamped edit action as sent in operation_received. The client's
// operation object is nested whole under "payload" rather than merged into this
// object, so clients read their fields from operation.payload. Payload and
// SubmittedRevision are the client's JSON bytes, relayed verbatim.
type Operation struct {
	OperationID       string          `json:"id"`
	SessionID         string          `json:"sessionId"`
	UserID            string          `json:"userId"`
	SubmittedRevision json.RawMessage `json:"revision"`
	Payload           json.RawMessage `json:"payload"`
	ServerTimestamp   time.Time       `json:"timestamp"`
}

/*** Wire frames ***/
type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InboundFrame keeps Data raw until the message kind is known.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound message kinds.
const (
	MsgJoinEditSession       = "join_edit_session"
	MsgCursorMove            = "cursor_move"
	MsgCanvasOperation       = "canvas_operation"
	MsgLeaveEditSession      = "leave_edit_session"
	MsgSubscribeNotification = "subscribe_notifications"
	MsgSubscribeActivityFeed = "subscribe_activity_feed"
)

// Outbound event kinds.
const (
	EvtSessionJoined         = "session_joined"
	EvtParticipantJoined     = "participant_joined"
	EvtCursorUpdate          = "cursor_update"
	EvtOperationReceived     = "operation_received"
	EvtOperationAcknowledged = "operation_acknowledged"
	EvtParticipantLeft       = "participant_left"
	EvtNotification          = "notification"
	EvtActivityUpdate        = "activity_update"
	EvtError                 = "error"
)

type JoinEditSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

type CursorMoveRequest struct {
	SessionID string          `json:"sessionId" validate:"required,max=128"`
	Position  *CursorPosition `json:"position" validate:"required"`
	Tool      string          `json:"tool" validate:"max=64"`
}

type CanvasOperationRequest struct {
	SessionID string          `json:"sessionId" validate:"required,max=128"`
	Operation json.RawMessage `json:"operation" validate:"required"`
	Revision  json.RawMessage `json:"revision"`
}

type LeaveEditSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

type SessionJoined struct {
	SessionID    string            `json:"sessionId"`
	Participants []ParticipantInfo `json:"participants"`
	CursorColor  string            `json:"cursorColor"`
}

type ParticipantJoined struct {
	Participant ParticipantInfo `json:"participant"`
}

type CursorUpdate struct {
	UserID   string         `json:"userId"`
	Position CursorPosition `json:"position"`
	Tool     string         `json:"tool,omitempty"`
}

type OperationReceived struct {
	Operation Operation `json:"operation"`
}

type OperationAcknowledged struct {
	OperationID string `json:"operationId"`
}

type ParticipantLeft struct {
	UserID string `json:"userId"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

/*** Introspection ***/
type SessionStats struct {
	SessionID    string   `json:"sessionId"`
	Participants []string `json:"participants"`
	Operations   int      `json:"operations"`
}

type Stats struct {
	Connections int            `json:"connections"`
	Sessions    []SessionStats `json:"sessions"`
}
