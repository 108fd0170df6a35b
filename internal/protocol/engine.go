package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/notify"
	"imageflow/realtime/internal/session"
	"imageflow/realtime/internal/utils"
)

// SessionDirectory is the persisted session store consulted at join time.
type SessionDirectory interface {
	GetActiveSession(ctx context.Context, sessionID string) (*models.SessionMetadata, error)
	UpsertParticipant(ctx context.Context, sessionID, userID, cursorColor string) error
}

// Engine runs the room protocol for authenticated connections. Only join talks to the
// session directory; every other message is served from memory.
type Engine struct {
	conns     *session.Registry
	hub       *session.Hub
	broker    *notify.Broker
	directory SessionDirectory
	log       *utils.Logger

	now   func() time.Time
	newID func() string
}

func NewEngine(conns *session.Registry, hub *session.Hub, broker *notify.Broker, directory SessionDirectory, log *utils.Logger) *Engine {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Engine{
		conns:     conns,
		hub:       hub,
		broker:    broker,
		directory: directory,
		log:       log,
		now:       time.Now,
		newID:     newOperationID,
	}
}

func newOperationID() string { return "op_" + ulid.Make().String() }

// Connect registers an authenticated client, replacing any previous connection of the
// user. The replaced connection loses its topic subscriptions immediately.
func (e *Engine) Connect(client *session.Client) *session.Connection {
	if prev, ok := e.conns.Lookup(client.UserID()); ok && prev.Client != client {
		dropped := e.broker.UnsubscribeAll(prev.Client)
		e.log.Info("connection replaced", "userId", client.UserID(), "previous", prev.Client.ID,
			"connId", client.ID, "topicsDropped", dropped)
	}
	conn := e.conns.Register(client.Identity, client)
	e.log.Info("connection accepted", "userId", client.UserID(), "connId", client.ID)
	return conn
}

// Dispatch decodes one inbound frame and runs its handler. Failures are reported to
// this client only and never close the connection.
func (e *Engine) Dispatch(ctx context.Context, client *session.Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while handling message", "userId", client.UserID(), "connId", client.ID, "panic", r)
			client.Send(ErrorFrame(models.ErrOperationFailed))
		}
	}()

	var frame models.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		client.Send(ErrorFrame(fmt.Errorf("%w: malformed frame", models.ErrInvalidMessage)))
		return
	}
	if err := e.route(ctx, client, frame); err != nil {
		e.log.Debug("message rejected", "userId", client.UserID(), "type", frame.Type, "error", err)
		client.Send(ErrorFrame(err))
	}
}

func (e *Engine) route(ctx context.Context, client *session.Client, frame models.InboundFrame) error {
	switch frame.Type {
	case models.MsgJoinEditSession:
		var req models.JoinEditSessionRequest
		if err := decode(frame.Data, &req); err != nil {
			return err
		}
		return e.JoinEditSession(ctx, client, req)
	case models.MsgCursorMove:
		var req models.CursorMoveRequest
		if err := decode(frame.Data, &req); err != nil {
			return err
		}
		e.CursorMove(client, req)
		return nil
	case models.MsgCanvasOperation:
		var req models.CanvasOperationRequest
		if err := decode(frame.Data, &req); err != nil {
			return err
		}
		_, err := e.CanvasOperation(client, req)
		return err
	case models.MsgLeaveEditSession:
		var req models.LeaveEditSessionRequest
		if err := decode(frame.Data, &req); err != nil {
			return err
		}
		e.LeaveEditSession(client, req)
		return nil
	case models.MsgSubscribeNotification:
		e.SubscribeNotifications(client)
		return nil
	case models.MsgSubscribeActivityFeed:
		e.SubscribeActivityFeed(client)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
}

func decode(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}
	if err := utils.ValidateStruct(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}
	return nil
}

// JoinEditSession authorizes the user against the directory and adds them to the room.
func (e *Engine) JoinEditSession(ctx context.Context, client *session.Client, req models.JoinEditSessionRequest) error {
	userID := client.UserID()
	meta, err := e.directory.GetActiveSession(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			e.log.Error("session lookup failed", "sessionId", req.SessionID, "userId", userID, "error", err)
		}
		return models.ErrSessionNotFound
	}
	if !meta.Joinable(e.now()) {
		return models.ErrSessionNotFound
	}
	if !meta.Authorizes(userID) {
		return models.ErrPermissionDenied
	}

	p, roster, err := e.hub.Join(req.SessionID, client.Identity, client, meta.RoleOf(userID))
	if err != nil {
		return err
	}
	if err := e.directory.UpsertParticipant(ctx, req.SessionID, userID, p.CursorColor); err != nil {
		e.log.Warn("failed to record participant", "sessionId", req.SessionID, "userId", userID, "error", err)
	}
	e.log.Info("joined edit session", "sessionId", req.SessionID, "userId", userID,
		"cursorColor", p.CursorColor, "participants", len(roster))
	return nil
}

// CursorMove is fire-and-forget: non-participants are ignored without an error.
func (e *Engine) CursorMove(client *session.Client, req models.CursorMoveRequest) {
	e.hub.UpdateCursor(req.SessionID, client.UserID(), *req.Position, req.Tool)
}

// CanvasOperation stamps the operation and relays it. The payload is opaque and the
// revision is passed through untouched.
func (e *Engine) CanvasOperation(client *session.Client, req models.CanvasOperationRequest) (models.Operation, error) {
	if bytes.Equal(bytes.TrimSpace(req.Operation), []byte("null")) {
		return models.Operation{}, fmt.Errorf("%w: operation is required", models.ErrInvalidMessage)
	}
	op := models.Operation{
		OperationID:       e.newID(),
		SessionID:         req.SessionID,
		UserID:            client.UserID(),
		SubmittedRevision: req.Revision,
		Payload:           req.Operation,
		ServerTimestamp:   e.now().UTC(),
	}
	if err := e.hub.Relay(req.SessionID, op, client); err != nil {
		return models.Operation{}, err
	}
	metrics.OperationsRelayed.Inc()
	return op, nil
}

// LeaveEditSession is idempotent; leaving a room you are not in does nothing.
func (e *Engine) LeaveEditSession(client *session.Client, req models.LeaveEditSessionRequest) {
	removed, destroyed := e.hub.RemoveParticipant(req.SessionID, client.UserID())
	if !removed {
		return
	}
	e.log.Info("left edit session", "sessionId", req.SessionID, "userId", client.UserID())
	if destroyed {
		e.log.Info("edit session runtime destroyed", "sessionId", req.SessionID)
	}
}

func (e *Engine) SubscribeNotifications(client *session.Client) {
	e.broker.Subscribe(notify.NotificationsTopic(client.UserID()), client)
}

func (e *Engine) SubscribeActivityFeed(client *session.Client) {
	e.broker.Subscribe(notify.ActivityTopic(client.UserID()), client)
}

// Disconnect sweeps the client out of the registry, its topics and every room it is
// in. A failure in one room does not stop the sweep.
func (e *Engine) Disconnect(client *session.Client) {
	userID := client.UserID()
	e.conns.Release(client)
	e.broker.UnsubscribeAll(client)

	for _, sessionID := range e.hub.SessionsFor(userID) {
		e.leaveOnDisconnect(sessionID, client)
	}
	client.Close()
	e.log.Info("connection closed", "userId", userID, "connId", client.ID)
}

func (e *Engine) leaveOnDisconnect(sessionID string, client *session.Client) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("cleanup failed", "sessionId", sessionID, "userId", client.UserID(), "panic", r)
		}
	}()
	removed, destroyed := e.hub.RemoveConnection(sessionID, client)
	if removed && destroyed {
		e.log.Info("edit session runtime destroyed", "sessionId", sessionID)
	}
}

func (e *Engine) SendNotificationToUser(ctx context.Context, userID string, payload any) error {
	return e.broker.Publish(ctx, notify.NotificationsTopic(userID), payload)
}

func (e *Engine) SendActivityUpdate(ctx context.Context, userID string, payload any) error {
	return e.broker.Publish(ctx, notify.ActivityTopic(userID), payload)
}

func (e *Engine) Stats() models.Stats {
	return models.Stats{Connections: e.conns.Count(), Sessions: e.hub.Snapshot()}
}

// CloseAll stops the writer of every registered client. Their read loops then observe
// the close and run the normal disconnect path.
func (e *Engine) CloseAll() {
	for _, conn := range e.conns.Connections() {
		conn.Client.Close()
	}
}
