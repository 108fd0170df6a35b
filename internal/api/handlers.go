package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/protocol"
	"imageflow/realtime/internal/session"
	"imageflow/realtime/internal/utils"
)

const (
	maxMessageSize = 64 * 1024
	maxPublishBody = 64 * 1024
)

// Verifier authenticates the credential presented on the WebSocket handshake.
type Verifier interface {
	Verify(ctx context.Context, credential string) (models.Identity, error)
}

type Options struct {
	InternalAPIToken string
	SendBuffer       int
	AllowedOrigins   []string
}

type Handlers struct {
	log      *utils.Logger
	engine   *protocol.Engine
	verifier Verifier
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandlers(log *utils.Logger, engine *protocol.Engine, verifier Verifier, opts Options) *Handlers {
	if log == nil {
		log = utils.NewNopLogger()
	}
	h := &Handlers{log: log, engine: engine, verifier: verifier, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, h.engine.Stats())
}

// RealtimeWS authenticates before upgrading, so an unauthenticated client never gets
// a connection on which to send protocol messages.
func (h *Handlers) RealtimeWS(w http.ResponseWriter, r *http.Request) {
	credential, _ := utils.CredentialFromRequest(r)
	identity, err := h.verifier.Verify(r.Context(), credential)
	if err != nil {
		h.log.Info("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		utils.JSONError(w, http.StatusUnauthorized, protocol.CodeAuthenticationFailed, "Authentication failed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "userId", identity.UserID, "error", err)
		return
	}
	defer conn.Close()

	client := session.NewClient(conn, identity, h.opts.SendBuffer)
	client.PrepareRead(maxMessageSize)
	h.engine.Connect(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := client.Run(); err != nil {
			h.log.Warn("websocket write failed", "userId", identity.UserID, "connId", client.ID, "error", err)
		}
		// unblocks the read loop when the writer stops first
		_ = conn.Close()
	}()
	defer func() {
		h.engine.Disconnect(client)
		<-writerDone
	}()

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket transport error", "userId", identity.UserID, "connId", client.ID, "error", err)
			}
			return
		}
		h.engine.Dispatch(ctx, client, msg)
	}
}

// RequireInternalToken guards service-to-service endpoints with a static bearer token.
func (h *Handlers) RequireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.InternalAPIToken == "" {
			utils.JSONError(w, http.StatusForbidden, protocol.CodePermissionDenied, "internal API disabled")
			return
		}
		token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.InternalAPIToken)) != 1 {
			utils.JSONError(w, http.StatusUnauthorized, protocol.CodeAuthenticationFailed, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) PublishNotification(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, h.engine.SendNotificationToUser)
}

func (h *Handlers) PublishActivity(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, h.engine.SendActivityUpdate)
}

func (h *Handlers) publish(w http.ResponseWriter, r *http.Request, send func(context.Context, string, any) error) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		utils.JSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "userId is required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		utils.JSONError(w, http.StatusRequestEntityTooLarge, protocol.CodeInvalidMessage, "payload too large")
		return
	}
	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || len(payload) == 0 {
		utils.JSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "payload must be valid JSON")
		return
	}
	if err := send(r.Context(), userID, payload); err != nil {
		if errors.Is(err, models.ErrInvalidMessage) {
			utils.JSONError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, err.Error())
			return
		}
		h.log.Error("failed to publish topic event", "userId", userID, "error", err)
		utils.JSONError(w, http.StatusBadGateway, protocol.CodeOperationFailed, "failed to publish event")
		return
	}
	utils.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
