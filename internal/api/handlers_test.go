package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/notify"
	"imageflow/realtime/internal/protocol"
	"imageflow/realtime/internal/session"
)

type tokenVerifier map[string]models.Identity

func (v tokenVerifier) Verify(_ context.Context, credential string) (models.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return models.Identity{}, models.ErrAuthenticationFailed
	}
	return id, nil
}

type staticDirectory struct{ sessions map[string]*models.SessionMetadata }

func (d staticDirectory) GetActiveSession(_ context.Context, id string) (*models.SessionMetadata, error) {
	if meta, ok := d.sessions[id]; ok {
		return meta, nil
	}
	return nil, models.ErrSessionNotFound
}

func (staticDirectory) UpsertParticipant(context.Context, string, string, string) error { return nil }

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	*httptest.Server
	engine *protocol.Engine
	broker *notify.Broker
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	broker := notify.NewBroker(nil)
	dir := staticDirectory{sessions: map[string]*models.SessionMetadata{
		"S1": {SessionID: "S1", OwnerID: "alice", IsActive: true, ExpiresAt: time.Now().Add(time.Hour),
			Permissions: map[string]string{"bob": "edit"}},
	}}
	engine := protocol.NewEngine(session.NewRegistry(), session.NewHub(), broker, dir, nil)
	verifier := tokenVerifier{
		"alice-token": {UserID: "alice", Username: "alice"},
		"bob-token":   {UserID: "bob", Username: "bob"},
	}
	h := NewHandlers(nil, engine, verifier, opts)

	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.RealtimeWS)
	r.Route("/internal", func(r chi.Router) {
		r.Use(h.RequireInternalToken)
		r.Get("/stats", h.Stats)
		r.Post("/users/{userId}/notifications", h.PublishNotification)
		r.Post("/users/{userId}/activity", h.PublishActivity)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine, broker: broker}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": kind, "data": data}))
}

func readUntil(t *testing.T, conn *websocket.Conn, kind string) inbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f inbound
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if f.Type == kind {
			return f
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})
	resp, err := http.Get(s.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketRejectsUnauthenticated(t *testing.T) {
	s := newTestServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.engine.Stats().Connections)
}

func TestWebSocketTokenQueryParameter(t *testing.T) {
	s := newTestServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=alice-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return s.engine.Stats().Connections == 1 })
}

func TestWebSocketCollaborationRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.dial(t, "alice-token")
	bob := s.dial(t, "bob-token")

	sendFrame(t, alice, models.MsgJoinEditSession, map[string]string{"sessionId": "S1"})
	var joined models.SessionJoined
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EvtSessionJoined).Data, &joined))
	assert.Len(t, joined.Participants, 1)

	sendFrame(t, bob, models.MsgJoinEditSession, map[string]string{"sessionId": "S1"})
	require.NoError(t, json.Unmarshal(readUntil(t, bob, models.EvtSessionJoined).Data, &joined))
	assert.Len(t, joined.Participants, 2)
	assert.Equal(t, session.CursorPalette[1], joined.CursorColor)
	readUntil(t, alice, models.EvtParticipantJoined)

	sendFrame(t, alice, models.MsgCanvasOperation, map[string]any{
		"sessionId": "S1",
		"operation": map[string]any{"tool": "brush", "path": []int{1, 2}},
		"revision":  3,
	})
	var received models.OperationReceived
	require.NoError(t, json.Unmarshal(readUntil(t, bob, models.EvtOperationReceived).Data, &received))
	var ack models.OperationAcknowledged
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EvtOperationAcknowledged).Data, &ack))
	assert.Equal(t, received.Operation.OperationID, ack.OperationID)
	assert.True(t, strings.HasPrefix(ack.OperationID, "op_"))
	assert.JSONEq(t, `3`, string(received.Operation.SubmittedRevision))
	assert.Equal(t, "alice", received.Operation.UserID)

	sendFrame(t, bob, "bogus", nil)
	var errEv models.ErrorEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, models.EvtError).Data, &errEv))
	assert.Equal(t, protocol.CodeUnknownType, errEv.Code)

	require.NoError(t, alice.Close())
	var left models.ParticipantLeft
	require.NoError(t, json.Unmarshal(readUntil(t, bob, models.EvtParticipantLeft).Data, &left))
	assert.Equal(t, "alice", left.UserID)

	waitFor(t, func() bool { return s.engine.Stats().Connections == 1 })
	stats := s.engine.Stats()
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, []string{"bob"}, stats.Sessions[0].Participants)
}

func getJSON(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStatsEndpointRequiresInternalToken(t *testing.T) {
	s := newTestServer(t, Options{InternalAPIToken: "svc-secret"})
	alice := s.dial(t, "alice-token")
	sendFrame(t, alice, models.MsgJoinEditSession, map[string]string{"sessionId": "S1"})
	readUntil(t, alice, models.EvtSessionJoined)

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, s.URL+"/internal/stats", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, s.URL+"/internal/stats", "alice-token").StatusCode)
	assert.Equal(t, http.StatusForbidden, getJSON(t, newTestServer(t, Options{}).URL+"/internal/stats", "svc-secret").StatusCode)

	resp := getJSON(t, s.URL+"/internal/stats", "svc-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, "S1", stats.Sessions[0].SessionID)
}

func postJSON(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestInternalPublishGuard(t *testing.T) {
	disabled := newTestServer(t, Options{})
	resp := postJSON(t, disabled.URL+"/internal/users/alice/notifications", "anything", `{"a":1}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	s := newTestServer(t, Options{InternalAPIToken: "svc-secret"})
	assert.Equal(t, http.StatusUnauthorized, postJSON(t, s.URL+"/internal/users/alice/notifications", "", `{"a":1}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, postJSON(t, s.URL+"/internal/users/alice/notifications", "wrong", `{"a":1}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, s.URL+"/internal/users/alice/notifications", "svc-secret", `{oops`).StatusCode)
	assert.Equal(t, http.StatusAccepted, postJSON(t, s.URL+"/internal/users/alice/notifications", "svc-secret", `{"a":1}`).StatusCode)
}

func TestInternalPublishReachesSubscriber(t *testing.T) {
	s := newTestServer(t, Options{InternalAPIToken: "svc-secret"})
	alice := s.dial(t, "alice-token")
	sendFrame(t, alice, models.MsgSubscribeNotification, nil)
	sendFrame(t, alice, models.MsgSubscribeActivityFeed, nil)
	waitFor(t, func() bool { return s.broker.Subscribers(notify.ActivityTopic("alice")) == 1 })

	resp := postJSON(t, s.URL+"/internal/users/alice/notifications", "svc-secret", `{"title":"New like"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f := readUntil(t, alice, models.EvtNotification)
	assert.JSONEq(t, `{"title":"New like"}`, string(f.Data))

	resp = postJSON(t, s.URL+"/internal/users/alice/activity", "svc-secret", `{"kind":"follow"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f = readUntil(t, alice, models.EvtActivityUpdate)
	assert.JSONEq(t, `{"kind":"follow"}`, string(f.Data))
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandlers(nil, nil, nil, Options{AllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req), "missing origin is allowed")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))

	open := NewHandlers(nil, nil, nil, Options{})
	assert.True(t, open.checkOrigin(req))
}
