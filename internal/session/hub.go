package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
)

// Hub owns every live room. A room is created on first join and dropped as soon as its
// last participant leaves; a closed room is never handed out again.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	now   func() time.Time
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room), now: time.Now}
}

// EnsureSession returns the open room for sessionID, creating it when absent.
func (h *Hub) EnsureSession(sessionID string) *Room {
	h.mu.RLock()
	room, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if ok && !room.Closed() {
		return room
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[sessionID]; ok {
		if !cur.Closed() {
			return cur
		}
		metrics.SessionsDestroyed.Inc()
	}
	room = NewRoom(sessionID)
	h.rooms[sessionID] = room
	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(len(h.rooms)))
	return room
}

func (h *Hub) GetSession(sessionID string) (*Room, bool) {
	h.mu.RLock()
	room, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// AddParticipant inserts the user into an existing room without announcing it.
func (h *Hub) AddParticipant(sessionID string, identity models.Identity, client *Client, role string) (Participant, string, error) {
	room, ok := h.GetSession(sessionID)
	if !ok {
		return Participant{}, "", models.ErrSessionNotFound
	}
	room.mu.Lock()
	p, _, err := room.add(identity, client, role, h.now())
	room.mu.Unlock()
	if err != nil {
		return Participant{}, "", models.ErrSessionNotFound
	}
	return *p, p.CursorColor, nil
}

// Join ensures the room, adds the user and performs the join announcements atomically.
// It retries when it races with the room being torn down by a last leave.
func (h *Hub) Join(sessionID string, identity models.Identity, client *Client, role string) (Participant, []models.ParticipantInfo, error) {
	for {
		room := h.EnsureSession(sessionID)
		p, roster, err := room.Join(identity, client, role, h.now())
		if errors.Is(err, errRoomClosed) {
			h.drop(room)
			continue
		}
		return p, roster, err
	}
}

// RemoveParticipant removes the user if present, announces participant_left to the rest
// and destroys the room when it empties. Calling it again is a no-op.
func (h *Hub) RemoveParticipant(sessionID, userID string) (removed, destroyed bool) {
	return h.remove(sessionID, userID, nil)
}

// RemoveConnection is RemoveParticipant restricted to the participant still bound to
// client, so a superseded connection cannot evict its replacement.
func (h *Hub) RemoveConnection(sessionID string, client *Client) (removed, destroyed bool) {
	return h.remove(sessionID, client.UserID(), client)
}

func (h *Hub) remove(sessionID, userID string, client *Client) (bool, bool) {
	h.mu.RLock()
	room, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false, false
	}
	removed, empty := room.Leave(userID, client)
	if !removed || !empty {
		return removed, false
	}
	h.drop(room)
	return true, true
}

// drop deletes room from the map if it is still the registered instance.
func (h *Hub) drop(room *Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[room.ID]; !ok || cur != room {
		return false
	}
	delete(h.rooms, room.ID)
	metrics.SessionsDestroyed.Inc()
	metrics.ActiveSessions.Set(float64(len(h.rooms)))
	return true
}

// RecordOperation appends op to the room history.
func (h *Hub) RecordOperation(sessionID string, op models.Operation) error {
	room, ok := h.GetSession(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}
	if err := room.Append(op); err != nil {
		return models.ErrSessionNotFound
	}
	return nil
}

// Relay records op and fans it out, acknowledging it to sender.
func (h *Hub) Relay(sessionID string, op models.Operation, sender *Client) error {
	room, ok := h.GetSession(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}
	err := room.Relay(op, sender)
	if errors.Is(err, errRoomClosed) {
		return models.ErrSessionNotFound
	}
	return err
}

// UpdateCursor reports whether the cursor was stored. Unknown sessions or users are
// silently ignored.
func (h *Hub) UpdateCursor(sessionID, userID string, pos models.CursorPosition, tool string) bool {
	room, ok := h.GetSession(sessionID)
	if !ok {
		return false
	}
	return room.MoveCursor(userID, pos, tool)
}

// SessionsFor lists the sessions in which userID is a participant.
func (h *Hub) SessionsFor(userID string) []string {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	var ids []string
	for _, room := range rooms {
		if room.Has(userID) {
			ids = append(ids, room.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Snapshot returns per-room statistics ordered by session id.
func (h *Hub) Snapshot() []models.SessionStats {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	out := make([]models.SessionStats, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
