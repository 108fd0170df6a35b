package session

import (
	"errors"
	"sync"
	"time"

	"imageflow/realtime/internal/models"
)

// CursorPalette is indexed by join order modulo its size; colors repeat past five participants.
var CursorPalette = []string{"#FF6B35", "#7C3AED", "#10B981", "#F59E0B", "#EF4444"}

var errRoomClosed = errors.New("room closed")

// Participant is a user's live membership in one room.
type Participant struct {
	Identity    models.Identity
	Client      *Client
	JoinedAt    time.Time
	Cursor      models.Cursor
	CursorColor string
	Role        string
}

func (p *Participant) Info() models.ParticipantInfo {
	return models.ParticipantInfo{
		UserID:      p.Identity.UserID,
		Username:    p.Identity.Username,
		DisplayName: p.Identity.DisplayName,
		AvatarURL:   p.Identity.AvatarURL,
		CursorColor: p.CursorColor,
		IsOwner:     p.Role == models.RoleOwner,
		Role:        p.Role,
	}
}

// Room is the runtime state of one edit session. Every mutation and the broadcast it
// triggers happen under mu, so all participants observe the same order of events.
type Room struct {
	ID string

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
	operations   []models.Operation
	closed       bool
	createdAt    time.Time
}

func NewRoom(id string) *Room {
	return &Room{
		ID:           id,
		participants: make(map[string]*Participant),
		createdAt:    time.Now(),
	}
}

// add assigns the next palette color from the current participant count. A user who is
// already present keeps their color and only swaps the connection. Caller holds mu.
func (r *Room) add(identity models.Identity, client *Client, role string, now time.Time) (*Participant, bool, error) {
	if r.closed {
		return nil, false, errRoomClosed
	}
	if p, ok := r.participants[identity.UserID]; ok {
		p.Client = client
		p.Identity = identity
		p.Role = role
		return p, true, nil
	}
	p := &Participant{
		Identity:    identity,
		Client:      client,
		JoinedAt:    now,
		CursorColor: CursorPalette[len(r.participants)%len(CursorPalette)],
		Role:        role,
	}
	r.participants[identity.UserID] = p
	r.order = append(r.order, identity.UserID)
	return p, false, nil
}

// Join adds the participant, answers the joiner with the full roster and announces
// the newcomer to everyone else.
func (r *Room) Join(identity models.Identity, client *Client, role string, now time.Time) (Participant, []models.ParticipantInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, rejoined, err := r.add(identity, client, role, now)
	if err != nil {
		return Participant{}, nil, err
	}
	roster := r.rosterLocked()
	client.Send(models.WSFrame{
		Type: models.EvtSessionJoined,
		Data: models.SessionJoined{SessionID: r.ID, Participants: roster, CursorColor: p.CursorColor},
	})
	if !rejoined {
		r.broadcastLocked(identity.UserID, models.WSFrame{
			Type: models.EvtParticipantJoined,
			Data: models.ParticipantJoined{Participant: p.Info()},
		})
	}
	return *p, roster, nil
}

// Leave removes userID. When client is non-nil the participant is removed only if it is
// still bound to that client. empty reports that the room is now closed.
func (r *Room) Leave(userID string, client *Client) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || (client != nil && p.Client != client) {
		return false, r.closed
	}
	delete(r.participants, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.broadcastLocked(userID, models.WSFrame{
		Type: models.EvtParticipantLeft,
		Data: models.ParticipantLeft{UserID: userID},
	})
	if len(r.participants) == 0 {
		r.closed = true
	}
	return true, r.closed
}

// MoveCursor overwrites the cursor and fans the update out to the other participants.
// Returns false without side effects when userID is not a participant.
func (r *Room) MoveCursor(userID string, pos models.CursorPosition, tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.Cursor = models.Cursor{X: pos.X, Y: pos.Y, Tool: tool}
	r.broadcastLocked(userID, models.WSFrame{
		Type: models.EvtCursorUpdate,
		Data: models.CursorUpdate{UserID: userID, Position: pos, Tool: tool},
	})
	return true
}

// Append records an operation without relaying it.
func (r *Room) Append(op models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}
	r.operations = append(r.operations, op)
	return nil
}

// Relay appends op, delivers it to every participant except the sender and acknowledges
// it to the sender, all in one critical section.
func (r *Room) Relay(op models.Operation, sender *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRoomClosed
	}
	if _, ok := r.participants[op.UserID]; !ok {
		return models.ErrPermissionDenied
	}
	r.operations = append(r.operations, op)
	r.broadcastLocked(op.UserID, models.WSFrame{
		Type: models.EvtOperationReceived,
		Data: models.OperationReceived{Operation: op},
	})
	sender.Send(models.WSFrame{
		Type: models.EvtOperationAcknowledged,
		Data: models.OperationAcknowledged{OperationID: op.OperationID},
	})
	return nil
}

// Broadcast sends frame to every participant except the one with exceptUserID.
func (r *Room) Broadcast(exceptUserID string, frame models.WSFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(exceptUserID, frame)
}

func (r *Room) broadcastLocked(exceptUserID string, frame models.WSFrame) {
	for _, id := range r.order {
		if id == exceptUserID {
			continue
		}
		r.participants[id].Client.Send(frame)
	}
}

func (r *Room) rosterLocked() []models.ParticipantInfo {
	out := make([]models.ParticipantInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.participants[id].Info())
	}
	return out
}

func (r *Room) Participant(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (r *Room) Has(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[userID]
	return ok
}

func (r *Room) Roster() []models.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Operations returns a copy of the operation history in arrival order.
func (r *Room) Operations() []models.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Operation, len(r.operations))
	copy(out, r.operations)
	return out
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) stats() models.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return models.SessionStats{SessionID: r.ID, Participants: ids, Operations: len(r.operations)}
}
