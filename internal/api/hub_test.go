package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/server"
	"github.com/npezzotti/taskchat/internal/types"
)

type sentEvent struct {
	event     string
	payload   any
	skipUsers []uuid.UUID
}

type notification struct {
	userId  uuid.UUID
	event   string
	payload any
}

type fakeRoom struct {
	id           uuid.UUID
	events       []sentEvent
	unsubscribed []uuid.UUID
	closed       bool
}

func (r *fakeRoom) Id() uuid.UUID { return r.id }

func (r *fakeRoom) Broadcast(event string, payload any, skipUsers ...uuid.UUID) {
	r.events = append(r.events, sentEvent{event: event, payload: payload, skipUsers: skipUsers})
}

func (r *fakeRoom) Unsubscribe(userId uuid.UUID) {
	r.unsubscribed = append(r.unsubscribed, userId)
}

func (r *fakeRoom) Close() { r.closed = true }

// fakeHub runs Exec callbacks inline and records every emitted event.
type fakeHub struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]*fakeRoom
	notified []notification
	served   []types.User
	execErr  error
}

var _ Hub = (*fakeHub)(nil)

func newFakeHub() *fakeHub {
	return &fakeHub{rooms: make(map[uuid.UUID]*fakeRoom)}
}

func (h *fakeHub) Exec(ctx context.Context, roomId uuid.UUID, fn func(server.RoomOps) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.execErr != nil {
		return h.execErr
	}
	return fn(h.roomLocked(roomId))
}

func (h *fakeHub) NotifyUser(userId uuid.UUID, event string, payload any) {
	h.notified = append(h.notified, notification{userId: userId, event: event, payload: payload})
}

func (h *fakeHub) ServeClient(user types.User, conn *websocket.Conn) {
	h.mu.Lock()
	h.served = append(h.served, user)
	h.mu.Unlock()
	conn.Close()
}

func (h *fakeHub) roomLocked(id uuid.UUID) *fakeRoom {
	r, ok := h.rooms[id]
	if !ok {
		r = &fakeRoom{id: id}
		h.rooms[id] = r
	}
	return r
}

func (h *fakeHub) room(id uuid.UUID) *fakeRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roomLocked(id)
}

func (h *fakeHub) notificationsFor(userId uuid.UUID) []notification {
	var out []notification
	for _, n := range h.notified {
		if n.userId == userId {
			out = append(out, n)
		}
	}
	return out
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
	return v
}
