package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errRoomClosed = errors.New("room closed")

// RoomOps is the view of a loaded room handed to Exec callbacks.
type RoomOps interface {
	Id() uuid.UUID
	// Broadcast queues an event on every connection subscribed to the room,
	// skipping the connections of skipUsers.
	Broadcast(event string, payload any, skipUsers ...uuid.UUID)
	// Unsubscribe detaches all of userId's connections from the room.
	Unsubscribe(userId uuid.UUID)
	// Close unloads the room once the current operation returns.
	Close()
}

type roomOp struct {
	fn   func(*Room) error
	done chan error
}

type Room struct {
	id      uuid.UUID
	cs      *ChatServer
	log     zerolog.Logger
	ops     chan *roomOp
	clients map[*Client]struct{}
	userMap map[uuid.UUID]map[*Client]struct{}
	// killTimer unloads the room once it has had no clients for the idle timeout
	killTimer *time.Timer
	closing   bool
	exit      chan struct{}
	done      chan struct{}
}

var _ RoomOps = (*Room)(nil)

func newRoom(cs *ChatServer, id uuid.UUID) *Room {
	return &Room{
		id:        id,
		cs:        cs,
		log:       cs.log.With().Str("room_id", id.String()).Logger(),
		ops:       make(chan *roomOp),
		clients:   make(map[*Client]struct{}),
		userMap:   make(map[uuid.UUID]map[*Client]struct{}),
		killTimer: time.NewTimer(cs.idleTimeout),
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debug().Msg("starting room")
	defer r.killTimer.Stop()

	for {
		select {
		case op := <-r.ops:
			op.done <- r.run(op)
			if r.closing {
				r.unload()
				return
			}
		case <-r.killTimer.C:
			if len(r.clients) > 0 {
				continue
			}
			r.log.Debug().Msg("room idle")
			r.unload()
			return
		case <-r.exit:
			r.shutdown()
			return
		}
	}
}

func (r *Room) run(op *roomOp) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("room operation panicked")
			err = fmt.Errorf("room operation: %v", rec)
		}
	}()

	return op.fn(r)
}

// exec submits fn to the room goroutine and waits for its result.
func (r *Room) exec(ctx context.Context, fn func(*Room) error) error {
	op := &roomOp{fn: fn, done: make(chan error, 1)}

	select {
	case r.ops <- op:
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// once accepted the operation always completes
	return <-op.done
}

// unload asks the server to forget the room, then stops it.
func (r *Room) unload() {
	select {
	case r.cs.unloadRoomChan <- r:
	case <-r.exit:
	}
	r.shutdown()
}

func (r *Room) shutdown() {
	for c := range r.clients {
		c.delRoom(r.id)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[uuid.UUID]map[*Client]struct{})
	close(r.done)
	r.log.Debug().Msg("room stopped")
}

func (r *Room) Id() uuid.UUID {
	return r.id
}

func (r *Room) Close() {
	r.closing = true
}

func (r *Room) Broadcast(event string, payload any, skipUsers ...uuid.UUID) {
	msg, err := NewEvent(event, payload)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}

	skip := make(map[uuid.UUID]struct{}, len(skipUsers))
	for _, id := range skipUsers {
		skip[id] = struct{}{}
	}

	for c := range r.clients {
		if _, ok := skip[c.user.Id]; ok {
			continue
		}
		c.queueMessage(msg)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.log.Debug().Str("event", msg.Event).Msg("broadcast")
	for c := range r.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (r *Room) Unsubscribe(userId uuid.UUID) {
	for c := range r.userMap[userId] {
		delete(r.clients, c)
		c.delRoom(r.id)
	}
	delete(r.userMap, userId)

	r.log.Debug().Str("user_id", userId.String()).Msg("unsubscribed user")
	r.resetTimerIfEmpty()
}

// addClient subscribes c and reports whether it is the user's first
// connection in the room.
func (r *Room) addClient(c *Client) bool {
	r.killTimer.Stop()

	r.clients[c] = struct{}{}
	first := r.userMap[c.user.Id] == nil
	if first {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
	return first
}

// removeClient unsubscribes c and reports whether the user has no
// connections left in the room.
func (r *Room) removeClient(c *Client) bool {
	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	last := false
	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
			last = true
		}
	}

	r.resetTimerIfEmpty()
	return last
}

func (r *Room) hasClient(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

func (r *Room) resetTimerIfEmpty() {
	if len(r.clients) == 0 {
		r.log.Debug().Msg("no clients, starting kill timer")
		r.killTimer.Reset(r.cs.idleTimeout)
	}
}
