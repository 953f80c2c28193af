package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/stats"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/rs/zerolog"
)

const defaultIdleRoomTimeout = 5 * time.Minute

var ErrServerClosed = errors.New("chat server closed")

type stopReq struct {
	done chan struct{}
}

type loadReq struct {
	roomId uuid.UUID
	resp   chan *Room
}

type ChatServer struct {
	log         zerolog.Logger
	db          database.Repository
	stats       stats.StatsProvider
	idleTimeout time.Duration

	clients     map[*Client]struct{}
	userMap     map[uuid.UUID]map[*Client]struct{}
	clientsLock sync.RWMutex

	rooms          map[uuid.UUID]*Room
	loadChan       chan *loadReq
	unloadRoomChan chan *Room
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger zerolog.Logger, db database.Repository, su stats.StatsProvider) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("repository is required")
	}

	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumMessagesSent)

	return &ChatServer{
		log:            logger.With().Str("component", "hub").Logger(),
		db:             db,
		stats:          su,
		idleTimeout:    defaultIdleRoomTimeout,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[uuid.UUID]map[*Client]struct{}),
		rooms:          make(map[uuid.UUID]*Room),
		loadChan:       make(chan *loadReq),
		unloadRoomChan: make(chan *Room),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

// SetIdleTimeout sets how long a room without connections stays loaded.
// It must be called before Run.
func (cs *ChatServer) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		cs.idleTimeout = d
	}
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.loadChan:
			room, ok := cs.rooms[req.roomId]
			if !ok {
				room = newRoom(cs, req.roomId)
				cs.rooms[room.id] = room
				cs.stats.Incr(stats.NumActiveRooms)
				go room.start()
			}
			req.resp <- room
		case r := <-cs.unloadRoomChan:
			cs.unloadRoom(r)
		case req := <-cs.stop:
			cs.log.Info().Msg("shutting down rooms")
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
				cs.stats.Decr(stats.NumActiveRooms)
			}
			cs.rooms = make(map[uuid.UUID]*Room)

			close(cs.done)
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) unloadRoom(r *Room) {
	if cur, ok := cs.rooms[r.id]; ok && cur == r {
		cs.log.Debug().Str("room_id", r.id.String()).Msg("unloading room")
		delete(cs.rooms, r.id)
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

// loadRoom returns the running room for roomId, starting it if needed.
func (cs *ChatServer) loadRoom(ctx context.Context, roomId uuid.UUID) (*Room, error) {
	req := &loadReq{roomId: roomId, resp: make(chan *Room, 1)}

	select {
	case cs.loadChan <- req:
	case <-cs.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.resp:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exec runs fn inside the room's goroutine. Operations on one room are
// serialized, so events leave the room in the order their writes committed.
func (cs *ChatServer) exec(ctx context.Context, roomId uuid.UUID, fn func(*Room) error) error {
	for {
		r, err := cs.loadRoom(ctx, roomId)
		if err != nil {
			return err
		}

		err = r.exec(ctx, fn)
		if errors.Is(err, errRoomClosed) {
			// room unloaded between lookup and submit
			continue
		}
		return err
	}
}

// Exec runs fn with exclusive access to the room. Persistence performed in
// fn and the events it broadcasts are ordered against every other Exec on
// the same room.
func (cs *ChatServer) Exec(ctx context.Context, roomId uuid.UUID, fn func(RoomOps) error) error {
	return cs.exec(ctx, roomId, func(r *Room) error { return fn(r) })
}

// NotifyUser queues an event on every live connection of userId.
func (cs *ChatServer) NotifyUser(userId uuid.UUID, event string, payload any) {
	msg, err := NewEvent(event, payload)
	if err != nil {
		cs.log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}

	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[userId] {
		c.queueMessage(msg)
	}
}

// ServeClient registers an upgraded connection and starts its pumps.
func (cs *ChatServer) ServeClient(user types.User, conn *websocket.Conn) {
	c := NewClient(user, conn, cs, cs.log)
	cs.RegisterClient(c)

	go c.Write()
	go c.Read()
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) deregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
