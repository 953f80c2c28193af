package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/stats"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	opTimeout      = 10 * time.Second
)

var (
	errNotParticipant = errors.New("not a participant")
	errNotSubscribed  = errors.New("not subscribed to room")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[uuid.UUID]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = uuid.NewString()
	}

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log: l.With().
			Str("session_id", id).
			Str("user_id", user.Id.String()).
			Logger(),
		user:  user,
		send:  make(chan *ServerMessage, 256),
		rooms: make(map[uuid.UUID]*Room),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(""))
			continue
		}

		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Event {
	case types.EventJoinRoom:
		c.joinRoom(msg)
	case types.EventLeaveRoom:
		c.leaveRoom(msg)
	case types.EventSendMessage:
		c.sendChatMessage(msg)
	case types.EventTyping:
		c.typing(msg)
	default:
		c.log.Debug().Str("event", msg.Event).Msg("unknown event")
		c.queueMessage(ErrBadRequest(msg.Id, "unknown event"))
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	var p types.RoomMembershipPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.RoomId == uuid.Nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.chatServer.exec(ctx, p.RoomId, func(r *Room) error {
		if r.hasClient(c) {
			return nil
		}

		room, err := c.chatServer.db.GetRoomById(ctx, r.id)
		if err != nil {
			return err
		}
		if !room.HasParticipant(c.user.Id) {
			return errNotParticipant
		}

		if r.addClient(c) {
			evt, err := NewEvent(types.EventUserJoined, types.UserPresencePayload{
				UserId:   c.user.Id,
				Username: c.user.Username,
				RoomId:   r.id,
			})
			if err != nil {
				return err
			}
			evt.SkipClient = c
			r.broadcast(evt)
		}
		return nil
	})

	c.respond(msg.Id, err, nil)
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	var p types.RoomMembershipPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.RoomId == uuid.Nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	r := c.getRoom(p.RoomId)
	if r == nil {
		c.respond(msg.Id, nil, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := r.exec(ctx, func(r *Room) error {
		c.leave(r)
		return nil
	})
	if errors.Is(err, errRoomClosed) {
		err = nil
	}

	c.respond(msg.Id, err, nil)
}

// leave must run inside the room goroutine.
func (c *Client) leave(r *Room) {
	if r.removeClient(c) {
		r.Broadcast(types.EventUserLeft, types.UserPresencePayload{
			UserId:   c.user.Id,
			Username: c.user.Username,
			RoomId:   r.id,
		})
	}
}

func (c *Client) sendChatMessage(msg *ClientMessage) {
	var p types.SendMessagePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.RoomId == uuid.Nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	p.Content = strings.TrimSpace(p.Content)
	if err := validate.Struct(p); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, "content must be between 1 and 2000 characters"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var created types.Message
	err := c.chatServer.exec(ctx, p.RoomId, func(r *Room) error {
		if !r.hasClient(c) {
			return errNotSubscribed
		}

		m, err := c.chatServer.db.CreateMessage(ctx, database.CreateMessageParams{
			RoomId:   r.id,
			AuthorId: c.user.Id,
			Content:  p.Content,
		})
		if err != nil {
			return err
		}

		if err := c.chatServer.db.UpdateLastMessage(ctx, r.id, m.Id); err != nil {
			r.log.Warn().Err(err).Str("message_id", m.Id.String()).Msg("update last message")
		}

		created = m.ToType()
		r.Broadcast(types.EventNewMessage, types.NewMessagePayload{Message: created, RoomId: r.id})
		c.chatServer.stats.Incr(stats.NumMessagesSent)
		return nil
	})
	if err != nil {
		c.respond(msg.Id, err, nil)
		return
	}

	if msg.Id != "" {
		c.queueMessage(NoErrAccepted(msg.Id, created))
	}
}

func (c *Client) typing(msg *ClientMessage) {
	var p types.TypingPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.RoomId == uuid.Nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	r := c.getRoom(p.RoomId)
	if r == nil {
		c.respond(msg.Id, errNotSubscribed, nil)
		return
	}

	// identity comes from the session, not the frame
	p.UserId = c.user.Id
	p.Username = c.user.Username

	evt, err := NewEvent(types.EventUserTyping, p)
	if err != nil {
		c.respond(msg.Id, err, nil)
		return
	}
	evt.SkipClient = c

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err = r.exec(ctx, func(r *Room) error {
		if !r.hasClient(c) {
			return errNotSubscribed
		}
		r.broadcast(evt)
		return nil
	})
	if errors.Is(err, errRoomClosed) {
		err = errNotSubscribed
	}

	c.respond(msg.Id, err, nil)
}

// respond acks a frame. Successes are acked only when the frame carried an
// id, failures always.
func (c *Client) respond(id string, err error, data any) {
	switch {
	case err == nil:
		if id != "" {
			c.queueMessage(NoErrOK(id, data))
		}
	case errors.Is(err, database.ErrNotFound):
		c.queueMessage(ErrRoomNotFound(id))
	case errors.Is(err, errNotParticipant), errors.Is(err, errNotSubscribed):
		c.queueMessage(ErrForbidden(id))
	case errors.Is(err, ErrServerClosed), errors.Is(err, context.DeadlineExceeded):
		c.queueMessage(ErrServiceUnavailable(id))
	default:
		c.log.Error().Err(err).Msg("handle client message")
		c.queueMessage(ErrInternalError(id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for _, r := range c.roomList() {
		err := r.exec(ctx, func(r *Room) error {
			c.leave(r)
			return nil
		})
		if err != nil && !errors.Is(err, errRoomClosed) {
			c.log.Warn().Err(err).Str("room_id", r.id.String()).Msg("leave room on disconnect")
		}
	}
}

func (c *Client) roomList() []*Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Client) delRoom(id uuid.UUID) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id uuid.UUID) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
