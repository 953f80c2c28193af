package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 20
	rejoinTimeout   = 10 * time.Second
)

// Reasons passed to RoomViewOptions.OnRemoved.
const (
	ReasonRemoved = "removed"
	ReasonDeleted = "deleted"
)

// Fetcher is the read side of the gateway.
type Fetcher interface {
	ListRooms(ctx context.Context, opts ListRoomsOptions) (types.RoomPage, error)
	GetRoom(ctx context.Context, roomId uuid.UUID) (types.Room, error)
	ListMembers(ctx context.Context, roomId uuid.UUID, page, limit int) (types.MemberPage, error)
	ListMessages(ctx context.Context, roomId uuid.UUID, page, limit int) (types.MessagePage, error)
}

var _ Fetcher = (*Gateway)(nil)

// SubState is the subscription state of one room on the live connection.
type SubState int

const (
	SubUnsubscribed SubState = iota
	SubSubscribing
	SubSubscribed
)

func (s SubState) String() string {
	switch s {
	case SubSubscribing:
		return "subscribing"
	case SubSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Router applies pushed events to the cache and keeps open rooms subscribed
// across reconnects.
type Router struct {
	conn   *Manager
	api    Fetcher
	user   types.User
	log    zerolog.Logger
	cache  *Cache
	typing *TypingTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	views         map[uuid.UUID][]*RoomView
	subs          map[uuid.UUID]SubState
	connectedOnce bool
	closing       bool
	offs          []func()
	wg            sync.WaitGroup
}

func NewRouter(m *Manager, api Fetcher, user types.User, logger zerolog.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		conn:   m,
		api:    api,
		user:   user,
		log:    logger.With().Str("component", "router").Logger(),
		cache:  NewCache(defaultPageSize),
		typing: NewTypingTracker(),
		ctx:    ctx,
		cancel: cancel,
		views:  make(map[uuid.UUID][]*RoomView),
		subs:   make(map[uuid.UUID]SubState),
	}

	r.offs = []func(){
		m.On(types.EventNewMessage, r.handler(types.EventNewMessage, r.onNewMessage)),
		m.On(types.EventMessageUpdated, r.handler(types.EventMessageUpdated, r.onMessageUpdated)),
		m.On(types.EventMessageDeleted, r.handler(types.EventMessageDeleted, r.onMessageDeleted)),
		m.On(types.EventUserTyping, r.handler(types.EventUserTyping, r.onUserTyping)),
		m.On(types.EventRoomUpdated, r.handler(types.EventRoomUpdated, r.onRoomUpdated)),
		m.On(types.EventRoomListUpdated, r.handler(types.EventRoomListUpdated, r.onRoomListUpdated)),
		m.On(types.EventUserJoined, r.handler(types.EventUserJoined, r.onPresence)),
		m.On(types.EventUserLeft, r.handler(types.EventUserLeft, r.onPresence)),
		m.On(types.EventMemberRemoved, r.handler(types.EventMemberRemoved, r.onMemberRemoved)),
		m.On(types.EventUserRemovedFromRoom, r.handler(types.EventUserRemovedFromRoom, r.onUserRemoved)),
		m.On(types.EventRoomDeleted, r.handler(types.EventRoomDeleted, r.onRoomDeleted)),
		m.OnStateChange(r.onStateChange),
	}

	return r
}

func (r *Router) Cache() *Cache { return r.cache }

func (r *Router) Typing() *TypingTracker { return r.typing }

// Close unregisters the router from the connection. Open views stay usable
// for reads but no longer receive events.
func (r *Router) Close() {
	r.mu.Lock()
	offs := r.offs
	r.offs = nil
	r.closing = true
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	r.cancel()
	r.wg.Wait()
}

// handler wraps fn, which applies one event to the cache and reports the
// room it touched. The event is then passed on to that room's views.
func (r *Router) handler(event string, fn func(json.RawMessage) (uuid.UUID, error)) Handler {
	return func(data json.RawMessage) {
		roomId, err := fn(data)
		if err != nil {
			r.log.Warn().Err(err).Str("event", event).Msg("malformed event payload")
			return
		}
		if roomId == uuid.Nil {
			return
		}

		for _, v := range r.roomViews(roomId) {
			if v.opts.OnEvent != nil {
				r.guard(event, func() { v.opts.OnEvent(event, data) })
			}
		}
	}
}

func (r *Router) guard(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("event", event).Msg("room view callback panicked")
		}
	}()
	fn()
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func (r *Router) onNewMessage(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.NewMessagePayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	if p.RoomId == uuid.Nil {
		p.RoomId = p.Message.RoomId
	}
	if p.RoomId == uuid.Nil || p.Message.Id == uuid.Nil {
		return uuid.Nil, errors.New("missing room or message id")
	}
	p.Message.RoomId = p.RoomId

	r.cache.AppendMessage(p.Message)
	r.typing.Clear(p.RoomId, p.Message.AuthorId)
	return p.RoomId, nil
}

func (r *Router) onMessageUpdated(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.MessageUpdatedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.ReplaceMessage(p.RoomId, p.MessageId, p.Content)
	return p.RoomId, nil
}

func (r *Router) onMessageDeleted(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.MessageDeletedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.RemoveMessage(p.RoomId, p.MessageId)
	return p.RoomId, nil
}

func (r *Router) onUserTyping(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.TypingPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	if p.UserId == r.user.Id {
		return uuid.Nil, nil
	}

	if p.IsTyping {
		r.typing.Set(p.RoomId, p.UserId, p.Username)
	} else {
		r.typing.Clear(p.RoomId, p.UserId)
	}
	return p.RoomId, nil
}

func (r *Router) onRoomUpdated(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.RoomUpdatedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.InvalidateRoom(p.RoomId)
	r.cache.InvalidateRoomList()
	return p.RoomId, nil
}

func (r *Router) onRoomListUpdated(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.RoomListUpdatedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.InvalidateRoomList()
	if p.Room.Id != uuid.Nil {
		r.cache.InvalidateRoom(p.Room.Id)
	}
	return p.Room.Id, nil
}

func (r *Router) onPresence(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.UserPresencePayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.InvalidateMembers(p.RoomId)
	r.cache.InvalidateRoom(p.RoomId)
	if p.UserId != uuid.Nil {
		r.typing.Clear(p.RoomId, p.UserId)
	}
	return p.RoomId, nil
}

func (r *Router) onMemberRemoved(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.MemberRemovedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.InvalidateMembers(p.RoomId)
	r.cache.InvalidateRoom(p.RoomId)
	r.typing.Clear(p.RoomId, p.RemovedUserId)
	if p.RemovedUserId == r.user.Id {
		r.cache.InvalidateRoomList()
		r.removed(p.RoomId, ReasonRemoved)
	}
	return p.RoomId, nil
}

func (r *Router) onUserRemoved(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.UserRemovedFromRoomPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.InvalidateMembers(p.RoomId)
	r.cache.InvalidateRoom(p.RoomId)
	r.cache.InvalidateRoomList()
	r.removed(p.RoomId, ReasonRemoved)
	return p.RoomId, nil
}

func (r *Router) onRoomDeleted(data json.RawMessage) (uuid.UUID, error) {
	p, err := decode[types.RoomDeletedPayload](data)
	if err != nil {
		return uuid.Nil, err
	}
	r.cache.DropRoom(p.RoomId)
	r.cache.InvalidateRoomList()
	r.removed(p.RoomId, ReasonDeleted)
	return p.RoomId, nil
}

// removed ends every view of a room the user can no longer see.
func (r *Router) removed(roomId uuid.UUID, reason string) {
	r.mu.Lock()
	r.subs[roomId] = SubUnsubscribed
	views := append([]*RoomView(nil), r.views[roomId]...)
	r.mu.Unlock()

	r.typing.ClearRoom(roomId)
	for _, v := range views {
		v.fireRemoved(reason)
	}
}

func (r *Router) onStateChange(connected bool) {
	r.mu.Lock()
	if !connected {
		for id := range r.subs {
			r.subs[id] = SubUnsubscribed
		}
		r.mu.Unlock()
		return
	}

	if r.closing {
		r.mu.Unlock()
		return
	}
	reconnect := r.connectedOnce
	r.connectedOnce = true
	rooms := make([]uuid.UUID, 0, len(r.views))
	for id, vs := range r.views {
		if len(vs) > 0 {
			rooms = append(rooms, id)
		}
	}
	r.wg.Add(len(rooms))
	r.mu.Unlock()

	if reconnect {
		r.log.Debug().Int("rooms", len(rooms)).Msg("reconnected, invalidating cache")
		r.cache.InvalidateAll()
		for _, id := range rooms {
			r.typing.ClearRoom(id)
		}
	}

	// this runs on the read goroutine, joins wait for acks on it
	for _, id := range rooms {
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(r.ctx, rejoinTimeout)
			defer cancel()
			if err := r.subscribe(ctx, id); err != nil {
				r.log.Warn().Err(err).Str("room_id", id.String()).Msg("rejoin room")
			}
		}()
	}
}

func (r *Router) SubState(roomId uuid.UUID) SubState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[roomId]
}

// subscribe joins the room on the live connection. It does nothing while
// disconnected or when a join is already under way.
func (r *Router) subscribe(ctx context.Context, roomId uuid.UUID) error {
	r.mu.Lock()
	if r.subs[roomId] != SubUnsubscribed || !r.conn.Connected() {
		r.mu.Unlock()
		return nil
	}
	r.subs[roomId] = SubSubscribing
	r.mu.Unlock()

	_, err := r.conn.Request(ctx, types.EventJoinRoom, types.RoomMembershipPayload{RoomId: roomId, UserId: r.user.Id})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.subs[roomId] == SubSubscribing {
			r.subs[roomId] = SubUnsubscribed
		}
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	if r.subs[roomId] == SubSubscribing {
		r.subs[roomId] = SubSubscribed
	}
	return nil
}

// unsubscribe leaves the room once nothing views it. The leave frame is not
// acked so it is safe from event callbacks.
func (r *Router) unsubscribe(roomId uuid.UUID) {
	r.mu.Lock()
	if len(r.views[roomId]) > 0 {
		r.mu.Unlock()
		return
	}
	state := r.subs[roomId]
	delete(r.subs, roomId)
	delete(r.views, roomId)
	r.mu.Unlock()

	if state == SubUnsubscribed || !r.conn.Connected() {
		return
	}
	if err := r.conn.Emit(types.EventLeaveRoom, types.RoomMembershipPayload{RoomId: roomId, UserId: r.user.Id}); err != nil && !errors.Is(err, ErrNotConnected) {
		r.log.Warn().Err(err).Str("room_id", roomId.String()).Msg("leave room")
	}
}

func (r *Router) roomViews(roomId uuid.UUID) []*RoomView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RoomView(nil), r.views[roomId]...)
}

type RoomViewOptions struct {
	// OnEvent is called after a pushed event for the room was applied to the
	// cache. It runs on the connection's read goroutine and must not block.
	OnEvent func(event string, data json.RawMessage)
	// OnRemoved is called once when the user loses access to the room.
	OnRemoved func(reason string)
}

// RoomView is one open room. It holds a connection lease until closed.
type RoomView struct {
	r       *Router
	roomId  uuid.UUID
	opts    RoomViewOptions
	lease   *Lease
	removed sync.Once
	closed  sync.Once
}

// OpenRoom connects, joins the room and returns a view of it.
func (r *Router) OpenRoom(ctx context.Context, roomId uuid.UUID, opts RoomViewOptions) (*RoomView, error) {
	lease, err := r.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	v := &RoomView{r: r, roomId: roomId, opts: opts, lease: lease}

	r.mu.Lock()
	r.views[roomId] = append(r.views[roomId], v)
	r.mu.Unlock()

	if err := r.subscribe(ctx, roomId); err != nil {
		r.detach(v)
		lease.Release()
		return nil, fmt.Errorf("join room: %w", err)
	}
	return v, nil
}

func (r *Router) detach(v *RoomView) {
	r.mu.Lock()
	vs := r.views[v.roomId]
	for i, other := range vs {
		if other == v {
			r.views[v.roomId] = append(vs[:i:i], vs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func (v *RoomView) RoomId() uuid.UUID { return v.roomId }

func (v *RoomView) State() SubState { return v.r.SubState(v.roomId) }

func (v *RoomView) Messages(ctx context.Context, page int) (types.MessagePage, error) {
	return v.r.Messages(ctx, v.roomId, page)
}

func (v *RoomView) Members(ctx context.Context, page int) (types.MemberPage, error) {
	return v.r.Members(ctx, v.roomId, page)
}

func (v *RoomView) Typers() []Typer {
	return v.r.typing.Typers(v.roomId)
}

// Send posts a message and returns it as stored. The room must be
// subscribed.
func (v *RoomView) Send(ctx context.Context, content string) (types.Message, error) {
	data, err := v.r.conn.Request(ctx, types.EventSendMessage, types.SendMessagePayload{
		RoomId:  v.roomId,
		Content: content,
	})
	if err != nil {
		return types.Message{}, err
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	v.r.cache.AppendMessage(msg)
	return msg, nil
}

// Typing tells the room whether the user is typing. Nothing is sent while
// disconnected.
func (v *RoomView) Typing(isTyping bool) error {
	err := v.r.conn.Emit(types.EventTyping, types.TypingPayload{
		RoomId:   v.roomId,
		UserId:   v.r.user.Id,
		Username: v.r.user.Username,
		IsTyping: isTyping,
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (v *RoomView) fireRemoved(reason string) {
	v.removed.Do(func() {
		if v.opts.OnRemoved != nil {
			v.r.guard("removed", func() { v.opts.OnRemoved(reason) })
		}
	})
}

// Close leaves the room when this was its last view and releases the
// connection lease. Closing twice has no effect.
func (v *RoomView) Close() {
	v.closed.Do(func() {
		v.r.detach(v)
		v.r.unsubscribe(v.roomId)
		v.lease.Release()
	})
}

// Rooms lists the user's rooms, from the cache when possible.
func (r *Router) Rooms(ctx context.Context, opts ListRoomsOptions) (types.RoomPage, error) {
	if page, ok := r.cache.RoomList(opts); ok {
		return page, nil
	}
	page, err := r.api.ListRooms(ctx, opts)
	if err != nil {
		return types.RoomPage{}, err
	}
	r.cache.SetRoomList(opts, page)
	return page, nil
}

func (r *Router) Room(ctx context.Context, roomId uuid.UUID) (types.Room, error) {
	if room, ok := r.cache.Room(roomId); ok {
		return room, nil
	}
	room, err := r.api.GetRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}
	r.cache.SetRoom(room)
	return room, nil
}

func (r *Router) Members(ctx context.Context, roomId uuid.UUID, page int) (types.MemberPage, error) {
	if page < 1 {
		page = 1
	}
	if members, ok := r.cache.Members(roomId, page); ok {
		return members, nil
	}
	members, err := r.api.ListMembers(ctx, roomId, page, defaultPageSize)
	if err != nil {
		return types.MemberPage{}, err
	}
	members.Page = page
	r.cache.SetMembers(roomId, members)
	return members, nil
}

// Messages returns page n of the room's history, oldest first within the
// page. Page 1 is the newest.
func (r *Router) Messages(ctx context.Context, roomId uuid.UUID, page int) (types.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if msgs, ok := r.cache.MessagePage(roomId, page); ok {
		return msgs, nil
	}

	stored, err := r.fetchMessages(ctx, roomId, page)
	if err != nil {
		return types.MessagePage{}, err
	}
	if !stored {
		// pushes moved the page boundaries, rebuild from the newest page
		r.cache.InvalidateMessages(roomId)
		for n := 1; n <= page; n++ {
			if _, err := r.fetchMessages(ctx, roomId, n); err != nil {
				return types.MessagePage{}, err
			}
		}
	}

	msgs, ok := r.cache.MessagePage(roomId, page)
	if !ok {
		return types.MessagePage{}, fmt.Errorf("message page %d of room %s was invalidated", page, roomId)
	}
	return msgs, nil
}

// fetchMessages loads page n into the cache and reports whether it was
// stored.
func (r *Router) fetchMessages(ctx context.Context, roomId uuid.UUID, page int) (bool, error) {
	fetched, err := r.api.ListMessages(ctx, roomId, page, defaultPageSize)
	if err != nil {
		return false, err
	}
	fetched.Page = page
	return r.cache.SetMessagePage(roomId, fetched), nil
}
