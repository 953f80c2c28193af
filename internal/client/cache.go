package client

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
)

// MessagePages is the cached message history of one room. Page 1 holds the
// newest messages. Every page is kept in ascending display order.
//
// The gateway pages by offset from the newest message, so pushed messages
// and deletes move the page boundaries. shift counts that movement since
// the history was first stored and fetched records its value when each page
// arrived.
type MessagePages struct {
	pages   map[int][]types.Message
	fetched map[int]int
	shift   int
	total   int
	limit   int
	deleted map[uuid.UUID]struct{}
	stale   bool
}

func NewMessagePages(limit int) *MessagePages {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return &MessagePages{
		pages:   make(map[int][]types.Message),
		fetched: make(map[int]int),
		limit:   limit,
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// SetPage stores a page fetched from the gateway, which lists newest first.
// A stale cache is cleared before the page goes in. Messages already cached
// on another page are dropped.
//
// It returns false and stores nothing when pushes since a cached neighbour
// was fetched leave a gap between the two pages. The caller should
// invalidate and fetch again from page 1.
func (p *MessagePages) SetPage(page types.MessagePage) bool {
	if p.stale {
		clear(p.pages)
		clear(p.fetched)
		p.shift = 0
		p.stale = false
	}

	n := page.Page
	if at, ok := p.fetched[n-1]; ok && p.shift < at {
		return false
	}
	if at, ok := p.fetched[n+1]; ok && p.shift > at {
		return false
	}

	delete(p.pages, n)
	msgs := make([]types.Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if _, gone := p.deleted[m.Id]; gone || m.IsDeleted || p.Contains(m.Id) {
			continue
		}
		msgs = append(msgs, m)
	}

	p.pages[n] = msgs
	p.fetched[n] = p.shift
	p.total = page.Total
	if page.Limit > 0 {
		p.limit = page.Limit
	}
	return true
}

// Page returns a copy of page n, or false when it is not cached or stale.
func (p *MessagePages) Page(n int) (types.MessagePage, bool) {
	msgs, ok := p.pages[n]
	if !ok || p.stale {
		return types.MessagePage{}, false
	}
	return types.MessagePage{
		Messages:   slices.Clone(msgs),
		Pagination: types.NewPagination(p.total, n, p.limit),
	}, true
}

// Messages returns every cached message, oldest first.
func (p *MessagePages) Messages() []types.Message {
	nums := make([]int, 0, len(p.pages))
	for n := range p.pages {
		nums = append(nums, n)
	}
	slices.Sort(nums)

	var out []types.Message
	for i := len(nums) - 1; i >= 0; i-- {
		out = append(out, p.pages[nums[i]]...)
	}
	return out
}

func (p *MessagePages) Total() int { return p.total }

func (p *MessagePages) TotalPages() int {
	return types.NewPagination(p.total, 1, p.limit).TotalPages
}

func (p *MessagePages) Stale() bool { return p.stale }

func (p *MessagePages) Invalidate() { p.stale = true }

func (p *MessagePages) Contains(id uuid.UUID) bool {
	for _, msgs := range p.pages {
		for _, m := range msgs {
			if m.Id == id {
				return true
			}
		}
	}
	return false
}

// Append adds a pushed message at the end of page 1 and counts it. Messages
// already cached or already deleted are ignored. Without a cached page 1 the
// message is only counted; fetching page 1 brings it in.
func (p *MessagePages) Append(m types.Message) bool {
	if _, gone := p.deleted[m.Id]; gone || m.IsDeleted || p.Contains(m.Id) {
		return false
	}

	if newest, ok := p.pages[1]; ok {
		p.pages[1] = append(newest, m)
	}
	p.total++
	p.shift++
	return true
}

// ReplaceContent updates the content of id wherever it is cached. Order is
// left alone.
func (p *MessagePages) ReplaceContent(id uuid.UUID, content string) bool {
	found := false
	for _, msgs := range p.pages {
		for i := range msgs {
			if msgs[i].Id == id {
				msgs[i].Content = content
				found = true
			}
		}
	}
	return found
}

// Remove drops id from every page. The total goes down once per id and
// never below zero.
func (p *MessagePages) Remove(id uuid.UUID) bool {
	cached := false
	for n, msgs := range p.pages {
		kept := slices.DeleteFunc(msgs, func(m types.Message) bool { return m.Id == id })
		if len(kept) != len(msgs) {
			cached = true
		}
		p.pages[n] = kept
	}

	if _, seen := p.deleted[id]; seen {
		return false
	}
	p.deleted[id] = struct{}{}
	if p.total > 0 {
		p.total--
	}
	// with pages 1..k cached an uncached message is older than all of them
	// and moves no boundary in front of page k+1
	if cached || !p.contiguous() {
		p.shift--
	}
	return true
}

func (p *MessagePages) contiguous() bool {
	for n := 1; n <= len(p.pages); n++ {
		if _, ok := p.pages[n]; !ok {
			return false
		}
	}
	return true
}

type memberKey struct {
	roomId uuid.UUID
	page   int
}

// Cache holds what the client fetched from the gateway. Invalidated entries
// are refetched on the next read.
type Cache struct {
	mu        sync.Mutex
	pageSize  int
	roomLists map[ListRoomsOptions]types.RoomPage
	rooms     map[uuid.UUID]types.Room
	members   map[memberKey]types.MemberPage
	messages  map[uuid.UUID]*MessagePages
}

func NewCache(pageSize int) *Cache {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Cache{
		pageSize:  pageSize,
		roomLists: make(map[ListRoomsOptions]types.RoomPage),
		rooms:     make(map[uuid.UUID]types.Room),
		members:   make(map[memberKey]types.MemberPage),
		messages:  make(map[uuid.UUID]*MessagePages),
	}
}

func (c *Cache) RoomList(opts ListRoomsOptions) (types.RoomPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page, ok := c.roomLists[opts]
	return page, ok
}

func (c *Cache) SetRoomList(opts ListRoomsOptions, page types.RoomPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomLists[opts] = page
}

func (c *Cache) Room(id uuid.UUID) (types.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[id]
	return room, ok
}

func (c *Cache) SetRoom(room types.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room.Id] = room
}

func (c *Cache) Members(roomId uuid.UUID, page int) (types.MemberPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.members[memberKey{roomId, page}]
	return members, ok
}

func (c *Cache) SetMembers(roomId uuid.UUID, members types.MemberPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[memberKey{roomId, members.Page}] = members
}

func (c *Cache) MessagePage(roomId uuid.UUID, page int) (types.MessagePage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[roomId]
	if !ok {
		return types.MessagePage{}, false
	}
	return p.Page(page)
}

// RoomMessages returns every cached message of the room, oldest first, and
// the room's total.
func (c *Cache) RoomMessages(roomId uuid.UUID) ([]types.Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[roomId]
	if !ok {
		return nil, 0
	}
	return p.Messages(), p.Total()
}

// SetMessagePage stores a fetched page. See MessagePages.SetPage for when it
// returns false.
func (c *Cache) SetMessagePage(roomId uuid.UUID, page types.MessagePage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagesLocked(roomId).SetPage(page)
}

func (c *Cache) pagesLocked(roomId uuid.UUID) *MessagePages {
	p, ok := c.messages[roomId]
	if !ok {
		p = NewMessagePages(c.pageSize)
		c.messages[roomId] = p
	}
	return p
}

// AppendMessage applies a pushed message. Rooms with no cached history are
// skipped, the first read fetches them anyway.
func (c *Cache) AppendMessage(m types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[m.RoomId]
	if !ok {
		return false
	}
	return p.Append(m)
}

func (c *Cache) ReplaceMessage(roomId, messageId uuid.UUID, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[roomId]
	if !ok {
		return false
	}
	return p.ReplaceContent(messageId, content)
}

func (c *Cache) RemoveMessage(roomId, messageId uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[roomId]
	if !ok {
		return false
	}
	return p.Remove(messageId)
}

func (c *Cache) InvalidateRoomList() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.roomLists)
}

func (c *Cache) InvalidateRoom(roomId uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomId)
}

func (c *Cache) InvalidateMembers(roomId uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.members {
		if k.roomId == roomId {
			delete(c.members, k)
		}
	}
}

func (c *Cache) InvalidateMessages(roomId uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.messages[roomId]; ok {
		p.Invalidate()
	}
}

// DropRoom forgets everything cached about a room.
func (c *Cache) DropRoom(roomId uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomId)
	delete(c.messages, roomId)
	for k := range c.members {
		if k.roomId == roomId {
			delete(c.members, k)
		}
	}
}

// InvalidateAll marks every room, member and message query stale.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.roomLists)
	clear(c.rooms)
	clear(c.members)
	for _, p := range c.messages {
		p.Invalidate()
	}
}

// Valid reports whether any message page of the room can be served from
// the cache.
func (c *Cache) MessagesValid(roomId uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.messages[roomId]
	return ok && !p.Stale()
}
