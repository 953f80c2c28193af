package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/stats"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRoom builds a room that is not running, for exercising its
// bookkeeping directly.
func newTestRoom(t *testing.T, cs *ChatServer) *Room {
	r := newRoom(cs, uuid.New())
	t.Cleanup(func() { r.killTimer.Stop() })
	return r
}

func TestRoom_addClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	r := newTestRoom(t, cs)

	phone := newTestClient(t, cs, alice)
	laptop := newTestClient(t, cs, alice)

	assert.True(t, r.addClient(phone), "expected first connection of a user to be reported")
	assert.False(t, r.addClient(laptop), "expected second connection not to be reported")
	assert.True(t, r.hasClient(phone))
	assert.Len(t, r.userMap[alice.Id], 2)
	assert.Same(t, r, phone.getRoom(r.id), "expected client to track the room")
}

func TestRoom_removeClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	r := newTestRoom(t, cs)

	phone := newTestClient(t, cs, alice)
	laptop := newTestClient(t, cs, alice)
	stranger := newTestClient(t, cs, bob)
	r.addClient(phone)
	r.addClient(laptop)

	assert.False(t, r.removeClient(stranger), "expected unknown client to be ignored")
	assert.False(t, r.removeClient(phone), "expected user to still have a connection")
	assert.Nil(t, phone.getRoom(r.id))
	assert.True(t, r.removeClient(laptop), "expected last connection to be reported")
	assert.Empty(t, r.clients)
	assert.NotContains(t, r.userMap, alice.Id)
}

func TestRoom_Broadcast(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	r := newTestRoom(t, cs)

	a := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)
	b2 := newTestClient(t, cs, bob)
	outsider := newTestClient(t, cs, types.User{Id: uuid.New(), Username: "carol"})
	for _, c := range []*Client{a, b1, b2} {
		r.addClient(c)
	}

	t.Run("reaches every subscriber", func(t *testing.T) {
		r.Broadcast(types.EventMessageDeleted, types.MessageDeletedPayload{MessageId: uuid.New(), RoomId: r.id})

		for _, c := range []*Client{a, b1, b2} {
			msg := nextMessage(t, c)
			assert.Equal(t, types.EventMessageDeleted, msg.Event)
			assert.Empty(t, msg.Id, "expected pushed events to carry no id")
		}
		expectNoMessage(t, outsider)
	})

	t.Run("skips users", func(t *testing.T) {
		r.Broadcast(types.EventUserJoined, types.UserPresencePayload{UserId: bob.Id, RoomId: r.id}, bob.Id)

		msg := nextMessage(t, a)
		var p types.UserPresencePayload
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		assert.Equal(t, bob.Id, p.UserId)
		expectNoMessage(t, b1)
		expectNoMessage(t, b2)
	})

	t.Run("skips a single connection", func(t *testing.T) {
		evt, err := NewEvent(types.EventUserTyping, types.TypingPayload{RoomId: r.id, IsTyping: true})
		require.NoError(t, err)
		evt.SkipClient = b1
		r.broadcast(evt)

		nextMessage(t, a)
		nextMessage(t, b2)
		expectNoMessage(t, b1)
	})

	t.Run("unencodable payload is dropped", func(t *testing.T) {
		r.Broadcast(types.EventNewMessage, make(chan int))
		expectNoMessage(t, a)
	})
}

func TestRoom_Unsubscribe(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	r := newTestRoom(t, cs)

	a := newTestClient(t, cs, alice)
	b1 := newTestClient(t, cs, bob)
	b2 := newTestClient(t, cs, bob)
	for _, c := range []*Client{a, b1, b2} {
		r.addClient(c)
	}

	r.Unsubscribe(bob.Id)

	assert.False(t, r.hasClient(b1))
	assert.False(t, r.hasClient(b2))
	assert.Nil(t, b1.getRoom(r.id), "expected connection to forget the room")
	assert.True(t, r.hasClient(a))

	r.Broadcast(types.EventMemberRemoved, types.MemberRemovedPayload{RemovedUserId: bob.Id})
	nextMessage(t, a)
	expectNoMessage(t, b1)
	expectNoMessage(t, b2)
}

func TestRoom_shutdown(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, &stats.MockStatsUpdater{})
	r := newTestRoom(t, cs)

	c := newTestClient(t, cs, alice)
	r.addClient(c)
	r.shutdown()

	assert.Empty(t, r.clients)
	assert.Nil(t, c.getRoom(r.id))
	select {
	case <-r.done:
	default:
		t.Error("expected done to be closed")
	}

	err := r.exec(context.Background(), func(*Room) error { return nil })
	assert.ErrorIs(t, err, errRoomClosed)
}
