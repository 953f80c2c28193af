package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/config"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/server"
	"github.com/npezzotti/taskchat/internal/testutil"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: uuid.MustParse("11111111-1111-1111-1111-111111111111"), Username: "alice"}
	bob   = types.User{Id: uuid.MustParse("22222222-2222-2222-2222-222222222222"), Username: "bob"}
	carol = types.User{Id: uuid.MustParse("33333333-3333-3333-3333-333333333333"), Username: "carol"}
)

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     []byte("test-signing-key"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, db database.Repository) (*GoChatApp, *fakeHub) {
	hub := newFakeHub()
	app := NewGoChatApp(http.NewServeMux(), testutil.TestLogger(t), hub, db, nil, testConfig())
	return app, hub
}

// newRequest builds a request as the auth middleware would hand it on.
func newRequest(method, target string, body any, user types.User, pathValues map[string]string) *http.Request {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, r)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	return req.WithContext(WithUser(req.Context(), user))
}

func testRoom(author types.User, members ...types.User) database.Room {
	ids := []uuid.UUID{author.Id}
	for _, m := range members {
		ids = append(ids, m.Id)
	}
	return database.Room{
		Id:             uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"),
		Name:           "Team",
		AuthorId:       author.Id,
		ParticipantIds: ids,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping").Return(tc.mockErr).Once()

			app, _ := newTestApp(t, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_pageParams(t *testing.T) {
	tcases := []struct {
		name          string
		query         string
		expectedPage  int
		expectedLimit int
		expectErr     bool
	}{
		{name: "defaults", query: "", expectedPage: 1, expectedLimit: 20},
		{name: "explicit", query: "?page=3&limit=5", expectedPage: 3, expectedLimit: 5},
		{name: "clamped", query: "?page=0&limit=500", expectedPage: 1, expectedLimit: 100},
		{name: "malformed page", query: "?page=abc", expectErr: true},
		{name: "malformed limit", query: "?limit=1.5", expectErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/chat/rooms"+tc.query, nil)
			page, limit, apiErr := pageParams(req)
			if tc.expectErr {
				require.NotNil(t, apiErr)
				assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
				return
			}
			require.Nil(t, apiErr)
			assert.Equal(t, tc.expectedPage, page)
			assert.Equal(t, tc.expectedLimit, limit)
		})
	}
}

func TestCreateRoom(t *testing.T) {
	created := testRoom(alice)
	longName := strings.Repeat("x", 101)

	tcases := []struct {
		name         string
		body         any
		mockErr      error
		callsDb      bool
		expectedCode int
	}{
		{name: "creates room", body: RoomRequest{Name: " Team "}, callsDb: true, expectedCode: http.StatusCreated},
		{name: "invalid json", body: "{", expectedCode: http.StatusBadRequest},
		{name: "empty name", body: RoomRequest{Name: "   "}, expectedCode: http.StatusBadRequest},
		{name: "name too long", body: RoomRequest{Name: longName}, expectedCode: http.StatusBadRequest},
		{name: "invalid avatar", body: map[string]string{"name": "Team", "avatarUrl": "not a url"}, expectedCode: http.StatusBadRequest},
		{name: "duplicate name", body: RoomRequest{Name: "Team"}, mockErr: database.ErrConflict, callsDb: true, expectedCode: http.StatusConflict},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)
			if tc.callsDb {
				db.On("CreateRoom", database.CreateRoomParams{Name: "Team", AuthorId: alice.Id}).
					Return(created, tc.mockErr).Once()
			}

			app, hub := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.createRoom(rr, newRequest(http.MethodPost, "/chat/rooms", tc.body, alice, nil))

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode != http.StatusCreated {
				assert.Empty(t, hub.notified, "expected no events on failure")
				return
			}

			room := decodeBody[types.Room](t, rr.Body.Bytes())
			assert.Equal(t, created.Id, room.Id)

			notes := hub.notificationsFor(alice.Id)
			require.Len(t, notes, 1)
			assert.Equal(t, types.EventRoomListUpdated, notes[0].event)
			payload := notes[0].payload.(types.RoomListUpdatedPayload)
			assert.Equal(t, types.RoomListCreate, payload.Action)
		})
	}
}

func TestGetRoom(t *testing.T) {
	room := testRoom(alice, bob)

	tcases := []struct {
		name         string
		user         types.User
		id           string
		mockErr      error
		callsDb      bool
		expectedCode int
	}{
		{name: "participant", user: bob, id: room.Id.String(), callsDb: true, expectedCode: http.StatusOK},
		{name: "non participant", user: carol, id: room.Id.String(), callsDb: true, expectedCode: http.StatusForbidden},
		{name: "not found", user: alice, id: room.Id.String(), mockErr: database.ErrNotFound, callsDb: true, expectedCode: http.StatusNotFound},
		{name: "malformed id", user: alice, id: "nope", expectedCode: http.StatusBadRequest},
		{name: "store failure", user: alice, id: room.Id.String(), mockErr: errors.New("boom"), callsDb: true, expectedCode: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)
			if tc.callsDb {
				db.On("GetRoomById", room.Id).Return(room, tc.mockErr).Once()
			}

			app, _ := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.getRoom(rr, newRequest(http.MethodGet, "/chat/rooms/"+tc.id, nil, tc.user, map[string]string{"id": tc.id}))

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode == http.StatusOK {
				got := decodeBody[types.Room](t, rr.Body.Bytes())
				assert.ElementsMatch(t, []uuid.UUID{alice.Id, bob.Id}, got.ParticipantIds)
			}
		})
	}
}

func TestListRooms(t *testing.T) {
	t.Run("paginates", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		rooms := []database.Room{testRoom(alice), testRoom(alice)}
		db.On("ListRoomsByParticipant", alice.Id, database.ListRoomsParams{
			Page: 2, Limit: 2, SortBy: database.SortByName, SortOrder: database.SortAsc,
		}).Return(rooms, 5, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(http.MethodGet, "/chat/rooms?page=2&limit=2&sortBy=name&sortOrder=ASC", nil, alice, nil))

		require.Equal(t, http.StatusOK, rr.Code)
		page := decodeBody[types.RoomPage](t, rr.Body.Bytes())
		assert.Len(t, page.Rooms, 2)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, 2, page.Limit)
		assert.Equal(t, 3, page.TotalPages, "expected ceil(5/2)")
	})

	t.Run("empty list encodes as array", func(t *testing.T) {
		db := &database.MockRepository{}
		db.On("ListRoomsByParticipant", alice.Id, mock.Anything).Return([]database.Room(nil), 0, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(http.MethodGet, "/chat/rooms", nil, alice, nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"rooms":[]`)
		assert.Contains(t, rr.Body.String(), `"totalPages":0`)
	})

	t.Run("rejects unknown sort", func(t *testing.T) {
		app, _ := newTestApp(t, &database.MockRepository{})
		rr := httptest.NewRecorder()
		app.listRooms(rr, newRequest(http.MethodGet, "/chat/rooms?sortBy=password", nil, alice, nil))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestUpdateRoom(t *testing.T) {
	t.Run("author renames room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		renamed := room
		renamed.Name = "Team 2"

		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("UpdateRoom", mock.MatchedBy(func(r database.Room) bool { return r.Name == "Team 2" })).
			Return(renamed, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.updateRoom(rr, newRequest(http.MethodPut, "/", RoomRequest{Name: "Team 2"}, alice,
			map[string]string{"id": room.Id.String()}))

		require.Equal(t, http.StatusOK, rr.Code)
		for _, u := range []types.User{alice, bob} {
			notes := hub.notificationsFor(u.Id)
			require.Len(t, notes, 1, "expected every participant to be notified")
			assert.Equal(t, types.EventRoomUpdated, notes[0].event)
			assert.Equal(t, "Team 2", notes[0].payload.(types.RoomUpdatedPayload).RoomName)
		}
	})

	t.Run("non author is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.updateRoom(rr, newRequest(http.MethodPut, "/", RoomRequest{Name: "Mine"}, bob,
			map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Empty(t, hub.notified)
	})
}

func TestDeleteRoom(t *testing.T) {
	t.Run("author deletes room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("DeleteRoom", room.Id).Return(nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.deleteRoom(rr, newRequest(http.MethodDelete, "/", nil, alice, map[string]string{"id": room.Id.String()}))

		require.Equal(t, http.StatusNoContent, rr.Code)
		assert.True(t, hub.room(room.Id).closed, "expected room to be unloaded")
		for _, u := range []types.User{alice, bob} {
			notes := hub.notificationsFor(u.Id)
			require.Len(t, notes, 1)
			assert.Equal(t, types.EventRoomDeleted, notes[0].event)
		}
	})

	t.Run("non author is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.deleteRoom(rr, newRequest(http.MethodDelete, "/", nil, bob, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.False(t, hub.room(room.Id).closed)
	})
}

func TestJoinRoom(t *testing.T) {
	tcases := []struct {
		name        string
		added       bool
		expectEvent bool
	}{
		{name: "new member", added: true, expectEvent: true},
		{name: "already a member", added: false, expectEvent: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)

			room := testRoom(alice)
			db.On("GetRoomById", room.Id).Return(room, nil).Once()
			db.On("AddParticipant", room.Id, bob.Id).Return(tc.added, nil).Once()

			app, hub := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.joinRoom(rr, newRequest(http.MethodPost, "/", nil, bob, map[string]string{"id": room.Id.String()}))

			require.Equal(t, http.StatusOK, rr.Code)
			events := hub.room(room.Id).events
			if !tc.expectEvent {
				assert.Empty(t, events)
				assert.Empty(t, hub.notified)
				return
			}

			require.Len(t, events, 1)
			assert.Equal(t, types.EventUserJoined, events[0].event)
			assert.Equal(t, []uuid.UUID{bob.Id}, events[0].skipUsers, "expected joiner to be skipped")

			notes := hub.notificationsFor(bob.Id)
			require.Len(t, notes, 1)
			payload := notes[0].payload.(types.RoomListUpdatedPayload)
			assert.Equal(t, types.RoomListJoin, payload.Action)
			assert.Contains(t, payload.Room.ParticipantIds, bob.Id)
		})
	}

	t.Run("unknown room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		id := uuid.New()
		db.On("GetRoomById", id).Return(database.Room{}, database.ErrNotFound).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.joinRoom(rr, newRequest(http.MethodPost, "/", nil, bob, map[string]string{"id": id.String()}))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestLeaveRoom(t *testing.T) {
	t.Run("member leaves", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("RemoveParticipant", room.Id, bob.Id).Return(true, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.leaveRoom(rr, newRequest(http.MethodPost, "/", nil, bob, map[string]string{"id": room.Id.String()}))

		require.Equal(t, http.StatusNoContent, rr.Code)
		fr := hub.room(room.Id)
		assert.Equal(t, []uuid.UUID{bob.Id}, fr.unsubscribed, "expected live connections to be detached")
		require.Len(t, fr.events, 1)
		assert.Equal(t, types.EventUserLeft, fr.events[0].event)

		notes := hub.notificationsFor(bob.Id)
		require.Len(t, notes, 1)
		payload := notes[0].payload.(types.RoomListUpdatedPayload)
		assert.Equal(t, types.RoomListLeave, payload.Action)
		assert.NotContains(t, payload.Room.ParticipantIds, bob.Id)
	})

	t.Run("author cannot leave", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.leaveRoom(rr, newRequest(http.MethodPost, "/", nil, alice, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("non member is a no-op", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("RemoveParticipant", room.Id, carol.Id).Return(false, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.leaveRoom(rr, newRequest(http.MethodPost, "/", nil, carol, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Empty(t, hub.room(room.Id).events)
		assert.Empty(t, hub.notified)
	})
}

func TestInviteUsers(t *testing.T) {
	t.Run("invites new members", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("GetAccountById", bob.Id).Return(database.Account{Id: bob.Id, Username: bob.Username}, nil).Once()
		db.On("AddParticipant", room.Id, bob.Id).Return(true, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		body := InviteRequest{UserIds: []uuid.UUID{bob.Id, bob.Id, alice.Id}}
		app.inviteUsers(rr, newRequest(http.MethodPost, "/", body, alice, map[string]string{"id": room.Id.String()}))

		require.Equal(t, http.StatusOK, rr.Code)
		got := decodeBody[types.Room](t, rr.Body.Bytes())
		assert.ElementsMatch(t, []uuid.UUID{alice.Id, bob.Id}, got.ParticipantIds)

		notes := hub.notificationsFor(bob.Id)
		require.Len(t, notes, 1)
		assert.Equal(t, types.EventRoomListUpdated, notes[0].event)
		assert.Equal(t, types.RoomListInvite, notes[0].payload.(types.RoomListUpdatedPayload).Action)

		events := hub.room(room.Id).events
		require.Len(t, events, 1)
		assert.Equal(t, types.EventUserJoined, events[0].event)
		assert.Equal(t, bob.Id, events[0].payload.(types.UserPresencePayload).UserId)
	})

	t.Run("unknown invitee adds nobody", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice)
		ghost := uuid.New()
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("GetAccountById", bob.Id).Return(database.Account{Id: bob.Id, Username: bob.Username}, nil).Once()
		db.On("GetAccountById", ghost).Return(database.Account{}, database.ErrNotFound).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		body := InviteRequest{UserIds: []uuid.UUID{bob.Id, ghost}}
		app.inviteUsers(rr, newRequest(http.MethodPost, "/", body, alice, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusNotFound, rr.Code)
		db.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything)
		assert.Empty(t, hub.notified)
	})

	t.Run("non participant is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		body := InviteRequest{UserIds: []uuid.UUID{bob.Id}}
		app.inviteUsers(rr, newRequest(http.MethodPost, "/", body, carol, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("empty invite list", func(t *testing.T) {
		app, _ := newTestApp(t, &database.MockRepository{})
		rr := httptest.NewRecorder()
		body := InviteRequest{}
		app.inviteUsers(rr, newRequest(http.MethodPost, "/", body, alice, map[string]string{"id": uuid.NewString()}))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestListMembers(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	room := testRoom(alice, bob)
	db.On("GetRoomById", room.Id).Return(room, nil).Once()
	db.On("ListParticipants", room.Id, 1, 20).Return([]database.Participant{
		{RoomId: room.Id, UserId: alice.Id, Username: alice.Username},
		{RoomId: room.Id, UserId: bob.Id, Username: bob.Username},
	}, 2, nil).Once()

	app, _ := newTestApp(t, db)
	rr := httptest.NewRecorder()
	app.listMembers(rr, newRequest(http.MethodGet, "/", nil, bob, map[string]string{"id": room.Id.String()}))

	require.Equal(t, http.StatusOK, rr.Code)
	page := decodeBody[types.MemberPage](t, rr.Body.Bytes())
	require.Len(t, page.Members, 2)
	assert.Equal(t, "alice", page.Members[0].Username)
	assert.Equal(t, 1, page.TotalPages)
}

func TestRemoveMember(t *testing.T) {
	t.Run("author removes member", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("GetAccountById", bob.Id).Return(database.Account{Id: bob.Id, Username: bob.Username}, nil).Once()
		db.On("RemoveParticipant", room.Id, bob.Id).Return(true, nil).Once()

		app, hub := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.removeMember(rr, newRequest(http.MethodDelete, "/", nil, alice,
			map[string]string{"id": room.Id.String(), "memberId": bob.Id.String()}))

		require.Equal(t, http.StatusNoContent, rr.Code)
		fr := hub.room(room.Id)
		assert.Equal(t, []uuid.UUID{bob.Id}, fr.unsubscribed, "expected removed member to stop receiving room events")
		require.Len(t, fr.events, 1)
		assert.Equal(t, types.EventMemberRemoved, fr.events[0].event)
		assert.Equal(t, "bob", fr.events[0].payload.(types.MemberRemovedPayload).RemovedUsername)

		notes := hub.notificationsFor(bob.Id)
		require.Len(t, notes, 1)
		assert.Equal(t, types.EventUserRemovedFromRoom, notes[0].event)
	})

	tcases := []struct {
		name         string
		caller       types.User
		member       types.User
		expectedCode int
	}{
		{name: "non author", caller: bob, member: carol, expectedCode: http.StatusForbidden},
		{name: "author cannot be removed", caller: alice, member: alice, expectedCode: http.StatusForbidden},
		{name: "not a member", caller: alice, member: carol, expectedCode: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)

			room := testRoom(alice, bob)
			db.On("GetRoomById", room.Id).Return(room, nil).Once()

			app, hub := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.removeMember(rr, newRequest(http.MethodDelete, "/", nil, tc.caller,
				map[string]string{"id": room.Id.String(), "memberId": tc.member.Id.String()}))

			assert.Equal(t, tc.expectedCode, rr.Code)
			assert.Empty(t, hub.notified)
		})
	}
}

func TestListMessages(t *testing.T) {
	t.Run("participant reads visible page", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice, bob)
		msgs := []database.Message{
			{Id: uuid.New(), RoomId: room.Id, AuthorId: alice.Id, Content: "newest"},
			{Id: uuid.New(), RoomId: room.Id, AuthorId: bob.Id, Content: "older"},
		}
		db.On("GetRoomById", room.Id).Return(room, nil).Once()
		db.On("CountVisibleMessages", room.Id).Return(7, nil).Once()
		db.On("ListVisibleMessages", room.Id, 1, 2).Return(msgs, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.listMessages(rr, newRequest(http.MethodGet, "/?limit=2", nil, bob, map[string]string{"id": room.Id.String()}))

		require.Equal(t, http.StatusOK, rr.Code)
		page := decodeBody[types.MessagePage](t, rr.Body.Bytes())
		require.Len(t, page.Messages, 2)
		assert.Equal(t, "newest", page.Messages[0].Content)
		assert.Equal(t, 7, page.Total)
		assert.Equal(t, 4, page.TotalPages)
	})

	t.Run("non participant is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		room := testRoom(alice)
		db.On("GetRoomById", room.Id).Return(room, nil).Once()

		app, _ := newTestApp(t, db)
		rr := httptest.NewRecorder()
		app.listMessages(rr, newRequest(http.MethodGet, "/", nil, carol, map[string]string{"id": room.Id.String()}))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestUpdateMessage(t *testing.T) {
	room := testRoom(alice, bob)
	msgId := uuid.New()
	stored := database.Message{Id: msgId, RoomId: room.Id, AuthorId: alice.Id, Content: "v1"}
	deleted := stored
	deleted.IsDeleted = true
	edited := stored
	edited.Content = "v2"

	tcases := []struct {
		name           string
		caller         types.User
		body           any
		stored         database.Message
		getErr         error
		updateResult   *database.Message
		expectedCode   int
		expectedEvent  bool
		expectedStored string
	}{
		{name: "author edits", caller: alice, body: UpdateMessageRequest{Content: "v2"}, stored: stored,
			updateResult: &edited, expectedCode: http.StatusOK, expectedEvent: true, expectedStored: "v2"},
		{name: "non author", caller: bob, body: UpdateMessageRequest{Content: "v2"}, stored: stored,
			expectedCode: http.StatusForbidden},
		{name: "edit of deleted message is a quiet no-op", caller: alice, body: UpdateMessageRequest{Content: "v2"}, stored: deleted,
			expectedCode: http.StatusOK, expectedStored: "v1"},
		{name: "delete wins inside the store", caller: alice, body: UpdateMessageRequest{Content: "v2"}, stored: stored,
			updateResult: &deleted, expectedCode: http.StatusOK, expectedStored: "v1"},
		{name: "missing message", caller: alice, body: UpdateMessageRequest{Content: "v2"}, getErr: database.ErrNotFound,
			expectedCode: http.StatusNotFound},
		{name: "message of another room", caller: alice, body: UpdateMessageRequest{Content: "v2"},
			stored: database.Message{Id: msgId, RoomId: uuid.New(), AuthorId: alice.Id}, expectedCode: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)

			db.On("GetMessageById", msgId).Return(tc.stored, tc.getErr).Once()
			if tc.updateResult != nil {
				db.On("UpdateMessageContent", msgId, "v2").Return(*tc.updateResult, nil).Once()
			}

			app, hub := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.updateMessage(rr, newRequest(http.MethodPut, "/", tc.body, tc.caller,
				map[string]string{"id": room.Id.String(), "messageId": msgId.String()}))

			require.Equal(t, tc.expectedCode, rr.Code)
			events := hub.room(room.Id).events
			if tc.expectedEvent {
				require.Len(t, events, 1)
				assert.Equal(t, types.EventMessageUpdated, events[0].event)
				assert.Equal(t, "v2", events[0].payload.(types.MessageUpdatedPayload).Content)
			} else {
				assert.Empty(t, events)
			}

			if tc.expectedStored != "" {
				got := decodeBody[types.Message](t, rr.Body.Bytes())
				assert.Equal(t, tc.expectedStored, got.Content)
			}
		})
	}

	t.Run("content validation", func(t *testing.T) {
		app, _ := newTestApp(t, &database.MockRepository{})
		for _, content := range []string{"", "   ", strings.Repeat("a", 2001)} {
			rr := httptest.NewRecorder()
			app.updateMessage(rr, newRequest(http.MethodPut, "/", UpdateMessageRequest{Content: content}, alice,
				map[string]string{"id": room.Id.String(), "messageId": msgId.String()}))
			assert.Equal(t, http.StatusBadRequest, rr.Code, "content of length %d", len(content))
		}
	})
}

func TestDeleteMessage(t *testing.T) {
	room := testRoom(alice, bob)
	msgId := uuid.New()
	stored := database.Message{Id: msgId, RoomId: room.Id, AuthorId: alice.Id, Content: "v1"}

	tcases := []struct {
		name          string
		caller        types.User
		changed       bool
		callsMark     bool
		expectedCode  int
		expectedEvent bool
	}{
		{name: "author deletes", caller: alice, changed: true, callsMark: true, expectedCode: http.StatusNoContent, expectedEvent: true},
		{name: "repeat delete", caller: alice, changed: false, callsMark: true, expectedCode: http.StatusNoContent},
		{name: "non author", caller: bob, expectedCode: http.StatusForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)

			db.On("GetMessageById", msgId).Return(stored, nil).Once()
			if tc.callsMark {
				db.On("MarkMessageDeleted", msgId).Return(tc.changed, nil).Once()
			}

			app, hub := newTestApp(t, db)
			rr := httptest.NewRecorder()
			app.deleteMessage(rr, newRequest(http.MethodDelete, "/", nil, tc.caller,
				map[string]string{"id": room.Id.String(), "messageId": msgId.String()}))

			assert.Equal(t, tc.expectedCode, rr.Code)
			events := hub.room(room.Id).events
			if tc.expectedEvent {
				require.Len(t, events, 1)
				assert.Equal(t, types.EventMessageDeleted, events[0].event)
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestHubUnavailable(t *testing.T) {
	app, hub := newTestApp(t, &database.MockRepository{})
	hub.execErr = server.ErrServerClosed

	rr := httptest.NewRecorder()
	app.deleteMessage(rr, newRequest(http.MethodDelete, "/", nil, alice,
		map[string]string{"id": uuid.NewString(), "messageId": uuid.NewString()}))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
