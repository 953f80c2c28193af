package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/server"
	"github.com/npezzotti/taskchat/internal/types"
)

const (
	msgRoomUpdated   = "Room updated"
	msgRoomDeleted   = "Room was deleted by its author"
	msgRemovedByHost = "You were removed from the room"
	msgMemberRemoved = "A member was removed from the room"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type RoomRequest struct {
	Name      string  `json:"name" validate:"required,max=100"`
	AvatarUrl *string `json:"avatarUrl" validate:"omitempty,url,max=2048"`
}

type InviteRequest struct {
	UserIds []uuid.UUID `json:"userIds" validate:"required,min=1,max=100"`
}

type UpdateMessageRequest struct {
	Content string `json:"content" validate:"required,max=2000"`
}

type listRoomsQuery struct {
	SortBy    string `validate:"omitempty,oneof=name createdAt updatedAt"`
	SortOrder string `validate:"omitempty,oneof=asc desc"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := toApiError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func decodeJson(r *http.Request, v any) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return NewValidationError("invalid " + lower(verrs[0].Field()))
		}
		return NewBadRequestError()
	}

	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, *ApiError) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, NewValidationError("invalid " + lower(name))
	}
	return id, nil
}

// pageParams parses page and limit. Missing values take defaults, out of
// range values are clamped, malformed values are rejected.
func pageParams(r *http.Request) (int, int, *ApiError) {
	var page, limit int
	var err error

	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			return 0, 0, NewValidationError("invalid page")
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, NewValidationError("invalid limit")
		}
	}

	page, limit = database.NormalizePage(page, limit)
	return page, limit, nil
}

func (s *GoChatApp) currentUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return user, ok
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	page, limit, apiErr := pageParams(r)
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	q := listRoomsQuery{
		SortBy:    r.URL.Query().Get("sortBy"),
		SortOrder: strings.ToLower(r.URL.Query().Get("sortOrder")),
	}
	if err := validate.Struct(q); err != nil {
		errResp := NewValidationError("invalid sort")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, total, err := s.db.ListRoomsByParticipant(r.Context(), user.Id, database.ListRoomsParams{
		Page:      page,
		Limit:     limit,
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := types.RoomPage{
		Rooms:      make([]types.Room, 0, len(rooms)),
		Pagination: types.NewPagination(total, page, limit),
	}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, room.ToType())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !room.HasParticipant(user.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room.ToType())
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req RoomRequest
	if apiErr := decodeRoomRequest(r, &req); apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	newRoom, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		Name:      req.Name,
		AvatarUrl: req.AvatarUrl,
		AuthorId:  user.Id,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	room := newRoom.ToType()
	s.hub.NotifyUser(user.Id, types.EventRoomListUpdated, types.RoomListUpdatedPayload{
		Action: types.RoomListCreate,
		Room:   room,
	})

	s.writeJson(w, http.StatusCreated, room)
}

func decodeRoomRequest(r *http.Request, req *RoomRequest) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return NewBadRequestError()
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.AvatarUrl != nil && strings.TrimSpace(*req.AvatarUrl) == "" {
		req.AvatarUrl = nil
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "AvatarUrl" {
			return NewValidationError("invalid avatar url")
		}
		return NewValidationError("name must be between 1 and 100 characters")
	}

	return nil
}

func (s *GoChatApp) updateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var req RoomRequest
	if apiErr := decodeRoomRequest(r, &req); apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var updated types.Room
	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}
		if current.AuthorId != user.Id {
			return NewForbiddenError()
		}

		current.Name = req.Name
		current.AvatarUrl = req.AvatarUrl
		saved, err := s.db.UpdateRoom(r.Context(), current)
		if err != nil {
			return err
		}

		updated = saved.ToType()
		payload := types.RoomUpdatedPayload{
			RoomId:      updated.Id,
			RoomName:    updated.Name,
			AvatarUrl:   updated.AvatarUrl,
			UpdatedRoom: updated,
			Message:     msgRoomUpdated,
		}
		for _, id := range updated.ParticipantIds {
			s.hub.NotifyUser(id, types.EventRoomUpdated, payload)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, updated)
}

func (s *GoChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}
		if current.AuthorId != user.Id {
			return NewForbiddenError()
		}

		if err := s.db.DeleteRoom(r.Context(), roomId); err != nil {
			return err
		}

		payload := types.RoomDeletedPayload{
			RoomId:   current.Id,
			RoomName: current.Name,
			Message:  msgRoomDeleted,
		}
		for _, id := range current.ParticipantIds {
			s.hub.NotifyUser(id, types.EventRoomDeleted, payload)
		}
		room.Close()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var joined types.Room
	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}

		added, err := s.db.AddParticipant(r.Context(), roomId, user.Id)
		if err != nil {
			return err
		}
		if added {
			current.ParticipantIds = append(current.ParticipantIds, user.Id)
		}
		joined = current.ToType()

		if added {
			room.Broadcast(types.EventUserJoined, types.UserPresencePayload{
				UserId:   user.Id,
				Username: user.Username,
				RoomId:   roomId,
			}, user.Id)
			s.hub.NotifyUser(user.Id, types.EventRoomListUpdated, types.RoomListUpdatedPayload{
				Action: types.RoomListJoin,
				Room:   joined,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, joined)
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}
		// the author leaves by deleting the room
		if current.AuthorId == user.Id {
			return NewForbiddenError()
		}

		removed, err := s.db.RemoveParticipant(r.Context(), roomId, user.Id)
		if err != nil || !removed {
			return err
		}

		room.Unsubscribe(user.Id)
		room.Broadcast(types.EventUserLeft, types.UserPresencePayload{
			UserId:   user.Id,
			Username: user.Username,
			RoomId:   roomId,
		})

		current.ParticipantIds = slices.DeleteFunc(current.ParticipantIds, func(id uuid.UUID) bool {
			return id == user.Id
		})
		s.hub.NotifyUser(user.Id, types.EventRoomListUpdated, types.RoomListUpdatedPayload{
			Action: types.RoomListLeave,
			Room:   current.ToType(),
		})
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) inviteUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var req InviteRequest
	if apiErr := decodeJson(r, &req); apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var result types.Room
	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}
		if !current.HasParticipant(user.Id) {
			return NewForbiddenError()
		}

		// resolve every invitee before touching membership
		var invitees []database.Account
		seen := make(map[uuid.UUID]struct{}, len(req.UserIds))
		for _, id := range req.UserIds {
			if _, dup := seen[id]; dup || current.HasParticipant(id) {
				continue
			}
			seen[id] = struct{}{}

			account, err := s.db.GetAccountById(r.Context(), id)
			if err != nil {
				return err
			}
			invitees = append(invitees, account)
		}

		var added []database.Account
		for _, account := range invitees {
			ok, err := s.db.AddParticipant(r.Context(), roomId, account.Id)
			if err != nil {
				return err
			}
			if ok {
				current.ParticipantIds = append(current.ParticipantIds, account.Id)
				added = append(added, account)
			}
		}

		result = current.ToType()
		for _, account := range added {
			s.hub.NotifyUser(account.Id, types.EventRoomListUpdated, types.RoomListUpdatedPayload{
				Action: types.RoomListInvite,
				Room:   result,
			})
			room.Broadcast(types.EventUserJoined, types.UserPresencePayload{
				UserId:   account.Id,
				Username: account.Username,
				RoomId:   roomId,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *GoChatApp) listMembers(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	page, limit, apiErr := pageParams(r)
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	if !s.authorizeParticipant(w, r, roomId, user.Id) {
		return
	}

	members, total, err := s.db.ListParticipants(r.Context(), roomId, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := types.MemberPage{
		Members:    make([]types.Member, 0, len(members)),
		Pagination: types.NewPagination(total, page, limit),
	}
	for _, m := range members {
		resp.Members = append(resp.Members, m.ToType())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoChatApp) removeMember(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	memberId, apiErr := pathUUID(r, "memberId")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		current, err := s.db.GetRoomById(r.Context(), roomId)
		if err != nil {
			return err
		}
		if current.AuthorId != user.Id || memberId == current.AuthorId {
			return NewForbiddenError()
		}
		if !current.HasParticipant(memberId) {
			return NewNotFoundError()
		}

		member, err := s.db.GetAccountById(r.Context(), memberId)
		if err != nil {
			return err
		}

		removed, err := s.db.RemoveParticipant(r.Context(), roomId, memberId)
		if err != nil {
			return err
		}
		if !removed {
			return NewNotFoundError()
		}

		room.Unsubscribe(memberId)
		room.Broadcast(types.EventMemberRemoved, types.MemberRemovedPayload{
			RoomId:          roomId,
			RoomName:        current.Name,
			RemovedUserId:   member.Id,
			RemovedUsername: member.Username,
			Message:         msgMemberRemoved,
		})
		s.hub.NotifyUser(memberId, types.EventUserRemovedFromRoom, types.UserRemovedFromRoomPayload{
			RoomId:   roomId,
			RoomName: current.Name,
			Message:  msgRemovedByHost,
		})
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	page, limit, apiErr := pageParams(r)
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	if !s.authorizeParticipant(w, r, roomId, user.Id) {
		return
	}

	total, err := s.db.CountVisibleMessages(r.Context(), roomId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	messages, err := s.db.ListVisibleMessages(r.Context(), roomId, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := types.MessagePage{
		Messages:   make([]types.Message, 0, len(messages)),
		Pagination: types.NewPagination(total, page, limit),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, m.ToType())
	}

	s.writeJson(w, http.StatusOK, resp)
}

// authoredMessage loads messageId and checks it belongs to roomId and was
// written by userId.
func (s *GoChatApp) authoredMessage(r *http.Request, roomId, messageId, userId uuid.UUID) (database.Message, error) {
	msg, err := s.db.GetMessageById(r.Context(), messageId)
	if err != nil {
		return database.Message{}, err
	}
	if msg.RoomId != roomId {
		return database.Message{}, NewNotFoundError()
	}
	if msg.AuthorId != userId {
		return database.Message{}, NewForbiddenError()
	}
	return msg, nil
}

func (s *GoChatApp) updateMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	messageId, apiErr := pathUUID(r, "messageId")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	var req UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if err := validate.Struct(req); err != nil {
		errResp := NewValidationError("content must be between 1 and 2000 characters")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var result types.Message
	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		msg, err := s.authoredMessage(r, roomId, messageId, user.Id)
		if err != nil {
			return err
		}

		// a deleted message stays deleted; report its stored state
		if msg.IsDeleted {
			result = msg.ToType()
			return nil
		}

		updated, err := s.db.UpdateMessageContent(r.Context(), messageId, req.Content)
		if err != nil {
			return err
		}
		result = updated.ToType()

		if !updated.IsDeleted {
			room.Broadcast(types.EventMessageUpdated, types.MessageUpdatedPayload{
				MessageId: updated.Id,
				Content:   updated.Content,
				RoomId:    roomId,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *GoChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	roomId, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	messageId, apiErr := pathUUID(r, "messageId")
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	err := s.hub.Exec(r.Context(), roomId, func(room server.RoomOps) error {
		if _, err := s.authoredMessage(r, roomId, messageId, user.Id); err != nil {
			return err
		}

		changed, err := s.db.MarkMessageDeleted(r.Context(), messageId)
		if err != nil {
			return err
		}

		if changed {
			room.Broadcast(types.EventMessageDeleted, types.MessageDeletedPayload{
				MessageId: messageId,
				RoomId:    roomId,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) authorizeParticipant(w http.ResponseWriter, r *http.Request, roomId, userId uuid.UUID) bool {
	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, err)
		return false
	}

	if !room.HasParticipant(userId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	return true
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	s.hub.ServeClient(user, conn)
}
