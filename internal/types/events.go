package types

import "github.com/google/uuid"

// Events sent by clients.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Events pushed by the server.
const (
	EventNewMessage          = "new-message"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventRoomUpdated         = "room-updated"
	EventRoomListUpdated     = "room-list-updated"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventUserRemovedFromRoom = "user-removed-from-room"
	EventMemberRemoved       = "member-removed"
	EventRoomDeleted         = "room-deleted"
	EventUserTyping          = "user-typing"
	EventAck                 = "ack"
)

// Actions carried by room-list-updated.
const (
	RoomListCreate = "create"
	RoomListJoin   = "join"
	RoomListLeave  = "leave"
	RoomListInvite = "invite"
)

type RoomMembershipPayload struct {
	RoomId uuid.UUID `json:"roomId"`
	UserId uuid.UUID `json:"userId"`
}

type SendMessagePayload struct {
	RoomId  uuid.UUID `json:"roomId"`
	Content string    `json:"content" validate:"required,max=2000"`
}

type TypingPayload struct {
	RoomId   uuid.UUID `json:"roomId"`
	UserId   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	IsTyping bool      `json:"isTyping"`
}

type NewMessagePayload struct {
	Message Message   `json:"message"`
	RoomId  uuid.UUID `json:"roomId"`
}

type MessageUpdatedPayload struct {
	MessageId uuid.UUID `json:"messageId"`
	Content   string    `json:"content"`
	RoomId    uuid.UUID `json:"roomId"`
}

type MessageDeletedPayload struct {
	MessageId uuid.UUID `json:"messageId"`
	RoomId    uuid.UUID `json:"roomId"`
}

type RoomUpdatedPayload struct {
	RoomId      uuid.UUID `json:"roomId"`
	RoomName    string    `json:"roomName"`
	AvatarUrl   *string   `json:"avatarUrl"`
	UpdatedRoom Room      `json:"updatedRoom"`
	Message     string    `json:"message"`
}

type RoomListUpdatedPayload struct {
	Action string `json:"action"`
	Room   Room   `json:"room"`
}

type UserPresencePayload struct {
	UserId   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	RoomId   uuid.UUID `json:"roomId"`
}

type UserRemovedFromRoomPayload struct {
	RoomId   uuid.UUID `json:"roomId"`
	RoomName string    `json:"roomName"`
	Message  string    `json:"message"`
}

type MemberRemovedPayload struct {
	RoomId          uuid.UUID `json:"roomId"`
	RoomName        string    `json:"roomName"`
	RemovedUserId   uuid.UUID `json:"removedUserId"`
	RemovedUsername string    `json:"removedUsername"`
	Message         string    `json:"message"`
}

type RoomDeletedPayload struct {
	RoomId   uuid.UUID `json:"roomId"`
	RoomName string    `json:"roomName"`
	Message  string    `json:"message"`
}
