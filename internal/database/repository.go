package database

import (
	"context"

	"github.com/google/uuid"
)

type AccountStore interface {
	UpsertAccount(ctx context.Context, params UpsertAccountParams) (Account, error)
	GetAccountById(ctx context.Context, id uuid.UUID) (Account, error)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomById(ctx context.Context, id uuid.UUID) (Room, error)
	ListRoomsByParticipant(ctx context.Context, userId uuid.UUID, params ListRoomsParams) ([]Room, int, error)
	UpdateRoom(ctx context.Context, room Room) (Room, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error
	AddParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error)
	RemoveParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error)
	IsParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error)
	ListParticipants(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Participant, int, error)
	UpdateLastMessage(ctx context.Context, roomId, messageId uuid.UUID) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessageById(ctx context.Context, id uuid.UUID) (Message, error)
	ListVisibleMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error)
	ListMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error)
	CountVisibleMessages(ctx context.Context, roomId uuid.UUID) (int, error)
	CountMessages(ctx context.Context, roomId uuid.UUID) (int, error)
	UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) (Message, error)
	MarkMessageDeleted(ctx context.Context, id uuid.UUID) (bool, error)
	RestoreMessage(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
}

type Repository interface {
	Ping(ctx context.Context) error
	AccountStore
	RoomStore
	MessageStore
}
