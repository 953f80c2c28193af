package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/types"
)

type Account struct {
	Id        uuid.UUID
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Room struct {
	Id             uuid.UUID
	Name           string
	AvatarUrl      *string
	AuthorId       uuid.UUID
	LastMessageId  *uuid.UUID
	ParticipantIds []uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether userId is in the resolved participant list.
func (r *Room) HasParticipant(userId uuid.UUID) bool {
	for _, id := range r.ParticipantIds {
		if id == userId {
			return true
		}
	}
	return false
}

func (r Room) ToType() types.Room {
	return types.Room{
		Id:             r.Id,
		Name:           r.Name,
		AvatarUrl:      r.AvatarUrl,
		AuthorId:       r.AuthorId,
		LastMessageId:  r.LastMessageId,
		ParticipantIds: r.ParticipantIds,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type Participant struct {
	RoomId   uuid.UUID
	UserId   uuid.UUID
	Username string
	JoinedAt time.Time
}

type Message struct {
	Id        uuid.UUID
	Seq       int64
	Content   string
	AuthorId  uuid.UUID
	RoomId    uuid.UUID
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Participant) ToType() types.Member {
	return types.Member{
		UserId:   p.UserId,
		Username: p.Username,
		JoinedAt: p.JoinedAt,
	}
}

func (m Message) ToType() types.Message {
	return types.Message{
		Id:        m.Id,
		Content:   m.Content,
		AuthorId:  m.AuthorId,
		RoomId:    m.RoomId,
		IsDeleted: m.IsDeleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type CreateRoomParams struct {
	Name      string
	AvatarUrl *string
	AuthorId  uuid.UUID
}

type UpsertAccountParams struct {
	Id       uuid.UUID
	Username string
}

type CreateMessageParams struct {
	RoomId   uuid.UUID
	AuthorId uuid.UUID
	Content  string
}

// Columns rooms can be ordered by when listing.
const (
	SortByName      = "name"
	SortByCreatedAt = "createdAt"
	SortByUpdatedAt = "updatedAt"
)

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

type ListRoomsParams struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}
