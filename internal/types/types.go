package types

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

type Room struct {
	Id             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	AvatarUrl      *string     `json:"avatarUrl"`
	AuthorId       uuid.UUID   `json:"authorId"`
	LastMessageId  *uuid.UUID  `json:"lastMessageId"`
	ParticipantIds []uuid.UUID `json:"participantIds,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type Member struct {
	UserId   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Message struct {
	Id        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	AuthorId  uuid.UUID `json:"authorId"`
	RoomId    uuid.UUID `json:"roomId"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pagination is shared by every paginated response.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes totalPages as ceil(total/limit).
func NewPagination(total, page, limit int) Pagination {
	p := Pagination{Total: total, Page: page, Limit: limit}
	if limit > 0 {
		p.TotalPages = (total + limit - 1) / limit
	}
	return p
}

type RoomPage struct {
	Rooms []Room `json:"rooms"`
	Pagination
}

type MessagePage struct {
	Messages []Message `json:"messages"`
	Pagination
}

type MemberPage struct {
	Members []Member `json:"members"`
	Pagination
}
