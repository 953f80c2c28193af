package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) UpsertAccount(ctx context.Context, params UpsertAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) GetAccountById(ctx context.Context, id uuid.UUID) (Account, error) {
	args := m.Called(id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomById(ctx context.Context, id uuid.UUID) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRoomsByParticipant(ctx context.Context, userId uuid.UUID, params ListRoomsParams) ([]Room, int, error) {
	args := m.Called(userId, params)
	return args.Get(0).([]Room), args.Int(1), args.Error(2)
}
func (m *MockRepository) UpdateRoom(ctx context.Context, room Room) (Room, error) {
	args := m.Called(room)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRepository) AddParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	args := m.Called(roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) RemoveParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	args := m.Called(roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) IsParticipant(ctx context.Context, roomId, userId uuid.UUID) (bool, error) {
	args := m.Called(roomId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) ListParticipants(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Participant, int, error) {
	args := m.Called(roomId, page, limit)
	return args.Get(0).([]Participant), args.Int(1), args.Error(2)
}
func (m *MockRepository) UpdateLastMessage(ctx context.Context, roomId, messageId uuid.UUID) error {
	args := m.Called(roomId, messageId)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessageById(ctx context.Context, id uuid.UUID) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListVisibleMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	args := m.Called(roomId, page, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, roomId uuid.UUID, page, limit int) ([]Message, error) {
	args := m.Called(roomId, page, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) CountVisibleMessages(ctx context.Context, roomId uuid.UUID) (int, error) {
	args := m.Called(roomId)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) CountMessages(ctx context.Context, roomId uuid.UUID) (int, error) {
	args := m.Called(roomId)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) (Message, error) {
	args := m.Called(id, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) MarkMessageDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) RestoreMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}
