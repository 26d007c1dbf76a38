package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRoomChatRepository struct {
	mock.Mock
}

func (m *MockRoomChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRoomChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomChatRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}
func (m *MockRoomChatRepository) AddRoomMember(ctx context.Context, code, username string) (Room, error) {
	args := m.Called(ctx, code, username)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRoomChatRepository) GetMessages(ctx context.Context) ([]Message, error) {
	args := m.Called(ctx)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
