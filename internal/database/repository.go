package database

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateCode = errors.New("room code already exists")
)

type RoomChatRepository interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	RoomExists(ctx context.Context, code string) (bool, error)
	AddRoomMember(ctx context.Context, code, username string) (Room, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessages(ctx context.Context) ([]Message, error)
}
