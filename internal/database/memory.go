package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a process-local RoomChatRepository. Each room has
// its own lock so membership updates on different rooms never contend.
type MemoryRepository struct {
	roomsLock sync.RWMutex
	rooms     map[string]*memoryRoom

	messagesLock sync.RWMutex
	messages     []Message
}

type memoryRoom struct {
	mu   sync.Mutex
	room Room
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms: make(map[string]*memoryRoom),
	}
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	m.roomsLock.Lock()
	defer m.roomsLock.Unlock()

	if _, ok := m.rooms[params.Code]; ok {
		return Room{}, ErrDuplicateCode
	}

	now := time.Now().UTC()
	room := Room{
		Code:      params.Code,
		Name:      params.Name,
		Members:   []string{params.Creator},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.rooms[params.Code] = &memoryRoom{room: room}

	return copyRoom(room), nil
}

func (m *MemoryRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, ok := m.getRoom(code)
	return ok, nil
}

func (m *MemoryRepository) AddRoomMember(ctx context.Context, code, username string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	r, ok := m.getRoom(code)
	if !ok {
		return Room{}, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.room.Members, username) {
		r.room.Members = append(r.room.Members, username)
		r.room.UpdatedAt = time.Now().UTC()
	}

	return copyRoom(r.room), nil
}

func (m *MemoryRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	m.messagesLock.Lock()
	defer m.messagesLock.Unlock()

	m.messages = append(m.messages, msg)
	return msg, nil
}

// GetMessages returns the log ordered by creation time, ties kept in
// insertion order.
func (m *MemoryRepository) GetMessages(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.messagesLock.RLock()
	messages := make([]Message, len(m.messages))
	copy(messages, m.messages)
	m.messagesLock.RUnlock()

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

func (m *MemoryRepository) getRoom(code string) (*memoryRoom, bool) {
	m.roomsLock.RLock()
	defer m.roomsLock.RUnlock()

	r, ok := m.rooms[code]
	return r, ok
}

func copyRoom(r Room) Room {
	r.Members = slices.Clone(r.Members)
	return r
}
