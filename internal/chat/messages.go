package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/roomcode"
	"github.com/npezzotti/go-roomchat/internal/types"
)

// AppendParams describes a chat event to be logged. Message, FileUrl and
// RoomCode are optional and empty means absent.
type AppendParams struct {
	Username string
	Message  string
	FileUrl  string
	RoomCode string
}

// Validate enforces that a username is present along with a message
// body or a file reference.
func (p AppendParams) Validate() error {
	if strings.TrimSpace(p.Username) == "" {
		return &ValidationError{Field: "username"}
	}
	if p.Message == "" && strings.TrimSpace(p.FileUrl) == "" {
		return &ValidationError{Field: "message", Reason: "message or fileUrl is required"}
	}

	return nil
}

// MessageLog is the append-only history of chat events.
type MessageLog struct {
	repo database.RoomChatRepository
	now  func() time.Time

	clockLock sync.Mutex
	last      time.Time
}

func NewMessageLog(repo database.RoomChatRepository) *MessageLog {
	return &MessageLog{
		repo: repo,
		now:  Now,
	}
}

func (ml *MessageLog) Append(ctx context.Context, p AppendParams) (types.ChatMessage, error) {
	if err := p.Validate(); err != nil {
		return types.ChatMessage{}, err
	}

	msg, err := ml.repo.CreateMessage(ctx, database.Message{
		Id:        uuid.NewString(),
		Username:  strings.TrimSpace(p.Username),
		Content:   p.Message,
		FileUrl:   strings.TrimSpace(p.FileUrl),
		RoomCode:  roomcode.Normalize(p.RoomCode),
		CreatedAt: ml.timestamp(),
	})
	if err != nil {
		return types.ChatMessage{}, &PersistenceError{Op: "append message", Err: err}
	}

	return toChatMessage(msg), nil
}

// ListAll returns the full log in ascending timestamp order.
func (ml *MessageLog) ListAll(ctx context.Context) ([]types.ChatMessage, error) {
	dbMessages, err := ml.repo.GetMessages(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}

	messages := make([]types.ChatMessage, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, toChatMessage(msg))
	}

	slices.SortStableFunc(messages, func(a, b types.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return messages, nil
}

// timestamp never moves backwards relative to earlier appends, even if
// the wall clock does.
func (ml *MessageLog) timestamp() time.Time {
	ml.clockLock.Lock()
	defer ml.clockLock.Unlock()

	ts := ml.now()
	if ts.Before(ml.last) {
		ts = ml.last
	}
	ml.last = ts

	return ts
}

// FilterForRoom keeps the messages tagged with code plus untagged ones.
func FilterForRoom(messages []types.ChatMessage, code string) []types.ChatMessage {
	code = roomcode.Normalize(code)

	filtered := make([]types.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.RoomCode == "" || msg.RoomCode == code {
			filtered = append(filtered, msg)
		}
	}

	return filtered
}

func toChatMessage(msg database.Message) types.ChatMessage {
	return types.ChatMessage{
		Id:        msg.Id,
		Username:  msg.Username,
		Message:   msg.Content,
		FileUrl:   msg.FileUrl,
		RoomCode:  msg.RoomCode,
		Timestamp: msg.CreatedAt,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
