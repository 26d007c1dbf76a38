package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/roomcode"
	"github.com/npezzotti/go-roomchat/internal/types"
	"go.uber.org/zap"
)

// RoomRegistry creates rooms under fresh codes and records who joined
// them.
type RoomRegistry struct {
	log         *zap.SugaredLogger
	repo        database.RoomChatRepository
	gen         roomcode.Generator
	maxAttempts int
}

// NewRoomRegistry returns a registry drawing codes from gen. A
// maxAttempts of zero or less retries code collisions without bound.
func NewRoomRegistry(logger *zap.SugaredLogger, repo database.RoomChatRepository, gen roomcode.Generator, maxAttempts int) *RoomRegistry {
	return &RoomRegistry{
		log:         logger,
		repo:        repo,
		gen:         gen,
		maxAttempts: maxAttempts,
	}
}

func (rr *RoomRegistry) CreateRoom(ctx context.Context, name, creator string) (types.Room, error) {
	name = strings.TrimSpace(name)
	creator = strings.TrimSpace(creator)
	if name == "" {
		return types.Room{}, &ValidationError{Field: "name"}
	}
	if creator == "" {
		return types.Room{}, &ValidationError{Field: "username"}
	}

	// every draw counts against maxAttempts, including draws after a
	// lost insert race
	draws := 0
	gen := func() (string, error) {
		draws++
		return rr.gen()
	}

	// a concurrent creator may claim the code between the existence
	// check and the insert; the store rejects it and we draw again
	for {
		budget := 0
		if rr.maxAttempts > 0 {
			budget = rr.maxAttempts - draws
			if budget <= 0 {
				return types.Room{}, &PersistenceError{Op: "allocate room code", Err: roomcode.ErrExhausted}
			}
		}

		code, err := roomcode.Unique(ctx, gen, rr.codeTaken, budget)
		if err != nil {
			return types.Room{}, &PersistenceError{Op: "allocate room code", Err: err}
		}

		dbRoom, err := rr.repo.CreateRoom(ctx, database.CreateRoomParams{
			Code:    code,
			Name:    name,
			Creator: creator,
		})
		if errors.Is(err, database.ErrDuplicateCode) {
			rr.log.Debugf("room code %q claimed concurrently, retrying", code)
			continue
		}
		if err != nil {
			return types.Room{}, &PersistenceError{Op: "create room", Err: err}
		}

		rr.log.Infof("created room %q (%s) for %q", dbRoom.Code, dbRoom.Name, creator)
		return toRoom(dbRoom), nil
	}
}

func (rr *RoomRegistry) JoinRoom(ctx context.Context, code, username string) (types.Room, error) {
	code = roomcode.Normalize(code)
	username = strings.TrimSpace(username)
	if code == "" {
		return types.Room{}, &ValidationError{Field: "code"}
	}
	if username == "" {
		return types.Room{}, &ValidationError{Field: "username"}
	}

	dbRoom, err := rr.repo.AddRoomMember(ctx, code, username)
	if errors.Is(err, database.ErrNotFound) {
		return types.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return types.Room{}, &PersistenceError{Op: "join room", Err: err}
	}

	return toRoom(dbRoom), nil
}

// Exists reports whether a room was ever created under code.
func (rr *RoomRegistry) Exists(ctx context.Context, code string) (bool, error) {
	exists, err := rr.repo.RoomExists(ctx, roomcode.Normalize(code))
	if err != nil {
		return false, &PersistenceError{Op: "lookup room", Err: err}
	}

	return exists, nil
}

func (rr *RoomRegistry) codeTaken(ctx context.Context, code string) (bool, error) {
	return rr.repo.RoomExists(ctx, code)
}

func toRoom(r database.Room) types.Room {
	members := r.Members
	if members == nil {
		members = []string{}
	}

	return types.Room{
		Code:    r.Code,
		Name:    r.Name,
		Members: members,
	}
}
