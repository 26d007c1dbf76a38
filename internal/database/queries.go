package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"

	selectRoomQuery = "SELECT code, name, members, created_at, updated_at FROM rooms WHERE code = $1"
)

func (db *PgRoomChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgRoomChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO rooms (code, name, members, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING code, name, members, created_at, updated_at",
		params.Code,
		params.Name,
		pq.Array([]string{params.Creator}),
		now,
		now,
	)

	var room Room
	err := res.Scan(
		&room.Code,
		&room.Name,
		pq.Array(&room.Members),
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return Room{}, ErrDuplicateCode
		}
		return Room{}, err
	}

	return room, nil
}

func (db *PgRoomChatRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(
		ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)",
		code,
	).Scan(&exists)

	return exists, err
}

// AddRoomMember appends username to the room's member list unless it is
// already present. The row is locked for the duration of the check.
func (db *PgRoomChatRepository) AddRoomMember(ctx context.Context, code, username string) (Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var room Room
	err = tx.QueryRowContext(ctx, selectRoomQuery+" FOR UPDATE", code).Scan(
		&room.Code,
		&room.Name,
		pq.Array(&room.Members),
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("select room: %w", err)
	}

	if !slices.Contains(room.Members, username) {
		room.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(
			ctx,
			"UPDATE rooms SET members = array_append(members, $2), updated_at = $3 WHERE code = $1",
			code,
			username,
			room.UpdatedAt,
		)
		if err != nil {
			return Room{}, fmt.Errorf("append member: %w", err)
		}
		room.Members = append(room.Members, username)
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgRoomChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	_, err := db.conn.ExecContext(
		ctx,
		"INSERT INTO messages (id, username, content, file_url, room_code, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		msg.Id,
		msg.Username,
		nullString(msg.Content),
		nullString(msg.FileUrl),
		nullString(msg.RoomCode),
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgRoomChatRepository) GetMessages(ctx context.Context) ([]Message, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		"SELECT id, username, content, file_url, room_code, created_at FROM messages "+
			"ORDER BY created_at ASC, seq ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		var (
			msg      Message
			content  sql.NullString
			fileUrl  sql.NullString
			roomCode sql.NullString
		)
		if err := rows.Scan(&msg.Id, &msg.Username, &content, &fileUrl, &roomCode, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		msg.Content = content.String
		msg.FileUrl = fileUrl.String
		msg.RoomCode = roomCode.String
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
