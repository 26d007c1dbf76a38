package database

import "time"

type Room struct {
	Code      string
	Name      string
	Members   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Id        string
	Username  string
	Content   string
	FileUrl   string
	RoomCode  string
	CreatedAt time.Time
}

type CreateRoomParams struct {
	Code    string
	Name    string
	Creator string
}
