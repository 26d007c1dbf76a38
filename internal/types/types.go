package types

import (
	"time"
)

type Room struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ChatMessage is a persisted chat event. Message, FileUrl and RoomCode
// are optional; an empty RoomCode marks a global broadcast.
type ChatMessage struct {
	Id        string    `json:"id"`
	Username  string    `json:"username"`
	Message   string    `json:"message,omitempty"`
	FileUrl   string    `json:"fileUrl,omitempty"`
	RoomCode  string    `json:"roomCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
