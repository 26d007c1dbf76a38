package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a single websocket frame sent by a client. Exactly one
// of Bind or Chat is expected to be set.
type ClientMessage struct {
	BaseMessage
	Bind   *Bind   `json:"bind,omitempty"`
	Chat   *Chat   `json:"chat,omitempty"`
	client *Client `json:"-"`
}

type Bind struct {
	RoomCode string `json:"roomCode"`
	Username string `json:"username"`
}

type Chat struct {
	Username string `json:"username"`
	Message  string `json:"message,omitempty"`
	FileUrl  string `json:"fileUrl,omitempty"`
	RoomCode string `json:"roomCode,omitempty"`
}

func (c *Chat) params() chat.AppendParams {
	return chat.AppendParams{
		Username: c.Username,
		Message:  c.Message,
		FileUrl:  c.FileUrl,
		RoomCode: c.RoomCode,
	}
}

type ServerMessage struct {
	BaseMessage
	Response *Response          `json:"response,omitempty"`
	Message  *types.ChatMessage `json:"message,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"responseCode"`
	Error        string `json:"error,omitempty"`
}

func newMessage(msg types.ChatMessage) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Message: &msg,
	}
}

func newResponse(id, code int, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}
}

func ErrBadRequest(id int, errMsg string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, errMsg)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "room not found")
}

func ErrAlreadyBound(id int) *ServerMessage {
	return newResponse(id, http.StatusConflict, "connection already bound to a room")
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return chat.Now()
}
