package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/server"
	"github.com/npezzotti/go-roomchat/internal/upload"
)

// multipartOverhead is the allowance for form boundaries and headers on
// top of the upload size limit.
const multipartOverhead = 1 << 20

type createRoomRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type joinRoomRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
}

type createMessageRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	FileUrl  string `json:"fileUrl"`
	RoomCode string `json:"roomCode"`
}

type uploadResponse struct {
	Url string `json:"url"`
}

func (s *RoomChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("json encode: %v", err)
	}
}

// writeError maps domain errors onto API errors.
func (s *RoomChatApp) writeError(w http.ResponseWriter, err error) {
	var errResp *ApiError
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		errResp = NewBadRequestError(verr.Error())
	case errors.Is(err, chat.ErrRoomNotFound):
		errResp = NewNotFoundError("Room not found")
	default:
		s.log.Errorf("request failed: %v", err)
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *RoomChatApp) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("RoomChat server running"))
}

func (s *RoomChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Errorf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Write([]byte("OK"))
}

func (s *RoomChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError("invalid request body")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.rooms.CreateRoom(r.Context(), req.Name, req.Username)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *RoomChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError("invalid request body")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.rooms.JoinRoom(r.Context(), req.Code, req.Username)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *RoomChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError("invalid request body")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.messages.Append(r.Context(), chat.AppendParams{
		Username: req.Username,
		Message:  req.Message,
		FileUrl:  req.FileUrl,
		RoomCode: req.RoomCode,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *RoomChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.messages.ListAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if code := r.URL.Query().Get("roomCode"); code != "" {
		messages = chat.FilterForRoom(messages, code)
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *RoomChatApp) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		var errResp *ApiError
		if errors.As(err, &maxErr) {
			errResp = NewRequestTooLargeError()
		} else {
			errResp = NewBadRequestError("No file uploaded")
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	name, err := s.uploads.Save(header.Filename, file)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, upload.ErrTooLarge) {
			errResp = NewRequestTooLargeError()
		} else {
			s.log.Errorf("save upload: %v", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.log.Infof("stored upload %q", name)
	s.writeJson(w, http.StatusOK, uploadResponse{Url: s.uploads.URL(name)})
}

// serveUploads serves stored files without directory listings.
func (s *RoomChatApp) serveUploads() http.Handler {
	fs := http.StripPrefix(upload.URLPrefix, http.FileServer(http.Dir(s.uploads.Dir())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			errResp := NewNotFoundError("")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func (s *RoomChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// if no origin header, allow the request
		return true
	}

	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *RoomChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("error upgrading connection: %v", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	if err := s.cs.Serve(client); err != nil {
		s.log.Warnf("serve client: %v", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
