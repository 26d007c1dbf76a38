package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/config"
	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/server"
	"github.com/npezzotti/go-roomchat/internal/types"
	"go.uber.org/zap"
)

type RoomService interface {
	CreateRoom(ctx context.Context, name, creator string) (types.Room, error)
	JoinRoom(ctx context.Context, code, username string) (types.Room, error)
}

type MessageService interface {
	Append(ctx context.Context, p chat.AppendParams) (types.ChatMessage, error)
	ListAll(ctx context.Context) ([]types.ChatMessage, error)
}

type UploadStore interface {
	Save(originalName string, r io.Reader) (string, error)
	URL(name string) string
	Dir() string
	MaxBytes() int64
}

type RoomChatApp struct {
	log            *zap.SugaredLogger
	db             database.RoomChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	rooms          RoomService
	messages       MessageService
	uploads        UploadStore
	allowedOrigins []string
}

func NewRoomChatApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, db database.RoomChatRepository,
	rooms RoomService, messages MessageService, uploads UploadStore, cfg *config.Config) *RoomChatApp {
	s := &RoomChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		rooms:          rooms,
		messages:       messages,
		uploads:        uploads,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /{$}", s.status)
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/rooms/create", s.createRoom)
	mux.HandleFunc("POST /api/rooms/join", s.joinRoom)
	mux.HandleFunc("POST /api/messages", s.createMessage)
	mux.HandleFunc("GET /api/messages", s.getMessages)
	mux.HandleFunc("POST /api/upload", s.uploadFile)
	mux.Handle("GET /uploads/", s.serveUploads())
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(zap.NewStdLog(logger.Desugar()).Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RoomChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RoomChatApp) Start() error {
	s.log.Infof("starting server on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RoomChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
