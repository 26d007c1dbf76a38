package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-roomchat/internal/api"
	"github.com/npezzotti/go-roomchat/internal/chat"
	"github.com/npezzotti/go-roomchat/internal/config"
	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/logging"
	"github.com/npezzotti/go-roomchat/internal/roomcode"
	"github.com/npezzotti/go-roomchat/internal/server"
	"github.com/npezzotti/go-roomchat/internal/stats"
	"github.com/npezzotti/go-roomchat/internal/upload"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	store          string
	allowedOrigins stringSliceFlag
	uploadDir      string
	maxUploadBytes int64
	codeAttempts   int
	strictBind     bool
	env            string
	logLevel       string
)

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func main() {
	// a missing .env is fine, the environment and flags still apply
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envString("ROOMCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envString("ROOMCHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&store, "store", envString("ROOMCHAT_STORE", config.StorePostgres), "storage backend (postgres or memory)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&uploadDir, "upload-dir", envString("ROOMCHAT_UPLOAD_DIR", config.DefaultUploadDir), "directory for uploaded files")
	flag.Int64Var(&maxUploadBytes, "max-upload-bytes", int64(envInt("ROOMCHAT_MAX_UPLOAD_BYTES", config.DefaultMaxUploadBytes)), "maximum upload size in bytes")
	flag.IntVar(&codeAttempts, "code-attempts", envInt("ROOMCHAT_CODE_ATTEMPTS", config.DefaultCodeAttempts), "room code generation attempts, 0 for unbounded")
	flag.BoolVar(&strictBind, "strict-bind", envBool("ROOMCHAT_STRICT_BIND", false), "reject binds to unknown rooms")
	flag.StringVar(&env, "env", envString("ROOMCHAT_ENV", "dev"), "environment (dev or prod)")
	flag.StringVar(&logLevel, "log-level", envString("ROOMCHAT_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("ROOMCHAT_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}

	cfg, err := config.NewConfig(config.Options{
		ServerAddr:     addr,
		DatabaseDSN:    dsn,
		Store:          store,
		AllowedOrigins: allowedOrigins,
		UploadDir:      uploadDir,
		MaxUploadBytes: maxUploadBytes,
		CodeAttempts:   codeAttempts,
		StrictBind:     strictBind,
		Env:            env,
		LogLevel:       logLevel,
	})
	if err != nil {
		log.Fatal("config: ", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer logger.Sync()

	var repo database.RoomChatRepository
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		repo = database.NewMemoryRepository()
	default:
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Fatalw("db migrate", "error", err)
		}

		dbConn, err := database.NewPgRoomChatRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatalw("db open", "error", err)
		}
		defer func() {
			if err := dbConn.Close(); err != nil {
				logger.Errorw("db close", "error", err)
			}
		}()
		repo = dbConn
	}

	gen, err := roomcode.NewGenerator(roomcode.DefaultLength)
	if err != nil {
		logger.Fatalw("room code generator", "error", err)
	}

	rooms := chat.NewRoomRegistry(logger, repo, gen, cfg.CodeAttempts)
	messages := chat.NewMessageLog(repo)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, messages, rooms, statsUpdater, cfg.StrictBind)
	if err != nil {
		logger.Fatalw("new chat server", "error", err)
	}

	uploads, err := upload.NewDiskStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatalw("upload store", "error", err)
	}

	srv := api.NewRoomChatApp(mux, logger, chatServer, repo, rooms, messages, uploads, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("received signal: %s", sig)
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("chat server shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}
