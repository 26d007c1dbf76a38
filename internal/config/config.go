package config

import (
	"fmt"
	"strings"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	DefaultUploadDir      = "uploads"
	DefaultMaxUploadBytes = 10 << 20
	DefaultCodeAttempts   = 64
)

// Options holds raw settings as read from flags and the environment.
type Options struct {
	ServerAddr     string
	DatabaseDSN    string
	Store          string
	AllowedOrigins []string
	UploadDir      string
	MaxUploadBytes int64
	CodeAttempts   int
	StrictBind     bool
	Env            string
	LogLevel       string
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	Store          string
	AllowedOrigins []string
	UploadDir      string
	MaxUploadBytes int64
	// CodeAttempts bounds room code collision retries. Zero is unbounded.
	CodeAttempts int
	StrictBind   bool
	Env          string
	LogLevel     string
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	store := strings.ToLower(strings.TrimSpace(opts.Store))
	if store == "" {
		store = StorePostgres
	}
	switch store {
	case StorePostgres:
		if opts.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", opts.Store)
	}

	if opts.UploadDir == "" {
		return nil, fmt.Errorf("upload directory cannot be empty")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be positive")
	}
	if opts.CodeAttempts < 0 {
		return nil, fmt.Errorf("code attempts cannot be negative")
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Config{
		ServerAddr:     opts.ServerAddr,
		DatabaseDSN:    opts.DatabaseDSN,
		Store:          store,
		AllowedOrigins: origins,
		UploadDir:      opts.UploadDir,
		MaxUploadBytes: opts.MaxUploadBytes,
		CodeAttempts:   opts.CodeAttempts,
		StrictBind:     opts.StrictBind,
		Env:            opts.Env,
		LogLevel:       opts.LogLevel,
	}, nil
}
