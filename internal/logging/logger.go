// Package logging builds the zap logger shared by the server.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvProduction = "prod"

// New returns a JSON logger for env "prod" and a console logger for
// anything else. An empty level keeps the config's default.
func New(env, level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if env == EnvProduction {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar().Named("roomchat"), nil
}
