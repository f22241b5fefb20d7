// Package logging builds the zap loggers shared by every component.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "BALANCE_RPC_LOG_LEVEL"

// LevelOff disables logging entirely.
const LevelOff = "off"

type Config struct {
	Level       string // debug, info, warn, error or off; default info
	Development bool   // console encoding, caller and stack traces on warn
}

// New builds a logger from cfg after applying environment overrides.
func New(cfg Config) (*zap.Logger, error) {
	applyEnvOverrides(&cfg)

	level, off, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if off {
		return zap.NewNop(), nil
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// ParseLevel parses a level name. off reports whether logging is disabled.
func ParseLevel(raw string) (level zapcore.Level, off bool, err error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return zapcore.InfoLevel, false, nil
	case LevelOff, "none", "silent":
		return zapcore.InfoLevel, true, nil
	}
	level, err = zapcore.ParseLevel(raw)
	if err != nil {
		return level, false, fmt.Errorf("logging: %w", err)
	}
	return level, false, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.Level = v
	}
}
