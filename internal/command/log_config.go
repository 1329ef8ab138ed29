package command

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joeycumines/remock/internal/config"
)

// resolveLogLevel picks the log level from the flag, then the config
// (including its env override), then "info".
func resolveLogLevel(flagLevel string, cfg *config.Config) (slog.Level, error) {
	levelStr := flagLevel
	if levelStr == "" {
		levelStr = config.DefaultSchema().Resolve(cfg, "run", config.KeyLogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

// newLogger returns a text logger writing to w, tagged with the run id.
func newLogger(w io.Writer, level slog.Level, runID string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("run", runID))
}
