package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelOff is above every level slog emits, so nothing gets through.
const LevelOff = slog.Level(12)

// LevelFromDebug maps the debugLevel setting (0..3) to a slog level.
// 0 disables logging, 1 shows errors, 2 adds warnings, 3 shows everything.
func LevelFromDebug(debugLevel int) slog.Level {
	switch {
	case debugLevel <= 0:
		return LevelOff
	case debugLevel == 1:
		return slog.LevelError
	case debugLevel == 2:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// Init installs the default logger. LOG_LEVEL, when set, wins over debugLevel.
// A nil writer logs to stderr.
func Init(debugLevel int, w io.Writer) {
	level := LevelFromDebug(debugLevel)

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch strings.ToLower(l) {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		case "off", "none":
			level = LevelOff
		}
	}

	if w == nil {
		w = os.Stderr
	}

	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}
