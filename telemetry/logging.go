package telemetry

import (
	"io"
	"log/slog"
	"strings"
)

// InitLogger installs the default slog logger.
// level: "debug", "info", "warn", "error" (unknown values fall back to info)
// format: "json" or "text"
func InitLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	if unknown {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return logger
}
