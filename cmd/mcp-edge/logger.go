package main

import (
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/lmittmann/tint"
)

// newLogger returns a tint console logger for "text" and a JSON logger
// otherwise. Both decorate records with request and session context.
func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
		})
	}
	return logctx.Wrap(slog.New(h))
}
