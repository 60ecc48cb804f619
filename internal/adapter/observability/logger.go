// Package observability provides logging, metrics, and tracing for the
// anti-ban dispatcher.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/antiban/dispatcher/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel, cfg.IsDev())}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func parseLevel(level string, dev bool) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		if dev {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
}
