package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/swissairdry/airdry-core/internal/infrastructure/config"
)

// serviceName tags every record so fleet-wide log search can split by
// service and release.
const serviceName = "airdry-core"

// Logger is the structured logger shared across the service. It embeds
// slog.Logger, so the usual Debug/Info/Warn/Error key-value calls work
// directly, and is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging section of config.yaml:
// format "json" (default) or "text", level debug through error, output
// "stdout" (default) or "stderr".
func New(cfg config.LoggingConfig, version string) *Logger {
	return fromWriter(outputWriter(cfg.Output), cfg, version)
}

// fromWriter assembles the handler chain onto an explicit writer.
func fromWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func outputWriter(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel maps a config string to a slog level, defaulting to info
// for anything unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with a subsystem name, e.g.
// "mqtt", "ble", or "dispatcher", so one service log can be filtered
// per transport.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the bootstrap logger for use before the configuration is
// loaded: JSON to stdout at info level, version "dev".
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
