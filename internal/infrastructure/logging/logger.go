package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nerrad567/meross-core/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "merossd"

// redacted replaces the value of attributes that carry credentials.
const redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = map[string]bool{
	"key":         true,
	"signing_key": true,
	"password":    true,
	"token":       true,
}

// Logger is a *slog.Logger carrying the service fields. Loggers derived
// with With share the parent's output.
type Logger struct {
	*slog.Logger
	out io.Closer
}

// New builds a logger from cfg. Entries carry service and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, closer := openOutput(cfg)
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h), out: closer}
}

// Default is the startup logger used until the config file is read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// With returns a logger adding args to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), out: l.out}
}

// Close releases a log file. Loggers writing to stdout or stderr have
// nothing to release.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// openOutput returns the destination for cfg.Output and, for file output,
// the rotating file to close on shutdown.
func openOutput(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		f := rotatingFile(cfg.File)
		return f, f
	case "both":
		f := rotatingFile(cfg.File)
		return io.MultiWriter(os.Stdout, f), f
	default:
		return os.Stdout, nil
	}
}

// rotatingFile rotates by size. MaxSize is in megabytes and MaxAge in days.
func rotatingFile(cfg config.FileLoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
}

// parseLevel maps a config level to slog. Anything unrecognised is info.
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

// redact blanks credential attributes, including ones nested in groups.
func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}
