package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Config struct {
	Level string
	// Format is text, json or pretty. Pretty colours output for terminals and
	// is only applied to stdout; the log file always gets text or json.
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Init installs the default slog logger and redirects the std log package to
// it. The returned writer is nil when no log file is configured.
func Init(cfg Config) (*RotatingWriter, error) {
	level := ParseLevel(cfg.Level)
	format := strings.ToLower(strings.TrimSpace(cfg.Format))

	var rotating *RotatingWriter
	if strings.TrimSpace(cfg.File) != "" {
		writer, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		rotating = writer
	}

	handler := newHandler(os.Stdout, rotating, format, level)
	slog.SetDefault(slog.New(handler))

	stdLogger := slog.NewLogLogger(handler, level)
	log.SetFlags(0)
	log.SetOutput(stdLogger.Writer())

	return rotating, nil
}

func newHandler(stdout io.Writer, file *RotatingWriter, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "pretty" {
		console := tint.NewHandler(stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
		if file == nil {
			return console
		}
		return fanout{console, slog.NewTextHandler(file, opts)}
	}

	out := stdout
	if file != nil {
		out = io.MultiWriter(stdout, file)
	}
	if format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
