package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dskow/bank-gateway/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the JSON logger described by cfg. Output "stdout" and "stderr"
// select the process streams; anything else is a file path written through a
// RotatingWriter. The returned Closer releases the file, if any.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out, closer = rw, rw
	}

	return NewWithWriter(out, level), closer, nil
}

// NewWithWriter returns a JSON logger writing records at level or above to w.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a configured level name to a slog.Level. An empty name
// means info.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
