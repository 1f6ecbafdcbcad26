package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Setup builds the process logger. Text output keeps it readable on a console.
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewTextHandler(w, opts)
	return slog.New(handler)
}

// ParseLevel maps a config/flag value to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type syncer interface {
	Sync() error
}

// Sink adapts a slog logger to the one-message-per-event collaborator used by
// forwarders, listeners and connectors.
type Sink struct {
	log *slog.Logger
	out syncer
}

// NewSink wraps log. out, when it is a file, is synced on flush requests.
func NewSink(log *slog.Logger, out io.Writer) *Sink {
	s := &Sink{log: log}
	if f, ok := out.(syncer); ok {
		s.out = f
	}
	return s
}

func (s *Sink) Log(message string, flush bool) {
	s.LogLevel(slog.LevelInfo, message, flush)
}

func (s *Sink) LogLevel(level slog.Level, message string, flush bool) {
	s.log.Log(context.Background(), level, message)
	if flush && s.out != nil {
		s.out.Sync()
	}
}

// Stdout is the fallback sink used when no logger is configured.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdout() *Stdout {
	return &Stdout{w: os.Stdout}
}

func (s *Stdout) Log(message string, flush bool) {
	s.LogLevel(slog.LevelInfo, message, flush)
}

// LogLevel prefixes messages above info with their level.
func (s *Stdout) LogLevel(level slog.Level, message string, flush bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05")
	if level > slog.LevelInfo {
		fmt.Fprintf(s.w, "%s: %s: %s\n", ts, level, message)
	} else {
		fmt.Fprintf(s.w, "%s: %s\n", ts, message)
	}
	if flush {
		if f, ok := s.w.(syncer); ok {
			f.Sync()
		}
	}
}
