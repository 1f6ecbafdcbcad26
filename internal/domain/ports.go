package domain

import (
	"context"
	"log/slog"
	"net"
	"time"
)

type EventType uint32

const (
	EventRead   EventType = 0x1
	EventWrite  EventType = 0x4  // EPOLLOUT
	EventHangup EventType = 0x10 // EPOLLHUP / EPOLLERR
)

type Event struct {
	FD     int
	Events EventType
}

// Poller is a readiness-polling set of descriptors. Wait blocks for at most
// timeout and returns the ready descriptors; an empty slice means the wait
// timed out.
type Poller interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}

// Logger is the diagnostic sink collaborator. flush asks the sink to push the
// message out immediately.
type Logger interface {
	Log(message string, flush bool)
}

// LeveledLogger is a Logger that keeps the severity of a message. Log is
// LogLevel at info.
type LeveledLogger interface {
	Logger
	LogLevel(level slog.Level, message string, flush bool)
}

// Forwarder is the session contract shared by every backend.
type Forwarder interface {
	Start() error
	IsAlive() bool
	Describe() string
	// LocalBoundAddress reports the far socket's local address. The port is
	// 0 until the far side is connected.
	LocalBoundAddress() (string, uint16)
	Shutdown()
	// Join blocks until the session task ends and returns its terminal
	// error, if any.
	Join(alsoShutdown bool) error
}

// Backend builds forwarders.
type Backend interface {
	Name() string
	NewForwarder(cfg ForwarderConfig) (Forwarder, error)
}

// Resolver maps a destination host name to an address of the given family.
type Resolver interface {
	Resolve(ctx context.Context, host string, family Family) (net.IP, error)
}
