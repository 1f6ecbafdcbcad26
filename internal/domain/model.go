package domain

import (
	"net"
	"strconv"
	"time"
)

type Family int

const (
	FamilyINET Family = iota
	FamilyINET6
	FamilyUNIX
)

func (f Family) String() string {
	switch f {
	case FamilyINET:
		return "AF_INET"
	case FamilyINET6:
		return "AF_INET6"
	case FamilyUNIX:
		return "AF_UNIX"
	}
	return "AF_UNKNOWN"
}

// Endpoint identifies a network destination. For FamilyUNIX, Host holds the
// socket path and Port is ignored.
type Endpoint struct {
	Family Family
	Host   string
	Port   uint16
}

func InetEndpoint(host string, port uint16) Endpoint {
	family := FamilyINET
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		family = FamilyINET6
	}
	return Endpoint{Family: family, Host: host, Port: port}
}

func UnixEndpoint(path string) Endpoint {
	return Endpoint{Family: FamilyUNIX, Host: path}
}

func (e Endpoint) IsUnix() bool { return e.Family == FamilyUNIX }

func (e Endpoint) IsZero() bool { return e == Endpoint{} }

func (e Endpoint) String() string {
	if e.IsUnix() {
		return "unix:" + e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Phase is the forwarder lifecycle automaton.
type Phase int

const (
	PhaseInit       Phase = iota // constructed, not started
	PhaseConnecting              // resolving / connecting the far side
	PhaseRunning                 // pump active
	PhaseClosed                  // both sockets released
)

var phaseNames = [...]string{"INIT", "CONNECTING", "RUNNING", "CLOSED"}

func (p Phase) String() string {
	if p < PhaseInit || p > PhaseClosed {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// Transform is a per-chunk hook. It may rewrite chunk in place and returns the
// number of leading bytes to forward; values outside [0, len(chunk)] are
// clamped.
type Transform func(chunk []byte) int

const (
	DefaultBindHost       = "127.0.0.1"
	DefaultChunkSize      = 8 * 1024
	DefaultConnectTimeout = 10 * time.Second
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultListenBacklog  = 500
)

// ForwarderConfig is handed to a backend once per session.
type ForwarderConfig struct {
	NearFD      int
	Destination Endpoint
	BindHostOut string
	Logger      Logger
	Debug       bool

	ConnectTimeout time.Duration
	PollInterval   time.Duration
	// IdleTimeout closes a session that moved no bytes for this long; zero
	// disables it.
	IdleTimeout time.Duration

	InToOut Transform // near -> far
	OutToIn Transform // far -> near
}

func (c ForwarderConfig) HasTransforms() bool {
	return c.InToOut != nil || c.OutToIn != nil
}

// WithDefaults fills unset durations.
func (c ForwarderConfig) WithDefaults() ForwarderConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
