package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"asyncproxy/internal/domain"
	"asyncproxy/internal/infrastructure/epoll"
	"asyncproxy/internal/infrastructure/network"
	"asyncproxy/internal/infrastructure/resolver"
	"asyncproxy/pkg/logger"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"
)

// ListenerConfig describes one passive redirection rule.
type ListenerConfig struct {
	Port     uint16
	BindHost string // default 127.0.0.1

	Destination domain.Endpoint
	// AllowedIPs restricts peers; nil allows everyone.
	AllowedIPs  []string
	BindHostOut string

	Logger  domain.Logger
	Debug   bool
	Backend domain.Backend

	PollInterval   time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	InToOut domain.Transform
	OutToIn domain.Transform

	// OnDisconnect runs once when the accept loop ends.
	OnDisconnect func()
}

// Listener accepts connections on a local port and runs one forwarder per
// accepted connection.
type Listener struct {
	cfg     ListenerConfig
	log     domain.Logger
	backend domain.Backend
	fd      int
	addr    string
	port    uint16
	retry   *backoff.Backoff

	mu           sync.Mutex
	dead         bool
	started      bool
	allowed      map[string]struct{}
	forwarders   []domain.Forwarder
	onDisconnect func()

	shutdownOnce sync.Once
	quit         chan struct{} // closed by Shutdown
	done         chan struct{}
}

// NewListener binds the local address. Listening starts with Start.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.BindHost == "" {
		cfg.BindHost = domain.DefaultBindHost
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = domain.DefaultPollInterval
	}
	if cfg.Destination.IsZero() {
		return nil, fmt.Errorf("%w: no destination", domain.ErrConstruction)
	}

	family := domain.InetEndpoint(cfg.BindHost, cfg.Port).Family
	ip, err := resolver.Literal().Resolve(context.Background(), cfg.BindHost, family)
	if err != nil {
		return nil, fmt.Errorf("%w: bind host %s: %w", domain.ErrConstruction, cfg.BindHost, err)
	}
	fd, err := network.BindTCP(ip, cfg.Port, family)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s:%d: %w", domain.ErrConstruction, cfg.BindHost, cfg.Port, err)
	}
	addr, port, err := network.LocalAddr(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: getsockname: %w", domain.ErrConstruction, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewStdout()
	}
	backend := cfg.Backend
	if backend == nil {
		backend = PumpBackend{Resolver: resolver.Default()}
	}

	l := &Listener{
		cfg:          cfg,
		log:          log,
		backend:      backend,
		fd:           fd,
		addr:         addr,
		port:         port,
		retry:        &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2},
		onDisconnect: cfg.OnDisconnect,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	l.SetAllowedIPs(cfg.AllowedIPs)
	return l, nil
}

func (l *Listener) logf(format string, args ...any) {
	l.log.Log(fmt.Sprintf("Listener[%d]: ", l.port)+fmt.Sprintf(format, args...), false)
}

// Addr returns the bound local address.
func (l *Listener) Addr() (string, uint16) { return l.addr, l.port }

// SetAllowedIPs replaces the peer allow-list; nil allows everyone.
func (l *Listener) SetAllowedIPs(ips []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ips == nil {
		l.allowed = nil
		return
	}
	l.allowed = make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		l.allowed[ip] = struct{}{}
	}
}

func (l *Listener) permitted(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowed == nil {
		return true
	}
	_, ok := l.allowed[ip]
	return ok
}

// Sessions returns the number of forwarders not yet reaped.
func (l *Listener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.forwarders)
}

// Forwarders returns a snapshot of the live set.
func (l *Listener) Forwarders() []domain.Forwarder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Forwarder(nil), l.forwarders...)
}

func (l *Listener) isDead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dead
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.dead {
		return fmt.Errorf("%w: listener on port %d already started or shut down", domain.ErrStart, l.port)
	}
	if err := network.Listen(l.fd, domain.DefaultListenBacklog); err != nil {
		return fmt.Errorf("%w: listen: %w", domain.ErrStart, err)
	}
	poller, err := epoll.New()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStart, err)
	}
	if err := poller.Register(l.fd, domain.EventRead); err != nil {
		poller.Close()
		return fmt.Errorf("%w: %w", domain.ErrStart, err)
	}
	l.started = true
	if l.cfg.Debug {
		l.logf("redirecting %s:%d -> %s", l.addr, l.port, l.cfg.Destination)
	}
	go l.run(poller)
	return nil
}

func (l *Listener) run(poller domain.Poller) {
	defer close(l.done)
	defer l.fireDisconnect()
	defer poller.Close()

	for {
		events, err := poller.Wait(l.cfg.PollInterval)
		if l.isDead() {
			return
		}
		if err != nil {
			logAt(l.log, slog.LevelError, fmt.Sprintf("Listener[%d]: poll failed, stopping: %v", l.port, err), true)
			return
		}
		if len(events) == 0 {
			l.reap()
			continue
		}
		ev := events[0]
		if ev.Events&domain.EventHangup != 0 {
			return
		}
		if ev.Events&domain.EventRead == 0 {
			continue
		}
		l.acceptOne()
	}
}

func (l *Listener) acceptOne() {
	nfd, peer, err := network.Accept(l.fd)
	if err != nil {
		if l.isDead() {
			return
		}
		switch {
		case errors.Is(err, unix.EAGAIN):
		case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ECONNABORTED):
			l.logf("Ignoring 'Connection reset by peer'")
		case errors.Is(err, unix.EINTR):
			l.logf("Ignoring 'Interrupted system call'")
		default:
			l.logf("got socket error: %v", err)
		}
		return
	}
	if l.isDead() {
		l.logf("ignore connection attempt from IP %s during shutdown", peer)
		network.Reject(nfd)
		return
	}
	if !l.permitted(peer) {
		network.Reject(nfd)
		l.logf("connection attempt from the unknown IP %s has been rejected", peer)
		return
	}
	l.spawn(nfd)
}

func (l *Listener) forwarderConfig(nearFD int) domain.ForwarderConfig {
	return domain.ForwarderConfig{
		NearFD:         nearFD,
		Destination:    l.cfg.Destination,
		BindHostOut:    l.cfg.BindHostOut,
		Logger:         l.log,
		Debug:          l.cfg.Debug,
		ConnectTimeout: l.cfg.ConnectTimeout,
		PollInterval:   l.cfg.PollInterval,
		IdleTimeout:    l.cfg.IdleTimeout,
		InToOut:        l.cfg.InToOut,
		OutToIn:        l.cfg.OutToIn,
	}
}

// spawn hands nearFD to a new forwarder, starts it and adds it to the live
// set, then reaps finished ones.
func (l *Listener) spawn(nearFD int) {
	fwd, err := l.backend.NewForwarder(l.forwarderConfig(nearFD))
	if err != nil {
		network.Reject(nearFD)
	} else if err = fwd.Start(); err != nil {
		fwd.Join(true)
	}
	if err != nil {
		if l.isDead() {
			return
		}
		l.logf("setting up redirection to %s failed: %v", l.cfg.Destination, err)
		l.pause(l.retry.Duration())
		return
	}
	l.retry.Reset()

	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		fwd.Join(true)
		return
	}
	l.forwarders = append(l.forwarders, fwd)
	l.mu.Unlock()

	l.reap()
}

// pause waits for d or until Shutdown, whichever comes first.
func (l *Listener) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.quit:
	}
}

// reap joins forwarders that have finished and keeps the rest.
func (l *Listener) reap() {
	var finished []domain.Forwarder
	l.mu.Lock()
	alive := l.forwarders[:0]
	for _, fwd := range l.forwarders {
		if fwd.IsAlive() {
			alive = append(alive, fwd)
		} else {
			finished = append(finished, fwd)
		}
	}
	clear(l.forwarders[len(alive):])
	l.forwarders = alive
	l.mu.Unlock()

	for _, fwd := range finished {
		if err := fwd.Join(false); err != nil {
			l.logf("forwarder ended with error: %v (%s)", err, fwd.Describe())
		} else if l.cfg.Debug {
			l.logf("joined forwarder: %s", fwd.Describe())
		}
	}
}

func (l *Listener) fireDisconnect() {
	l.mu.Lock()
	cb := l.onDisconnect
	l.onDisconnect = nil
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// drain pops live forwarders one at a time, shutting down and joining each.
func (l *Listener) drain() {
	for {
		l.mu.Lock()
		n := len(l.forwarders)
		if n == 0 {
			l.mu.Unlock()
			return
		}
		fwd := l.forwarders[n-1]
		l.forwarders[n-1] = nil
		l.forwarders = l.forwarders[:n-1]
		l.mu.Unlock()

		if fwd.IsAlive() {
			fwd.Shutdown()
		}
		fwd.Join(false)
	}
}

// Shutdown stops accepting, tears down every live forwarder and releases the
// listening socket. It is safe to call from any goroutine and more than once.
func (l *Listener) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		l.dead = true
		started := l.started
		l.mu.Unlock()
		close(l.quit)

		l.drain()
		if started {
			// wake the accept loop, then wait for it before the descriptor
			// can be reused
			unix.Shutdown(l.fd, unix.SHUT_RDWR)
			<-l.done
			l.drain()
		}
		unix.Close(l.fd)
	})
}

// Wait blocks until the accept loop has ended.
func (l *Listener) Wait() {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
}
