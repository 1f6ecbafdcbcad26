package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"asyncproxy/internal/domain"
	"asyncproxy/internal/infrastructure/network"
	"asyncproxy/internal/infrastructure/resolver"
	"asyncproxy/pkg/logger"

	"golang.org/x/sys/unix"
)

type writeHalfCloser interface {
	CloseWrite() error
}

// StreamForwarder serves the forwarder contract with one io.Copy per
// direction, which lets the kernel splice between TCP sockets. It has no
// per-chunk hooks; configurations that need them are rejected with
// ErrIncompatibleArgs.
type StreamForwarder struct {
	id       uint64
	cfg      domain.ForwarderConfig
	log      domain.Logger
	resolver domain.Resolver
	local    net.IP

	mu       sync.Mutex
	state    string
	phase    domain.Phase
	dead     bool
	started  bool
	running  bool
	near     net.Conn
	far      net.Conn
	cancel   context.CancelFunc
	nearPort uint16

	stats IOStats
	done  chan struct{}
	err   error
}

func NewStreamForwarder(cfg domain.ForwarderConfig, r domain.Resolver) (*StreamForwarder, error) {
	if cfg.HasTransforms() {
		return nil, fmt.Errorf("%w: transform hooks need the pump backend", domain.ErrIncompatibleArgs)
	}
	if cfg.Destination.IsZero() {
		return nil, fmt.Errorf("%w: no destination", domain.ErrConstruction)
	}
	if !network.IsSocket(cfg.NearFD) {
		return nil, fmt.Errorf("%w: near descriptor %d is not a socket", domain.ErrIncompatibleArgs, cfg.NearFD)
	}
	cfg = cfg.WithDefaults()
	if r == nil {
		r = resolver.Literal()
	}

	var local net.IP
	if out := cfg.BindHostOut; out != "" && out != domain.DefaultBindHost && !cfg.Destination.IsUnix() {
		ip, err := resolver.Literal().Resolve(context.Background(), out, cfg.Destination.Family)
		if err != nil {
			return nil, fmt.Errorf("%w: bind %s: %v", domain.ErrConstruction, out, err)
		}
		local = ip
	}

	// FileConn duplicates the descriptor; the caller's copy is closed only once
	// the copy exists so that a failure leaves it with the caller.
	dup, err := unix.Dup(cfg.NearFD)
	if err != nil {
		return nil, fmt.Errorf("%w: dup: %v", domain.ErrConstruction, err)
	}
	file := os.NewFile(uintptr(dup), "near")
	near, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConstruction, err)
	}
	unix.Close(cfg.NearFD)

	log := cfg.Logger
	if log == nil {
		log = logger.NewStdout()
	}
	f := &StreamForwarder{
		id:       forwarderSeq.Add(1),
		cfg:      cfg,
		log:      log,
		resolver: r,
		local:    local,
		state:    "init",
		near:     near,
		done:     make(chan struct{}),
	}
	if addr, ok := near.RemoteAddr().(*net.TCPAddr); ok {
		f.nearPort = uint16(addr.Port)
	}
	return f, nil
}

func (f *StreamForwarder) logf(format string, args ...any) {
	f.log.Log(fmt.Sprintf("Forwarder[%d]: ", f.id)+fmt.Sprintf(format, args...), false)
}

func (f *StreamForwarder) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *StreamForwarder) Start() error {
	f.mu.Lock()
	if f.started || f.dead {
		f.mu.Unlock()
		return fmt.Errorf("%w: forwarder %d already started or shut down", domain.ErrStart, f.id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConnectTimeout)
	f.cancel = cancel
	f.started = true
	f.running = true
	f.phase = domain.PhaseConnecting
	f.mu.Unlock()

	go f.run(ctx)
	return nil
}

func (f *StreamForwarder) run(ctx context.Context) {
	err := f.dial(ctx)
	if err == nil {
		f.bridge()
	} else {
		f.mu.Lock()
		dead := f.dead
		f.mu.Unlock()
		if dead {
			err = nil
		} else {
			level := slog.LevelInfo
			if errors.Is(err, domain.ErrConnectTimeout) {
				level = slog.LevelWarn
			}
			logAt(f.log, level, fmt.Sprintf("Forwarder[%d]: connect to %s failed in state %s: %v",
				f.id, f.cfg.Destination, f.describeState(), err), false)
		}
	}

	f.mu.Lock()
	f.dead = true
	f.running = false
	f.closeLocked()
	f.phase = domain.PhaseClosed
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

func (f *StreamForwarder) describeState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *StreamForwarder) dial(ctx context.Context) error {
	dest := f.cfg.Destination
	dialer := net.Dialer{}
	netw, addr := "unix", dest.Host
	if !dest.IsUnix() {
		f.setState(fmt.Sprintf("resolve(%s)", dest.Host))
		ip, err := f.resolver.Resolve(ctx, dest.Host, dest.Family)
		if err != nil {
			return err
		}
		netw, addr = "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(dest.Port)))
		if f.local != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: f.local}
		}
	}
	f.setState(fmt.Sprintf("connect(%s)", dest))
	far, err := dialer.DialContext(ctx, netw, addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %v", domain.ErrConnectTimeout, dest, f.cfg.ConnectTimeout)
		}
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		far.Close()
		return errShuttingDown
	}
	f.far = far
	f.phase = domain.PhaseRunning
	f.state = "copy"
	return nil
}

func (f *StreamForwarder) bridge() {
	f.mu.Lock()
	near, far := f.near, f.far
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	// io.Copy reports one total; without transforms what was read was sent.
	pipe := func(dst, src net.Conn, recv, sent *counter) {
		defer wg.Done()
		n, err := io.Copy(dst, src)
		recv.add(int(n))
		sent.add(int(n))
		if err != nil {
			// unblock the opposite copy
			near.Close()
			far.Close()
			return
		}
		if whc, ok := dst.(writeHalfCloser); ok {
			whc.CloseWrite()
		}
	}
	go pipe(far, near, &f.stats.upRecv, &f.stats.upSent)
	go pipe(near, far, &f.stats.downRecv, &f.stats.downSent)
	wg.Wait()
}

func (f *StreamForwarder) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *StreamForwarder) Describe() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	port2 := "-"
	if f.cfg.Destination.IsUnix() {
		port2 = "AF_UNIX"
	} else if f.far != nil {
		if addr, ok := f.far.LocalAddr().(*net.TCPAddr); ok {
			port2 = strconv.Itoa(addr.Port)
		}
	}
	return fmt.Sprintf("StreamForwarder(%d) ( %d -> %s ), phase = %s, state = %s, %s",
		f.id, f.nearPort, port2, f.phase, f.state, &f.stats)
}

func (f *StreamForwarder) LocalBoundAddress() (string, uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Destination.IsUnix() {
		return "AF_UNIX", 0
	}
	if f.far == nil {
		if f.local != nil {
			return f.local.String(), 0
		}
		return "", 0
	}
	addr, ok := f.far.LocalAddr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return addr.IP.String(), uint16(addr.Port)
}

func (f *StreamForwarder) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return
	}
	f.dead = true
	f.closeLocked()
	if !f.running {
		f.phase = domain.PhaseClosed
	}
}

func (f *StreamForwarder) closeLocked() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.near != nil {
		f.near.Close()
	}
	if f.far != nil {
		f.far.Close()
	}
}

func (f *StreamForwarder) Join(alsoShutdown bool) error {
	if alsoShutdown {
		f.Shutdown()
	}
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil
	}
	<-f.done
	return f.err
}
