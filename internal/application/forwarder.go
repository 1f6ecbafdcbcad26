package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"asyncproxy/internal/domain"
	"asyncproxy/internal/infrastructure/epoll"
	"asyncproxy/internal/infrastructure/network"
	"asyncproxy/internal/infrastructure/resolver"
	"asyncproxy/pkg/logger"

	"golang.org/x/sys/unix"
)

var (
	forwarderSeq atomic.Uint64

	errShuttingDown = errors.New("forwarder is shutting down")
)

// direction is one half of the pump: bytes read from src queue in buf until
// dst accepts them.
type direction struct {
	name      string
	src, dst  int
	buf       []byte
	srcClosed bool
	done      bool
	transform domain.Transform
	received  *counter
	sent      *counter
}

func (d *direction) readable() bool { return !d.srcClosed && !d.done }

func (d *direction) pending() bool { return len(d.buf) > 0 && !d.done }

// Forwarder pumps bytes between a near descriptor and a far socket on its own
// goroutine with a single epoll set.
type Forwarder struct {
	id       uint64
	cfg      domain.ForwarderConfig
	log      domain.Logger
	resolver domain.Resolver

	mu           sync.Mutex
	state        string
	phase        domain.Phase
	dead         bool
	started      bool
	running      bool // the pump goroutine owns near/far until it exits
	near, far    int
	nearPort     uint16
	farAddr      string
	farPort      uint16
	preconnected bool

	stats IOStats
	done  chan struct{}
	err   error
}

// NewForwarder builds a session that will connect to cfg.Destination. The
// forwarder owns cfg.NearFD on success; on error the caller keeps it.
func NewForwarder(cfg domain.ForwarderConfig, r domain.Resolver) (*Forwarder, error) {
	if cfg.Destination.IsZero() {
		return nil, fmt.Errorf("%w: no destination", domain.ErrConstruction)
	}
	f, err := newForwarder(cfg, r)
	if err != nil {
		return nil, err
	}

	dest := f.cfg.Destination
	f.setState("socket()")
	far, err := network.NewStreamSocket(dest.Family)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", domain.ErrConstruction, err)
	}
	if out := f.cfg.BindHostOut; out != "" && out != domain.DefaultBindHost && !dest.IsUnix() {
		f.setState(fmt.Sprintf("bind(%s)", out))
		ip, err := resolver.Literal().Resolve(context.Background(), out, dest.Family)
		if err == nil {
			err = network.BindLocal(far, ip, dest.Family)
		}
		if err != nil {
			unix.Close(far)
			return nil, fmt.Errorf("%w: bind %s: %v", domain.ErrConstruction, out, err)
		}
	}
	f.far = far
	return f, nil
}

// NewPairForwarder pumps between two already connected descriptors, taking
// ownership of both.
func NewPairForwarder(nearFD, farFD int, cfg domain.ForwarderConfig) (*Forwarder, error) {
	if !network.IsOpen(farFD) {
		return nil, fmt.Errorf("%w: invalid far descriptor %d", domain.ErrConstruction, farFD)
	}
	cfg.NearFD = nearFD
	f, err := newForwarder(cfg, nil)
	if err != nil {
		return nil, err
	}
	f.far = farFD
	f.preconnected = true
	if addr, port, err := network.LocalAddr(farFD); err == nil {
		f.farAddr, f.farPort = addr, port
	}
	return f, nil
}

func newForwarder(cfg domain.ForwarderConfig, r domain.Resolver) (*Forwarder, error) {
	if !network.IsOpen(cfg.NearFD) {
		return nil, fmt.Errorf("%w: invalid near descriptor %d", domain.ErrConstruction, cfg.NearFD)
	}
	cfg = cfg.WithDefaults()
	if r == nil {
		r = resolver.Literal()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewStdout()
	}
	f := &Forwarder{
		id:       forwarderSeq.Add(1),
		cfg:      cfg,
		log:      log,
		resolver: r,
		state:    "init",
		near:     cfg.NearFD,
		far:      -1,
		done:     make(chan struct{}),
	}
	if _, port, err := network.PeerAddr(cfg.NearFD); err == nil {
		f.nearPort = port
	}
	return f, nil
}

func (f *Forwarder) ID() uint64 { return f.id }

func (f *Forwarder) Stats() *IOStats { return &f.stats }

func (f *Forwarder) Phase() domain.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *Forwarder) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Forwarder) getState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Forwarder) setPhase(p domain.Phase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
	if f.cfg.Debug {
		f.logf("phase %s", p)
	}
}

func (f *Forwarder) isDead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

func (f *Forwarder) logf(format string, args ...any) {
	f.logAt(slog.LevelInfo, false, format, args...)
}

func (f *Forwarder) logAt(level slog.Level, flush bool, format string, args ...any) {
	logAt(f.log, level, fmt.Sprintf("Forwarder[%d]: ", f.id)+fmt.Sprintf(format, args...), flush)
}

// logAt keeps the severity when the sink can record it.
func logAt(log domain.Logger, level slog.Level, message string, flush bool) {
	if ll, ok := log.(domain.LeveledLogger); ok {
		ll.LogLevel(level, message, flush)
		return
	}
	log.Log(message, flush)
}

func (f *Forwarder) Start() error {
	f.mu.Lock()
	if f.started || f.dead {
		f.mu.Unlock()
		return fmt.Errorf("%w: forwarder %d already started or shut down", domain.ErrStart, f.id)
	}
	f.started = true
	f.running = true
	f.mu.Unlock()

	go f.run()
	return nil
}

func (f *Forwarder) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Forwarder) Describe() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	port2 := "-"
	if f.cfg.Destination.IsUnix() {
		port2 = "AF_UNIX"
	} else if f.farPort != 0 {
		port2 = fmt.Sprint(f.farPort)
	}
	return fmt.Sprintf("Forwarder(%d) ( %d -> %s ), phase = %s, state = %s, %s",
		f.id, f.nearPort, port2, f.phase, f.state, &f.stats)
}

func (f *Forwarder) LocalBoundAddress() (string, uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Destination.IsUnix() {
		return "AF_UNIX", 0
	}
	if f.farPort == 0 && f.far >= 0 {
		// not connected yet: report the bound address, if any
		if addr, _, err := network.LocalAddr(f.far); err == nil {
			return addr, 0
		}
	}
	return f.farAddr, f.farPort
}

// Shutdown is idempotent. While the pump runs it only shuts the sockets down
// to wake it; the pump closes them on its way out.
func (f *Forwarder) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return
	}
	f.dead = true
	if f.running {
		if f.near >= 0 {
			unix.Shutdown(f.near, unix.SHUT_RDWR)
		}
		if f.far >= 0 {
			unix.Shutdown(f.far, unix.SHUT_RDWR)
		}
		return
	}
	f.closeLocked()
	f.phase = domain.PhaseClosed
}

func (f *Forwarder) closeLocked() {
	if f.near >= 0 {
		unix.Close(f.near)
		f.near = -1
	}
	if f.far >= 0 {
		unix.Close(f.far)
		f.far = -1
	}
}

func (f *Forwarder) Join(alsoShutdown bool) error {
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

// Done is closed once the pump goroutine has released both sockets.
func (f *Forwarder) Done() <-chan struct{} { return f.done }

func (f *Forwarder) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = f.unexpected(fmt.Errorf("panic: %v", r), debug.Stack())
		}
		f.mu.Lock()
		f.dead = true
		f.running = false
		f.closeLocked()
		f.phase = domain.PhaseClosed
		f.err = err
		f.mu.Unlock()
		close(f.done)
	}()

	poller, perr := epoll.New()
	if perr != nil {
		err = f.unexpected(perr, debug.Stack())
		return
	}
	defer poller.Close()

	w := &watchSet{poller: poller, interest: make(map[int]domain.EventType)}
	if !f.preconnected {
		if cerr := f.connect(w); cerr != nil {
			err = f.fail(cerr)
			return
		}
	}
	err = f.pump(w)
}

// fail applies the expected-error policy: nothing is reported once the
// forwarder is shutting down, timeouts and connect errors are logged.
func (f *Forwarder) fail(err error) error {
	if err == nil || f.isDead() {
		return nil
	}
	if errors.Is(err, domain.ErrUnexpected) {
		return err
	}
	state := f.getState()
	if errors.Is(err, domain.ErrConnectTimeout) || errors.Is(err, domain.ErrIdleTimeout) {
		f.logAt(slog.LevelWarn, false, "timed out when processing data in state %s: %v", state, err)
	} else {
		f.logf("connect to %s failed in state %s: %v", f.cfg.Destination, state, err)
	}
	return err
}

func (f *Forwarder) unexpected(cause error, stack []byte) error {
	if f.isDead() {
		return nil
	}
	state := f.getState()
	sep := strings.Repeat("-", 70)
	f.logAt(slog.LevelError, false, "unhandled error when processing data in state %s: %v", state, cause)
	f.logAt(slog.LevelError, false, "%s", sep)
	f.logAt(slog.LevelError, false, "%s", stack)
	f.logAt(slog.LevelError, true, "%s", sep)
	f.setState("shutdown(self) after unhandled error")
	f.Shutdown()
	f.logf("shutting down channel")
	return fmt.Errorf("%w: forwarder %d in state %q: %v", domain.ErrUnexpected, f.id, state, cause)
}

func orShuttingDown(err error) error {
	if err == nil {
		return errShuttingDown
	}
	return err
}

func (f *Forwarder) connect(w *watchSet) error {
	f.setPhase(domain.PhaseConnecting)
	dest := f.cfg.Destination
	deadline := time.Now().Add(f.cfg.ConnectTimeout)

	var ip net.IP
	if !dest.IsUnix() {
		f.setState(fmt.Sprintf("resolve(%s)", dest.Host))
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		resolved, err := f.resolver.Resolve(ctx, dest.Host, dest.Family)
		cancel()
		if err != nil {
			return err
		}
		ip = resolved
	}
	sa, err := network.Sockaddr(dest, ip)
	if err != nil {
		return err
	}

	f.mu.Lock()
	far := f.far
	f.state = fmt.Sprintf("%s -> connect(%s)", f.state, dest)
	f.mu.Unlock()

	inProgress, err := network.StartConnect(far, sa)
	if err != nil {
		return fmt.Errorf("connect %s: %w", dest, err)
	}
	if inProgress {
		if err := w.set(far, domain.EventWrite); err != nil {
			return orShuttingDown(f.unexpected(err, debug.Stack()))
		}
		for {
			if f.isDead() {
				return errShuttingDown
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: %s after %v", domain.ErrConnectTimeout, dest, f.cfg.ConnectTimeout)
			}
			events, err := w.poller.Wait(min(remaining, f.cfg.PollInterval))
			if err != nil {
				return orShuttingDown(f.unexpected(err, debug.Stack()))
			}
			if len(events) > 0 {
				break
			}
		}
		if err := network.ConnectResult(far); err != nil {
			return fmt.Errorf("connect %s: %w", dest, err)
		}
	}

	f.setState("getsockname()")
	if addr, port, err := network.LocalAddr(far); err == nil {
		f.mu.Lock()
		f.farAddr, f.farPort = addr, port
		f.mu.Unlock()
	}
	return nil
}

func (f *Forwarder) pump(w *watchSet) error {
	f.setState("setnonblock()")
	if err := unix.SetNonblock(f.near, true); err != nil {
		return f.unexpected(err, debug.Stack())
	}
	if err := unix.SetNonblock(f.far, true); err != nil {
		return f.unexpected(err, debug.Stack())
	}
	f.setPhase(domain.PhaseRunning)

	up := &direction{name: "near->far", src: f.near, dst: f.far, transform: f.cfg.InToOut,
		received: &f.stats.upRecv, sent: &f.stats.upSent}
	down := &direction{name: "far->near", src: f.far, dst: f.near, transform: f.cfg.OutToIn,
		received: &f.stats.downRecv, sent: &f.stats.downSent}
	chunk := make([]byte, domain.DefaultChunkSize)
	lastActivity := time.Now()

	for {
		if f.isDead() {
			return nil
		}
		if up.done && down.done {
			f.setState("shutdown(self): both directions closed")
			return nil
		}

		if err := w.set(f.near, interest(up, down)); err != nil {
			return f.unexpected(err, debug.Stack())
		}
		if err := w.set(f.far, interest(down, up)); err != nil {
			return f.unexpected(err, debug.Stack())
		}

		f.setState("poll()")
		events, err := w.poller.Wait(f.cfg.PollInterval)
		if err != nil {
			return f.unexpected(err, debug.Stack())
		}
		if len(events) == 0 {
			if f.cfg.IdleTimeout > 0 && time.Since(lastActivity) > f.cfg.IdleTimeout {
				return f.fail(fmt.Errorf("%w: no traffic for %v", domain.ErrIdleTimeout, f.cfg.IdleTimeout))
			}
			continue
		}

		for _, ev := range events {
			// in reads from ev.FD, out writes to it.
			in, out := up, down
			if ev.FD == f.far {
				in, out = down, up
			}
			if ev.Events&(domain.EventRead|domain.EventHangup) != 0 && in.readable() {
				if f.read(in, chunk) {
					lastActivity = time.Now()
				}
			}
			if ev.Events&domain.EventWrite != 0 && out.pending() {
				if f.write(out) {
					lastActivity = time.Now()
				}
			}
			if ev.Events&domain.EventHangup != 0 && in.srcClosed && !out.done {
				// Both halves of this socket are gone; nothing more can be
				// delivered to it.
				if f.cfg.Debug {
					f.logf("%s: peer hung up with %d bytes queued", out.name, len(out.buf))
				}
				out.buf = nil
				out.done = true
			}
		}

		for _, d := range [...]*direction{up, down} {
			if d.srcClosed && len(d.buf) == 0 && !d.done {
				d.done = true
				f.setState(fmt.Sprintf("shutdown(%s, SHUT_WR)", d.name))
				unix.Shutdown(d.dst, unix.SHUT_WR)
			}
		}
	}
}

// interest is the event mask for the descriptor that in reads from and out
// writes to.
func interest(in, out *direction) domain.EventType {
	var ev domain.EventType
	if in.readable() {
		ev |= domain.EventRead
	}
	if out.pending() {
		ev |= domain.EventWrite
	}
	return ev
}

// read takes one chunk from d.src. A zero-length read or any read error other
// than EAGAIN closes the source.
func (f *Forwarder) read(d *direction, chunk []byte) bool {
	f.setState(fmt.Sprintf("recv(%s)", d.name))
	n, err := unix.Read(d.src, chunk)
	if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
		return false
	}
	if err != nil || n <= 0 {
		if f.cfg.Debug {
			f.logf("%s: source closed (%v)", d.name, err)
		}
		d.srcClosed = true
		return false
	}
	d.received.add(n)

	data := chunk[:n]
	if d.transform != nil {
		m := d.transform(data)
		if m < 0 {
			m = 0
		} else if m > n {
			m = n
		}
		data = data[:m]
	}
	d.buf = append(d.buf, data...)
	return true
}

// write flushes as much of d.buf as the kernel takes. A write error makes the
// direction terminal and drops what was queued.
func (f *Forwarder) write(d *direction) bool {
	f.setState(fmt.Sprintf("send(%s)", d.name))
	n, err := unix.Write(d.dst, d.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return false
		}
		if f.cfg.Debug {
			f.logf("%s: send failed, dropping %d bytes: %v", d.name, len(d.buf), err)
		}
		d.buf = nil
		d.done = true
		return false
	}
	if n <= 0 {
		return false
	}
	d.sent.add(n)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return true
}

// watchSet keeps the poller registration of each descriptor in step with the
// wanted interest. A descriptor with no interest is removed so that a hang-up
// on it cannot spin the loop.
type watchSet struct {
	poller   domain.Poller
	interest map[int]domain.EventType
}

func (w *watchSet) set(fd int, ev domain.EventType) error {
	cur, registered := w.interest[fd]
	switch {
	case ev == 0 && !registered:
		return nil
	case ev == 0:
		delete(w.interest, fd)
		return w.poller.Unregister(fd)
	case !registered:
		w.interest[fd] = ev
		return w.poller.Register(fd, ev)
	case cur != ev:
		w.interest[fd] = ev
		return w.poller.Modify(fd, ev)
	}
	return nil
}
