package application

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"asyncproxy/internal/domain"
	"asyncproxy/internal/infrastructure/network"
	"asyncproxy/internal/infrastructure/resolver"
	"asyncproxy/pkg/logger"
)

var connectorSeq atomic.Uint64

// ConnectorConfig describes one active redirection rule: the connector dials
// Near itself and relays it to Destination.
type ConnectorConfig struct {
	Near        domain.Endpoint
	Destination domain.Endpoint
	BindHostOut string

	Logger   domain.Logger
	Debug    bool
	Backend  domain.Backend
	Resolver domain.Resolver

	ConnectTimeout time.Duration
	PollInterval   time.Duration
	IdleTimeout    time.Duration

	InToOut domain.Transform
	OutToIn domain.Transform

	OnDisconnect func()
}

// ActiveConnector runs exactly one forwarder over a connection it opened
// itself.
type ActiveConnector struct {
	id       uint64
	cfg      ConnectorConfig
	log      domain.Logger
	backend  domain.Backend
	resolver domain.Resolver

	mu           sync.Mutex
	dead         bool
	started      bool
	forwarders   []domain.Forwarder // at most one
	onDisconnect func()
	err          error

	shutdownOnce sync.Once
	done         chan struct{}
}

func NewActiveConnector(cfg ConnectorConfig) (*ActiveConnector, error) {
	if cfg.Near.IsZero() || cfg.Destination.IsZero() {
		return nil, fmt.Errorf("%w: both near and destination endpoints are required", domain.ErrConstruction)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = domain.DefaultConnectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewStdout()
	}
	r := cfg.Resolver
	if r == nil {
		r = resolver.Default()
	}
	backend := cfg.Backend
	if backend == nil {
		backend = PumpBackend{Resolver: r}
	}
	return &ActiveConnector{
		id:           connectorSeq.Add(1),
		cfg:          cfg,
		log:          log,
		backend:      backend,
		resolver:     r,
		onDisconnect: cfg.OnDisconnect,
		done:         make(chan struct{}),
	}, nil
}

func (c *ActiveConnector) logf(format string, args ...any) {
	c.log.Log(fmt.Sprintf("Connector[%d]: ", c.id)+fmt.Sprintf(format, args...), false)
}

func (c *ActiveConnector) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *ActiveConnector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.dead {
		return fmt.Errorf("%w: connector %d already started or shut down", domain.ErrStart, c.id)
	}
	c.started = true
	go c.run()
	return nil
}

func (c *ActiveConnector) run() {
	defer close(c.done)
	defer c.fireDisconnect()

	err := c.serve()
	if err != nil && !c.isDead() {
		c.logf("%v", err)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *ActiveConnector) serve() error {
	nearFD, err := c.dialNear()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Near, err)
	}
	if c.isDead() {
		network.Reject(nearFD)
		return nil
	}
	fwd, err := c.backend.NewForwarder(domain.ForwarderConfig{
		NearFD:         nearFD,
		Destination:    c.cfg.Destination,
		BindHostOut:    c.cfg.BindHostOut,
		Logger:         c.log,
		Debug:          c.cfg.Debug,
		ConnectTimeout: c.cfg.ConnectTimeout,
		PollInterval:   c.cfg.PollInterval,
		IdleTimeout:    c.cfg.IdleTimeout,
		InToOut:        c.cfg.InToOut,
		OutToIn:        c.cfg.OutToIn,
	})
	if err != nil {
		network.Reject(nearFD)
		return fmt.Errorf("setting up redirection to %s failed: %w", c.cfg.Destination, err)
	}
	if err := fwd.Start(); err != nil {
		fwd.Join(true)
		return err
	}

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		fwd.Join(true)
		return nil
	}
	c.forwarders = append(c.forwarders, fwd)
	c.mu.Unlock()

	err = fwd.Join(false)
	if c.cfg.Debug {
		c.logf("joined forwarder: %s", fwd.Describe())
	}

	c.mu.Lock()
	c.forwarders = c.forwarders[:0]
	c.mu.Unlock()
	return err
}

// dialNear connects the near side and returns a blocking descriptor.
func (c *ActiveConnector) dialNear() (int, error) {
	near := c.cfg.Near
	var ip net.IP
	if !near.IsUnix() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		resolved, err := c.resolver.Resolve(ctx, near.Host, near.Family)
		cancel()
		if err != nil {
			return -1, err
		}
		ip = resolved
	}
	sa, err := network.Sockaddr(near, ip)
	if err != nil {
		return -1, err
	}
	return network.Dial(near.Family, sa, c.cfg.ConnectTimeout)
}

func (c *ActiveConnector) fireDisconnect() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Forwarder returns the running forwarder, if any.
func (c *ActiveConnector) Forwarder() domain.Forwarder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forwarders) == 0 {
		return nil
	}
	return c.forwarders[0]
}

// Err reports why the connector finished; nil while running or after a clean
// close.
func (c *ActiveConnector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the connector has finished.
func (c *ActiveConnector) Wait() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// Shutdown stops the forwarder and waits for the connector to finish.
func (c *ActiveConnector) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		var fwd domain.Forwarder
		if n := len(c.forwarders); n > 0 {
			fwd = c.forwarders[n-1]
			c.forwarders = c.forwarders[:0]
		}
		started := c.started
		c.mu.Unlock()

		if fwd != nil {
			if fwd.IsAlive() {
				fwd.Shutdown()
			}
			fwd.Join(false)
		}
		if started {
			<-c.done
		}
	})
}
