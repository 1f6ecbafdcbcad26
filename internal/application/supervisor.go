package application

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"asyncproxy/internal/config"
	"asyncproxy/internal/domain"
)

// unit is a running redirection rule.
type unit interface {
	Start() error
	Shutdown()
}

type ruleEntry struct {
	rule config.Rule
	unit unit
}

// Supervisor keeps one Listener or ActiveConnector running per configured
// rule.
type Supervisor struct {
	log      domain.Logger
	resolver domain.Resolver

	mu      sync.Mutex
	cfg     *config.Config
	backend domain.Backend
	rules   map[string]*ruleEntry
}

func NewSupervisor(log domain.Logger, r domain.Resolver) *Supervisor {
	return &Supervisor{
		log:      log,
		resolver: r,
		rules:    make(map[string]*ruleEntry),
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	s.log.Log("Supervisor: "+fmt.Sprintf(format, args...), false)
}

// Apply brings the running rules in line with cfg. Rules that are gone or
// changed are shut down before new ones start, so a changed rule can take
// over its own port. A change of the global settings restarts every rule.
// Rules that fail to start are reported in the returned error; the others
// keep running.
func (s *Supervisor) Apply(cfg *config.Config) error {
	backend, err := NewBackend(cfg.Backend, s.resolver)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restartAll := s.cfg == nil || !sameGlobals(s.cfg, cfg)
	s.cfg = cfg
	s.backend = backend

	wanted := make(map[string]config.Rule, len(cfg.Rules))
	for _, r := range cfg.Rules {
		wanted[r.Name] = r
	}
	for name, e := range s.rules {
		r, ok := wanted[name]
		if ok && !restartAll && e.rule.Equal(r) {
			continue
		}
		s.logf("stopping rule %q", name)
		e.unit.Shutdown()
		delete(s.rules, name)
	}

	var errs []error
	for _, r := range cfg.Rules {
		if _, ok := s.rules[r.Name]; ok {
			continue
		}
		u, err := s.build(r)
		if err == nil {
			err = u.Start()
			if err != nil {
				u.Shutdown()
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		s.logf("started rule %q (%s)", r.Name, r.Mode)
		s.rules[r.Name] = &ruleEntry{rule: r, unit: u}
	}
	return errors.Join(errs...)
}

func sameGlobals(a, b *config.Config) bool {
	return a.Backend == b.Backend &&
		a.PollInterval == b.PollInterval &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.IdleTimeout == b.IdleTimeout
}

func (s *Supervisor) build(r config.Rule) (unit, error) {
	name := r.Name
	switch r.Mode {
	case config.ModeActive:
		c, err := NewActiveConnector(ConnectorConfig{
			Near:           r.Connect.Endpoint(),
			Destination:    r.Destination.Endpoint(),
			BindHostOut:    r.BindHostOut,
			Logger:         s.log,
			Debug:          r.Debug,
			Backend:        s.backend,
			Resolver:       s.resolver,
			ConnectTimeout: s.cfg.ConnectTimeout,
			PollInterval:   s.cfg.PollInterval,
			IdleTimeout:    s.cfg.IdleTimeout,
			OnDisconnect:   func() { s.logf("rule %q: connection finished", name) },
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		var allowed []string
		if len(r.AllowedIPs) > 0 {
			allowed = r.AllowedIPs
		}
		l, err := NewListener(ListenerConfig{
			Port:           r.Listen.Port,
			BindHost:       r.Listen.Host,
			Destination:    r.Destination.Endpoint(),
			AllowedIPs:     allowed,
			BindHostOut:    r.BindHostOut,
			Logger:         s.log,
			Debug:          r.Debug,
			Backend:        s.backend,
			PollInterval:   s.cfg.PollInterval,
			ConnectTimeout: s.cfg.ConnectTimeout,
			IdleTimeout:    s.cfg.IdleTimeout,
			OnDisconnect:   func() { s.logf("rule %q: listener stopped", name) },
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Rules returns the names of the running rules, sorted.
func (s *Supervisor) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listener returns the listener serving a passive rule.
func (s *Supervisor) Listener(name string) (*Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rules[name]
	if !ok {
		return nil, false
	}
	l, ok := e.unit.(*Listener)
	return l, ok
}

// Shutdown stops every rule.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.rules {
		e.unit.Shutdown()
		delete(s.rules, name)
	}
	s.cfg = nil
}
