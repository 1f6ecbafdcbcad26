package application

import (
	"errors"
	"fmt"

	"asyncproxy/internal/domain"
)

// PumpBackend builds epoll pump forwarders.
type PumpBackend struct {
	Resolver domain.Resolver
}

func (PumpBackend) Name() string { return "pump" }

func (b PumpBackend) NewForwarder(cfg domain.ForwarderConfig) (domain.Forwarder, error) {
	f, err := NewForwarder(cfg, b.Resolver)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// StreamBackend builds kernel-copy forwarders.
type StreamBackend struct {
	Resolver domain.Resolver
}

func (StreamBackend) Name() string { return "stream" }

func (b StreamBackend) NewForwarder(cfg domain.ForwarderConfig) (domain.Forwarder, error) {
	f, err := NewStreamForwarder(cfg, b.Resolver)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FallbackBackend tries Preferred and uses Fallback only when Preferred
// rejects the arguments with ErrIncompatibleArgs. Any other failure is
// returned as is.
type FallbackBackend struct {
	Preferred domain.Backend
	Fallback  domain.Backend
}

func (b FallbackBackend) Name() string {
	return b.Preferred.Name() + "|" + b.Fallback.Name()
}

func (b FallbackBackend) NewForwarder(cfg domain.ForwarderConfig) (domain.Forwarder, error) {
	f, err := b.Preferred.NewForwarder(cfg)
	if errors.Is(err, domain.ErrIncompatibleArgs) {
		return b.Fallback.NewForwarder(cfg)
	}
	return f, err
}

// NewBackend maps a configured backend name to an implementation. "stream"
// prefers the kernel-copy forwarder and falls back to the pump.
func NewBackend(name string, r domain.Resolver) (domain.Backend, error) {
	switch name {
	case "", "pump":
		return PumpBackend{Resolver: r}, nil
	case "stream":
		return FallbackBackend{
			Preferred: StreamBackend{Resolver: r},
			Fallback:  PumpBackend{Resolver: r},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
