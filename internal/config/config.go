package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"time"

	"asyncproxy/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	ModePassive = "passive"
	ModeActive  = "active"
)

// Config is the redirection rule file.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Backend selects the forwarder implementation: "pump" (default) or
	// "stream", which falls back to the pump for rules it cannot serve.
	Backend string `yaml:"backend"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IdleTimeout closes sessions without traffic; zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	Rules []Rule `yaml:"rules"`
}

// Rule is one redirection: a local listen port (passive) or an endpoint the
// proxy dials itself (active), relayed to Destination.
type Rule struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`

	// Listen is the local address for passive rules. Host defaults to
	// 127.0.0.1.
	Listen EndpointConfig `yaml:"listen"`

	// Connect is the near endpoint for active rules.
	Connect EndpointConfig `yaml:"connect"`

	Destination EndpointConfig `yaml:"destination"`

	// AllowedIPs restricts peers of passive rules. Empty allows everyone.
	AllowedIPs []string `yaml:"allowed_ips"`

	// BindHostOut is the source address for outbound connections.
	BindHostOut string `yaml:"bindhost_out"`

	Debug bool `yaml:"debug"`
}

// EndpointConfig is either host and port or a unix socket path.
type EndpointConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
	Path string `yaml:"path"`
}

func (e EndpointConfig) Endpoint() domain.Endpoint {
	if e.Path != "" {
		return domain.UnixEndpoint(e.Path)
	}
	return domain.InetEndpoint(e.Host, e.Port)
}

func (e EndpointConfig) isSet() bool {
	return e.Path != "" || e.Host != "" || e.Port != 0
}

// Equal reports whether two rules describe the same redirection.
func (r Rule) Equal(o Rule) bool {
	return reflect.DeepEqual(r, o)
}

// Load reads, defaults and validates the rule file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return Finish(&config)
}

// Finish applies defaults to a configuration built in code and validates it.
func Finish(c *Config) (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = "pump"
	}
	if c.PollInterval == 0 {
		c.PollInterval = domain.DefaultPollInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = domain.DefaultConnectTimeout
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Mode == "" {
			r.Mode = ModePassive
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if r.Mode == ModePassive && r.Listen.Host == "" {
			r.Listen.Host = domain.DefaultBindHost
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case "pump", "stream":
	default:
		return fmt.Errorf("unknown backend %q (supported: pump, stream)", c.Backend)
	}
	if c.PollInterval < 0 || c.ConnectTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	names := make(map[string]bool, len(c.Rules))
	ports := make(map[string]string)
	for _, r := range c.Rules {
		if names[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		names[r.Name] = true

		if err := validateEndpoint(r.Destination); err != nil {
			return fmt.Errorf("rule %q: destination: %w", r.Name, err)
		}
		if r.BindHostOut != "" && net.ParseIP(r.BindHostOut) == nil {
			return fmt.Errorf("rule %q: bindhost_out %q is not an IP address", r.Name, r.BindHostOut)
		}

		switch r.Mode {
		case ModePassive:
			if r.Listen.Path != "" {
				return fmt.Errorf("rule %q: passive rules listen on TCP only", r.Name)
			}
			if net.ParseIP(r.Listen.Host) == nil {
				return fmt.Errorf("rule %q: listen host %q is not an IP address", r.Name, r.Listen.Host)
			}
			key := net.JoinHostPort(r.Listen.Host, fmt.Sprint(r.Listen.Port))
			if r.Listen.Port != 0 {
				if other, ok := ports[key]; ok {
					return fmt.Errorf("rule %q: listen address %s already used by rule %q", r.Name, key, other)
				}
				ports[key] = r.Name
			}
			for _, ip := range r.AllowedIPs {
				if net.ParseIP(ip) == nil {
					return fmt.Errorf("rule %q: allowed_ips entry %q is not an IP address", r.Name, ip)
				}
			}
		case ModeActive:
			if !r.Connect.isSet() {
				return fmt.Errorf("rule %q: connect is required for active rules", r.Name)
			}
			if err := validateEndpoint(r.Connect); err != nil {
				return fmt.Errorf("rule %q: connect: %w", r.Name, err)
			}
			if len(r.AllowedIPs) > 0 {
				return fmt.Errorf("rule %q: allowed_ips applies to passive rules only", r.Name)
			}
		default:
			return fmt.Errorf("rule %q: unknown mode %q (supported: passive, active)", r.Name, r.Mode)
		}
	}
	return nil
}

func validateEndpoint(e EndpointConfig) error {
	if e.Path != "" {
		if e.Host != "" || e.Port != 0 {
			return fmt.Errorf("path excludes host and port")
		}
		return nil
	}
	if e.Host == "" {
		return fmt.Errorf("host or path is required")
	}
	if e.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}
