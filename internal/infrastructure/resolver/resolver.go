package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"asyncproxy/internal/domain"

	"github.com/miekg/dns"
)

const (
	DefaultConfigPath = "/etc/resolv.conf"
	DefaultHostsPath  = "/etc/hosts"
)

var ErrNoRecords = errors.New("no address records")

// DNSResolver resolves destination hosts from the hosts file first and then
// with direct queries against the nameservers of a resolv.conf file. Address
// literals and "localhost" never touch the network.
type DNSResolver struct {
	config    *dns.ClientConfig
	client    *dns.Client
	hostsPath string
}

func New(configPath string) (*DNSResolver, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	cfg, err := dns.ClientConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config %s: %w", configPath, err)
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		config:    cfg,
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		hostsPath: DefaultHostsPath,
	}, nil
}

// WithHostsFile returns a copy of r that consults path instead of
// /etc/hosts. An empty path disables the hosts lookup.
func (r *DNSResolver) WithHostsFile(path string) *DNSResolver {
	c := *r
	c.hostsPath = path
	return &c
}

// Literal resolves only address literals and "localhost". It is what a
// forwarder falls back to when no DNSResolver is available.
func Literal() *DNSResolver {
	return &DNSResolver{}
}

func loopback(family domain.Family) net.IP {
	if family == domain.FamilyINET6 {
		return net.IPv6loopback
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

func (r *DNSResolver) Resolve(ctx context.Context, host string, family domain.Family) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if family == domain.FamilyINET && ip.To4() == nil {
			return nil, fmt.Errorf("address %s is not IPv4", host)
		}
		if family == domain.FamilyINET {
			return ip.To4(), nil
		}
		return ip, nil
	}
	if host == "" || strings.EqualFold(host, "localhost") {
		return loopback(family), nil
	}
	if ip, ok := lookupHosts(r.hostsPath, host, family); ok {
		return ip, nil
	}
	if r.config == nil || len(r.config.Servers) == 0 {
		return nil, fmt.Errorf("cannot resolve %s: no nameservers configured", host)
	}

	qtype := dns.TypeA
	if family == domain.FamilyINET6 {
		qtype = dns.TypeAAAA
	}

	var lastErr error = ErrNoRecords
	for _, name := range r.config.NameList(host) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		for _, server := range r.config.Servers {
			in, _, err := r.client.ExchangeContext(ctx, m, net.JoinHostPort(server, r.config.Port))
			if err != nil {
				lastErr = err
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("%s: %s", name, dns.RcodeToString[in.Rcode])
				break
			}
			for _, ans := range in.Answer {
				switch rr := ans.(type) {
				case *dns.A:
					if qtype == dns.TypeA {
						return rr.A.To4(), nil
					}
				case *dns.AAAA:
					if qtype == dns.TypeAAAA {
						return rr.AAAA, nil
					}
				}
			}
			lastErr = ErrNoRecords
			break
		}
	}
	return nil, fmt.Errorf("failed to resolve %s: %w", host, lastErr)
}

// Default uses the system resolv.conf and hosts file. Without a readable
// resolv.conf only literals and hosts entries resolve.
func Default() *DNSResolver {
	r, err := New("")
	if err != nil {
		return Literal().WithHostsFile(DefaultHostsPath)
	}
	return r
}
