package resolver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"asyncproxy/internal/domain"
)

func TestResolveLiterals(t *testing.T) {
	r := Literal()
	tests := []struct {
		host   string
		family domain.Family
		want   string
	}{
		{"127.0.0.1", domain.FamilyINET, "127.0.0.1"},
		{"192.0.2.7", domain.FamilyINET, "192.0.2.7"},
		{"::1", domain.FamilyINET6, "::1"},
		{"localhost", domain.FamilyINET, "127.0.0.1"},
		{"LOCALHOST", domain.FamilyINET6, "::1"},
		{"", domain.FamilyINET, "127.0.0.1"},
	}
	for _, tt := range tests {
		ip, err := r.Resolve(context.Background(), tt.host, tt.family)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.host, err)
			continue
		}
		if !ip.Equal(net.ParseIP(tt.want)) {
			t.Errorf("Resolve(%q) = %v, want %s", tt.host, ip, tt.want)
		}
	}
}

func TestResolveIPv4Length(t *testing.T) {
	ip, err := Literal().Resolve(context.Background(), "10.1.2.3", domain.FamilyINET)
	if err != nil {
		t.Fatal(err)
	}
	if len(ip) != net.IPv4len {
		t.Errorf("len = %d, want a 4-byte address", len(ip))
	}
}

func TestResolveFamilyMismatch(t *testing.T) {
	if _, err := Literal().Resolve(context.Background(), "::1", domain.FamilyINET); err == nil {
		t.Error("IPv6 literal accepted for an IPv4 destination")
	}
}

func TestLiteralRejectsNames(t *testing.T) {
	if _, err := Literal().Resolve(context.Background(), "example.com", domain.FamilyINET); err == nil {
		t.Error("literal resolver resolved a host name")
	}
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	content := "nameserver 192.0.2.53\nsearch corp.example\noptions timeout:2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.config.Servers) != 1 || r.config.Servers[0] != "192.0.2.53" {
		t.Errorf("servers = %v", r.config.Servers)
	}
	if r.client.Timeout.Seconds() != 2 {
		t.Errorf("timeout = %v", r.client.Timeout)
	}

	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("New with a missing file succeeded")
	}
}

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveHostsFile(t *testing.T) {
	hosts := writeHosts(t, `# static map
127.0.0.1	localhost
127.0.1.7	vm vm.lab.example   # build box
fd00::7		vm6
192.0.2.10	db
2001:db8::10	db
`)
	r := Literal().WithHostsFile(hosts)
	tests := []struct {
		host   string
		family domain.Family
		want   string
	}{
		{"vm", domain.FamilyINET, "127.0.1.7"},
		{"VM.lab.example.", domain.FamilyINET, "127.0.1.7"},
		{"vm6", domain.FamilyINET6, "fd00::7"},
		{"db", domain.FamilyINET, "192.0.2.10"},
		{"db", domain.FamilyINET6, "2001:db8::10"},
	}
	for _, tt := range tests {
		ip, err := r.Resolve(context.Background(), tt.host, tt.family)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.host, err)
			continue
		}
		if !ip.Equal(net.ParseIP(tt.want)) {
			t.Errorf("Resolve(%q) = %v, want %s", tt.host, ip, tt.want)
		}
		if tt.family == domain.FamilyINET && len(ip) != net.IPv4len {
			t.Errorf("Resolve(%q) returned a %d-byte address", tt.host, len(ip))
		}
	}

	if _, err := r.Resolve(context.Background(), "vm6", domain.FamilyINET); err == nil {
		t.Error("IPv6-only hosts entry resolved for an IPv4 destination")
	}
	if _, err := r.Resolve(context.Background(), "build", domain.FamilyINET); err == nil {
		t.Error("comment text resolved as a host name")
	}
}

func TestResolveHostsBeforeNameservers(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "resolv.conf")
	// 192.0.2.53 is a documentation address; reaching it would fail the test
	// with a timeout rather than an answer.
	if err := os.WriteFile(conf, []byte("nameserver 192.0.2.53\noptions timeout:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r = r.WithHostsFile(writeHosts(t, "10.9.8.7 backend\n"))

	ip, err := r.Resolve(context.Background(), "backend", domain.FamilyINET)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ip.Equal(net.ParseIP("10.9.8.7")) {
		t.Errorf("Resolve = %v, want 10.9.8.7", ip)
	}
}

func TestResolveMissingHostsFile(t *testing.T) {
	r := Literal().WithHostsFile(filepath.Join(t.TempDir(), "missing"))
	if _, err := r.Resolve(context.Background(), "vm", domain.FamilyINET); err == nil {
		t.Error("name resolved without hosts file or nameservers")
	}
}
