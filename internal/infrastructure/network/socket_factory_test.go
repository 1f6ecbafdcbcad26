package network

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"asyncproxy/internal/domain"

	"golang.org/x/sys/unix"
)

func TestSockaddr(t *testing.T) {
	sa, err := Sockaddr(domain.InetEndpoint("10.0.0.1", 80), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if addr, port := DecodeSockaddr(sa); addr != "10.0.0.1" || port != 80 {
		t.Errorf("decoded %s:%d", addr, port)
	}

	sa, err = Sockaddr(domain.InetEndpoint("::1", 443), net.ParseIP("::1"))
	if err != nil {
		t.Fatal(err)
	}
	if addr, port := DecodeSockaddr(sa); addr != "::1" || port != 443 {
		t.Errorf("decoded %s:%d", addr, port)
	}

	sa, err = Sockaddr(domain.UnixEndpoint("/tmp/x.sock"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if addr, _ := DecodeSockaddr(sa); addr != "/tmp/x.sock" {
		t.Errorf("decoded %s", addr)
	}

	if _, err := Sockaddr(domain.UnixEndpoint("/"+strings.Repeat("x", 200)), nil); err == nil {
		t.Error("overlong unix path accepted")
	}
	if _, err := Sockaddr(domain.InetEndpoint("h", 1), net.ParseIP("::1")); err == nil {
		t.Error("IPv6 address accepted for an IPv4 endpoint")
	}
}

func TestDialAndAccept(t *testing.T) {
	fd, err := BindTCP(net.IPv4(127, 0, 0, 1).To4(), 0, domain.FamilyINET)
	if err != nil {
		t.Fatalf("BindTCP: %v", err)
	}
	defer unix.Close(fd)
	if err := Listen(fd, 8); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_, port, err := LocalAddr(fd)
	if err != nil || port == 0 {
		t.Fatalf("LocalAddr = %d, %v", port, err)
	}

	sa, _ := Sockaddr(domain.InetEndpoint("127.0.0.1", port), net.IPv4(127, 0, 0, 1).To4())
	client, err := Dial(domain.FamilyINET, sa, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer unix.Close(client)
	if !IsSocket(client) || !IsOpen(client) {
		t.Error("dialed descriptor is not an open socket")
	}

	var nfd int
	var peer string
	deadline := time.Now().Add(time.Second)
	for {
		nfd, peer, err = Accept(fd)
		if !errors.Is(err, unix.EAGAIN) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if peer != "127.0.0.1" {
		t.Errorf("peer = %s", peer)
	}
	_, peerPort, _ := PeerAddr(nfd)
	_, clientPort, _ := LocalAddr(client)
	if peerPort != clientPort {
		t.Errorf("peer port %d, client port %d", peerPort, clientPort)
	}
	Reject(nfd)

	buf := make([]byte, 1)
	if n, _ := unix.Read(client, buf); n > 0 {
		t.Errorf("read %d bytes from a rejected connection", n)
	}
}

func TestDialRefused(t *testing.T) {
	fd, err := BindTCP(net.IPv4(127, 0, 0, 1).To4(), 0, domain.FamilyINET)
	if err != nil {
		t.Fatalf("BindTCP: %v", err)
	}
	defer unix.Close(fd)
	_, port, _ := LocalAddr(fd)

	// bound but not listening
	sa, _ := Sockaddr(domain.InetEndpoint("127.0.0.1", port), net.IPv4(127, 0, 0, 1).To4())
	if _, err := Dial(domain.FamilyINET, sa, time.Second); !errors.Is(err, unix.ECONNREFUSED) {
		t.Fatalf("Dial = %v, want ECONNREFUSED", err)
	}
}

func TestBindTCPConflict(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	if _, err := BindTCP(net.IPv4(127, 0, 0, 1).To4(), port, domain.FamilyINET); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("BindTCP on a live port = %v, want ErrConflict", err)
	}
}

func TestNotASocket(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if IsSocket(fds[0]) {
		t.Error("pipe reported as a socket")
	}
	if !IsOpen(fds[0]) {
		t.Error("pipe reported closed")
	}
	if IsOpen(1 << 20) {
		t.Error("unallocated descriptor reported open")
	}
}
