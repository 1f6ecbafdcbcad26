package application

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"asyncproxy/internal/domain"

	"golang.org/x/sys/unix"
)

func TestStreamForwarderRoundTrip(t *testing.T) {
	port := startEchoServer(t)
	client, near := nearPair(t)

	f, err := NewStreamForwarder(domain.ForwarderConfig{
		NearFD:      near,
		Destination: loopback(port),
		Logger:      &recorder{},
	}, nil)
	if err != nil {
		unix.Close(near)
		t.Fatalf("NewStreamForwarder: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	roundTrip(t, client, "spliced", "spliced")
	if _, p := f.LocalBoundAddress(); p == 0 {
		t.Error("LocalBoundAddress() has no port once connected")
	}

	closeWrite(t, client)
	requireEOF(t, client, 5*time.Second)
	if err := joinWithin(t, f, false, 5*time.Second); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if f.IsAlive() {
		t.Error("alive after Join")
	}
	if _, bytes := f.stats.Up(); bytes != int64(len("spliced")) {
		t.Errorf("up bytes = %d", bytes)
	}
}

func TestStreamForwarderShutdown(t *testing.T) {
	port := startServer(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	client, near := nearPair(t)
	f, err := NewStreamForwarder(domain.ForwarderConfig{NearFD: near, Destination: loopback(port), Logger: &recorder{}}, nil)
	if err != nil {
		t.Fatalf("NewStreamForwarder: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, p := f.LocalBoundAddress()
		return p != 0
	}, "stream forwarder connected")

	f.Shutdown()
	f.Shutdown()
	if err := joinWithin(t, f, true, 5*time.Second); err != nil {
		t.Fatalf("Join: %v", err)
	}
	requireEOF(t, client, 5*time.Second)
}

func TestStreamForwarderRejectsTransforms(t *testing.T) {
	_, near := nearPair(t)
	t.Cleanup(func() { unix.Close(near) })

	_, err := NewStreamForwarder(domain.ForwarderConfig{
		NearFD:      near,
		Destination: loopback(9),
		InToOut:     func(chunk []byte) int { return len(chunk) },
	}, nil)
	if !errors.Is(err, domain.ErrIncompatibleArgs) {
		t.Fatalf("err = %v, want ErrIncompatibleArgs", err)
	}
}

func TestStreamForwarderRejectsNonSocket(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	_, err := NewStreamForwarder(domain.ForwarderConfig{NearFD: fds[0], Destination: loopback(9)}, nil)
	if !errors.Is(err, domain.ErrIncompatibleArgs) {
		t.Fatalf("err = %v, want ErrIncompatibleArgs", err)
	}
}
