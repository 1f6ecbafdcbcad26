package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"asyncproxy/internal/domain"

	"github.com/prep/socketpair"
	"golang.org/x/sys/unix"
)

// recorder is a domain.LeveledLogger that keeps every message.
type recorder struct {
	mu       sync.Mutex
	messages []string
	levels   []slog.Level
}

func (r *recorder) Log(message string, flush bool) {
	r.LogLevel(slog.LevelInfo, message, flush)
}

func (r *recorder) LogLevel(level slog.Level, message string, flush bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	r.levels = append(r.levels, level)
}

// levelOf returns the level of the first message containing substr.
func (r *recorder) levelOf(substr string) (slog.Level, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.messages {
		if strings.Contains(m, substr) {
			return r.levels[i], true
		}
	}
	return 0, false
}

func (r *recorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.messages, "\n")
}

// waitFor polls cond until it holds or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v: %s", timeout, msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// requireClosed waits for ch to be closed within timeout.
func requireClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, msg)
	}
}

// joinWithin runs Join on another goroutine and fails the test if it does not
// return within timeout.
func joinWithin(t *testing.T, f domain.Forwarder, alsoShutdown bool, timeout time.Duration) error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- f.Join(alsoShutdown) }()
	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		t.Fatalf("Join did not return within %v: %s", timeout, f.Describe())
	}
	return nil
}

// startServer accepts connections on an ephemeral loopback port and hands
// each one to handle on its own goroutine.
func startServer(t *testing.T, handle func(net.Conn)) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEchoServer echoes until the peer half-closes, then closes.
func startEchoServer(t *testing.T) uint16 {
	return startServer(t, func(conn net.Conn) {
		io.Copy(conn, conn)
	})
}

// unusedPort returns a loopback port nobody listens on.
func unusedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return port
}

// detachFD returns a private descriptor for conn and closes conn.
func detachFD(t *testing.T, conn net.Conn) int {
	t.Helper()
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		t.Fatalf("%T has no File method", conn)
	}
	f, err := fc.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	f.Close()
	conn.Close()
	return fd
}

// nearPair returns the test's end of a connected pair and a descriptor for
// the other end that a forwarder can own.
func nearPair(t *testing.T) (net.Conn, int) {
	t.Helper()
	client, near, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, detachFD(t, near)
}

type halfCloser interface {
	CloseWrite() error
}

func closeWrite(t *testing.T, conn net.Conn) {
	t.Helper()
	hc, ok := conn.(halfCloser)
	if !ok {
		t.Fatalf("%T cannot half-close", conn)
	}
	if err := hc.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
}

// roundTrip writes msg and reads back exactly len(want) bytes.
func roundTrip(t *testing.T, conn net.Conn, msg, want string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// requireEOF expects the peer to close conn within timeout.
func requireEOF(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET) {
				return
			}
			t.Fatalf("expected EOF, got %v", err)
		}
		if n > 0 {
			t.Fatalf("expected EOF, got data %q", buf[:n])
		}
	}
}

func loopback(port uint16) domain.Endpoint {
	return domain.InetEndpoint("127.0.0.1", port)
}

func dialLoopback(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
