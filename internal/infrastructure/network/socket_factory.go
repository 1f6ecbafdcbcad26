package network

import (
	"errors"
	"fmt"
	"net"
	"time"

	"asyncproxy/internal/domain"

	"golang.org/x/sys/unix"
)

const probeTimeout = time.Second

func afOf(family domain.Family) int {
	switch family {
	case domain.FamilyINET6:
		return unix.AF_INET6
	case domain.FamilyUNIX:
		return unix.AF_UNIX
	}
	return unix.AF_INET
}

// Sockaddr builds the address for ep; ip is ignored for unix endpoints.
func Sockaddr(ep domain.Endpoint, ip net.IP) (unix.Sockaddr, error) {
	switch ep.Family {
	case domain.FamilyUNIX:
		if len(ep.Host) >= 108 {
			return nil, fmt.Errorf("path too long: %s", ep.Host)
		}
		return &unix.SockaddrUnix{Name: ep.Host}, nil
	case domain.FamilyINET6:
		sa := &unix.SockaddrInet6{Port: int(ep.Port)}
		ip16 := ip.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("invalid IPv6 address %v", ip)
		}
		copy(sa.Addr[:], ip16)
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: int(ep.Port)}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("invalid IPv4 address %v", ip)
	}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// DecodeSockaddr returns the textual address and port of sa; unix sockets
// report their path and port 0.
func DecodeSockaddr(sa unix.Sockaddr) (string, uint16) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), uint16(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), uint16(a.Port)
	case *unix.SockaddrUnix:
		return a.Name, 0
	}
	return "unknown", 0
}

func LocalAddr(fd int) (string, uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, err
	}
	addr, port := DecodeSockaddr(sa)
	return addr, port, nil
}

func PeerAddr(fd int) (string, uint16, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", 0, err
	}
	addr, port := DecodeSockaddr(sa)
	return addr, port, nil
}

// IsSocket reports whether fd is an open socket descriptor.
func IsSocket(fd int) bool {
	_, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	return err == nil
}

func IsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func NewStreamSocket(family domain.Family) (int, error) {
	return unix.Socket(afOf(family), unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}

// BindLocal pins the local address of an outbound socket.
func BindLocal(fd int, ip net.IP, family domain.Family) error {
	sa, err := Sockaddr(domain.Endpoint{Family: family}, ip)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

// StartConnect issues a non-blocking connect. inProgress is true when the
// caller must wait for writability and then check ConnectResult.
func StartConnect(fd int, sa unix.Sockaddr) (inProgress bool, err error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return false, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		return true, nil
	}
	return false, err
}

func ConnectResult(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// Dial connects a fresh socket to sa within timeout and returns it in
// blocking mode.
func Dial(family domain.Family, sa unix.Sockaddr, timeout time.Duration) (int, error) {
	fd, err := NewStreamSocket(family)
	if err != nil {
		return -1, err
	}
	inProgress, err := StartConnect(fd, sa)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if inProgress {
		if err := waitWritable(fd, timeout); err != nil {
			unix.Close(fd)
			return -1, err
		}
		if err := ConnectResult(fd); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func waitWritable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.ErrConnectTimeout
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, int(remaining/time.Millisecond)+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// BindTCP creates a stream socket bound to ip:port. When the address is in
// use, a connect probe decides between a live owner (ErrConflict) and a
// stale one, in which case the bind is retried with SO_REUSEPORT.
func BindTCP(ip net.IP, port uint16, family domain.Family) (int, error) {
	sa, err := Sockaddr(domain.Endpoint{Family: family, Port: port}, ip)
	if err != nil {
		return -1, err
	}

	fd, err := NewStreamSocket(family)
	if err != nil {
		return -1, err
	}
	err = unix.Bind(fd, sa)
	if err == nil {
		return fd, nil
	}
	unix.Close(fd)
	if !errors.Is(err, unix.EADDRINUSE) {
		return -1, err
	}

	probe, perr := Dial(family, sa, probeTimeout)
	if perr == nil {
		unix.Close(probe)
		return -1, fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	if !errors.Is(perr, unix.ECONNREFUSED) {
		return -1, err
	}

	fd, err = NewStreamSocket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func Listen(fd int, backlog int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	return unix.Listen(fd, backlog)
}

// Accept takes one pending connection; the new descriptor is blocking.
func Accept(fd int) (int, string, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	addr, _ := DecodeSockaddr(sa)
	return nfd, addr, nil
}

// Reject shuts down and closes a socket that will not be served.
func Reject(fd int) {
	unix.Shutdown(fd, unix.SHUT_RDWR)
	unix.Close(fd)
}
