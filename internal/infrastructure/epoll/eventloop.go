package epoll

import (
	"errors"
	"sync"
	"time"

	"asyncproxy/internal/domain"

	"golang.org/x/sys/unix"
)

// LinuxPoller is a level-triggered epoll set. It is used by a single
// goroutine; Close may be called from any goroutine.
type LinuxPoller struct {
	epollFD int
	events  []unix.EpollEvent
	once    sync.Once
}

func New() (*LinuxPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &LinuxPoller{epollFD: fd, events: make([]unix.EpollEvent, 8)}, nil
}

func toEpoll(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ev |= domain.EventHangup
	}
	return ev
}

func (l *LinuxPoller) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxPoller) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxPoller) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait returns an empty slice both on timeout and on EINTR.
func (l *LinuxPoller) Wait(timeout time.Duration) ([]domain.Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}
	n, err := unix.EpollWait(l.epollFD, l.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, domain.Event{
			FD:     int(l.events[i].Fd),
			Events: fromEpoll(l.events[i].Events),
		})
	}
	return ready, nil
}

func (l *LinuxPoller) Close() error {
	var err error
	l.once.Do(func() { err = unix.Close(l.epollFD) })
	return err
}
