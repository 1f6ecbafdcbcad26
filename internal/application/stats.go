package application

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

type counter struct {
	ops, bytes atomic.Int64
}

func (c *counter) add(n int) {
	c.ops.Add(1)
	c.bytes.Add(int64(n))
}

func (c *counter) load() (ops, bytes int64) {
	return c.ops.Load(), c.bytes.Load()
}

// IOStats counts operations and bytes in each direction of a session. Reads
// and writes are kept apart since a transform hook may drop bytes between
// them.
type IOStats struct {
	upRecv, upSent     counter // near -> far
	downRecv, downSent counter // far -> near
}

// Up returns the number of writes and bytes delivered to the far side.
func (s *IOStats) Up() (ops, bytes int64) { return s.upSent.load() }

// Down returns the number of writes and bytes delivered to the near side.
func (s *IOStats) Down() (ops, bytes int64) { return s.downSent.load() }

// UpReceived returns the number of reads and bytes taken from the near side.
func (s *IOStats) UpReceived() (ops, bytes int64) { return s.upRecv.load() }

// DownReceived returns the number of reads and bytes taken from the far side.
func (s *IOStats) DownReceived() (ops, bytes int64) { return s.downRecv.load() }

func (s *IOStats) String() string {
	uro, urb := s.UpReceived()
	uso, usb := s.Up()
	dro, drb := s.DownReceived()
	dso, dsb := s.Down()
	return fmt.Sprintf("up recv %s/%d ops sent %s/%d ops, down recv %s/%d ops sent %s/%d ops",
		sizestr.ToString(urb), uro, sizestr.ToString(usb), uso,
		sizestr.ToString(drb), dro, sizestr.ToString(dsb), dso)
}
