package api

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/TandS-Engine/engine"
)

// ErrConnClosed is returned when replying on a connection that is gone.
var ErrConnClosed = errors.New("connection closed")

// clientConn is one accepted connection. The event loop owns reads and the
// closing flag; workers only write through reply.
type clientConn struct {
	id     engine.ConnID
	conn   net.Conn
	remote string

	// closing is only touched by the event loop
	closing bool

	// pending counts queued or running transactions; readDone is set once
	// the peer has finished sending. A half-closed connection is kept until
	// pending reaches zero so every accepted transaction is acknowledged.
	pending  atomic.Int64
	readDone atomic.Bool

	closeOnce sync.Once
	wmu       sync.Mutex
}

func newClientConn(id engine.ConnID, conn net.Conn) *clientConn {
	return &clientConn{
		id:     id,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
	}
}

// reply writes one frame with a deadline. Frames from concurrent workers
// never interleave.
func (c *clientConn) reply(frame []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

// close closes the socket once.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// eventKind distinguishes reader events.
type eventKind int

const (
	eventLine eventKind = iota
	eventClosed
)

// event is delivered from a connection reader to the event loop.
type event struct {
	kind eventKind
	conn *clientConn
	line string
	err  error
}
