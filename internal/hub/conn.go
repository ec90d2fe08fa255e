package hub

import (
	"net"
	"sync"
	"time"

	"github.com/warelink/warelink/internal/wire"
)

// Conn is one registered protocol connection: the transport handle plus the
// per-connection reassembly buffer and write lock. The registry owns it from
// accept to close; a reconnect is always a new Conn.
type Conn struct {
	nc      net.Conn
	decoder wire.StreamDecoder

	// writeMu serializes whole frames onto the socket. A heartbeat and a
	// lifecycle broadcast may race on the same connection; interleaving
	// partial frames would corrupt the stream for good.
	writeMu sync.Mutex

	mu            sync.Mutex
	alive         bool
	lastHeartbeat time.Time
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, alive: true}
}

func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Alive reports whether the connection is still registered.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// LastHeartbeat returns when the connection last took a heartbeat frame.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) markHeartbeat(at time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = at
	c.mu.Unlock()
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// writeFrame sends one already-encoded frame under the write lock.
func (c *Conn) writeFrame(b []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := c.nc.Write(b)
	return err
}
