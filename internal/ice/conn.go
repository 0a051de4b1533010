package ice

import (
	"context"
	"io"
	"math"
	"net"
	"time"
)

// ChannelConn implements net.Conn on top of a channel of incoming datagrams
// and a Base's underlying socket for outgoing ones. It is the net.Conn
// handed back to callers once ICE has selected a candidate pair.
type ChannelConn struct {
	ctx context.Context

	base  *Base
	in    <-chan []byte // Channel for reads, fed by Base.readLoop
	raddr net.Addr

	rtimer *time.Timer
}

func newChannelConn(ctx context.Context, base *Base, in <-chan []byte, _ chan []byte, raddr net.Addr) *ChannelConn {
	return &ChannelConn{
		ctx:    ctx,
		base:   base,
		in:     in,
		raddr:  raddr,
		rtimer: time.NewTimer(math.MaxInt64),
	}
}

// Read copies the next available datagram into b. Returns io.EOF if the
// underlying context is done.
func (c *ChannelConn) Read(b []byte) (int, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		if len(data) > len(b) {
			log.Warn("read truncated due to short buffer")
		}
		n := copy(b, data)
		return n, nil

	case <-c.ctx.Done():
		return 0, io.EOF

	case <-c.rtimer.C:
		return 0, errReadTimeout
	}
}

// Write sends b to the remote address over the underlying base socket.
func (c *ChannelConn) Write(b []byte) (int, error) {
	return c.base.WriteTo(b, c.raddr)
}

func (c *ChannelConn) Close() error {
	return nil
}

func (c *ChannelConn) LocalAddr() net.Addr {
	return c.base.LocalAddr()
}

func (c *ChannelConn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *ChannelConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *ChannelConn) SetReadDeadline(t time.Time) error {
	if !c.rtimer.Stop() {
		select {
		case <-c.rtimer.C:
		default:
		}
	}
	if !t.IsZero() {
		c.rtimer.Reset(time.Until(t))
	}
	return nil
}

func (c *ChannelConn) SetWriteDeadline(t time.Time) error {
	return nil
}
