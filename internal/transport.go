package tftp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout means a receive window passed without any datagram arriving.
var ErrTimeout = errors.New("timed out waiting for reply")

// Channel carries raw TFTP datagrams for a single transfer.
type Channel interface {
	Send(b []byte, to net.Addr) error

	// Receive blocks until a datagram arrives, the channel's timeout elapses
	// or ctx is done. Both an elapsed timeout and an elapsed ctx deadline
	// are reported as ErrTimeout.
	Receive(ctx context.Context) ([]byte, net.Addr, error)

	Close() error
}

// UDPChannel is a Channel over one UDP socket bound to an ephemeral port.
type UDPChannel struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     []byte
}

// Listen binds a UDP socket to an ephemeral local port. Every Receive waits
// at most timeout.
func Listen(timeout time.Duration) (*UDPChannel, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}

	return &UDPChannel{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, 65536),
	}, nil
}

func (c *UDPChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *UDPChannel) Send(b []byte, to net.Addr) error {
	_, err := c.conn.WriteTo(b, to)
	return errors.Wrapf(err, "send to %s", to)
}

func (c *UDPChannel) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, errors.Wrap(err, "set read deadline")
	}

	// Unblock the read as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, addr, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, nil, ctx.Err()
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		return nil, nil, errors.Wrap(err, "receive")
	}

	b := make([]byte, n)
	copy(b, c.buf[:n])
	return b, addr, nil
}

func (c *UDPChannel) Close() error {
	return c.conn.Close()
}

// sameEndpoint reports whether a and b are the same transport endpoint.
func sameEndpoint(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
