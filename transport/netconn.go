package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/indigo-web/mhd/internal/timer"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by blocking connections once the idle timeout is reached.
var ErrTimeout = errors.New("transport: i/o timeout")

var _ Conn = new(NetConn)

// NetConn wraps a blocking net.Conn, optionally a TLS one. It's served by a dedicated
// goroutine, therefore never returns ErrAgain. Timeouts are handled automatically.
type NetConn struct {
	conn    net.Conn
	tls     *tls.Conn
	timeout time.Duration
	stopped atomic.Bool
}

func NewNetConn(conn net.Conn, timeout time.Duration) *NetConn {
	tlsConn, _ := conn.(*tls.Conn)

	return &NetConn{
		conn:    conn,
		tls:     tlsConn,
		timeout: timeout,
	}
}

func (c *NetConn) Recv(b []byte) (int, error) {
	if err := c.deadline(c.conn.SetReadDeadline); err != nil {
		return 0, err
	}

	n, err := c.conn.Read(b)
	if n > 0 {
		return n, nil
	}

	return 0, c.wrap(err)
}

func (c *NetConn) Send(b []byte) (int, error) {
	if err := c.deadline(c.conn.SetWriteDeadline); err != nil {
		return 0, err
	}

	n, err := c.conn.Write(b)
	return n, c.wrap(err)
}

// Sendfile uses sendfile(2) on the descriptor of plain TCP connections. TLS connections
// don't support it.
func (c *NetConn) Sendfile(f *os.File, offset int64, n int) (written int, err error) {
	sc, ok := c.conn.(syscall.Conn)
	if !ok || c.tls != nil {
		return 0, ErrSendfileUnsupported
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	if err = c.deadline(c.conn.SetWriteDeadline); err != nil {
		return 0, err
	}

	var serr error
	err = raw.Write(func(fd uintptr) bool {
		written, serr = unix.Sendfile(int(fd), int(f.Fd()), &offset, n)
		return serr != unix.EAGAIN
	})

	switch {
	case err != nil:
		return 0, c.wrap(err)
	case serr == unix.EINVAL || serr == unix.ENOSYS:
		return 0, ErrSendfileUnsupported
	case serr != nil:
		return written, os.NewSyscallError("sendfile", serr)
	}

	return written, nil
}

func (c *NetConn) Handshake() error {
	if c.tls == nil {
		return nil
	}

	if err := c.deadline(c.conn.SetDeadline); err != nil {
		return err
	}

	return c.wrap(c.tls.Handshake())
}

func (c *NetConn) CloseWrite() error {
	switch conn := c.conn.(type) {
	case *tls.Conn:
		return conn.CloseWrite()
	case interface{ CloseWrite() error }:
		return conn.CloseWrite()
	default:
		return nil
	}
}

func (c *NetConn) Close() error {
	return c.conn.Close()
}

func (c *NetConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *NetConn) TLS() *tls.ConnectionState {
	if c.tls == nil {
		return nil
	}

	state := c.tls.ConnectionState()
	return &state
}

func (c *NetConn) FD() int {
	return -1
}

// Conn unwraps the underlying net.Conn.
func (c *NetConn) Conn() net.Conn {
	return c.conn
}

// Interrupt unblocks pending and future operations, which then fail with ErrInterrupted.
// Safe for concurrent use.
func (c *NetConn) Interrupt() {
	c.stopped.Store(true)
	_ = c.conn.SetDeadline(time.Unix(1, 0))
}

func (c *NetConn) deadline(set func(time.Time) error) error {
	if c.stopped.Load() {
		return ErrInterrupted
	}

	if c.timeout == 0 {
		return nil
	}

	return set(timer.Now().Add(c.timeout))
}

func (c *NetConn) wrap(err error) error {
	switch {
	case err == nil, err == io.EOF:
		return err
	case c.stopped.Load():
		return ErrInterrupted
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
