package dummy

import (
	"crypto/tls"
	"io"
	"net"
	"os"

	"github.com/indigo-web/mhd/transport"
)

var _ transport.Conn = new(Conn)

// Conn returns the pieces of data it was initialised with, one per Recv. Once they're over,
// either io.EOF or transport.ErrAgain (if set to hold) is returned. It also tracks all the
// written data, making it thereby a universal mock suitable for most of the tests.
type Conn struct {
	data         [][]byte
	pointer      int
	tmp          []byte
	written      []byte
	hold         bool
	throttle     int
	blocked      bool
	closed       bool
	remote       net.Addr
	handshakeErr error
}

func NewConn(data ...[]byte) *Conn {
	return &Conn{
		data:   data,
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321},
	}
}

// Hold makes the connection return transport.ErrAgain instead of io.EOF once the data
// is over, imitating a client waiting for the reply.
func (c *Conn) Hold() *Conn {
	c.hold = true
	return c
}

// Throttle limits every Send to n bytes. Every limited Send is followed by a Send
// returning transport.ErrAgain.
func (c *Conn) Throttle(n int) *Conn {
	c.throttle = n
	return c
}

// FailHandshake makes Handshake return the error.
func (c *Conn) FailHandshake(err error) *Conn {
	c.handshakeErr = err
	return c
}

// Push appends more data to be received.
func (c *Conn) Push(data ...[]byte) {
	c.data = append(c.data, data...)
}

// Release stops holding, so io.EOF is returned once the data is over.
func (c *Conn) Release() {
	c.hold = false
}

func (c *Conn) Recv(b []byte) (int, error) {
	if c.closed {
		return 0, io.EOF
	}

	if len(c.tmp) == 0 {
		if c.pointer >= len(c.data) {
			if c.hold {
				return 0, transport.ErrAgain
			}

			return 0, io.EOF
		}

		c.tmp = c.data[c.pointer]
		c.pointer++
	}

	n := copy(b, c.tmp)
	c.tmp = c.tmp[n:]

	return n, nil
}

func (c *Conn) Send(b []byte) (int, error) {
	if c.closed {
		return 0, io.ErrClosedPipe
	}

	if c.throttle == 0 {
		c.written = append(c.written, b...)
		return len(b), nil
	}

	if c.blocked {
		c.blocked = false
		return 0, transport.ErrAgain
	}

	n := min(len(b), c.throttle)
	c.written = append(c.written, b[:n]...)
	c.blocked = true

	return n, nil
}

func (c *Conn) Sendfile(f *os.File, offset int64, n int) (int, error) {
	buf := make([]byte, n)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return 0, err
	}

	return c.Send(buf[:n])
}

func (c *Conn) Handshake() error {
	return c.handshakeErr
}

func (c *Conn) CloseWrite() error {
	return nil
}

func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) TLS() *tls.ConnectionState {
	return nil
}

func (c *Conn) FD() int {
	return -1
}

// Closed reports whether the connection was closed.
func (c *Conn) Closed() bool {
	return c.closed
}

func (c *Conn) Written() string {
	return string(c.written)
}

// Reset drops the journal of the written data.
func (c *Conn) Reset() {
	c.written = c.written[:0]
}
