package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
)

var (
	// ErrAgain is returned by non-blocking connections, if the operation would block.
	ErrAgain = errors.New("transport: operation would block")
	// ErrSendfileUnsupported means the connection can't transfer files directly, so they
	// must be read into memory and sent as regular data.
	ErrSendfileUnsupported = errors.New("transport: sendfile is not supported")
	// ErrInterrupted is returned by blocking connections after Interrupt was called.
	ErrInterrupted = errors.New("transport: interrupted")
)

// Conn is a single client connection. Depending on the implementation it's either
// non-blocking (operations return ErrAgain) or blocking.
type Conn interface {
	// Recv reads into the buffer. io.EOF is returned once the peer has shut the writing
	// half down.
	Recv(b []byte) (int, error)
	Send(b []byte) (int, error)
	// Sendfile transfers up to n bytes of the file starting at offset.
	Sendfile(f *os.File, offset int64, n int) (int, error)
	// Handshake performs the TLS handshake. Plain connections are always handshaken.
	// TLS is served by blocking connections only, so the handshake never returns ErrAgain.
	Handshake() error
	// CloseWrite shuts down the writing half of the connection.
	CloseWrite() error
	Close() error
	RemoteAddr() net.Addr
	// TLS returns nil for plain connections.
	TLS() *tls.ConnectionState
	// FD returns the socket descriptor, if the connection can be polled directly.
	// Otherwise, -1 is returned.
	FD() int
}
