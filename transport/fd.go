package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

var _ Conn = new(FD)

// FD is a plain non-blocking socket. It is served by the event loops.
type FD struct {
	fd     int
	remote net.Addr
}

func NewFD(fd int, remote net.Addr) *FD {
	return &FD{
		fd:     fd,
		remote: remote,
	}
}

func (f *FD) Recv(b []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, b)
		switch err {
		case nil:
			if n == 0 && len(b) > 0 {
				return 0, io.EOF
			}

			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrAgain
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

func (f *FD) Send(b []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(f.fd, b, nil, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrAgain
		default:
			return 0, os.NewSyscallError("sendmsg", err)
		}
	}
}

func (f *FD) Sendfile(file *os.File, offset int64, n int) (int, error) {
	for {
		written, err := unix.Sendfile(f.fd, int(file.Fd()), &offset, n)
		switch err {
		case nil:
			return written, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if written > 0 {
				return written, nil
			}

			return 0, ErrAgain
		case unix.EINVAL, unix.ENOSYS:
			// the file system doesn't support it
			return 0, ErrSendfileUnsupported
		default:
			return written, os.NewSyscallError("sendfile", err)
		}
	}
}

func (f *FD) Handshake() error {
	return nil
}

func (f *FD) CloseWrite() error {
	return unix.Shutdown(f.fd, unix.SHUT_WR)
}

func (f *FD) Close() error {
	return unix.Close(f.fd)
}

func (f *FD) RemoteAddr() net.Addr {
	return f.remote
}

func (f *FD) TLS() *tls.ConnectionState {
	return nil
}

func (f *FD) FD() int {
	return f.fd
}

// IsReset reports whether the error is caused by the peer resetting the connection.
func IsReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}
