package poll

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/indigo-web/mhd/code"
	"golang.org/x/sys/unix"
)

// ITC is an inter-thread communication channel: any goroutine may wake up the event loop
// polling its descriptor.
type ITC struct {
	fd int
}

func NewITC() (*ITC, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", code.ITCCreateFailed, os.NewSyscallError("eventfd", err))
	}

	return &ITC{fd: fd}, nil
}

func (i *ITC) FD() int {
	return i.fd
}

// Signal makes the descriptor readable until Drain is called. Safe for concurrent use.
func (i *ITC) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	for {
		_, err := unix.Write(i.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated, so the descriptor is readable anyway
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("%w: %w", code.ITCUseFailed, os.NewSyscallError("write", err))
		}
	}
}

// Drain resets the descriptor back into the non-readable state.
func (i *ITC) Drain() error {
	var buf [8]byte

	for {
		_, err := unix.Read(i.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("%w: %w", code.ITCUseFailed, os.NewSyscallError("read", err))
		}
	}
}

func (i *ITC) Close() error {
	return unix.Close(i.fd)
}
