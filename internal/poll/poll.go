// Package poll wraps epoll(7) and eventfd(2) into what the event loops need.
package poll

import (
	"fmt"
	"os"
	"time"

	"github.com/indigo-web/mhd/code"
	"golang.org/x/sys/unix"
)

// State is a set of readiness conditions of a descriptor.
type State uint8

const (
	Recv State = 1 << iota
	Send
	// Except covers errors and hang-ups.
	Except
)

func (s State) Has(other State) bool {
	return s&other != 0
}

// Tag tells what kind of descriptor an event belongs to. It's stored in the kernel along
// with the descriptor, so a stale event of a reused descriptor number can't be confused.
type Tag int32

const (
	TagConn Tag = iota
	TagListen
	TagITC
)

type Event struct {
	FD    int
	Tag   Tag
	State State
}

// Poller is an epoll instance. Registration may be changed from any goroutine, Wait must
// be called from a single one.
type Poller struct {
	fd     int
	events []unix.EpollEvent
}

// New creates an epoll instance fetching at most maxEvents per Wait.
func New(maxEvents int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", code.PollCreateFailed, os.NewSyscallError("epoll_create1", err))
	}

	return &Poller{
		fd:     fd,
		events: make([]unix.EpollEvent, max(maxEvents, 1)),
	}, nil
}

// FD returns the epoll descriptor itself. It becomes readable once any of the registered
// descriptors is ready.
func (p *Poller) FD() int {
	return p.fd
}

// Options of a registration.
type Options uint8

const (
	// Edge enables the edge-triggered notification.
	Edge Options = 1 << iota
	// Exclusive wakes only one of the pollers sharing the descriptor.
	Exclusive
)

// Add registers the descriptor.
func (p *Poller) Add(fd int, tag Tag, interest State, opts Options) error {
	ev := unix.EpollEvent{Events: mask(interest, opts), Fd: int32(fd), Pad: int32(tag)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("%w: %w", code.PollCtlFailed, os.NewSyscallError("epoll_ctl", err))
	}

	return nil
}

// Remove unregisters the descriptor. Closed descriptors are removed implicitly.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("%w: %w", code.PollCtlFailed, os.NewSyscallError("epoll_ctl", err))
	}

	return nil
}

// Wait blocks for at most timeout until any descriptor is ready and appends the events
// to out. Negative timeout waits indefinitely, zero doesn't wait at all.
func (p *Poller) Wait(out []Event, timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.fd, p.events, millis(timeout))
	switch err {
	case nil:
	case unix.EINTR:
		return out, nil
	default:
		return out, fmt.Errorf("%w: %w", code.PollWaitFailed, os.NewSyscallError("epoll_wait", err))
	}

	for _, ev := range p.events[:n] {
		out = append(out, Event{
			FD:    int(ev.Fd),
			Tag:   Tag(ev.Pad),
			State: state(ev.Events),
		})
	}

	return out, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

func mask(interest State, opts Options) uint32 {
	var m uint32
	if interest.Has(Recv) {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.Has(Send) {
		m |= unix.EPOLLOUT
	}
	if opts&Edge != 0 {
		m |= unix.EPOLLET
	}
	if opts&Exclusive != 0 {
		m |= unix.EPOLLEXCLUSIVE
	}

	return m
}

func state(events uint32) (s State) {
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
		s |= Recv
	}
	if events&unix.EPOLLOUT != 0 {
		s |= Send
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		s |= Except
	}

	return s
}

// millis rounds the timeout up, so the poll never returns right before a deadline.
func millis(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}

	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	return int(min(ms, 1<<31-1))
}
