package mhd

import (
	"net"
	"time"

	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/internal/protocol/http1"
)

// connection is a single client connection owned by an event loop.
type connection struct {
	fd     int
	ip     string
	remote net.Addr
	stream *http1.Stream
	pool   *mempool.Pool
	state  http1.State
	// watched is set if the descriptors are watched by the application
	watched *WatchedFD

	// seen is the last activity the idle list is ordered by
	seen       time.Time
	prev, next *connection
	listed     bool
}

// idleList orders connections by their last activity, the least recently active first.
// Since the activity only moves forward, moving a connection to the back on each
// activity keeps the order, so the nearest timeout is always at the front.
type idleList struct {
	head, tail *connection
}

func (l *idleList) push(c *connection) {
	c.prev, c.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = c
	} else {
		l.head = c
	}

	l.tail = c
	c.listed = true
}

func (l *idleList) remove(c *connection) {
	if !c.listed {
		return
	}

	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.head = c.next
	}

	if c.next != nil {
		c.next.prev = c.prev
	} else {
		l.tail = c.prev
	}

	c.prev, c.next, c.listed = nil, nil, false
}

// touch moves the connection to the back, if it was active since the last time.
func (l *idleList) touch(c *connection, activity time.Time) {
	if c.listed && !activity.After(c.seen) {
		return
	}

	c.seen = activity
	l.remove(c)
	l.push(c)
}

func (l *idleList) front() *connection {
	return l.head
}
