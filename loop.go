package mhd

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/internal/poll"
	"github.com/indigo-web/mhd/internal/pool"
	"github.com/indigo-web/mhd/internal/protocol/http1"
	"github.com/indigo-web/mhd/internal/timer"
	"github.com/indigo-web/mhd/transport"
	"golang.org/x/sys/unix"
)

// idlePools is how many memory pools of closed connections are kept for reuse by a loop.
const idlePools = 64

type injected struct {
	fd     int
	ip     string
	remote net.Addr
}

// loop is a single event loop. Everything except the queues guarded by mu belongs to the
// goroutine driving the loop: either a worker, or the application in external modes.
type loop struct {
	d   *Daemon
	cfg *config.Config
	// poller is nil if the descriptors are watched by the application
	poller *poll.Poller
	// itc is nil if thread safety is disabled
	itc   *poll.ITC
	watch *watchSet

	conns     map[int]*connection
	idle      idleList
	suspended map[*connection]struct{}
	pools     *pool.ObjectPool[*mempool.Pool]
	events    []poll.Event

	mu      sync.Mutex
	resumed []*connection
	added   []injected
}

func newLoop(d *Daemon) (_ *loop, err error) {
	cfg := d.cfg
	l := &loop{
		d:         d,
		cfg:       cfg,
		conns:     make(map[int]*connection),
		suspended: make(map[*connection]struct{}),
		pools: pool.NewObjectPool(idlePools, func() *mempool.Pool {
			return mempool.New(cfg.Pool.Size)
		}, (*mempool.Pool).Clear),
	}

	defer func() {
		if err != nil {
			l.close()
		}
	}()

	if !cfg.Work.ThreadSafetyDisabled || cfg.Work.Mode == config.WorkerThreads {
		if l.itc, err = poll.NewITC(); err != nil {
			return nil, err
		}
	}

	switch cfg.Work.Mode {
	case config.ExternalWatchedLevel, config.ExternalWatchedEdge:
		l.watch = newWatchSet()
		if d.listenFD >= 0 {
			l.watch.add(&WatchedFD{FD: d.listenFD, Desired: FDRecv | FDExcept, tag: poll.TagListen})
		}
		if l.itc != nil {
			l.watch.add(&WatchedFD{FD: l.itc.FD(), Desired: FDRecv, tag: poll.TagITC})
		}

		return l, nil
	}

	if l.poller, err = poll.New(cfg.Work.MaxEvents); err != nil {
		return nil, err
	}

	l.events = make([]poll.Event, 0, cfg.Work.MaxEvents)

	if d.listenFD >= 0 {
		var opts poll.Options
		if cfg.Work.Mode == config.WorkerThreads && cfg.Work.Workers > 1 {
			opts = poll.Exclusive
		}

		if err = l.poller.Add(d.listenFD, poll.TagListen, poll.Recv, opts); err != nil {
			return nil, err
		}
	}

	if l.itc != nil {
		if err = l.poller.Add(l.itc.FD(), poll.TagITC, poll.Recv, 0); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// run drives the loop until the daemon is destroyed.
func (l *loop) run() {
	defer l.d.wg.Done()

	for !l.d.stopping.Load() {
		if err := l.poll(-1); err != nil {
			l.d.log(asCode(err), "worker stopped: %s", err)
			break
		}
	}

	l.shutdown()
}

// poll waits for at most timeout (or until the nearest deadline) and processes
// everything that is ready.
func (l *loop) poll(timeout time.Duration) error {
	now := timer.Now()
	if wait := l.maxWait(now); wait >= 0 && (timeout < 0 || wait < timeout) {
		timeout = wait
	}

	events, err := l.poller.Wait(l.events[:0], timeout)
	l.events = events
	if err != nil {
		return err
	}

	for _, ev := range events {
		switch ev.Tag {
		case poll.TagListen:
			l.accept()
		case poll.TagITC:
			l.drainITC()
		default:
			if c, found := l.conns[ev.FD]; found {
				l.process(c, ev.State)
			}
		}
	}

	l.housekeep()
	return nil
}

// housekeep handles everything queued by other goroutines and the expired deadlines.
func (l *loop) housekeep() {
	l.drain()
	l.expire(timer.Now())
}

func (l *loop) drainITC() {
	if err := l.itc.Drain(); err != nil {
		l.d.log(code.ITCUseFailed, "%s", err)
	}
}

func (l *loop) wake() {
	if l.itc == nil {
		return
	}

	if err := l.itc.Signal(); err != nil {
		l.d.log(code.ITCUseFailed, "%s", err)
	}
}

func (l *loop) accept() {
	for !l.d.quiesced.Load() {
		fd, remote, err := transport.Accept(l.d.listenFD, l.cfg.NET.NoDelay)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrAgain):
			return
		default:
			l.d.log(code.AcceptFailed, "%s", err)
			return
		}

		ip, c := l.d.admit(remote)
		if c != code.OK {
			l.d.log(c, "%s", remote)
			_ = unix.Close(fd)
			continue
		}

		l.add(fd, ip, remote)
	}
}

// inject hands an admitted socket over to the loop from any goroutine.
func (l *loop) inject(fd int, ip string, remote net.Addr) {
	if l.itc == nil {
		l.add(fd, ip, remote)
		return
	}

	l.mu.Lock()
	l.added = append(l.added, injected{fd: fd, ip: ip, remote: remote})
	l.mu.Unlock()
	l.wake()
}

func (l *loop) add(fd int, ip string, remote net.Addr) {
	c := &connection{
		fd:     fd,
		ip:     ip,
		remote: remote,
		pool:   l.pools.Acquire(),
		state:  http1.StateRead,
	}

	stream, err := http1.NewStream(l.cfg, transport.NewFD(fd, remote), c.pool, l.d.large, http1.Hooks{
		Handler:      l.d.handler,
		RequestEnded: l.d.ended,
		Log:          l.d.log,
		Resume: func(*http1.Stream) {
			l.resume(c)
		},
	})
	if err != nil {
		l.reject(c, asCode(err))
		return
	}

	c.stream = stream

	if l.watch != nil {
		c.watched = &WatchedFD{FD: fd, Desired: l.desired(http1.StateRead), tag: poll.TagConn, conn: c}
		l.watch.add(c.watched)
	} else if err = l.poller.Add(fd, poll.TagConn, poll.Recv|poll.Send, poll.Edge); err != nil {
		l.reject(c, asCode(err))
		return
	}

	l.conns[fd] = c
	l.idle.touch(c, stream.LastActivity())
	l.d.notifyStarted(remote)
}

func (l *loop) reject(c *connection, reason code.Code) {
	l.d.log(reason, "%s", c.remote)
	_ = unix.Close(c.fd)
	l.pools.Release(c.pool)
	l.d.limits.release(c.ip)
}

func (l *loop) process(c *connection, ready poll.State) {
	if c.state == http1.StateSuspended {
		return
	}

	state := c.stream.Process(ready.Has(poll.Recv|poll.Except), ready.Has(poll.Send|poll.Except))
	l.update(c, state)
}

func (l *loop) update(c *connection, state http1.State) {
	switch state {
	case http1.StateClosed:
		l.remove(c)
		return
	case http1.StateSuspended:
		l.suspend(c)
	default:
		l.idle.touch(c, c.stream.LastActivity())
		if c.watched != nil && c.state != state {
			l.watch.change(c.watched, l.desired(state))
		}
	}

	c.state = state
}

// desired returns the readiness a watched connection in the state waits for. In the
// edge-triggered mode connections are always interested in both directions, like they
// are in internal event loops.
func (l *loop) desired(state http1.State) FDState {
	switch {
	case l.cfg.Work.Mode == config.ExternalWatchedEdge:
		return FDRecv | FDSend | FDExcept
	case state == http1.StateWrite:
		return FDSend | FDExcept
	default:
		return FDRecv | FDExcept
	}
}

// suspend takes the connection out of polling and timeouts.
func (l *loop) suspend(c *connection) {
	if c.state == http1.StateSuspended {
		return
	}

	l.idle.remove(c)
	l.suspended[c] = struct{}{}
	if c.watched != nil {
		l.watch.remove(c.watched)
	} else if err := l.poller.Remove(c.fd); err != nil {
		l.d.log(code.PollCtlFailed, "%s", err)
	}

	l.d.log(code.ConnectionSuspended, "%s", c.remote)
}

// resume is called by the stream from any goroutine.
func (l *loop) resume(c *connection) {
	l.mu.Lock()
	l.resumed = append(l.resumed, c)
	l.mu.Unlock()
	l.wake()
}

// pending reports whether anything is queued by other goroutines.
func (l *loop) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.resumed) > 0 || len(l.added) > 0
}

func (l *loop) drain() {
	l.mu.Lock()
	resumed, added := l.resumed, l.added
	l.resumed, l.added = nil, nil
	l.mu.Unlock()

	for _, a := range added {
		l.add(a.fd, a.ip, a.remote)
	}

	for _, c := range resumed {
		l.unsuspend(c)
	}
}

// unsuspend puts the resumed connection back into polling and processes it right away.
func (l *loop) unsuspend(c *connection) {
	if _, found := l.suspended[c]; !found {
		return
	}

	delete(l.suspended, c)
	c.state = http1.StateRead

	if c.watched != nil {
		c.watched.Desired = l.desired(http1.StateRead)
		l.watch.add(c.watched)
	} else if err := l.poller.Add(c.fd, poll.TagConn, poll.Recv|poll.Send, poll.Edge); err != nil {
		l.d.log(asCode(err), "%s", err)
		c.stream.Close(http.ConnectionError)
		l.remove(c)
		return
	}

	l.d.log(code.ConnectionResumed, "%s", c.remote)
	l.update(c, c.stream.Process(false, false))
}

// expire resumes connections whose resume deadline has passed and closes the ones
// idling for too long.
func (l *loop) expire(now time.Time) {
	var expired []*connection
	for c := range l.suspended {
		if c.stream.Expire(now) {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		l.unsuspend(c)
	}

	timeout := l.cfg.Timeouts.Connection
	if timeout <= 0 {
		return
	}

	for c := l.idle.front(); c != nil && now.Sub(c.seen) >= timeout; c = l.idle.front() {
		l.d.log(code.TimeoutReached, "%s", c.remote)
		c.stream.Close(http.TimeoutReached)
		l.remove(c)
	}
}

// maxWait returns the time left until the nearest deadline, or -1 if there is none.
// Deadlines are stamped by the coarse clock, so now must come from it too.
func (l *loop) maxWait(now time.Time) time.Duration {
	if l.pending() {
		return 0
	}

	wait := time.Duration(-1)
	nearest := func(deadline time.Time) {
		if left := max(deadline.Sub(now), 0); wait < 0 || left < wait {
			wait = left
		}
	}

	if c := l.idle.front(); c != nil && l.cfg.Timeouts.Connection > 0 {
		nearest(c.seen.Add(l.cfg.Timeouts.Connection))
	}

	for c := range l.suspended {
		if deadline := c.stream.ResumeDeadline(); !deadline.IsZero() {
			nearest(deadline)
		}
	}

	return wait
}

// remove forgets the closed connection.
func (l *loop) remove(c *connection) {
	delete(l.conns, c.fd)
	delete(l.suspended, c)
	l.idle.remove(c)
	if c.watched != nil {
		l.watch.remove(c.watched)
		c.watched.conn = nil
	}

	c.state = http1.StateClosed
	l.pools.Release(c.pool)
	l.d.limits.release(c.ip)
	l.d.notifyClosed(c.remote, c.stream.Reason())
}

// unlisten stops polling the listen socket. Safe for concurrent use.
func (l *loop) unlisten() {
	if l.watch != nil {
		l.watch.removeFD(l.d.listenFD)
		return
	}

	if err := l.poller.Remove(l.d.listenFD); err != nil {
		l.d.log(code.PollCtlFailed, "%s", err)
	}
}

// shutdown closes every connection of the loop along with the loop itself.
func (l *loop) shutdown() {
	for _, c := range l.conns {
		c.stream.Close(http.DaemonShutdown)
		l.remove(c)
	}

	l.mu.Lock()
	added := l.added
	l.added, l.resumed = nil, nil
	l.mu.Unlock()

	for _, a := range added {
		_ = unix.Close(a.fd)
		l.d.limits.release(a.ip)
	}

	l.close()
}

func (l *loop) close() {
	if l.poller != nil {
		_ = l.poller.Close()
	}

	if l.itc != nil {
		_ = l.itc.Close()
	}
}

func asCode(err error) code.Code {
	var c code.Code
	if errors.As(err, &c) {
		return c
	}

	return code.InternalError
}
