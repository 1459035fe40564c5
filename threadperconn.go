package mhd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/internal/protocol/http1"
	"github.com/indigo-web/mhd/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// threadPerConn serves every connection in its own goroutine with blocking I/O. It's the
// only mode supporting TLS.
type threadPerConn struct {
	d        *Daemon
	listener net.Listener
	conns    *xsync.MapOf[*transport.NetConn, struct{}]
	done     chan struct{}
}

func newThreadPerConn(d *Daemon) (*threadPerConn, error) {
	t := &threadPerConn{
		d:     d,
		conns: xsync.NewMapOf[*transport.NetConn, struct{}](),
		done:  make(chan struct{}),
	}

	if d.listenFD < 0 {
		return t, nil
	}

	// the listener owns a duplicate, so the original descriptor survives Quiesce
	fd, err := unix.Dup(d.listenFD)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, os.NewSyscallError("dup", err))
	}

	file := os.NewFile(uintptr(fd), "listener")
	t.listener, err = net.FileListener(file)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, err)
	}

	d.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

func (t *threadPerConn) acceptLoop() {
	defer t.d.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.d.stopping.Load() || t.d.quiesced.Load() {
				return
			}

			t.d.log(code.AcceptFailed, "%s", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(t.d.cfg.NET.NoDelay)
		}

		ip, c := t.d.admit(conn.RemoteAddr())
		if c != code.OK {
			t.d.log(c, "%s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		t.serve(conn, ip)
	}
}

// serve starts the goroutine serving the admitted connection.
func (t *threadPerConn) serve(conn net.Conn, ip string) {
	if cfg := t.d.cfg.TLS.Config; cfg != nil {
		conn = transport.Server(conn, cfg)
	}

	nc := transport.NewNetConn(conn, t.d.cfg.Timeouts.Connection)
	t.conns.Store(nc, struct{}{})
	if t.d.stopping.Load() {
		nc.Interrupt()
	}

	t.d.wg.Add(1)
	go t.handle(nc, ip)
}

func (t *threadPerConn) handle(nc *transport.NetConn, ip string) {
	defer t.d.wg.Done()
	defer t.conns.Delete(nc)
	defer t.d.limits.release(ip)

	remote := nc.RemoteAddr()
	resumed := make(chan struct{}, 1)
	stream, err := http1.NewStream(t.d.cfg, nc, mempool.New(t.d.cfg.Pool.Size), t.d.large, http1.Hooks{
		Handler:      t.d.handler,
		RequestEnded: t.d.ended,
		Log:          t.d.log,
		Resume: func(*http1.Stream) {
			select {
			case resumed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.d.log(asCode(err), "%s", remote)
		_ = nc.Close()
		return
	}

	t.d.notifyStarted(remote)
	t.drive(stream, resumed)
	t.d.notifyClosed(remote, stream.Reason())
}

func (t *threadPerConn) drive(stream *http1.Stream, resumed <-chan struct{}) {
	for {
		switch stream.Process(true, true) {
		case http1.StateClosed:
			return
		case http1.StateSuspended:
			if !t.wait(stream, resumed) {
				stream.Close(http.DaemonShutdown)
				return
			}
		}
	}
}

// wait blocks until the suspended stream is resumed. False is returned if the daemon is
// destroyed meanwhile.
func (t *threadPerConn) wait(stream *http1.Stream, resumed <-chan struct{}) bool {
	var expire <-chan time.Time
	if deadline := stream.ResumeDeadline(); !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-resumed:
	case now := <-expire:
		// if the application won the race, its resume is pending in the channel
		stream.Expire(now)
	case <-t.done:
		return false
	}

	return true
}

func (t *threadPerConn) quiesce() {
	if t.listener != nil {
		_ = t.listener.Close()
	}
}

func (t *threadPerConn) stop() {
	close(t.done)
	t.quiesce()
	t.conns.Range(func(nc *transport.NetConn, _ struct{}) bool {
		nc.Interrupt()
		return true
	})
}
