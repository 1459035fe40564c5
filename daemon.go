// Package mhd is an embeddable HTTP/1.1 server. The Daemon accepts connections, parses
// requests and passes them into a single handler, which decides what to do with every
// request by returning an action.
//
// The event loop is either driven internally (WorkerThreads, ThreadPerConnection) or by
// the application (the external modes), which makes embedding the daemon into foreign
// event loops possible.
package mhd

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/auth"
	"github.com/indigo-web/mhd/internal/largebuf"
	"github.com/indigo-web/mhd/transport"
	"golang.org/x/sys/unix"
)

// Daemon is a single HTTP server instance. It's configured by options before Start and
// is immutable afterward.
type Daemon struct {
	cfg     *config.Config
	handler http.Handler
	log     Logger
	policy  AcceptPolicy
	notify  ConnectionNotifier
	ended   http.RequestEndedFunc

	started  atomic.Bool
	stopping atomic.Bool
	quiesced atomic.Bool
	listenFD int
	addr     net.Addr
	large    *largebuf.Pool
	digest   *auth.Digest
	limits   *limits

	loops []*loop
	tpc   *threadPerConn
	// next is the round-robin counter distributing added connections among the loops
	next atomic.Uint32
	wg   sync.WaitGroup
}

// Info describes the running daemon.
type Info struct {
	Mode config.WorkMode
	// Addr is the address of the listen socket, nil if there is none.
	Addr net.Addr
	Port int
	// ListenFD is -1 if there is no listen socket or it's quiesced.
	ListenFD int
	// AggregateFD is -1 unless the mode is either ExternalPeriodic or ExternalSingleFD.
	AggregateFD int
	Connections int
	TLS         bool
}

// New returns a daemon calling the handler for every request. The daemon must be
// configured via SetOptions and started then.
func New(handler http.Handler) *Daemon {
	return &Daemon{
		cfg:      config.Default(),
		handler:  handler,
		log:      defaultLogger,
		listenFD: -1,
	}
}

// SetOptions applies the options in order until the first error, which is returned. Once
// the daemon is started, code.TooLate is returned.
func (d *Daemon) SetOptions(opts ...Option) error {
	if d.started.Load() {
		return code.TooLate
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return err
		}
	}

	return nil
}

// Start opens the listen socket and, depending on the mode, starts serving.
func (d *Daemon) Start() (err error) {
	if d.started.Load() {
		return code.AlreadyStarted
	}

	if err = d.validate(); err != nil {
		return err
	}

	if err = d.listen(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			d.closeLoops()
			d.closeListener()
		}
	}()

	d.large = largebuf.New(d.cfg.Pool.LargeBufferTotal, d.cfg.Pool.LargeBufferPerRequest)
	d.digest = auth.NewDigest(d.cfg.Auth)
	d.limits = newLimits(d.cfg.Limits)

	switch d.cfg.Work.Mode {
	case config.ThreadPerConnection:
		if d.tpc, err = newThreadPerConn(d); err != nil {
			return err
		}
	case config.WorkerThreads:
		for i := 0; i < d.cfg.Work.Workers; i++ {
			l, err := newLoop(d)
			if err != nil {
				return err
			}

			d.loops = append(d.loops, l)
		}

		for _, l := range d.loops {
			d.wg.Add(1)
			go l.run()
		}
	default:
		l, err := newLoop(d)
		if err != nil {
			return err
		}

		d.loops = append(d.loops, l)
	}

	d.started.Store(true)
	d.log(code.DaemonStarted, "%s, listening on %v", d.cfg.Work.Mode, d.addr)

	return nil
}

func (d *Daemon) validate() error {
	cfg := d.cfg

	switch {
	case d.handler == nil:
		return fmt.Errorf("%w: no handler", code.OptionInvalidValue)
	case cfg.TLS.Config != nil && cfg.Work.Mode != config.ThreadPerConnection:
		return code.TLSRequiresThreadPerConnection
	case cfg.Work.Mode == config.WorkerThreads && cfg.Work.Workers < 1:
		return fmt.Errorf("%w: no workers", code.OptionInvalidValue)
	case cfg.Work.Mode == config.WorkerThreads && cfg.Work.ThreadSafetyDisabled,
		cfg.Work.Mode == config.ThreadPerConnection && cfg.Work.ThreadSafetyDisabled:
		return fmt.Errorf("%w: thread safety is required by %s", code.OptionConflict, cfg.Work.Mode)
	case cfg.NET.NoListenSocket && cfg.NET.ListenFD >= 0:
		return fmt.Errorf("%w: listen socket is both provided and disabled", code.OptionConflict)
	case cfg.Pool.ReadBufferSize <= 0 || cfg.Pool.ReadBufferSize > cfg.Pool.Size:
		return fmt.Errorf("%w: read buffer doesn't fit into the memory pool", code.OptionConflict)
	case cfg.Work.MaxEvents < 1:
		return fmt.Errorf("%w: max events", code.OptionInvalidValue)
	}

	return nil
}

func (d *Daemon) listen() (err error) {
	switch {
	case d.cfg.NET.NoListenSocket:
		return nil
	case d.cfg.NET.ListenFD >= 0:
		fd := d.cfg.NET.ListenFD
		if err = unix.SetNonblock(fd, true); err != nil {
			return fmt.Errorf("%w: %w", code.InvalidSocket, os.NewSyscallError("fcntl", err))
		}

		if d.addr, err = transport.LocalAddr(fd); err != nil {
			return fmt.Errorf("%w: %w", code.InvalidSocket, err)
		}

		d.listenFD = fd
		return nil
	default:
		d.listenFD, d.addr, err = transport.Listen(d.cfg.NET)
		return err
	}
}

// admit checks whether a new connection from the address may be served and reserves a
// place for it.
func (d *Daemon) admit(remote net.Addr) (ip string, c code.Code) {
	if d.stopping.Load() {
		return "", code.AcceptPolicyRejected
	}

	if d.policy != nil && !d.policy(remote) {
		return "", code.AcceptPolicyRejected
	}

	ip = ipOf(remote)
	return ip, d.limits.acquire(ip)
}

func (d *Daemon) notifyStarted(remote net.Addr) {
	d.log(code.ConnectionAccepted, "%v", remote)
	if d.notify != nil {
		d.notify(remote, ConnStarted, http.CompletedOK)
	}
}

func (d *Daemon) notifyClosed(remote net.Addr, reason http.TerminationReason) {
	d.log(code.ConnectionClosedOK, "%v: %s", remote, reason)
	if d.notify != nil {
		d.notify(remote, ConnClosed, reason)
	}
}

// Quiesce stops accepting new connections and returns the listen socket, which is not
// closed by the daemon anymore. Connections already accepted are served as usual.
func (d *Daemon) Quiesce() (int, error) {
	if !d.started.Load() || d.stopping.Load() {
		return -1, code.NotStarted
	}

	if d.listenFD < 0 {
		return -1, code.InvalidSocket
	}

	if !d.quiesced.CompareAndSwap(false, true) {
		return -1, code.AlreadyQuiesced
	}

	if d.tpc != nil {
		d.tpc.quiesce()
	}

	for _, l := range d.loops {
		l.unlisten()
	}

	d.log(code.ListenSocketQuiesced, "fd %d", d.listenFD)
	return d.listenFD, nil
}

// AddConnection serves the already accepted socket, as if it came from the listen socket.
// The socket is owned by the daemon from now on: it's closed even if the call fails.
func (d *Daemon) AddConnection(fd int) error {
	if !d.started.Load() || d.stopping.Load() {
		return code.NotStarted
	}

	remote, err := transport.Prepare(fd)
	if err != nil {
		if fd >= 0 {
			_ = unix.Close(fd)
		}

		return err
	}

	ip, c := d.admit(remote)
	if c != code.OK {
		_ = unix.Close(fd)
		return c
	}

	if d.tpc != nil {
		conn, err := transport.FileConn(fd)
		if err != nil {
			d.limits.release(ip)
			return fmt.Errorf("%w: %w", code.InvalidSocket, err)
		}

		d.tpc.serve(conn, ip)
		return nil
	}

	l := d.loops[int(d.next.Add(1))%len(d.loops)]
	l.inject(fd, ip, remote)
	return nil
}

// DigestAuth returns the nonce store of Digest authentication. It's nil until the daemon
// is started.
func (d *Daemon) DigestAuth() *auth.Digest {
	return d.digest
}

func (d *Daemon) Info() Info {
	info := Info{
		Mode:        d.cfg.Work.Mode,
		Addr:        d.addr,
		ListenFD:    -1,
		AggregateFD: -1,
		TLS:         d.cfg.TLS.Config != nil,
	}

	if tcp, ok := d.addr.(*net.TCPAddr); ok {
		info.Port = tcp.Port
	}

	if !d.quiesced.Load() {
		info.ListenFD = d.listenFD
	}

	if d.started.Load() {
		info.Connections = d.limits.connections()
		if fd, err := d.AggregateFD(); err == nil {
			info.AggregateFD = fd
		}
	}

	return info
}

// Destroy closes every connection and waits for the internal goroutines to exit. The
// listen socket is closed too, unless it was quiesced.
func (d *Daemon) Destroy() {
	if !d.started.Load() || !d.stopping.CompareAndSwap(false, true) {
		return
	}

	switch {
	case d.tpc != nil:
		d.tpc.stop()
		d.wg.Wait()
	case d.cfg.Work.Mode == config.WorkerThreads:
		for _, l := range d.loops {
			l.wake()
		}

		d.wg.Wait()
	default:
		for _, l := range d.loops {
			l.shutdown()
		}
	}

	d.closeListener()
	d.log(code.DaemonStopped, "")
}

func (d *Daemon) closeLoops() {
	for _, l := range d.loops {
		l.close()
	}

	d.loops = nil
}

func (d *Daemon) closeListener() {
	if d.listenFD >= 0 && !d.quiesced.Load() {
		_ = unix.Close(d.listenFD)
	}
}
