package mhd

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/transport"
)

// Option modifies the daemon before it's started.
type Option func(d *Daemon) error

// AcceptPolicy decides whether the connection from the remote address is accepted. It's
// called before any data is read. The address is nil for sockets without a peer address.
type AcceptPolicy func(remote net.Addr) bool

// ConnEvent is the kind of a connection notification.
type ConnEvent uint8

const (
	ConnStarted ConnEvent = iota
	ConnClosed
)

func (c ConnEvent) String() string {
	switch c {
	case ConnStarted:
		return "started"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionNotifier is called once a connection is started and once it's closed. The
// reason is meaningful for ConnClosed only.
type ConnectionNotifier func(remote net.Addr, event ConnEvent, reason http.TerminationReason)

// WithConfig replaces the whole configuration. The config is copied.
func WithConfig(cfg *config.Config) Option {
	return func(d *Daemon) error {
		if cfg == nil {
			return code.OptionInvalidValue
		}

		d.cfg = cfg.Clone()
		return nil
	}
}

// WithPort binds the listen socket to the port on all the interfaces.
func WithPort(port uint16) Option {
	return func(d *Daemon) error {
		d.cfg.NET.Port = port
		return nil
	}
}

// WithFamily restricts the address family of the listen socket bound via WithPort.
func WithFamily(family config.Family) Option {
	return func(d *Daemon) error {
		if family > config.FamilyDual {
			return code.OptionInvalidValue
		}

		d.cfg.NET.Family = family
		return nil
	}
}

// WithBindAddr binds the listen socket to the exact address.
func WithBindAddr(addr *net.TCPAddr) Option {
	return func(d *Daemon) error {
		if addr == nil {
			return code.OptionInvalidValue
		}

		cp := *addr
		d.cfg.NET.Addr = &cp
		return nil
	}
}

// WithListenFD uses the already listening socket instead of creating a new one.
func WithListenFD(fd int) Option {
	return func(d *Daemon) error {
		if fd < 0 {
			return code.OptionInvalidValue
		}

		d.cfg.NET.ListenFD = fd
		return nil
	}
}

// WithNoListenSocket disables the listen socket. Connections can be added only via
// AddConnection then.
func WithNoListenSocket() Option {
	return func(d *Daemon) error {
		d.cfg.NET.NoListenSocket = true
		return nil
	}
}

func WithBacklog(backlog int) Option {
	return func(d *Daemon) error {
		if backlog <= 0 {
			return code.OptionInvalidValue
		}

		d.cfg.NET.Backlog = backlog
		return nil
	}
}

// WithWorkMode selects who drives the event loop.
func WithWorkMode(mode config.WorkMode) Option {
	return func(d *Daemon) error {
		if mode > config.ThreadPerConnection {
			return code.OptionInvalidValue
		}

		d.cfg.Work.Mode = mode
		return nil
	}
}

// WithWorkers sets the WorkerThreads mode with n event loops.
func WithWorkers(n int) Option {
	return func(d *Daemon) error {
		if n < 1 {
			return code.OptionInvalidValue
		}

		d.cfg.Work.Mode = config.WorkerThreads
		d.cfg.Work.Workers = n
		return nil
	}
}

// WithThreadSafetyDisabled promises the daemon is used from a single goroutine only.
// Requests can't be resumed from other goroutines then.
func WithThreadSafetyDisabled() Option {
	return func(d *Daemon) error {
		d.cfg.Work.ThreadSafetyDisabled = true
		return nil
	}
}

// WithConnectionLimit limits the number of simultaneous connections. 0 means no limit.
func WithConnectionLimit(n int) Option {
	return func(d *Daemon) error {
		if n < 0 {
			return code.OptionInvalidValue
		}

		d.cfg.Limits.GlobalConnections = n
		return nil
	}
}

// WithPerIPLimit limits the number of simultaneous connections from a single address.
// 0 means no limit.
func WithPerIPLimit(n int) Option {
	return func(d *Daemon) error {
		if n < 0 {
			return code.OptionInvalidValue
		}

		d.cfg.Limits.PerIPConnections = n
		return nil
	}
}

// WithMaxBodySize limits the length of request bodies.
func WithMaxBodySize(n uint64) Option {
	return func(d *Daemon) error {
		d.cfg.Limits.MaxBodySize = n
		return nil
	}
}

// WithPoolSize sets the size of the per-connection memory pool.
func WithPoolSize(size int) Option {
	return func(d *Daemon) error {
		if size < 1024 {
			return code.OptionInvalidValue
		}

		d.cfg.Pool.Size = size
		d.cfg.Pool.ReadBufferSize = min(d.cfg.Pool.ReadBufferSize, size/2)
		return nil
	}
}

// WithLargeBuffer sets the limits of the daemon-wide large buffer pool.
func WithLargeBuffer(total, perRequest int) Option {
	return func(d *Daemon) error {
		if total < 0 || perRequest < 0 {
			return code.OptionInvalidValue
		}

		if perRequest > total {
			return code.OptionConflict
		}

		d.cfg.Pool.LargeBufferTotal = total
		d.cfg.Pool.LargeBufferPerRequest = perRequest
		return nil
	}
}

// WithTimeout sets the connection idle timeout. 0 disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Daemon) error {
		if timeout < 0 {
			return code.OptionInvalidValue
		}

		d.cfg.Timeouts.Connection = timeout
		return nil
	}
}

// WithDiscipline sets how strictly requests are parsed.
func WithDiscipline(discipline config.Discipline) Option {
	return func(d *Daemon) error {
		if !discipline.Valid() {
			return code.OptionInvalidValue
		}

		d.cfg.Protocol.Discipline = discipline
		return nil
	}
}

// WithSuppressDate disables the automatic Date header.
func WithSuppressDate() Option {
	return func(d *Daemon) error {
		d.cfg.Protocol.SuppressDate = true
		return nil
	}
}

// WithDigestNonces sets the size of the digest-auth nonce array.
func WithDigestNonces(n int) Option {
	return func(d *Daemon) error {
		if n < 1 {
			return code.OptionInvalidValue
		}

		d.cfg.Auth.DigestNonces = n
		return nil
	}
}

// WithTLS enables TLS. It requires the ThreadPerConnection mode.
func WithTLS(cfg *tls.Config) Option {
	return func(d *Daemon) error {
		if !transport.TLSEnabled {
			return code.TLSDisabled
		}

		if cfg == nil {
			return code.OptionInvalidValue
		}

		d.cfg.TLS.Config = cfg
		return nil
	}
}

// WithTLSKeyPair enables TLS with the PEM-encoded certificate and key.
func WithTLSKeyPair(certPEM, keyPEM []byte) Option {
	return func(d *Daemon) error {
		if !transport.TLSEnabled {
			return code.TLSDisabled
		}

		cfg, err := transport.KeyPairConfig(certPEM, keyPEM)
		if err != nil {
			return code.OptionInvalidValue
		}

		d.cfg.TLS.Config = cfg
		return nil
	}
}

// WithAutoTLS enables TLS with certificates obtained from Let's Encrypt for the domains.
func WithAutoTLS(domains ...string) Option {
	return func(d *Daemon) error {
		if !transport.TLSEnabled {
			return code.TLSDisabled
		}

		cfg, err := transport.AutoConfig(domains...)
		if err != nil {
			return code.OptionInvalidValue
		}

		d.cfg.TLS.Config = cfg
		return nil
	}
}

// WithSelfSignedTLS enables TLS with a freshly generated self-signed certificate. Useful
// for development only.
func WithSelfSignedTLS(hosts ...string) Option {
	return func(d *Daemon) error {
		if !transport.TLSEnabled {
			return code.TLSDisabled
		}

		cfg, err := transport.SelfSignedConfig(hosts...)
		if err != nil {
			return code.OptionInvalidValue
		}

		d.cfg.TLS.Config = cfg
		return nil
	}
}

// WithLogger replaces the default logger. Nil disables logging.
func WithLogger(logger Logger) Option {
	return func(d *Daemon) error {
		if logger == nil {
			logger = nopLogger
		}

		d.log = logger
		return nil
	}
}

func WithAcceptPolicy(policy AcceptPolicy) Option {
	return func(d *Daemon) error {
		d.policy = policy
		return nil
	}
}

func WithNotifyConnection(fn ConnectionNotifier) Option {
	return func(d *Daemon) error {
		d.notify = fn
		return nil
	}
}

// WithRequestEnded sets the callback, which is notified exactly once per request.
func WithRequestEnded(fn http.RequestEndedFunc) Option {
	return func(d *Daemon) error {
		d.ended = fn
		return nil
	}
}
