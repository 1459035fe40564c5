package config

import (
	"crypto/tls"
	"net"
	"time"
)

// Discipline controls how tolerant the request parser is to deviations from RFC 9112. Every
// level allows everything the stricter levels allow, plus something more.
type Discipline int8

const (
	ExtraPermissive Discipline = iota - 3
	VeryPermissive
	Permissive
	DefaultDiscipline
	Strict
	VeryStrict
	ExtraStrict
)

func (d Discipline) Valid() bool {
	return d >= ExtraPermissive && d <= ExtraStrict
}

// WorkMode selects who drives the event loop.
type WorkMode uint8

const (
	// ExternalPeriodic means the application repeatedly calls ProcessBlocking or
	// ProcessNonBlocking; the readiness is detected internally.
	ExternalPeriodic WorkMode = iota
	// ExternalSingleFD exposes one aggregate file descriptor to be watched by the application.
	ExternalSingleFD
	// ExternalWatchedLevel hands the whole set of watched descriptors to the application,
	// which reports their actual (level-triggered) state back.
	ExternalWatchedLevel
	// ExternalWatchedEdge is the same as ExternalWatchedLevel, except that readiness is
	// reported by the application only on changes.
	ExternalWatchedEdge
	// WorkerThreads runs an internal pool of event loops.
	WorkerThreads
	// ThreadPerConnection serves every connection in its own goroutine with blocking I/O.
	ThreadPerConnection
)

func (w WorkMode) String() string {
	switch w {
	case ExternalPeriodic:
		return "external periodic"
	case ExternalSingleFD:
		return "external single fd"
	case ExternalWatchedLevel:
		return "external watched fds (level)"
	case ExternalWatchedEdge:
		return "external watched fds (edge)"
	case WorkerThreads:
		return "worker threads"
	case ThreadPerConnection:
		return "thread per connection"
	default:
		return "unknown"
	}
}

// External reports whether the event loop is driven by the application.
func (w WorkMode) External() bool {
	return w <= ExternalWatchedEdge
}

// Family restricts the address family of the listen socket.
type Family uint8

const (
	FamilyAuto Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyDual
)

type (
	NET struct {
		// Family is used when only Port is set.
		Family Family `test:"nullable"`
		// Port to bind to. Zero lets the system choose one.
		Port uint16 `test:"nullable"`
		// Addr overrides Family and Port, if set.
		Addr *net.TCPAddr `test:"nullable"`
		// ListenFD is an already bound and listening socket. -1 if unset.
		ListenFD int
		// NoListenSocket disables the listen socket completely. Connections can then only
		// be added via Daemon.AddConnection.
		NoListenSocket bool `test:"nullable"`
		// Backlog is the listen(2) queue length.
		Backlog int
		// NoDelay enables TCP_NODELAY on accepted sockets.
		NoDelay bool
	}

	Work struct {
		Mode WorkMode `test:"nullable"`
		// Workers is the number of event loops in the WorkerThreads mode.
		Workers int
		// MaxEvents limits how many readiness events are fetched per single poll.
		MaxEvents int
		// ThreadSafetyDisabled is a promise that the application never calls the daemon from
		// other goroutines than the one running the event loop.
		ThreadSafetyDisabled bool `test:"nullable"`
	}

	Limits struct {
		// GlobalConnections is the maximal number of simultaneously served connections.
		// 0 disables the limit.
		GlobalConnections int `test:"nullable"`
		// PerIPConnections is the maximal number of simultaneous connections from a single
		// IP address. 0 disables the limit.
		PerIPConnections int `test:"nullable"`
		// MaxBodySize limits the length of request bodies. Bodies longer than that are
		// rejected with 413.
		MaxBodySize uint64
	}

	Pool struct {
		// Size of the per-connection memory pool. It hosts the read buffer, the parsed
		// request fields and the response headers.
		Size int
		// ReadBufferSize is the initial size of the read buffer. It grows up to the free
		// space of the pool, if a request line or a header line doesn't fit.
		ReadBufferSize int
		// LargeBufferTotal is the soft cap of the daemon-wide large buffer pool.
		LargeBufferTotal int
		// LargeBufferPerRequest is the maximal size of a single large buffer.
		LargeBufferPerRequest int
	}

	Timeouts struct {
		// Connection is the idle timeout. Each transferred byte moves the deadline
		// forward. 0 disables timeouts.
		Connection time.Duration
	}

	Protocol struct {
		Discipline Discipline `test:"nullable"`
		// NoPlusToSpace disables the replacement of '+' by ' ' in query arguments.
		NoPlusToSpace bool `test:"nullable"`
		// SuppressDate disables the automatic Date header.
		SuppressDate bool `test:"nullable"`
		// NoCookies disables parsing of the Cookie header into separate values.
		NoCookies bool `test:"nullable"`
	}

	Auth struct {
		// DigestNonces is the size of the digest-auth nonce array.
		DigestNonces int
		// NonceTimeout is the lifetime of a single nonce.
		NonceTimeout time.Duration
		// MaxNC limits the nonce-count value.
		MaxNC uint64
	}

	TLS struct {
		// Config is the server-side TLS configuration. Nil disables TLS.
		Config *tls.Config `test:"nullable"`
	}
)

// Config holds settings of the daemon. It is immutable once the daemon is started.
//
// You must ALWAYS modify defaults (returned via Default()) and NEVER try to initialize the
// config manually, because most likely this will result in ambiguous errors.
type Config struct {
	NET      NET
	Work     Work
	Limits   Limits
	Pool     Pool
	Timeouts Timeouts
	Protocol Protocol
	Auth     Auth
	TLS      TLS
}

// Default returns default config.
func Default() *Config {
	return &Config{
		NET: NET{
			Family:   FamilyAuto,
			ListenFD: -1,
			Backlog:  128,
			NoDelay:  true,
		},
		Work: Work{
			Mode:      ExternalPeriodic,
			Workers:   1,
			MaxEvents: 128,
		},
		Limits: Limits{
			MaxBodySize: 1 << 62,
		},
		Pool: Pool{
			Size:                  32 * 1024,
			ReadBufferSize:        4 * 1024,
			LargeBufferTotal:      16 * 1024 * 1024,
			LargeBufferPerRequest: 4 * 1024 * 1024,
		},
		Timeouts: Timeouts{
			Connection: 90 * time.Second,
		},
		Protocol: Protocol{
			Discipline: DefaultDiscipline,
		},
		Auth: Auth{
			DigestNonces: 4096,
			NonceTimeout: 300 * time.Second,
			MaxNC:        1 << 32,
		},
	}
}

// Clone returns a deep enough copy to be safely modified independently.
func (c *Config) Clone() *Config {
	cp := *c
	if c.NET.Addr != nil {
		addr := *c.NET.Addr
		cp.NET.Addr = &addr
	}

	if c.TLS.Config != nil {
		cp.TLS.Config = c.TLS.Config.Clone()
	}

	return &cp
}
