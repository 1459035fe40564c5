package mhd

import (
	"net"
	"sync/atomic"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/puzpuzpuz/xsync/v3"
)

// limits counts the connections served by the daemon, shared by all the event loops.
type limits struct {
	global int64
	perIP  int
	active atomic.Int64
	ips    *xsync.MapOf[string, int]
}

func newLimits(cfg config.Limits) *limits {
	return &limits{
		global: int64(cfg.GlobalConnections),
		perIP:  cfg.PerIPConnections,
		ips:    xsync.NewMapOf[string, int](),
	}
}

// acquire reserves a place for a connection from the address.
func (l *limits) acquire(ip string) code.Code {
	if !l.reserve() {
		return code.ConnectionLimitReached
	}

	if l.perIP == 0 || len(ip) == 0 {
		return code.OK
	}

	var admitted bool
	l.ips.Compute(ip, func(n int, _ bool) (int, bool) {
		if n >= l.perIP {
			return n, false
		}

		admitted = true
		return n + 1, false
	})

	if !admitted {
		l.active.Add(-1)
		return code.PerIPLimitReached
	}

	return code.OK
}

// reserve takes a place within the global limit. Concurrent loops never overshoot it.
func (l *limits) reserve() bool {
	for {
		n := l.active.Load()
		if l.global > 0 && n >= l.global {
			return false
		}

		if l.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (l *limits) release(ip string) {
	l.active.Add(-1)
	if l.perIP == 0 || len(ip) == 0 {
		return
	}

	l.ips.Compute(ip, func(n int, _ bool) (int, bool) {
		return n - 1, n <= 1
	})
}

func (l *limits) connections() int {
	return int(l.active.Load())
}

func ipOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}

	return ""
}
