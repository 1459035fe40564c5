package transport

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking listening socket as configured. Errors wrap either
// code.ListenSocketFailed or code.BindFailed.
func Listen(cfg config.NET) (fd int, addr net.Addr, err error) {
	domain, sa, v6only := resolve(cfg)

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil && domain == unix.AF_INET6 && cfg.Family == config.FamilyAuto {
		// no IPv6 support in the system
		domain, sa, v6only = unix.AF_INET, &unix.SockaddrInet4{Port: int(cfg.Port)}, false
		fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	}

	if err != nil {
		return -1, nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, os.NewSyscallError("socket", err))
	}

	if err = setupListener(fd, domain, v6only); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, err)
	}

	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: %w", code.BindFailed, os.NewSyscallError("bind", err))
	}

	if err = unix.Listen(fd, cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, os.NewSyscallError("listen", err))
	}

	addr, err = LocalAddr(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("%w: %w", code.ListenSocketFailed, err)
	}

	return fd, addr, nil
}

func resolve(cfg config.NET) (domain int, sa unix.Sockaddr, v6only bool) {
	if cfg.Addr != nil {
		if ip4 := cfg.Addr.IP.To4(); ip4 != nil {
			sa4 := &unix.SockaddrInet4{Port: cfg.Addr.Port}
			copy(sa4.Addr[:], ip4)
			return unix.AF_INET, sa4, false
		}

		sa6 := &unix.SockaddrInet6{Port: cfg.Addr.Port}
		copy(sa6.Addr[:], cfg.Addr.IP.To16())
		return unix.AF_INET6, sa6, true
	}

	port := int(cfg.Port)

	switch cfg.Family {
	case config.FamilyIPv4:
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, false
	case config.FamilyIPv6:
		return unix.AF_INET6, &unix.SockaddrInet6{Port: port}, true
	default:
		return unix.AF_INET6, &unix.SockaddrInet6{Port: port}, false
	}
}

func setupListener(fd, domain int, v6only bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}

	if domain != unix.AF_INET6 {
		return nil
	}

	flag := 0
	if v6only {
		flag = 1
	}

	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, flag))
}

// Accept takes a pending connection off the listening socket. The returned socket is
// non-blocking. If nothing is pending, ErrAgain is returned.
func Accept(lfd int, noDelay bool) (fd int, remote net.Addr, err error) {
	for {
		var sa unix.Sockaddr
		fd, sa, err = unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, nil, ErrAgain
		default:
			return -1, nil, os.NewSyscallError("accept4", err)
		}

		if noDelay {
			// fails on unix sockets, which is fine
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}

		return fd, sockaddrToAddr(sa), nil
	}
}

// Prepare validates a socket handed over by the application and switches it into the
// non-blocking mode.
func Prepare(fd int) (remote net.Addr, err error) {
	if fd < 0 {
		return nil, code.InvalidSocket
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%w: %w", code.InvalidSocket, err)
	}

	sa, err := unix.Getpeername(fd)
	if err != nil {
		// socket pairs and the like have no peer address
		return nil, nil
	}

	return sockaddrToAddr(sa), nil
}

// LocalAddr returns the address the socket is bound to.
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}

	return sockaddrToAddr(sa), nil
}

// FileConn turns the socket into a blocking net.Conn. The socket is consumed: it's
// closed even if the conversion fails.
func FileConn(fd int) (net.Conn, error) {
	file := os.NewFile(uintptr(fd), "conn"+strconv.Itoa(fd))
	conn, err := net.FileConn(file)
	_ = file.Close()

	return conn, err
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}

		return addr
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	default:
		return nil
	}
}
