//go:build mhd_notls

package transport

import (
	"crypto/tls"
	"errors"
	"net"
)

const TLSEnabled = false

var errTLSDisabled = errors.New("transport: TLS support is disabled in this build")

func Server(conn net.Conn, _ *tls.Config) net.Conn {
	return conn
}

func KeyPairConfig(_, _ []byte) (*tls.Config, error) {
	return nil, errTLSDisabled
}

func AutoConfig(...string) (*tls.Config, error) {
	return nil, errTLSDisabled
}

func SelfSignedConfig(...string) (*tls.Config, error) {
	return nil, errTLSDisabled
}
