//go:build !mhd_notls

package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSEnabled tells whether TLS support is built in. Building with the mhd_notls tag
// strips it out.
const TLSEnabled = true

// Server wraps the connection into the server side of TLS. The handshake is deferred
// until the first I/O or an explicit Handshake call.
func Server(conn net.Conn, cfg *tls.Config) net.Conn {
	return tls.Server(conn, cfg)
}

// KeyPairConfig loads the PEM-encoded certificate and private key.
func KeyPairConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
	}, nil
}

// AutoConfig returns a config obtaining certificates from Let's Encrypt automatically.
// If no domains are passed, certificates are issued for any requested server name.
// The returned error is non-fatal: it tells the certificates cache couldn't be set up.
func AutoConfig(domains ...string) (*tls.Config, error) {
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
	}

	if len(domains) > 0 {
		m.HostPolicy = autocert.HostWhitelist(domains...)
	}

	cache := cacheDir()
	err := mkdirIfNotExists(cache)
	if err == nil {
		m.Cache = autocert.DirCache(cache)
	}

	return m.TLSConfig(), err
}

// SelfSignedConfig generates an in-memory self-signed certificate for the hosts.
func SelfSignedConfig(hosts ...string) (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Localhost"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		}},
	}, nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}

	return "/"
}

func cacheDir() string {
	const base = "golang-autocert"
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, base)
	}

	return filepath.Join(homeDir(), ".cache", base)
}

func mkdirIfNotExists(dir string) error {
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		return nil
	}

	return os.MkdirAll(dir, 0700)
}
