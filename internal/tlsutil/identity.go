package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	peerCertFile = "peer.crt"
	peerKeyFile  = "peer.key"
)

// ErrNoIdentity is returned when a peer has not enrolled yet.
var ErrNoIdentity = errors.New("tlsutil: no identity")

// Identity is a leaf certificate with its key and the CA that signed it.
type Identity struct {
	Cert    tls.Certificate
	CAPool  *x509.CertPool
	CAPEM   []byte
	CertPEM []byte
	KeyPEM  []byte
}

// NewIdentity assembles an identity from PEM blocks and checks the leaf
// chains to the CA.
func NewIdentity(certPEM, keyPEM, caPEM []byte) (*Identity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("key pair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("tlsutil: bad CA PEM")
	}
	leaf, err := ParseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return nil, fmt.Errorf("leaf does not chain to CA: %w", err)
	}
	return &Identity{Cert: cert, CAPool: pool, CAPEM: caPEM, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// LoadIdentity reads peer.crt, peer.key and ca.crt from dir.
func LoadIdentity(dir string) (*Identity, error) {
	read := func(name string) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		return b, err
	}
	certPEM, err := read(peerCertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := read(peerKeyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := read(caCertFile)
	if err != nil {
		return nil, err
	}
	return NewIdentity(certPEM, keyPEM, caPEM)
}

// Save writes the identity to dir in the layout LoadIdentity expects.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, peerKeyFile), id.KeyPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, peerCertFile), id.CertPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, caCertFile), id.CAPEM, 0o644)
}

// ServerConfig requires clients to present a certificate from the same CA.
func (id *Identity) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{id.Cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    id.CAPool,
	}
}

// ClientConfig presents the identity and accepts any server whose chain
// ends at the CA. Peers are addressed by changing LAN IPs, so host names
// are not checked.
func (id *Identity) ClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{id.Cert},
		InsecureSkipVerify: true,
		VerifyConnection:   VerifyChain(id.CAPool),
	}
}

// VerifyChain returns a VerifyConnection callback that checks the server
// chain against pool without a host name.
func VerifyChain(pool *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("tlsutil: server sent no certificate")
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: inter,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		return err
	}
}

// Listen opens a TCP listener, wrapped in TLS when cfg is non-nil.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return ln, nil
	}
	return tls.NewListener(ln, cfg), nil
}

// Dial connects to addr and completes the TLS handshake when cfg is non-nil.
func Dial(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return conn, nil
	}
	tc := tls.Client(conn, cfg)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
	}
	return tc, nil
}

// RemoteIP returns the IP part of conn's remote address.
func RemoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
