package trackerclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// Enroll requests a certificate from the tracker's enrollment endpoint.
// With pinnedCA the enrollment server must chain to it; without, the CA
// returned by the server is trusted once, provided the server's own
// certificate chains to it.
func Enroll(ctx context.Context, addr, username string, pinnedCA []byte, timeout time.Duration) (*tlsutil.Identity, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	if len(pinnedCA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pinnedCA) {
			return nil, errors.New("enroll: bad pinned CA")
		}
		cfg.VerifyConnection = tlsutil.VerifyChain(pool)
	}

	conn, err := tlsutil.Dial(ctx, addr, cfg, timeout)
	if err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	keyPEM, csrPEM, err := tlsutil.NewCSR(username)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteJSON(conn, wire.TCertRequest, wire.CertRequest{Username: username, CSR: string(csrPEM)}); err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	var resp wire.CertResponse
	if err := wire.ReadJSON(conn, wire.TCertResponse, &resp); err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}

	id, err := tlsutil.NewIdentity([]byte(resp.Cert), keyPEM, []byte(resp.CA))
	if err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	if len(pinnedCA) == 0 {
		state := conn.(*tls.Conn).ConnectionState()
		if err := tlsutil.VerifyChain(id.CAPool)(state); err != nil {
			return nil, fmt.Errorf("enroll: server not signed by returned CA: %w", err)
		}
	}
	return id, nil
}
