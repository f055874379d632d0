package tracker

import (
	"context"
	"log/slog"
	"net"
	"time"

	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// Enroller signs peer CSRs with the tracker CA.
type Enroller struct {
	ca      *tlsutil.CA
	timeout time.Duration
	log     *slog.Logger
}

func NewEnroller(ca *tlsutil.CA, timeout time.Duration, log *slog.Logger) *Enroller {
	return &Enroller{ca: ca, timeout: timeout, log: log.With("component", "enroll")}
}

func (e *Enroller) Serve(ctx context.Context, ln net.Listener) error {
	e.log.Info("enrollment listening", "addr", ln.Addr().String())
	return wire.Serve(ctx, ln, e.handleConn)
}

func (e *Enroller) handleConn(_ context.Context, conn net.Conn) {
	if e.timeout > 0 {
		conn.SetDeadline(time.Now().Add(e.timeout))
	}
	var req wire.CertRequest
	if err := wire.ReadJSON(conn, wire.TCertRequest, &req); err != nil {
		e.log.Debug("bad enrollment request", "remote", conn.RemoteAddr(), "error", err)
		_ = wire.WriteError(conn, wire.CodeBadRequest, err.Error())
		return
	}
	cert, err := e.ca.Sign([]byte(req.CSR))
	if err != nil {
		e.log.Warn("csr rejected", "username", req.Username, "error", err)
		_ = wire.WriteError(conn, wire.CodeBadRequest, err.Error())
		return
	}
	if err := wire.WriteJSON(conn, wire.TCertResponse, wire.CertResponse{Cert: string(cert), CA: string(e.ca.CertPEM)}); err != nil {
		e.log.Debug("write certificate", "error", err)
		return
	}
	e.log.Info("peer enrolled", "username", req.Username, "remote", tlsutil.RemoteIP(conn))
}
