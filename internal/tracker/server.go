package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"p2pshare/internal/domain"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// Server answers tracker requests. One connection may carry any number of
// request/response pairs.
type Server struct {
	reg     *Registry
	log     *slog.Logger
	timeout time.Duration
}

func NewServer(reg *Registry, timeout time.Duration, log *slog.Logger) *Server {
	return &Server{reg: reg, timeout: timeout, log: log.With("component", "tracker")}
}

// Serve runs until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("tracker listening", "addr", ln.Addr().String())
	return wire.Serve(ctx, ln, s.handleConn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remoteIP := tlsutil.RemoteIP(conn)
	for ctx.Err() == nil {
		if s.timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.timeout))
		}
		var req wire.Request
		err := wire.ReadJSON(conn, wire.TRequest, &req)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var nerr net.Error
				if !errors.As(err, &nerr) || !nerr.Timeout() {
					s.log.Debug("bad request", "remote", remoteIP, "error", err)
					_ = wire.WriteJSON(conn, wire.TResponse, wire.Response{Status: wire.StatusError, Message: err.Error()})
				}
			}
			return
		}
		resp := s.Handle(req, remoteIP)
		if s.timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.timeout))
		}
		if err := wire.WriteJSON(conn, wire.TResponse, resp); err != nil {
			s.log.Debug("write response", "remote", remoteIP, "error", err)
			return
		}
	}
}

// Handle executes one request. remoteIP fills in a missing peer address.
func (s *Server) Handle(req wire.Request, remoteIP string) wire.Response {
	peer := domain.PeerInfo{IP: remoteIP}
	if req.Peer != nil {
		peer = *req.Peer
		if peer.IP == "" {
			peer.IP = remoteIP
		}
	}
	log := s.log.With("op", req.Op, "peer", peer.Key())

	switch req.Op {
	case wire.OpRegister:
		if peer.Port == 0 {
			return errorResponse("register: peer port required")
		}
		files := s.reg.Register(peer, req.Public, req.Private)
		log.Info("peer registered", "username", peer.Username, "public", len(req.Public), "private", len(req.Private))
		if len(files) == 0 {
			return wire.Response{Status: wire.StatusRegistered}
		}
		return wire.Response{Status: wire.StatusSharedList, Files: files}

	case wire.OpShare:
		if len(req.Public) == 0 && len(req.Private) == 0 {
			return errorResponse("share: nothing to share")
		}
		for _, f := range req.Public {
			if f.FileHash == "" || f.FileName == "" {
				return errorResponse("share: file name and hash required")
			}
		}
		s.reg.Share(req.Public, req.Private)
		log.Info("files shared", "public", len(req.Public), "private", len(req.Private))
		return wire.Response{Status: wire.StatusSuccess}

	case wire.OpUnshare:
		if req.File == nil {
			return errorResponse("unshare: file required")
		}
		if !s.reg.Unshare(*req.File) {
			return wire.Response{Status: wire.StatusNotFound}
		}
		log.Info("file unshared", "file", req.File.FileName)
		return wire.Response{Status: wire.StatusSuccess}

	case wire.OpRefresh:
		return wire.Response{Status: wire.StatusRefreshed, Files: s.reg.Visible(peer)}

	case wire.OpQuery:
		return wire.Response{Status: wire.StatusQueryResult, Files: s.reg.Query(req.Keyword, peer)}

	case wire.OpGetPeers:
		peers := s.reg.PeersWithHash(req.Hash, peer)
		if len(peers) == 0 {
			return wire.Response{Status: wire.StatusNotFound}
		}
		return wire.Response{Status: wire.StatusPeers, Peers: peers}

	case wire.OpGetSharedPeers:
		peers := s.reg.SharedPeers(req.Hash)
		if len(peers) == 0 {
			return wire.Response{Status: wire.StatusNotFound}
		}
		return wire.Response{Status: wire.StatusSharedPeers, Peers: peers}

	case wire.OpGetKnownPeers:
		peers := s.reg.KnownPeers()
		if len(peers) == 0 {
			return wire.Response{Status: wire.StatusNotFound}
		}
		return wire.Response{Status: wire.StatusKnownPeers, Peers: peers}
	}
	return errorResponse("unknown op " + string(req.Op))
}

func errorResponse(msg string) wire.Response {
	return wire.Response{Status: wire.StatusError, Message: msg}
}
