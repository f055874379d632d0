// Package peer serves chunks of locally shared files to other peers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/store"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// Catalog looks up what this peer shares.
type Catalog interface {
	SharesByHash(ctx context.Context, hash string) ([]store.SharedFile, error)
}

// Server answers TGetChunk requests.
type Server struct {
	catalog   Catalog
	layout    paths.Layout
	chunkSize int64
	timeout   time.Duration
	log       *slog.Logger
}

func NewServer(catalog Catalog, layout paths.Layout, chunkSize int64, timeout time.Duration, log *slog.Logger) *Server {
	return &Server{catalog: catalog, layout: layout, chunkSize: chunkSize, timeout: timeout,
		log: log.With("component", "chunkserver")}
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("chunk server listening", "addr", ln.Addr().String())
	return wire.Serve(ctx, ln, s.handleConn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	wire.Tune(conn)
	ip := tlsutil.RemoteIP(conn)
	for ctx.Err() == nil {
		if s.timeout > 0 {
			conn.SetDeadline(time.Now().Add(s.timeout))
		}
		var req wire.GetChunk
		if err := wire.ReadJSON(conn, wire.TGetChunk, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read request", "remote", ip, "error", err)
			}
			return
		}
		if err := s.serveChunk(ctx, conn, req, ip); err != nil {
			s.log.Debug("serve chunk", "remote", ip, "hash", req.Hash, "index", req.Index, "error", err)
			return
		}
	}
}

func (s *Server) serveChunk(ctx context.Context, conn net.Conn, req wire.GetChunk, ip string) error {
	shares, err := s.catalog.SharesByHash(ctx, req.Hash)
	if err != nil {
		return wire.WriteError(conn, wire.CodeInternal, "catalog unavailable")
	}
	if len(shares) == 0 {
		return wire.WriteError(conn, wire.CodeNotFound, req.Hash)
	}
	var share *store.SharedFile
	for i := range shares {
		if shares[i].Allows(ip) {
			share = &shares[i]
			break
		}
	}
	if share == nil {
		s.log.Info("access denied", "remote", ip, "file", shares[0].Name)
		return wire.WriteError(conn, wire.CodeAccessDenied, "")
	}

	data, err := s.readChunk(share.Name, req.Index)
	if err != nil {
		var re *wire.RemoteError
		if errors.As(err, &re) {
			return wire.WriteError(conn, re.Code, re.Message)
		}
		s.log.Warn("read chunk", "file", share.Name, "index", req.Index, "error", err)
		return wire.WriteError(conn, wire.CodeInternal, "read failed")
	}
	payload, err := wire.EncodeChunk(req.Index, data)
	if err != nil {
		return wire.WriteError(conn, wire.CodeInternal, err.Error())
	}
	return wire.WriteFrame(conn, wire.TChunk, payload)
}

func (s *Server) readChunk(name string, index int) ([]byte, error) {
	path, err := s.layout.SharedFile(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &wire.RemoteError{Code: wire.CodeNotFound, Message: name}
		}
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	n := domain.ChunkCount(st.Size(), s.chunkSize)
	if index < 0 || index >= max(n, 1) {
		return nil, &wire.RemoteError{Code: wire.CodeBadRequest, Message: fmt.Sprintf("chunk %d out of range", index)}
	}
	start := int64(index) * s.chunkSize
	size := min(s.chunkSize, st.Size()-start)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}
