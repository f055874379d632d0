package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"p2pshare/internal/domain"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// Fetcher retrieves one chunk of a file from one peer.
type Fetcher interface {
	FetchChunk(ctx context.Context, peer domain.PeerInfo, hash string, index int) ([]byte, error)
}

// NetFetcher dials the peer's chunk server for every request.
type NetFetcher struct {
	TLS     *tls.Config
	Timeout time.Duration
}

func (f NetFetcher) FetchChunk(ctx context.Context, peer domain.PeerInfo, hash string, index int) ([]byte, error) {
	conn, err := tlsutil.Dial(ctx, peer.Key(), f.TLS, f.Timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	wire.Tune(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if f.Timeout > 0 {
		// a 2 MiB chunk on a slow link needs more than the dial timeout
		conn.SetDeadline(time.Now().Add(4 * f.Timeout))
	}

	if err := wire.WriteJSON(conn, wire.TGetChunk, wire.GetChunk{Hash: hash, Index: index}); err != nil {
		return nil, err
	}
	c, err := wire.ReadChunk(conn)
	if err != nil {
		return nil, err
	}
	if c.Index != index {
		return nil, fmt.Errorf("peer %s sent chunk %d, want %d", peer.Key(), c.Index, index)
	}
	return c.Data, nil
}
