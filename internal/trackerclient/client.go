// Package trackerclient is the peer side of the tracker protocol.
package trackerclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"p2pshare/internal/domain"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/wire"
)

// ErrNotFound is returned for NOT_FOUND answers where absence is an error.
var ErrNotFound = errors.New("tracker: not found")

// Client opens one connection per call.
type Client struct {
	addr    string
	tls     *tls.Config
	timeout time.Duration
}

// New returns a client for the tracker at addr. tlsCfg may be nil for plain TCP.
func New(addr string, tlsCfg *tls.Config, timeout time.Duration) *Client {
	return &Client{addr: addr, tls: tlsCfg, timeout: timeout}
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	conn, err := tlsutil.Dial(ctx, c.addr, c.tls, c.timeout)
	if err != nil {
		return wire.Response{}, fmt.Errorf("dial tracker: %w", err)
	}
	defer conn.Close()
	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := wire.WriteJSON(conn, wire.TRequest, req); err != nil {
		return wire.Response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	var resp wire.Response
	if err := wire.ReadJSON(conn, wire.TResponse, &resp); err != nil {
		return wire.Response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	if resp.Status == wire.StatusError {
		return resp, fmt.Errorf("%s: tracker error: %s", req.Op, resp.Message)
	}
	return resp, nil
}

// Register announces self with its full catalog and returns the files
// visible to it.
func (c *Client) Register(ctx context.Context, self domain.PeerInfo, public []domain.FileInfo, private []domain.PrivateShare) ([]domain.FileInfo, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpRegister, Peer: &self, Public: public, Private: private})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) Share(ctx context.Context, public []domain.FileInfo, private []domain.PrivateShare) error {
	_, err := c.call(ctx, wire.Request{Op: wire.OpShare, Public: public, Private: private})
	return err
}

// Unshare removes file from the directory. A file the tracker no longer
// knows is reported as ErrNotFound.
func (c *Client) Unshare(ctx context.Context, file domain.FileInfo) error {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpUnshare, File: &file})
	if err != nil {
		return err
	}
	if resp.Status == wire.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func (c *Client) Refresh(ctx context.Context, self domain.PeerInfo) ([]domain.FileInfo, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpRefresh, Peer: &self})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) Query(ctx context.Context, keyword string, self domain.PeerInfo) ([]domain.FileInfo, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpQuery, Keyword: keyword, Peer: &self})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// PeersWithFile lists the holders of hash that self may download from.
func (c *Client) PeersWithFile(ctx context.Context, hash string, self domain.PeerInfo) ([]domain.PeerInfo, error) {
	return c.peers(ctx, wire.Request{Op: wire.OpGetPeers, Hash: hash, Peer: &self})
}

func (c *Client) SharedPeers(ctx context.Context, hash string) ([]domain.PeerInfo, error) {
	return c.peers(ctx, wire.Request{Op: wire.OpGetSharedPeers, Hash: hash})
}

func (c *Client) KnownPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	return c.peers(ctx, wire.Request{Op: wire.OpGetKnownPeers})
}

func (c *Client) peers(ctx context.Context, req wire.Request) ([]domain.PeerInfo, error) {
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == wire.StatusNotFound {
		return nil, nil
	}
	return resp.Peers, nil
}
