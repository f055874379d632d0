package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"p2pshare/internal/discovery"
	"p2pshare/internal/domain"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/trackerclient"
	"p2pshare/internal/transfer"
)

// Reconnect asks the registration loop to try the tracker now.
func (n *Node) Reconnect() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// bootstrap finds the tracker and obtains a certificate, retrying until
// both succeed or ctx is done. It returns nil when TLS is disabled.
func (n *Node) bootstrap(ctx context.Context) (*tlsutil.Identity, error) {
	for {
		id, err := n.tryBootstrap(ctx)
		if err == nil {
			return id, nil
		}
		n.log.Warn("tracker not reachable", "error", err, "retry_in", n.cfg.Tracker.RetryInterval)
		if !n.wait(ctx, n.cfg.Tracker.RetryInterval) {
			return nil, ctx.Err()
		}
	}
}

func (n *Node) tryBootstrap(ctx context.Context) (*tlsutil.Identity, error) {
	addr, enrollAddr, err := n.resolveTracker(ctx)
	if err != nil {
		return nil, err
	}
	timeout := n.cfg.Peer.SocketTimeout
	if !n.cfg.TLS.Enabled {
		n.setClient(trackerclient.New(addr, nil, timeout), nil)
		return nil, nil
	}
	id, err := n.loadIdentity(ctx, enrollAddr)
	if err != nil {
		return nil, err
	}
	n.setClient(trackerclient.New(addr, id.ClientConfig(), timeout), id)
	return id, nil
}

func (n *Node) resolveTracker(ctx context.Context) (addr, enrollAddr string, err error) {
	if n.cfg.Tracker.Addr != "" {
		return n.cfg.Tracker.Addr, n.cfg.EnrollAddr(n.cfg.Tracker.Addr), nil
	}
	entry, err := discovery.BrowseTracker(ctx, n.cfg.Tracker.BrowseTimeout)
	if err != nil {
		return "", "", err
	}
	n.log.Info("tracker discovered", "addr", entry.Addr)
	return entry.Addr, entry.EnrollAddr, nil
}

func (n *Node) loadIdentity(ctx context.Context, enrollAddr string) (*tlsutil.Identity, error) {
	id, err := tlsutil.LoadIdentity(n.cfg.TLS.Dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, tlsutil.ErrNoIdentity) {
		return nil, err
	}
	var pinned []byte
	if n.cfg.TLS.CAFile != "" {
		if pinned, err = os.ReadFile(n.cfg.TLS.CAFile); err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
	}
	id, err = trackerclient.Enroll(ctx, enrollAddr, n.Username(), pinned, n.cfg.Peer.SocketTimeout)
	if err != nil {
		return nil, err
	}
	if err := id.Save(n.cfg.TLS.Dir); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	n.log.Info("enrolled with tracker", "addr", enrollAddr)
	return id, nil
}

func (n *Node) setClient(c *trackerclient.Client, id *tlsutil.Identity) {
	n.mu.Lock()
	n.client = c
	n.identity = id
	n.mu.Unlock()
}

// registerLoop registers with the tracker, retrying every retry interval
// while it is down and re-registering every peer TTL while it is up.
func (n *Node) registerLoop(ctx context.Context) error {
	for {
		err := n.register(ctx)
		n.setConnected(err)
		every := n.cfg.Tracker.RetryInterval
		if err == nil {
			every = n.cfg.Tracker.PeerTTL
		}
		if !n.wait(ctx, every) {
			return nil
		}
	}
}

func (n *Node) register(ctx context.Context) error {
	n.mu.RLock()
	c := n.client
	n.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	public, private, err := n.shares.Catalog(ctx)
	if err != nil {
		return err
	}
	_, err = c.Register(ctx, n.Self(), public, private)
	return err
}

func (n *Node) setConnected(err error) {
	n.mu.Lock()
	was := n.connected
	n.connected = err == nil
	n.mu.Unlock()
	switch {
	case err == nil && !was:
		n.log.Info("registered with tracker")
	case err != nil && was:
		n.log.Warn("lost tracker", "error", err)
	case err != nil:
		n.log.Debug("register failed", "error", err)
	}
}

// wait sleeps for d or until a reconnect is requested. It returns false
// when ctx is done.
func (n *Node) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-n.kick:
	case <-t.C:
	}
	return true
}

// tracker returns the client if the node is connected, otherwise it kicks
// a reconnect and fails with ErrNotConnected.
func (n *Node) tracker() (*trackerclient.Client, error) {
	n.mu.RLock()
	c, ok := n.client, n.connected
	n.mu.RUnlock()
	if c == nil || !ok {
		n.Reconnect()
		return nil, ErrNotConnected
	}
	return c, nil
}

// observe drops the connection state after a transport failure.
func (n *Node) observe(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		n.setConnected(err)
		n.Reconnect()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

func (n *Node) clientTLS() *tls.Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.identity == nil {
		return nil
	}
	return n.identity.ClientConfig()
}

// gate routes share.Service tracker calls through the connection state.
type gate struct{ n *Node }

func (g gate) Share(ctx context.Context, public []domain.FileInfo, private []domain.PrivateShare) error {
	c, err := g.n.tracker()
	if err != nil {
		return err
	}
	return g.n.observe(c.Share(ctx, public, private))
}

func (g gate) Unshare(ctx context.Context, file domain.FileInfo) error {
	c, err := g.n.tracker()
	if err != nil {
		return err
	}
	return g.n.observe(c.Unshare(ctx, file))
}

func (g gate) Refresh(ctx context.Context, self domain.PeerInfo) ([]domain.FileInfo, error) {
	c, err := g.n.tracker()
	if err != nil {
		return nil, err
	}
	files, err := c.Refresh(ctx, self)
	return files, g.n.observe(err)
}

func (g gate) SharedPeers(ctx context.Context, hash string) ([]domain.PeerInfo, error) {
	c, err := g.n.tracker()
	if err != nil {
		return nil, err
	}
	peers, err := c.SharedPeers(ctx, hash)
	return peers, g.n.observe(err)
}

// fetcher dials peers with the node's current identity.
type fetcher struct{ n *Node }

func (f fetcher) FetchChunk(ctx context.Context, p domain.PeerInfo, hash string, index int) ([]byte, error) {
	nf := transfer.NetFetcher{TLS: f.n.clientTLS(), Timeout: f.n.cfg.Peer.SocketTimeout}
	return nf.FetchChunk(ctx, p, hash, index)
}
