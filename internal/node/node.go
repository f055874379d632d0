// Package node is the peer daemon's controller. It owns the store, the task
// registry and the tracker connection, and runs the chunk server and the
// liveness responder once a username is set.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"p2pshare/internal/config"
	"p2pshare/internal/discovery"
	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/peer"
	"p2pshare/internal/share"
	"p2pshare/internal/store"
	"p2pshare/internal/tasks"
	"p2pshare/internal/tlsutil"
	"p2pshare/internal/trackerclient"
	"p2pshare/internal/transfer"
)

var (
	ErrNotConnected = errors.New("not connected to tracker")
	ErrNoUsername   = errors.New("username is not set")
	ErrFileNotFound = errors.New("file not in list")
)

type Node struct {
	cfg    config.Config
	log    *slog.Logger
	layout paths.Layout
	store  *store.Store
	tasks  *tasks.Registry
	shares *share.Service
	engine *transfer.Engine

	started   chan struct{}
	startOnce sync.Once
	kick      chan struct{}
	ready     chan struct{}

	mu        sync.RWMutex
	username  string
	port      int
	client    *trackerclient.Client
	identity  *tlsutil.Identity
	connected bool
}

// New opens the data directory and the store. Background work starts with
// Run.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Node, error) {
	layout, err := paths.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	username, err := st.Username(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      log.With("component", "node"),
		layout:   layout,
		store:    st,
		started:  make(chan struct{}),
		kick:     make(chan struct{}, 1),
		ready:    make(chan struct{}),
		username: username,
		port:     cfg.Peer.Port,
	}
	n.tasks = tasks.NewRegistry(ctx, tasks.Options{
		StallAfter:   cfg.Tasks.StallAfter,
		TimeoutAfter: cfg.Tasks.TimeoutAfter,
		CleanupDelay: cfg.Tasks.CleanupDelay,
	}, log)
	n.shares = share.NewService(layout, st, gate{n}, n.tasks, n.Self, log)
	n.engine = transfer.NewEngine(transfer.Options{
		ChunkSize:       cfg.Transfer.ChunkSize,
		MaxActiveChunks: cfg.Transfer.MaxActiveChunks,
		MaxPeerTasks:    cfg.Transfer.MaxPeerTasks,
		ChunkAttempts:   cfg.Transfer.ChunkAttempts,
		RetryRounds:     cfg.Transfer.RetryRounds,
		PeerWait:        cfg.Transfer.PeerWait,
		Backoff:         cfg.Transfer.Backoff,
	}, fetcher{n}, log)
	if username != "" {
		n.markStarted()
	}
	return n, nil
}

func (n *Node) Tasks() *tasks.Registry   { return n.tasks }
func (n *Node) Shares() *share.Service   { return n.shares }
func (n *Node) Layout() paths.Layout     { return n.layout }
func (n *Node) Config() config.Config    { return n.cfg }
func (n *Node) Ready() <-chan struct{}   { return n.ready }
func (n *Node) Started() <-chan struct{} { return n.started }

func (n *Node) Username() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.username
}

// SetUsername persists name and starts the node if it was waiting for one.
func (n *Node) SetUsername(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNoUsername
	}
	if err := n.store.SetUsername(ctx, name); err != nil {
		return err
	}
	n.mu.Lock()
	n.username = name
	n.mu.Unlock()
	n.log.Info("username set", "username", name)
	n.markStarted()
	n.Reconnect()
	return nil
}

func (n *Node) markStarted() {
	n.startOnce.Do(func() { close(n.started) })
}

// Self is this peer as other peers and the tracker see it.
func (n *Node) Self() domain.PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ip := n.cfg.Peer.AdvertiseIP
	if ip == "" {
		ip = discovery.LocalIP()
	}
	return domain.PeerInfo{IP: ip, Port: n.port, Username: n.username}
}

// Connected reports whether the last tracker exchange succeeded.
func (n *Node) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

// Run blocks until ctx is done. Until a username exists only the task
// watcher runs.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.tasks.Watch(ctx, n.cfg.Tasks.CheckInterval) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-n.started:
		}
		return n.serve(ctx)
	})
	err := g.Wait()
	n.tasks.Wait()
	return err
}

func (n *Node) serve(ctx context.Context) error {
	id, err := n.bootstrap(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var serverTLS *tls.Config
	if id != nil {
		serverTLS = id.ServerConfig()
	}
	ln, err := tlsutil.Listen(fmt.Sprintf(":%d", n.cfg.Peer.Port), serverTLS)
	if err != nil {
		return fmt.Errorf("listen chunk server: %w", err)
	}
	if _, p, err := net.SplitHostPort(ln.Addr().String()); err == nil {
		port, _ := strconv.Atoi(p)
		n.mu.Lock()
		n.port = port
		n.mu.Unlock()
	}

	var resp *discovery.Responder
	if n.cfg.Liveness.Group != "" {
		_, gport, _ := net.SplitHostPort(n.cfg.Liveness.Group)
		resp, err = discovery.NewResponder(":"+gport, n.cfg.Liveness.Group, n.Self().Port, n.Username, n.log)
		if err != nil {
			ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	srv := peer.NewServer(n.store, n.layout, n.engineChunkSize(), n.cfg.Peer.SocketTimeout, n.log)
	g.Go(func() error { return srv.Serve(ctx, ln) })

	if resp != nil {
		if err := resp.Start(ctx); err != nil {
			n.log.Warn("liveness responder not started", "error", err)
		} else {
			defer resp.Close()
		}
	}

	g.Go(func() error { return n.registerLoop(ctx) })
	close(n.ready)
	n.log.Info("node started", "self", n.Self().String(), "tls", id != nil)
	return g.Wait()
}

func (n *Node) engineChunkSize() int64 {
	if n.cfg.Transfer.ChunkSize > 0 {
		return n.cfg.Transfer.ChunkSize
	}
	return domain.DefaultChunkSize
}

// Close releases the store. Call after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}
