package tracker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"p2pshare/internal/config"
	"p2pshare/internal/discovery"
	"p2pshare/internal/tlsutil"
)

// Run starts the tracker, its enrollment endpoint, the ping loop and the
// mDNS advertisement, and blocks until ctx is done or one of them fails.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := NewRegistry()
	g, ctx := errgroup.WithContext(ctx)

	var serverTLS *tls.Config
	if cfg.TLS.Enabled {
		ca, err := tlsutil.LoadOrCreateCA(filepath.Join(cfg.DataDir, "tracker-ca"))
		if err != nil {
			return fmt.Errorf("load ca: %w", err)
		}
		id, err := ca.Issue("p2pshare-tracker")
		if err != nil {
			return fmt.Errorf("issue tracker certificate: %w", err)
		}
		serverTLS = id.ServerConfig()
		enrollTLS := id.ServerConfig()
		enrollTLS.ClientAuth = tls.NoClientCert

		enrollLn, err := tlsutil.Listen(fmt.Sprintf(":%d", cfg.Tracker.EnrollPort), enrollTLS)
		if err != nil {
			return fmt.Errorf("listen enroll: %w", err)
		}
		enroller := NewEnroller(ca, cfg.Peer.SocketTimeout, log)
		g.Go(func() error { return enroller.Serve(ctx, enrollLn) })
	} else {
		log.Warn("TLS disabled; tracker traffic is unauthenticated")
	}

	ln, err := tlsutil.Listen(fmt.Sprintf(":%d", cfg.Tracker.Port), serverTLS)
	if err != nil {
		return fmt.Errorf("listen tracker: %w", err)
	}
	srv := NewServer(reg, cfg.Peer.SocketTimeout, log)
	g.Go(func() error { return srv.Serve(ctx, ln) })

	prober, err := discovery.NewProber(cfg.Liveness.Group, cfg.Liveness.TTL, log)
	if err != nil {
		return err
	}
	pinger := NewPinger(reg, prober, cfg.Tracker.PingInterval, cfg.Tracker.PingWindow, cfg.Tracker.PeerTTL, log)
	g.Go(func() error { return pinger.Run(ctx) })

	if cfg.Tracker.Advertise {
		host, _ := os.Hostname()
		stop, err := discovery.Advertise("p2pshare-"+host, cfg.Tracker.Port, cfg.Tracker.EnrollPort)
		if err != nil {
			log.Warn("mdns advertise failed", "error", err)
		} else {
			defer stop()
		}
	}

	log.Info("tracker started",
		"port", cfg.Tracker.Port,
		"enroll_port", cfg.Tracker.EnrollPort,
		"ip", discovery.LocalIP(),
		"tls", cfg.TLS.Enabled)
	return g.Wait()
}

// Addr returns the tracker address peers on this host should dial.
func Addr(cfg config.Config) string {
	return net.JoinHostPort(discovery.LocalIP(), fmt.Sprint(cfg.Tracker.Port))
}
