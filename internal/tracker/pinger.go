package tracker

import (
	"context"
	"log/slog"
	"net"
	"time"

	"p2pshare/internal/domain"
)

// Prober is the liveness probe used by the ping loop.
type Prober interface {
	Probe(ctx context.Context, window time.Duration, unicast []*net.UDPAddr) ([]domain.PeerInfo, error)
	UnicastTargets(peers []domain.PeerInfo) []*net.UDPAddr
}

// Pinger periodically probes known peers and prunes the silent ones.
type Pinger struct {
	reg      *Registry
	prober   Prober
	interval time.Duration
	window   time.Duration
	ttl      time.Duration
	log      *slog.Logger
}

func NewPinger(reg *Registry, prober Prober, interval, window, ttl time.Duration, log *slog.Logger) *Pinger {
	return &Pinger{reg: reg, prober: prober, interval: interval, window: window, ttl: ttl,
		log: log.With("component", "pinger")}
}

// Run blocks until ctx is done.
func (p *Pinger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round runs one probe and prune cycle.
func (p *Pinger) Round(ctx context.Context) {
	known := p.reg.KnownPeers()
	if len(known) == 0 {
		return
	}
	alive, err := p.prober.Probe(ctx, p.window, p.prober.UnicastTargets(known))
	if err != nil && ctx.Err() == nil {
		p.log.Warn("probe failed", "error", err)
	}
	for _, peer := range alive {
		p.reg.Seen(peer)
	}
	removed := p.reg.Prune(p.ttl)
	for _, peer := range removed {
		p.log.Info("peer pruned", "peer", peer.Key(), "username", peer.Username)
	}
	p.log.Debug("ping round", "known", len(known), "alive", len(alive), "pruned", len(removed))
}
