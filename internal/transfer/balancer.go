package transfer

import (
	"context"
	"sync"
	"time"

	"p2pshare/internal/domain"
)

const pollInterval = 50 * time.Millisecond

// balancer caps concurrent requests per peer across all downloads.
type balancer struct {
	max int

	mu   sync.Mutex
	load map[string]int
}

func newBalancer(max int) *balancer {
	return &balancer{max: max, load: make(map[string]int)}
}

// acquire picks the least-loaded peer with spare capacity that has not been
// tried yet, polling for up to wait. Once every peer has been tried the
// tried set is ignored.
func (b *balancer) acquire(ctx context.Context, peers []domain.PeerInfo, tried map[string]bool, wait time.Duration) (domain.PeerInfo, bool) {
	if len(peers) == 0 {
		return domain.PeerInfo{}, false
	}
	ignoreTried := true
	for _, p := range peers {
		if !tried[p.Key()] {
			ignoreTried = false
			break
		}
	}
	deadline := time.Now().Add(wait)
	for {
		if p, ok := b.tryAcquire(peers, tried, ignoreTried); ok {
			return p, true
		}
		if time.Now().After(deadline) {
			return domain.PeerInfo{}, false
		}
		select {
		case <-ctx.Done():
			return domain.PeerInfo{}, false
		case <-time.After(pollInterval):
		}
	}
}

func (b *balancer) tryAcquire(peers []domain.PeerInfo, tried map[string]bool, ignoreTried bool) (domain.PeerInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	best := -1
	for i, p := range peers {
		k := p.Key()
		if !ignoreTried && tried[k] {
			continue
		}
		if b.load[k] >= b.max {
			continue
		}
		if best < 0 || b.load[k] < b.load[peers[best].Key()] {
			best = i
		}
	}
	if best < 0 {
		return domain.PeerInfo{}, false
	}
	b.load[peers[best].Key()]++
	return peers[best], true
}

func (b *balancer) release(p domain.PeerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := p.Key()
	if b.load[k] <= 1 {
		delete(b.load, k)
		return
	}
	b.load[k]--
}

// Load reports the current request count for p.
func (b *balancer) Load(p domain.PeerInfo) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load[p.Key()]
}
