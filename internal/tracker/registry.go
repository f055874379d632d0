// Package tracker keeps the directory of peers and shared files and serves
// it over the framed protocol.
package tracker

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"p2pshare/internal/domain"
)

// fuzzyDistance is the largest edit distance between a lowercased file name
// and a keyword that still counts as a match.
const fuzzyDistance = 2

type peerEntry struct {
	info     domain.PeerInfo
	lastSeen time.Time
}

type privateEntry struct {
	file    domain.FileInfo
	allowed map[string]domain.PeerInfo
}

// Registry is the tracker's in-memory state.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*peerEntry
	public  map[string]map[domain.FileKey]domain.FileInfo
	private map[domain.FileKey]*privateEntry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*peerEntry),
		public:  make(map[string]map[domain.FileKey]domain.FileInfo),
		private: make(map[domain.FileKey]*privateEntry),
		now:     time.Now,
	}
}

// Touch records peer as alive, adding it if unknown.
func (r *Registry) Touch(peer domain.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(peer)
}

func (r *Registry) touchLocked(peer domain.PeerInfo) {
	e, ok := r.peers[peer.Key()]
	if !ok {
		e = &peerEntry{}
		r.peers[peer.Key()] = e
	}
	if peer.Username != "" || e.info.Username == "" {
		e.info = peer
	}
	e.lastSeen = r.now()
}

// Seen refreshes a known peer and reports whether it was known.
func (r *Registry) Seen(peer domain.PeerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peer.Key()]; !ok {
		return false
	}
	r.touchLocked(peer)
	return true
}

// Register replaces everything peer previously shared with the given lists
// and returns the files now visible to it.
func (r *Registry) Register(peer domain.PeerInfo, public []domain.FileInfo, private []domain.PrivateShare) []domain.FileInfo {
	r.mu.Lock()
	r.touchLocked(peer)
	r.dropOwnedLocked(map[string]bool{peer.Key(): true})
	r.mergeLocked(public, private)
	r.mu.Unlock()
	return r.Visible(peer)
}

// Share merges files into the directory. A file published under one
// visibility is removed from the other.
func (r *Registry) Share(public []domain.FileInfo, private []domain.PrivateShare) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLocked(public, private)
}

func (r *Registry) mergeLocked(public []domain.FileInfo, private []domain.PrivateShare) {
	for _, f := range public {
		f.IsSharedByMe = false
		delete(r.private, f.Key())
		set, ok := r.public[f.FileName]
		if !ok {
			set = make(map[domain.FileKey]domain.FileInfo)
			r.public[f.FileName] = set
		}
		set[f.Key()] = f
	}
	for _, ps := range private {
		f := ps.File
		f.IsSharedByMe = false
		r.removePublicLocked(f.Key())
		allowed := make(map[string]domain.PeerInfo, len(ps.AllowedPeers))
		for _, p := range ps.AllowedPeers {
			allowed[p.Key()] = p
		}
		r.private[f.Key()] = &privateEntry{file: f, allowed: allowed}
	}
}

func (r *Registry) removePublicLocked(key domain.FileKey) bool {
	set, ok := r.public[key.Name]
	if !ok {
		return false
	}
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.public, key.Name)
	}
	return true
}

// Unshare removes file from both maps. It reports whether anything was removed.
func (r *Registry) Unshare(file domain.FileInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := file.Key()
	removed := r.removePublicLocked(key)
	if _, ok := r.private[key]; ok {
		delete(r.private, key)
		removed = true
	}
	return removed
}

// Visible lists public files plus private files owned by or allowing requester.
func (r *Registry) Visible(requester domain.PeerInfo) []domain.FileInfo {
	return r.filter(requester, func(domain.FileInfo) bool { return true })
}

// Query is Visible filtered by keyword: a case-insensitive substring match,
// or a lowercased name within fuzzyDistance edits of the keyword.
func (r *Registry) Query(keyword string, requester domain.PeerInfo) []domain.FileInfo {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	return r.filter(requester, func(f domain.FileInfo) bool {
		return matches(f.FileName, kw)
	})
}

func matches(name, kw string) bool {
	if kw == "" {
		return true
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, kw) {
		return true
	}
	return levenshtein.ComputeDistance(lower, kw) <= fuzzyDistance
}

func (r *Registry) filter(requester domain.PeerInfo, keep func(domain.FileInfo) bool) []domain.FileInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.FileInfo
	for _, set := range r.public {
		for _, f := range set {
			if keep(f) {
				out = append(out, f)
			}
		}
	}
	for _, e := range r.private {
		if !e.file.Peer.Same(requester) {
			if _, ok := e.allowed[requester.Key()]; !ok {
				continue
			}
		}
		if keep(e.file) {
			out = append(out, e.file)
		}
	}
	sortFiles(out)
	return out
}

// PeersWithHash returns the holders requester may download hash from,
// excluding requester itself.
func (r *Registry) PeersWithHash(hash string, requester domain.PeerInfo) []domain.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]domain.PeerInfo)
	for _, set := range r.public {
		for _, f := range set {
			if f.FileHash == hash {
				seen[f.Peer.Key()] = f.Peer
			}
		}
	}
	for _, e := range r.private {
		if e.file.FileHash != hash {
			continue
		}
		if _, ok := e.allowed[requester.Key()]; ok {
			seen[e.file.Peer.Key()] = e.file.Peer
		}
	}
	delete(seen, requester.Key())
	return sortedPeers(seen)
}

// SharedPeers returns the peers a private file with hash is restricted to.
func (r *Registry) SharedPeers(hash string) []domain.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]domain.PeerInfo)
	for _, e := range r.private {
		if e.file.FileHash != hash {
			continue
		}
		for k, p := range e.allowed {
			seen[k] = p
		}
	}
	return sortedPeers(seen)
}

// KnownPeers lists every registered peer.
func (r *Registry) KnownPeers() []domain.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]domain.PeerInfo, len(r.peers))
	for k, e := range r.peers {
		seen[k] = e.info
	}
	return sortedPeers(seen)
}

// Prune drops peers not seen within ttl along with their files and their
// membership in allowed lists. It returns the removed peers.
func (r *Registry) Prune(ttl time.Duration) []domain.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	dead := make(map[string]bool)
	var removed []domain.PeerInfo
	for k, e := range r.peers {
		if e.lastSeen.Before(cutoff) {
			dead[k] = true
			removed = append(removed, e.info)
			delete(r.peers, k)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	r.dropOwnedLocked(dead)
	for _, e := range r.private {
		for k := range e.allowed {
			if dead[k] {
				delete(e.allowed, k)
			}
		}
	}
	return removed
}

func (r *Registry) dropOwnedLocked(owners map[string]bool) {
	for name, set := range r.public {
		for key, f := range set {
			if owners[f.Peer.Key()] {
				delete(set, key)
			}
		}
		if len(set) == 0 {
			delete(r.public, name)
		}
	}
	for key, e := range r.private {
		if owners[e.file.Peer.Key()] {
			delete(r.private, key)
		}
	}
}

func sortFiles(files []domain.FileInfo) {
	slices.SortFunc(files, func(a, b domain.FileInfo) int {
		if c := strings.Compare(a.FileName, b.FileName); c != 0 {
			return c
		}
		return strings.Compare(a.Peer.Key(), b.Peer.Key())
	})
}

func sortedPeers(m map[string]domain.PeerInfo) []domain.PeerInfo {
	out := make([]domain.PeerInfo, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.PeerInfo) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}
