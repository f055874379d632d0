package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pshare/internal/domain"
)

var (
	alice = domain.PeerInfo{IP: "10.0.0.1", Port: 5000, Username: "alice"}
	bob   = domain.PeerInfo{IP: "10.0.0.2", Port: 5000, Username: "bob"}
	carol = domain.PeerInfo{IP: "10.0.0.3", Port: 5000, Username: "carol"}
)

func file(name, hash string, owner domain.PeerInfo) domain.FileInfo {
	return domain.FileInfo{FileName: name, FileSize: 10, FileHash: hash, Peer: owner}
}

func names(files []domain.FileInfo) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.FileName+"@"+f.Peer.Username)
	}
	return out
}

func TestRegisterReturnsVisibleFiles(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.Empty(t, r.Register(alice, nil, nil))

	r.Register(bob, []domain.FileInfo{file("movie.mkv", "h1", bob)}, []domain.PrivateShare{
		{File: file("secret.txt", "h2", bob), AllowedPeers: []domain.PeerInfo{alice}},
		{File: file("diary.txt", "h3", bob), AllowedPeers: []domain.PeerInfo{carol}},
	})

	got := r.Register(alice, nil, nil)
	require.Equal(t, []string{"movie.mkv@bob", "secret.txt@bob"}, names(got))

	// the owner sees its own private files
	require.Equal(t, []string{"diary.txt@bob", "movie.mkv@bob", "secret.txt@bob"}, names(r.Visible(bob)))
}

func TestRegisterReplacesPreviousCatalog(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(bob, []domain.FileInfo{file("old.txt", "h1", bob)}, nil)
	r.Register(bob, []domain.FileInfo{file("new.txt", "h2", bob)}, nil)
	require.Equal(t, []string{"new.txt@bob"}, names(r.Visible(alice)))
}

func TestShareMovesBetweenVisibilities(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	f := file("a.txt", "h1", bob)
	r.Share([]domain.FileInfo{f}, nil)
	require.Len(t, r.Visible(carol), 1)

	r.Share(nil, []domain.PrivateShare{{File: f, AllowedPeers: []domain.PeerInfo{alice}}})
	require.Empty(t, r.Visible(carol))
	require.Len(t, r.Visible(alice), 1)

	r.Share([]domain.FileInfo{f}, nil)
	require.Len(t, r.Visible(carol), 1)
	require.Len(t, r.Visible(alice), 1)
}

func TestUnshare(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	f := file("a.txt", "h1", bob)
	r.Share([]domain.FileInfo{f}, nil)
	require.True(t, r.Unshare(f))
	require.False(t, r.Unshare(f))
	require.Empty(t, r.Visible(alice))
}

func TestQuery(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Share([]domain.FileInfo{
		file("Holiday-Photos.zip", "h1", bob),
		file("report.pdf", "h2", bob),
		file("music.mp3", "h3", carol),
		file("cat", "h4", carol),
		file("notes.txt", "h5", carol),
	}, nil)

	require.Equal(t, []string{"Holiday-Photos.zip@bob"}, names(r.Query("photos", alice)))
	require.Equal(t, []string{"report.pdf@bob"}, names(r.Query("RAPORT.PDF", alice)), "fuzzy match")
	require.Equal(t, []string{"cat@carol"}, names(r.Query("cot", alice)), "short keywords match by distance too")
	require.Equal(t, []string{"notes.txt@carol"}, names(r.Query("nots.txt", alice)), "distance covers the extension")
	require.Empty(t, r.Query("dog", alice), "distance 3 is too far")
	require.Empty(t, r.Query("xyz", alice))
	require.Len(t, r.Query("", alice), 5)
}

func TestPeersWithHash(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Share([]domain.FileInfo{file("a.txt", "h1", bob), file("a-copy.txt", "h1", carol)}, nil)
	r.Share(nil, []domain.PrivateShare{{File: file("a.txt", "h1", alice), AllowedPeers: []domain.PeerInfo{bob}}})

	require.Equal(t, []domain.PeerInfo{bob, carol}, r.PeersWithHash("h1", domain.PeerInfo{IP: "10.0.0.9", Port: 5000}))
	require.Equal(t, []domain.PeerInfo{alice, carol}, r.PeersWithHash("h1", bob), "requester excluded, private allowed")
	require.Empty(t, r.PeersWithHash("nope", bob))
}

func TestSharedPeers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Share(nil, []domain.PrivateShare{{File: file("a.txt", "h1", alice), AllowedPeers: []domain.PeerInfo{bob, carol}}})
	require.Equal(t, []domain.PeerInfo{bob, carol}, r.SharedPeers("h1"))
	require.Empty(t, r.SharedPeers("h2"))
}

func TestPrune(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	clock := time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	r.Register(alice, []domain.FileInfo{file("a.txt", "h1", alice)}, nil)
	r.Register(bob, nil, []domain.PrivateShare{{File: file("b.txt", "h2", bob), AllowedPeers: []domain.PeerInfo{alice, carol}}})
	r.Register(carol, nil, []domain.PrivateShare{{File: file("c.txt", "h3", carol), AllowedPeers: []domain.PeerInfo{alice}}})

	clock = clock.Add(20 * time.Second)
	require.True(t, r.Seen(bob))
	require.True(t, r.Seen(carol))
	require.False(t, r.Seen(domain.PeerInfo{IP: "10.9.9.9", Port: 1}))

	clock = clock.Add(15 * time.Second)
	removed := r.Prune(30 * time.Second)
	require.Equal(t, []domain.PeerInfo{alice}, removed)

	require.Equal(t, []domain.PeerInfo{bob, carol}, r.KnownPeers())
	require.Empty(t, r.PeersWithHash("h1", bob), "alice's public file dropped")
	require.Equal(t, []domain.PeerInfo{carol}, r.SharedPeers("h2"), "alice removed from allowed set")
	require.Empty(t, r.SharedPeers("h3"))
}
