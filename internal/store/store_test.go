package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"p2pshare/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsername(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	name, err := s.Username(ctx)
	require.NoError(t, err)
	require.Empty(t, name)

	require.NoError(t, s.SetUsername(ctx, "alice"))
	require.NoError(t, s.SetUsername(ctx, "alice2"))
	name, err = s.Username(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice2", name)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "twice.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetUsername(context.Background(), "bob"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	name, err := s.Username(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bob", name)
}

func TestShareLifecycle(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	carol := domain.PeerInfo{IP: "10.0.0.3", Port: 5000, Username: "carol"}
	dave := domain.PeerInfo{IP: "10.0.0.4", Port: 5000, Username: "dave"}

	require.NoError(t, s.PutShare(ctx, SharedFile{Name: "a.txt", Hash: "h1", Size: 10, Visibility: domain.Public}))
	require.NoError(t, s.PutShare(ctx, SharedFile{Name: "b.txt", Hash: "h2", Size: 20, Visibility: domain.Private,
		Peers: []domain.PeerInfo{carol, dave}}))

	all, err := s.Shares(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a.txt", all[0].Name)
	require.Empty(t, all[0].Peers)
	require.Equal(t, []domain.PeerInfo{carol, dave}, all[1].Peers)

	b, err := s.Share(ctx, "b.txt")
	require.NoError(t, err)
	require.True(t, b.Allows("10.0.0.3"))
	require.False(t, b.Allows("10.0.0.9"))

	// republish as public with no peers
	b.Visibility = domain.Public
	b.Peers = nil
	require.NoError(t, s.PutShare(ctx, b))
	b, err = s.Share(ctx, "b.txt")
	require.NoError(t, err)
	require.Equal(t, domain.Public, b.Visibility)
	require.True(t, b.Allows("10.0.0.9"))

	byHash, err := s.SharesByHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, byHash, 1)

	require.NoError(t, s.DeleteShare(ctx, "a.txt"))
	require.ErrorIs(t, s.DeleteShare(ctx, "a.txt"), ErrNotFound)
	_, err = s.Share(ctx, "a.txt")
	require.True(t, IsNotFound(err))
}
