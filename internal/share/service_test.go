package share

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pshare/internal/ctxlog"
	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/store"
	"p2pshare/internal/tasks"
	"p2pshare/internal/trackerclient"
)

var self = domain.PeerInfo{IP: "10.0.0.9", Port: 5000, Username: "me"}

type fakeTracker struct {
	mu       sync.Mutex
	public   map[string]domain.FileInfo
	private  map[string]domain.PrivateShare
	shareErr error
	// onShare runs before each Share call is applied.
	onShare func()
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{public: map[string]domain.FileInfo{}, private: map[string]domain.PrivateShare{}}
}

func (f *fakeTracker) Share(_ context.Context, public []domain.FileInfo, private []domain.PrivateShare) error {
	if f.onShare != nil {
		f.onShare()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shareErr != nil {
		return f.shareErr
	}
	for _, fi := range public {
		delete(f.private, fi.FileName)
		f.public[fi.FileName] = fi
	}
	for _, ps := range private {
		delete(f.public, ps.File.FileName)
		f.private[ps.File.FileName] = ps
	}
	return nil
}

func (f *fakeTracker) Unshare(_ context.Context, file domain.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, pub := f.public[file.FileName]
	_, priv := f.private[file.FileName]
	if !pub && !priv {
		return trackerclient.ErrNotFound
	}
	delete(f.public, file.FileName)
	delete(f.private, file.FileName)
	return nil
}

func (f *fakeTracker) Refresh(context.Context, domain.PeerInfo) ([]domain.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.FileInfo{{FileName: "remote.txt", FileHash: "r", Peer: domain.PeerInfo{IP: "10.0.0.1", Port: 5000}}}
	for _, fi := range f.public {
		fi.IsSharedByMe = false
		out = append(out, fi)
	}
	return out, nil
}

func (f *fakeTracker) SharedPeers(_ context.Context, hash string) ([]domain.PeerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ps := range f.private {
		if ps.File.FileHash == hash {
			return ps.AllowedPeers, nil
		}
	}
	return nil, nil
}

type fixture struct {
	svc     *Service
	tracker *fakeTracker
	store   *store.Store
	reg     *tasks.Registry
	layout  paths.Layout
	src     string
}

func setup(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	layout, err := paths.New(root)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(root, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	reg := tasks.NewRegistry(ctx, tasks.Options{StallAfter: time.Minute, TimeoutAfter: time.Hour, CleanupDelay: time.Millisecond}, ctxlog.Discard())
	t.Cleanup(func() {
		cancel()
		reg.Wait()
	})

	src := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(src, []byte("quarterly numbers"), 0o644))

	tr := newFakeTracker()
	svc := NewService(layout, st, tr, reg, func() domain.PeerInfo { return self }, ctxlog.Discard())
	return fixture{svc: svc, tracker: tr, store: st, reg: reg, layout: layout, src: src}
}

func waitTask(t *testing.T, reg *tasks.Registry, id string) domain.Task {
	t.Helper()
	var task domain.Task
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = reg.Get(id)
		return ok && task.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestSharePublic(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()

	task, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Keep, Visibility: domain.Public})
	require.NoError(t, err)
	require.Equal(t, domain.TaskShare, task.Type)

	done := waitTask(t, fx.reg, task.ID)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, 100, done.Percent)
	require.NotEmpty(t, done.FileHash)

	data, err := os.ReadFile(filepath.Join(fx.layout.SharedDir(), "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "quarterly numbers", string(data))
	require.NoFileExists(t, filepath.Join(fx.layout.SharedDir(), "report.txt.sharing"))

	sf, err := fx.store.Share(ctx, "report.txt")
	require.NoError(t, err)
	require.Equal(t, done.FileHash, sf.Hash)
	require.Contains(t, fx.tracker.public, "report.txt")

	ok, err := fx.svc.Exists(ctx, "report.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestShareIncrementsName(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()

	first, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Increment, Visibility: domain.Public})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, waitTask(t, fx.reg, first.ID).Status)

	second, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Increment, Visibility: domain.Public})
	require.NoError(t, err)
	done := waitTask(t, fx.reg, second.ID)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, "report (2).txt", done.FileName)
	require.FileExists(t, filepath.Join(fx.layout.SharedDir(), "report (2).txt"))
}

func TestShareReplaceUnsharesPrevious(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()

	first, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Replace, Visibility: domain.Public})
	require.NoError(t, err)
	oldHash := waitTask(t, fx.reg, first.ID).FileHash

	require.NoError(t, os.WriteFile(fx.src, []byte("revised numbers"), 0o644))
	second, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Replace, Visibility: domain.Public})
	require.NoError(t, err)
	done := waitTask(t, fx.reg, second.ID)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.NotEqual(t, oldHash, done.FileHash)
	require.Equal(t, done.FileHash, fx.tracker.public["report.txt"].FileHash)

	shares, err := fx.store.Shares(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 1)
}

func TestShareTrackerFailureRemovesCopy(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	fx.tracker.shareErr = errors.New("tracker down")

	task, err := fx.svc.Share(context.Background(), Request{Path: fx.src, Mode: Keep, Visibility: domain.Public})
	require.NoError(t, err)
	done := waitTask(t, fx.reg, task.ID)
	require.Equal(t, domain.StatusFailed, done.Status)
	require.Contains(t, done.Error, "tracker down")

	entries, err := os.ReadDir(fx.layout.SharedDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestShareValidation(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()

	_, err := fx.svc.Share(ctx, Request{Path: filepath.Join(t.TempDir(), "nope"), Visibility: domain.Public})
	require.ErrorIs(t, err, ErrSourceNotFound)

	_, err = fx.svc.Share(ctx, Request{Path: fx.src, Visibility: domain.Private})
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestPrivateShareAndPermissionEdit(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()
	friend := domain.PeerInfo{IP: "10.0.0.2", Port: 5000, Username: "friend"}

	task, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Keep, Visibility: domain.Private, Peers: []domain.PeerInfo{friend}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, waitTask(t, fx.reg, task.ID).Status)
	require.Contains(t, fx.tracker.private, "report.txt")

	peers, err := fx.svc.SharedPeers(ctx, "report.txt")
	require.NoError(t, err)
	require.Equal(t, []domain.PeerInfo{friend}, peers)

	public, private, err := fx.svc.Catalog(ctx)
	require.NoError(t, err)
	require.Empty(t, public)
	require.Len(t, private, 1)

	require.NoError(t, fx.svc.EditPermission(ctx, "report.txt", domain.Public, nil))
	require.Contains(t, fx.tracker.public, "report.txt")
	require.NotContains(t, fx.tracker.private, "report.txt")
	sf, err := fx.store.Share(ctx, "report.txt")
	require.NoError(t, err)
	require.Equal(t, domain.Public, sf.Visibility)
	require.Empty(t, sf.Peers)

	require.ErrorIs(t, fx.svc.EditPermission(ctx, "report.txt", domain.Private, nil), ErrNoPeers)
	require.ErrorIs(t, fx.svc.EditPermission(ctx, "missing.txt", domain.Public, nil), ErrNotShared)
}

func TestStopSharing(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()

	task, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Keep, Visibility: domain.Public})
	require.NoError(t, err)
	waitTask(t, fx.reg, task.ID)

	require.NoError(t, fx.svc.StopSharing(ctx, "report.txt"))
	require.NoFileExists(t, filepath.Join(fx.layout.SharedDir(), "report.txt"))
	require.Empty(t, fx.tracker.public)
	ok, err := fx.svc.Exists(ctx, "report.txt")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, fx.svc.StopSharing(ctx, "report.txt"), ErrNotShared)
}

func TestRefreshFlagsOwnFiles(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	ctx := context.Background()
	task, err := fx.svc.Share(ctx, Request{Path: fx.src, Mode: Keep, Visibility: domain.Public})
	require.NoError(t, err)
	waitTask(t, fx.reg, task.ID)

	files, err := fx.svc.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		require.Equal(t, f.FileName == "report.txt", f.IsSharedByMe, f.FileName)
	}
}

func TestParseReplaceMode(t *testing.T) {
	t.Parallel()
	require.Equal(t, Increment, ParseReplaceMode(0))
	require.Equal(t, Replace, ParseReplaceMode(1))
	require.Equal(t, Keep, ParseReplaceMode(-1))
	require.Equal(t, Keep, ParseReplaceMode(7))
}
