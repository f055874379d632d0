// Package share publishes local files to the tracker and keeps the shared
// directory, the store and the tracker in agreement.
package share

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/store"
	"p2pshare/internal/tasks"
	"p2pshare/internal/trackerclient"
)

var (
	ErrSourceNotFound = errors.New("source file not found")
	ErrNoPeers        = errors.New("private share needs at least one peer")
	ErrNotShared      = errors.New("file is not shared")
)

// Tracker is the part of the tracker protocol sharing needs.
type Tracker interface {
	Share(ctx context.Context, public []domain.FileInfo, private []domain.PrivateShare) error
	Unshare(ctx context.Context, file domain.FileInfo) error
	Refresh(ctx context.Context, self domain.PeerInfo) ([]domain.FileInfo, error)
	SharedPeers(ctx context.Context, hash string) ([]domain.PeerInfo, error)
}

// Store is the persistent share catalog.
type Store interface {
	PutShare(ctx context.Context, f store.SharedFile) error
	DeleteShare(ctx context.Context, name string) error
	Share(ctx context.Context, name string) (store.SharedFile, error)
	Shares(ctx context.Context) ([]store.SharedFile, error)
}

// ReplaceMode says what to do when the target name is already shared.
type ReplaceMode int

const (
	// Increment stores the file under the next free "name (n).ext".
	Increment ReplaceMode = iota
	// Replace overwrites the existing share of the same name.
	Replace
	// Keep uses the source name as is.
	Keep
)

// ParseReplaceMode maps the API's isReplace field.
func ParseReplaceMode(v int) ReplaceMode {
	switch v {
	case 0:
		return Increment
	case 1:
		return Replace
	}
	return Keep
}

// Request asks for one file to be shared.
type Request struct {
	Path       string
	Mode       ReplaceMode
	Visibility domain.Visibility
	Peers      []domain.PeerInfo
}

// Progress phases of a share task.
const (
	copyWeight = 70
	hashWeight = 25
)

type Service struct {
	layout  paths.Layout
	store   Store
	tracker Tracker
	tasks   *tasks.Registry
	self    func() domain.PeerInfo
	log     *slog.Logger
}

func NewService(layout paths.Layout, st Store, tracker Tracker, reg *tasks.Registry, self func() domain.PeerInfo, log *slog.Logger) *Service {
	return &Service{
		layout:  layout,
		store:   st,
		tracker: tracker,
		tasks:   reg,
		self:    self,
		log:     log.With("component", "share"),
	}
}

// Share validates req and starts a share task. The copy, hash and publish
// steps run in the background.
func (s *Service) Share(ctx context.Context, req Request) (domain.Task, error) {
	st, err := os.Stat(req.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Task{}, fmt.Errorf("%w: %s", ErrSourceNotFound, req.Path)
		}
		return domain.Task{}, err
	}
	if st.IsDir() {
		return domain.Task{}, fmt.Errorf("%s is a directory", req.Path)
	}
	if req.Visibility == domain.Private && len(req.Peers) == 0 {
		return domain.Task{}, ErrNoPeers
	}
	name := filepath.Base(req.Path)
	if err := paths.CheckName(name); err != nil {
		return domain.Task{}, err
	}

	task := s.tasks.Create(domain.TaskShare, name)
	s.tasks.Update(task.ID, func(t *domain.Task) { t.TotalBytes = st.Size() })
	if err := s.tasks.Start(task.ID, func(ctx context.Context) error {
		return s.run(ctx, task.ID, req, name)
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (s *Service) run(ctx context.Context, id string, req Request, name string) (err error) {
	dir := s.layout.SharedDir()
	if req.Mode == Increment {
		name = paths.IncrementFileName(dir, name)
	}
	target := filepath.Join(dir, name)
	log := s.log.With("task", id, "file", name)

	report := func(base, weight int) paths.ProgressFunc {
		return func(done, total int64) {
			s.tasks.Progress(id, func(t *domain.Task) {
				t.Percent = base + domain.Percentage(done, total)*weight/100
				if base == 0 {
					t.BytesTransferred = done
				}
			})
		}
	}
	s.tasks.Progress(id, func(t *domain.Task) {
		t.FileName = name
		t.SavePath = target
	})

	tmp := target + ".sharing"
	defer os.Remove(tmp)
	if err := paths.CopyFile(ctx, req.Path, tmp, report(0, copyWeight)); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	s.tasks.Progress(id, func(t *domain.Task) { t.Status = domain.StatusSharing })
	hash, err := paths.HashFile(ctx, tmp, report(copyWeight, hashWeight))
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return err
	}
	s.tasks.Progress(id, func(t *domain.Task) {
		t.FileHash = hash
		t.Percent = copyWeight + hashWeight
	})

	self := s.self()
	if old, err := s.store.Share(ctx, name); err == nil {
		if err := s.tracker.Unshare(ctx, old.FileInfo(self)); err != nil && !errors.Is(err, trackerclient.ErrNotFound) {
			return fmt.Errorf("unshare previous %s: %w", name, err)
		}
	} else if !store.IsNotFound(err) {
		return err
	}

	sf := store.SharedFile{Name: name, Hash: hash, Size: info.Size(), Visibility: req.Visibility}
	if req.Visibility == domain.Private {
		sf.Peers = req.Peers
	}
	if err := s.publish(ctx, sf); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		s.tracker.Unshare(context.WithoutCancel(ctx), sf.FileInfo(self))
		return err
	}
	if err := s.store.PutShare(ctx, sf); err != nil {
		return err
	}

	s.tasks.Progress(id, func(t *domain.Task) {
		t.Status = domain.StatusCompleted
		t.Percent = 100
		t.BytesTransferred = info.Size()
	})
	log.Info("file shared", "hash", hash, "visibility", req.Visibility, "size", info.Size())
	return nil
}

// publish announces sf to the tracker under its visibility.
func (s *Service) publish(ctx context.Context, sf store.SharedFile) error {
	fi := sf.FileInfo(s.self())
	if sf.Visibility == domain.Private {
		return s.tracker.Share(ctx, nil, []domain.PrivateShare{{File: fi, AllowedPeers: sf.Peers}})
	}
	return s.tracker.Share(ctx, []domain.FileInfo{fi}, nil)
}

// EditPermission moves a shared file between public and private and
// republishes it.
func (s *Service) EditPermission(ctx context.Context, name string, vis domain.Visibility, peers []domain.PeerInfo) error {
	sf, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	if vis == domain.Private && len(peers) == 0 {
		return ErrNoPeers
	}
	sf.Visibility = vis
	sf.Peers = nil
	if vis == domain.Private {
		sf.Peers = peers
	}
	if err := s.publish(ctx, sf); err != nil {
		return err
	}
	if err := s.store.PutShare(ctx, sf); err != nil {
		return err
	}
	s.log.Info("permission changed", "file", name, "visibility", vis, "peers", len(sf.Peers))
	return nil
}

// StopSharing withdraws the file from the tracker and deletes the local copy.
func (s *Service) StopSharing(ctx context.Context, name string) error {
	sf, err := s.lookup(ctx, name)
	if err != nil {
		return err
	}
	if err := s.tracker.Unshare(ctx, sf.FileInfo(s.self())); err != nil && !errors.Is(err, trackerclient.ErrNotFound) {
		return err
	}
	if err := s.store.DeleteShare(ctx, name); err != nil && !store.IsNotFound(err) {
		return err
	}
	path, err := s.layout.SharedFile(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("remove shared file", "file", name, "error", err)
	}
	s.log.Info("stopped sharing", "file", name)
	return nil
}

// SharedPeers lists who a file is restricted to. Public files return none.
func (s *Service) SharedPeers(ctx context.Context, name string) ([]domain.PeerInfo, error) {
	sf, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if sf.Visibility == domain.Public {
		return []domain.PeerInfo{}, nil
	}
	peers, err := s.tracker.SharedPeers(ctx, sf.Hash)
	if err != nil || len(peers) == 0 {
		return sf.Peers, nil
	}
	return peers, nil
}

// Exists reports whether name is one of our shares.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.store.Share(ctx, name)
	if store.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Refresh returns every file visible to us, flagging our own.
func (s *Service) Refresh(ctx context.Context) ([]domain.FileInfo, error) {
	self := s.self()
	files, err := s.tracker.Refresh(ctx, self)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i].IsSharedByMe = files[i].Peer.Same(self)
	}
	return files, nil
}

// Catalog returns the local shares split by visibility for registration.
func (s *Service) Catalog(ctx context.Context) ([]domain.FileInfo, []domain.PrivateShare, error) {
	shares, err := s.store.Shares(ctx)
	if err != nil {
		return nil, nil, err
	}
	self := s.self()
	var public []domain.FileInfo
	var private []domain.PrivateShare
	for _, sf := range shares {
		if sf.Visibility == domain.Private {
			private = append(private, domain.PrivateShare{File: sf.FileInfo(self), AllowedPeers: sf.Peers})
			continue
		}
		public = append(public, sf.FileInfo(self))
	}
	return public, private, nil
}

func (s *Service) lookup(ctx context.Context, name string) (store.SharedFile, error) {
	sf, err := s.store.Share(ctx, name)
	if store.IsNotFound(err) {
		return store.SharedFile{}, fmt.Errorf("%w: %s", ErrNotShared, name)
	}
	return sf, err
}
