package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/share"
	"p2pshare/internal/transfer"
)

// RequireConnection fails fast with ErrNotConnected, kicking a reconnect.
func (n *Node) RequireConnection() error {
	_, err := n.tracker()
	return err
}

// Files lists every file visible to this peer.
func (n *Node) Files(ctx context.Context) ([]domain.FileInfo, error) {
	return n.shares.Refresh(ctx)
}

// Search runs a tracker QUERY, flagging our own files.
func (n *Node) Search(ctx context.Context, keyword string) ([]domain.FileInfo, error) {
	c, err := n.tracker()
	if err != nil {
		return nil, err
	}
	self := n.Self()
	files, err := c.Query(ctx, keyword, self)
	if err := n.observe(err); err != nil {
		return nil, err
	}
	for i := range files {
		files[i].IsSharedByMe = files[i].Peer.Same(self)
	}
	return files, nil
}

func (n *Node) KnownPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	c, err := n.tracker()
	if err != nil {
		return nil, err
	}
	peers, err := c.KnownPeers(ctx)
	return peers, n.observe(err)
}

// Share starts a share task once the tracker is reachable.
func (n *Node) Share(ctx context.Context, req share.Request) (domain.Task, error) {
	if err := n.RequireConnection(); err != nil {
		return domain.Task{}, err
	}
	return n.shares.Share(ctx, req)
}

// Download starts fetching the file name published by from into savePath.
// A savePath naming an existing directory receives the file under its own
// name.
func (n *Node) Download(ctx context.Context, name, savePath string, from domain.PeerInfo) (domain.Task, error) {
	files, err := n.Files(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	var file domain.FileInfo
	found := false
	for _, f := range files {
		if f.FileName == name && f.Peer.Same(from) {
			file, found = f, true
			break
		}
	}
	if !found {
		return domain.Task{}, fmt.Errorf("%w: %s from %s", ErrFileNotFound, name, from.Key())
	}

	if st, err := os.Stat(savePath); err == nil && st.IsDir() {
		savePath = filepath.Join(savePath, name)
	}
	if err := paths.CheckWritableDir(filepath.Dir(savePath)); err != nil {
		return domain.Task{}, err
	}

	task := n.tasks.Create(domain.TaskDownload, name)
	n.tasks.Update(task.ID, func(t *domain.Task) {
		t.FileHash = file.FileHash
		t.SavePath = savePath
		t.TotalBytes = file.FileSize
	})
	id := task.ID
	err = n.tasks.Start(id, func(ctx context.Context) error {
		peers, err := n.holders(ctx, file)
		if err != nil {
			return err
		}
		req := transfer.Request{File: file, SavePath: savePath, Peers: peers}
		return n.engine.Download(ctx, req, func(fn func(*domain.Task)) { n.tasks.Progress(id, fn) })
	})
	if err != nil {
		return domain.Task{}, err
	}
	n.log.Info("download started", "task", id, "file", name, "from", from.Key(), "path", savePath)
	return task, nil
}

// holders asks the tracker which peers may serve file to us.
func (n *Node) holders(ctx context.Context, file domain.FileInfo) ([]domain.PeerInfo, error) {
	c, err := n.tracker()
	if err != nil {
		return nil, err
	}
	peers, err := c.PeersWithFile(ctx, file.FileHash, n.Self())
	if err := n.observe(err); err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, transfer.ErrNoPeers
	}
	return peers, nil
}

func (n *Node) FileExists(ctx context.Context, name string) (bool, error) {
	return n.shares.Exists(ctx, name)
}

func (n *Node) StopSharing(ctx context.Context, name string) error {
	return n.shares.StopSharing(ctx, name)
}

func (n *Node) EditPermission(ctx context.Context, name string, vis domain.Visibility, peers []domain.PeerInfo) error {
	return n.shares.EditPermission(ctx, name, vis, peers)
}

func (n *Node) SharedPeers(ctx context.Context, name string) ([]domain.PeerInfo, error) {
	return n.shares.SharedPeers(ctx, name)
}
