// Package transfer downloads a file chunk by chunk from every peer that
// holds it, resuming from a partial download when one exists.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"p2pshare/internal/domain"
	"p2pshare/internal/paths"
	"p2pshare/internal/tasks"
	"p2pshare/internal/wire"
)

var (
	ErrNoPeers      = errors.New("no peer holds the file")
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrChunkSize    = errors.New("chunk has unexpected size")
)

// ChunksFailedError reports chunks still missing after every retry round.
// The partial download is kept.
type ChunksFailedError struct {
	Failed int
	Total  int
}

func (e *ChunksFailedError) Error() string {
	return fmt.Sprintf("%d of %d chunks failed", e.Failed, e.Total)
}

type Options struct {
	ChunkSize       int64
	MaxActiveChunks int
	MaxPeerTasks    int
	ChunkAttempts   int
	RetryRounds     int
	PeerWait        time.Duration
	Backoff         time.Duration
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = domain.DefaultChunkSize
	}
	if o.MaxActiveChunks <= 0 {
		o.MaxActiveChunks = 6
	}
	if o.MaxPeerTasks <= 0 {
		o.MaxPeerTasks = 3
	}
	if o.ChunkAttempts <= 0 {
		o.ChunkAttempts = 3
	}
	if o.RetryRounds < 0 {
		o.RetryRounds = 0
	}
	if o.PeerWait <= 0 {
		o.PeerWait = time.Second
	}
}

// Request describes one download.
type Request struct {
	File     domain.FileInfo
	SavePath string
	Peers    []domain.PeerInfo
}

// ProgressFunc receives mutations of the task record. tasks.Registry.Progress
// bound to a task id satisfies it.
type ProgressFunc func(func(*domain.Task))

// metaSaveEvery bounds how often the resume record is rewritten while
// chunks complete.
const metaSaveEvery = time.Second

type Engine struct {
	opts    Options
	fetcher Fetcher
	bal     *balancer
	log     *slog.Logger
}

func NewEngine(opts Options, fetcher Fetcher, log *slog.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:    opts,
		fetcher: fetcher,
		bal:     newBalancer(opts.MaxPeerTasks),
		log:     log.With("component", "transfer"),
	}
}

// download is the state of one running download.
type download struct {
	req      Request
	file     *os.File
	progress ProgressFunc

	mu       sync.Mutex
	meta     *domain.DownloadMetadata
	lastSave time.Time
}

// Download fetches req.File into req.SavePath. When ctx is canceled with
// tasks.ErrCanceled as its cause the partial files are removed; any other
// interruption keeps them for a later resume.
func (e *Engine) Download(ctx context.Context, req Request, progress ProgressFunc) (err error) {
	if progress == nil {
		progress = func(func(*domain.Task)) {}
	}
	if len(req.Peers) == 0 {
		return ErrNoPeers
	}
	if err := paths.CheckWritableDir(filepath.Dir(req.SavePath)); err != nil {
		return err
	}
	log := e.log.With("file", req.File.FileName, "hash", req.File.FileHash)

	meta := e.openMeta(req, log)
	f, err := os.OpenFile(PartPath(req.SavePath), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(req.File.FileSize); err != nil {
		f.Close()
		return err
	}
	d := &download{req: req, file: f, progress: progress, meta: meta}
	defer func() {
		if f != nil {
			f.Close()
		}
		if err != nil && errors.Is(context.Cause(ctx), tasks.ErrCanceled) {
			removePartFiles(req.SavePath)
		}
	}()

	progress(func(t *domain.Task) {
		t.Status = domain.StatusDownloading
		t.FileHash = req.File.FileHash
		t.SavePath = req.SavePath
		t.TotalBytes = req.File.FileSize
		t.TotalChunks = len(meta.Chunks)
		t.Resumable = true
		t.PartFile = PartPath(req.SavePath)
		t.MetaFile = MetaPath(req.SavePath)
		t.Error = ""
		d.fill(t)
	})
	if err := d.save(true); err != nil {
		return err
	}

	pending := meta.Pending()
	log.Info("download started", "chunks", len(meta.Chunks), "pending", len(pending), "peers", len(req.Peers))
	failed := e.pass(ctx, d, pending)
	for round := 1; round <= e.opts.RetryRounds && len(failed) > 0 && ctx.Err() == nil; round++ {
		log.Info("retrying failed chunks", "round", round, "chunks", len(failed))
		failed = e.pass(ctx, d, failed)
	}
	if err := d.save(true); err != nil {
		log.Warn("save metadata", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return &ChunksFailedError{Failed: len(failed), Total: len(meta.Chunks)}
	}

	if err := f.Sync(); err != nil {
		return err
	}
	cerr := f.Close()
	f = nil
	if cerr != nil {
		return cerr
	}
	sum, err := paths.HashFile(ctx, PartPath(req.SavePath), nil)
	if err != nil {
		return err
	}
	if sum != req.File.FileHash {
		removePartFiles(req.SavePath)
		progress(func(t *domain.Task) { t.Resumable = false })
		return fmt.Errorf("%w: got %s", ErrHashMismatch, sum)
	}
	if err := os.Rename(PartPath(req.SavePath), req.SavePath); err != nil {
		return err
	}
	os.Remove(MetaPath(req.SavePath))

	progress(func(t *domain.Task) {
		t.Status = domain.StatusCompleted
		t.BytesTransferred = req.File.FileSize
		t.Percent = 100
		t.Resumable = false
	})
	log.Info("download completed", "path", req.SavePath)
	return nil
}

// openMeta reuses a matching resume record when the part file survived.
func (e *Engine) openMeta(req Request, log *slog.Logger) *domain.DownloadMetadata {
	fresh := func() *domain.DownloadMetadata {
		return domain.NewDownloadMetadata(req.File.FileName, req.File.FileHash, req.File.FileSize, e.opts.ChunkSize, req.SavePath)
	}
	if _, err := os.Stat(PartPath(req.SavePath)); err != nil {
		return fresh()
	}
	m, err := loadMeta(MetaPath(req.SavePath))
	if err != nil {
		return fresh()
	}
	if !m.Matches(req.File.FileHash, req.File.FileSize, e.opts.ChunkSize) {
		log.Info("discarding stale partial download")
		return fresh()
	}
	for i := range m.Chunks {
		if m.Chunks[i].State != domain.ChunkCompleted {
			m.Chunks[i].State = domain.ChunkPending
		}
	}
	log.Info("resuming partial download", "completed", m.Completed())
	return m
}

// pass fetches the given chunks with bounded concurrency and returns those
// that failed every attempt.
func (e *Engine) pass(ctx context.Context, d *download, indexes []int) []int {
	var (
		mu     sync.Mutex
		failed []int
		g      errgroup.Group
	)
	g.SetLimit(e.opts.MaxActiveChunks)
	for _, idx := range indexes {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := e.fetchChunk(ctx, d, idx); err != nil {
				mu.Lock()
				failed = append(failed, idx)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func (e *Engine) fetchChunk(ctx context.Context, d *download, idx int) error {
	hash := d.req.File.FileHash
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 1; attempt <= e.opts.ChunkAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer, ok := e.bal.acquire(ctx, d.req.Peers, tried, e.opts.PeerWait)
		if ok {
			tried[peer.Key()] = true
			d.mark(idx, func(c *domain.ChunkInfo) {
				c.State = domain.ChunkDownloading
				c.RetryCount = attempt - 1
				c.LastAttempt = time.Now()
			})
			data, err := e.fetcher.FetchChunk(ctx, peer, hash, idx)
			e.bal.release(peer)
			if err == nil {
				err = d.complete(idx, data)
			}
			if err == nil {
				return nil
			}
			lastErr = err
			if errors.Is(err, wire.ErrAccessDenied) || errors.Is(err, wire.ErrNotFound) {
				e.log.Debug("peer refused chunk", "peer", peer.Key(), "chunk", idx, "error", err)
			} else {
				e.log.Debug("chunk attempt failed", "peer", peer.Key(), "chunk", idx, "attempt", attempt, "error", err)
			}
		} else {
			lastErr = fmt.Errorf("no peer available for chunk %d", idx)
		}
		if attempt < e.opts.ChunkAttempts && e.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.Backoff * time.Duration(attempt)):
			}
		}
	}
	d.mark(idx, func(c *domain.ChunkInfo) { c.State = domain.ChunkFailed })
	d.progress(func(t *domain.Task) { d.fill(t) })
	return lastErr
}

func (d *download) mark(idx int, fn func(*domain.ChunkInfo)) {
	d.mu.Lock()
	fn(&d.meta.Chunks[idx])
	d.mu.Unlock()
}

// complete writes a verified chunk and records it.
func (d *download) complete(idx int, data []byte) error {
	d.mu.Lock()
	c := d.meta.Chunks[idx]
	d.mu.Unlock()
	if int64(len(data)) != c.Size() {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkSize, idx, len(data), c.Size())
	}
	if _, err := d.file.WriteAt(data, c.Start); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	d.mark(idx, func(c *domain.ChunkInfo) {
		c.State = domain.ChunkCompleted
		c.DownloadedBytes = int64(len(data))
		c.Checksum = hex.EncodeToString(sum[:])
	})
	d.save(false)
	d.progress(func(t *domain.Task) { d.fill(t) })
	return nil
}

// fill copies chunk counters into t.
func (d *download) fill(t *domain.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	failed := 0
	for _, c := range d.meta.Chunks {
		if c.State == domain.ChunkFailed {
			failed++
		}
	}
	t.BytesTransferred = d.meta.CompletedBytes()
	t.DownloadedChunks = d.meta.Completed()
	t.FailedChunks = failed
	t.Percent = d.meta.Progress()
}

func (d *download) save(force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(d.lastSave) < metaSaveEvery {
		return nil
	}
	d.lastSave = now
	d.meta.LastModified = now
	return saveMeta(MetaPath(d.req.SavePath), d.meta)
}
