package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultChunkSize is the unit of transfer between peers.
const DefaultChunkSize = 2 * 1024 * 1024

type ChunkState string

const (
	ChunkPending     ChunkState = "pending"
	ChunkDownloading ChunkState = "downloading"
	ChunkCompleted   ChunkState = "completed"
	ChunkFailed      ChunkState = "failed"
)

// ChunkInfo tracks one byte range [Start, End) of a download.
type ChunkInfo struct {
	Index           int        `json:"index"`
	Start           int64      `json:"start"`
	End             int64      `json:"end"`
	State           ChunkState `json:"status"`
	DownloadedBytes int64      `json:"downloadedBytes"`
	Checksum        string     `json:"checksum,omitempty"`
	RetryCount      int        `json:"retryCount"`
	LastAttempt     time.Time  `json:"lastAttempt"`
}

func (c ChunkInfo) Size() int64 { return c.End - c.Start }

// VerifyChecksum compares data against the recorded checksum. An empty
// checksum always matches.
func (c ChunkInfo) VerifyChecksum(data []byte) bool {
	if c.Checksum == "" {
		return true
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == c.Checksum
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// DownloadMetadata is the resume record stored next to a partial download.
type DownloadMetadata struct {
	FileName     string      `json:"fileName"`
	FileHash     string      `json:"fileHash"`
	FileSize     int64       `json:"fileSize"`
	ChunkSize    int64       `json:"chunkSize"`
	SavePath     string      `json:"savePath"`
	Chunks       []ChunkInfo `json:"chunks"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastModified time.Time   `json:"lastModified"`
}

// NewDownloadMetadata lays out pending chunks covering the whole file.
func NewDownloadMetadata(name, hash string, size, chunkSize int64, savePath string) *DownloadMetadata {
	n := ChunkCount(size, chunkSize)
	chunks := make([]ChunkInfo, n)
	for i := range n {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, size)
		chunks[i] = ChunkInfo{Index: i, Start: start, End: end, State: ChunkPending}
	}
	now := time.Now()
	return &DownloadMetadata{
		FileName:     name,
		FileHash:     hash,
		FileSize:     size,
		ChunkSize:    chunkSize,
		SavePath:     savePath,
		Chunks:       chunks,
		CreatedAt:    now,
		LastModified: now,
	}
}

// Matches reports whether m describes the same download layout.
func (m *DownloadMetadata) Matches(hash string, size, chunkSize int64) bool {
	return m.FileHash == hash && m.FileSize == size && m.ChunkSize == chunkSize &&
		len(m.Chunks) == ChunkCount(size, chunkSize)
}

// Completed returns the number of completed chunks.
func (m *DownloadMetadata) Completed() int {
	n := 0
	for _, c := range m.Chunks {
		if c.State == ChunkCompleted {
			n++
		}
	}
	return n
}

// CompletedBytes sums the sizes of completed chunks.
func (m *DownloadMetadata) CompletedBytes() int64 {
	var n int64
	for _, c := range m.Chunks {
		if c.State == ChunkCompleted {
			n += c.Size()
		}
	}
	return n
}

// Progress is completed chunks as a percentage of all chunks.
func (m *DownloadMetadata) Progress() int {
	if len(m.Chunks) == 0 {
		return 100
	}
	return m.Completed() * 100 / len(m.Chunks)
}

// Pending lists chunk indexes that still need data.
func (m *DownloadMetadata) Pending() []int {
	var out []int
	for _, c := range m.Chunks {
		if c.State != ChunkCompleted {
			out = append(out, c.Index)
		}
	}
	return out
}
