package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"p2pshare/internal/domain"
)

const (
	partSuffix = ".part"
	metaSuffix = ".part.meta"
)

// PartPath is where data for savePath accumulates.
func PartPath(savePath string) string { return savePath + partSuffix }

// MetaPath is where the resume record for savePath lives.
func MetaPath(savePath string) string { return savePath + metaSuffix }

func loadMeta(path string) (*domain.DownloadMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m domain.DownloadMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &m, nil
}

// saveMeta writes the record through a temp file so a crash never leaves a
// truncated meta file behind.
func saveMeta(path string, m *domain.DownloadMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func removePartFiles(savePath string) {
	os.Remove(PartPath(savePath))
	os.Remove(MetaPath(savePath))
}
