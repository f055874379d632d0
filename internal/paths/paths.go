// Package paths lays out the per-user data directory and the file
// operations performed on it.
package paths

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const copyBuf = 256 * 1024

// ErrUnsafeName is returned for file names that would escape the shared dir.
var ErrUnsafeName = errors.New("unsafe file name")

// Layout resolves locations under the data directory.
type Layout struct {
	Root string
}

// New creates the data directory and its shared_files subdirectory.
func New(root string) (Layout, error) {
	l := Layout{Root: root}
	if err := os.MkdirAll(l.SharedDir(), 0o755); err != nil {
		return Layout{}, fmt.Errorf("create shared dir: %w", err)
	}
	return l, nil
}

func (l Layout) SharedDir() string { return filepath.Join(l.Root, "shared_files") }
func (l Layout) DBPath() string    { return filepath.Join(l.Root, "p2pshare.db") }
func (l Layout) LogPath() string   { return filepath.Join(l.Root, "logs", "p2pshare.log") }

// SharedFile returns the path of name inside the shared dir.
func (l Layout) SharedFile(name string) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.SharedDir(), name), nil
}

// CheckName rejects empty names, path separators and traversal.
func CheckName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

// IncrementFileName returns name unchanged when no file of that family exists
// in dir, otherwise "base (n).ext" where n is one more than the number of
// existing "base.ext" / "base (k).ext" files.
func IncrementFileName(dir, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(base) + `( \(\d+\))?` + regexp.QuoteMeta(ext) + "$")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return name
	}
	count := 0
	for _, e := range entries {
		if e.Type().IsRegular() && pattern.MatchString(e.Name()) {
			count++
		}
	}
	if count == 0 {
		return name
	}
	for n := count + 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// ProgressFunc receives cumulative bytes processed out of total.
type ProgressFunc func(done, total int64)

// CopyFile copies src to dst, reporting progress. The partial destination is
// removed when the copy fails or ctx is canceled.
func CopyFile(ctx context.Context, src, dst string, progress ProgressFunc) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	err = pump(ctx, out, in, st.Size(), progress)
	return err
}

// HashFile returns the hex SHA-256 of path.
func HashFile(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if err := pump(ctx, h, f, st.Size(), progress); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func pump(ctx context.Context, w io.Writer, r io.Reader, total int64, progress ProgressFunc) error {
	buf := make([]byte, copyBuf)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// CheckWritableDir verifies dir exists, is a directory and accepts new files.
func CheckWritableDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("save directory: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("save directory: %s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".p2pshare-probe-*")
	if err != nil {
		return fmt.Errorf("save directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
