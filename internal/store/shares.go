package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"p2pshare/internal/domain"
)

// SharedFile is one file in the local shared directory.
type SharedFile struct {
	Name       string
	Hash       string
	Size       int64
	Visibility domain.Visibility
	Peers      []domain.PeerInfo
	CreatedAt  time.Time
}

// FileInfo renders the share as published by owner.
func (f SharedFile) FileInfo(owner domain.PeerInfo) domain.FileInfo {
	return domain.FileInfo{FileName: f.Name, FileSize: f.Size, FileHash: f.Hash, Peer: owner, IsSharedByMe: true}
}

// Allows reports whether a client at ip may fetch the file.
func (f SharedFile) Allows(ip string) bool {
	return f.Visibility == domain.Public || domain.ContainsIP(f.Peers, ip)
}

// PutShare inserts or replaces a share and its allowed peers.
func (s *Store) PutShare(ctx context.Context, f SharedFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO shared_files(name, hash, size, visibility, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET hash=excluded.hash, size=excluded.size, visibility=excluded.visibility;
		`, f.Name, f.Hash, f.Size, string(f.Visibility), f.CreatedAt); err != nil {
			return fmt.Errorf("upsert share: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM shared_file_peers WHERE file_name = ?`, f.Name); err != nil {
			return fmt.Errorf("clear peers: %w", err)
		}
		for _, p := range f.Peers {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO shared_file_peers(file_name, ip, port, username) VALUES (?, ?, ?, ?)
			ON CONFLICT(file_name, ip, port) DO UPDATE SET username=excluded.username;
			`, f.Name, p.IP, p.Port, p.Username); err != nil {
				return fmt.Errorf("insert peer: %w", err)
			}
		}
		return nil
	})
}

// DeleteShare removes a share. It returns ErrNotFound if there was none.
func (s *Store) DeleteShare(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_files WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Share looks a share up by name.
func (s *Store) Share(ctx context.Context, name string) (SharedFile, error) {
	out, err := s.query(ctx, `WHERE name = ?`, name)
	if err != nil {
		return SharedFile{}, err
	}
	if len(out) == 0 {
		return SharedFile{}, ErrNotFound
	}
	return out[0], nil
}

// SharesByHash lists every share with the given content hash.
func (s *Store) SharesByHash(ctx context.Context, hash string) ([]SharedFile, error) {
	return s.query(ctx, `WHERE hash = ?`, hash)
}

// Shares lists all shares ordered by name.
func (s *Store) Shares(ctx context.Context) ([]SharedFile, error) {
	return s.query(ctx, ``)
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]SharedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, hash, size, visibility, created_at FROM shared_files `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	var out []SharedFile
	for rows.Next() {
		var f SharedFile
		var vis string
		if err := rows.Scan(&f.Name, &f.Hash, &f.Size, &vis, &f.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		f.Visibility = domain.Visibility(vis)
		out = append(out, f)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// single connection: peers are loaded after the outer cursor is closed
	for i := range out {
		if out[i].Visibility != domain.Private {
			continue
		}
		peers, err := s.peers(ctx, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Peers = peers
	}
	return out, nil
}

func (s *Store) peers(ctx context.Context, name string) ([]domain.PeerInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, port, username FROM shared_file_peers WHERE file_name = ? ORDER BY ip, port`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PeerInfo
	for rows.Next() {
		var p domain.PeerInfo
		if err := rows.Scan(&p.IP, &p.Port, &p.Username); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
