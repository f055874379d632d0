package domain

import (
	"fmt"
	"strings"
)

// FileInfo describes one shared copy of a file held by one peer.
type FileInfo struct {
	FileName     string   `json:"fileName"`
	FileSize     int64    `json:"fileSize"`
	FileHash     string   `json:"fileHash"`
	Peer         PeerInfo `json:"peerInfo"`
	IsSharedByMe bool     `json:"isSharedByMe"`
}

// FileKey is the comparable identity of a FileInfo.
type FileKey struct {
	Name string
	Peer string
	Hash string
}

func (f FileInfo) Key() FileKey {
	return FileKey{Name: f.FileName, Peer: f.Peer.Key(), Hash: f.FileHash}
}

func (f FileInfo) String() string {
	return fmt.Sprintf("%s [%s] @ %s", f.FileName, shortHash(f.FileHash), f.Peer.Key())
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Visibility selects who may fetch a shared file.
type Visibility string

const (
	Public  Visibility = "PUBLIC"
	Private Visibility = "PRIVATE"
)

// ParseVisibility accepts PUBLIC or PRIVATE in any case.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToUpper(strings.TrimSpace(s))) {
	case Public:
		return Public, nil
	case Private:
		return Private, nil
	}
	return "", fmt.Errorf("invalid permission %q", s)
}

// PrivateShare is a file restricted to a list of peers.
type PrivateShare struct {
	File         FileInfo   `json:"file"`
	AllowedPeers []PeerInfo `json:"allowedPeers"`
}

// Allows reports whether requester may see or fetch the file.
func (s PrivateShare) Allows(requester PeerInfo) bool {
	return ContainsPeer(s.AllowedPeers, requester)
}
