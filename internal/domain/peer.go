// Package domain holds the types shared by the tracker, the peer daemon and
// its clients.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerInfo identifies a peer daemon. Two peers are the same when IP and port
// match; the username is informational.
type PeerInfo struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Key returns the ip:port identity of the peer.
func (p PeerInfo) Key() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Same reports whether p and o address the same daemon.
func (p PeerInfo) Same(o PeerInfo) bool {
	return p.IP == o.IP && p.Port == o.Port
}

func (p PeerInfo) String() string {
	if p.Username == "" {
		return p.Key()
	}
	return fmt.Sprintf("%s (%s)", p.Username, p.Key())
}

// ParsePeerAddr parses "ip:port".
func ParsePeerAddr(s string) (PeerInfo, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return PeerInfo{}, fmt.Errorf("parse peer %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return PeerInfo{}, fmt.Errorf("parse peer %q: bad port", s)
	}
	if host == "" {
		return PeerInfo{}, fmt.Errorf("parse peer %q: empty host", s)
	}
	return PeerInfo{IP: host, Port: port}, nil
}

// ContainsPeer reports whether peers holds a peer with p's identity.
func ContainsPeer(peers []PeerInfo, p PeerInfo) bool {
	for _, q := range peers {
		if q.Same(p) {
			return true
		}
	}
	return false
}

// ContainsIP reports whether any peer in peers has the given IP.
func ContainsIP(peers []PeerInfo, ip string) bool {
	for _, q := range peers {
		if q.IP == ip {
			return true
		}
	}
	return false
}
