// Package discovery finds the tracker on the LAN and runs the UDP liveness
// exchange the tracker uses to prune dead peers.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"p2pshare/internal/domain"
)

const (
	msgPing = "PING"
	msgPong = "PONG"

	readPoll = 500 * time.Millisecond
)

type message struct {
	T    string `json:"t"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Responder answers tracker PINGs with this peer's username and chunk port.
type Responder struct {
	group    *net.UDPAddr
	listen   string
	port     int
	username func() string
	log      *slog.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewResponder listens on listen (":9900" in production) and joins group
// when it is a multicast address.
func NewResponder(listen, group string, port int, username func() string, log *slog.Logger) (*Responder, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	return &Responder{group: gaddr, listen: listen, port: port, username: username,
		log: log.With("component", "liveness")}, nil
}

// Start binds the socket and serves until ctx is done or Close is called.
func (r *Responder) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", r.listen)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	r.conn = conn
	if r.group.IP.IsMulticast() {
		joinGroup(conn, r.group.IP, r.log)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	return nil
}

// Addr is the bound local address.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *Responder) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

func (r *Responder) loop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return
		}
		var msg message
		if json.Unmarshal(buf[:n], &msg) != nil || msg.T != msgPing {
			continue
		}
		reply, _ := json.Marshal(message{T: msgPong, ID: msg.ID, Name: r.username(), Port: r.port})
		if _, err := r.conn.WriteToUDP(reply, src); err != nil {
			r.log.Debug("pong failed", "to", src, "error", err)
		}
	}
}

// Prober sends PINGs and collects the PONGs that come back.
type Prober struct {
	group *net.UDPAddr
	port  int
	ttl   int
	log   *slog.Logger
}

// NewProber targets group (the responders' multicast address). The same
// port is used for unicast PINGs to individually known peers.
func NewProber(group string, ttl int, log *slog.Logger) (*Prober, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	return &Prober{group: gaddr, port: gaddr.Port, ttl: ttl, log: log.With("component", "prober")}, nil
}

// Probe pings the group and every address in unicast, then waits window for
// replies. Each responding peer is returned once.
func (p *Prober) Probe(ctx context.Context, window time.Duration, unicast []*net.UDPAddr) ([]domain.PeerInfo, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if p.ttl > 0 {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(p.ttl); err != nil {
			p.log.Debug("set multicast ttl", "error", err)
		}
		if iface, _ := bestInterface(); iface != nil {
			_ = pc.SetMulticastInterface(iface)
		}
	}

	id := fmt.Sprintf("%d", time.Now().UnixNano())
	ping, _ := json.Marshal(message{T: msgPing, ID: id})
	targets := append([]*net.UDPAddr{p.group}, unicast...)
	sent := 0
	for _, dst := range targets {
		if _, err := conn.WriteToUDP(ping, dst); err != nil {
			p.log.Debug("ping failed", "to", dst, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, errors.New("discovery: no ping could be sent")
	}

	deadline := time.Now().Add(window)
	seen := make(map[string]domain.PeerInfo)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		conn.SetReadDeadline(minTime(deadline, time.Now().Add(readPoll)))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return nil, err
		}
		var msg message
		if json.Unmarshal(buf[:n], &msg) != nil || msg.T != msgPong || msg.ID != id || msg.Port == 0 {
			continue
		}
		peer := domain.PeerInfo{IP: src.IP.String(), Port: msg.Port, Username: msg.Name}
		seen[peer.Key()] = peer
	}
	out := make([]domain.PeerInfo, 0, len(seen))
	for _, peer := range seen {
		out = append(out, peer)
	}
	return out, ctx.Err()
}

// UnicastTargets turns peer IPs into PING destinations on the liveness port.
func (p *Prober) UnicastTargets(peers []domain.PeerInfo) []*net.UDPAddr {
	seen := make(map[string]bool)
	var out []*net.UDPAddr
	for _, peer := range peers {
		ip := net.ParseIP(peer.IP)
		if ip == nil || seen[peer.IP] {
			continue
		}
		seen[peer.IP] = true
		out = append(out, &net.UDPAddr{IP: ip, Port: p.port})
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func joinGroup(conn *net.UDPConn, group net.IP, log *slog.Logger) {
	pc := ipv4.NewPacketConn(conn)
	iface, _ := bestInterface()
	if iface != nil {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			log.Warn("join multicast group", "iface", iface.Name, "error", err)
		}
		return
	}
	ifaces, _ := net.Interfaces()
	for _, i := range ifaces {
		_ = pc.JoinGroup(&i, &net.UDPAddr{IP: group})
	}
}
