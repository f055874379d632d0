package tracker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pshare/internal/ctxlog"
	"p2pshare/internal/domain"
	"p2pshare/internal/wire"
)

func newTestServer() *Server {
	return NewServer(NewRegistry(), time.Second, ctxlog.Discard())
}

func TestHandleRegisterAndShare(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	resp := s.Handle(wire.Request{Op: wire.OpRegister, Peer: &alice}, "10.0.0.1")
	require.Equal(t, wire.StatusRegistered, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpShare, Public: []domain.FileInfo{file("a.txt", "h1", bob)}}, "10.0.0.2")
	require.Equal(t, wire.StatusSuccess, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpRegister, Peer: &alice}, "10.0.0.1")
	require.Equal(t, wire.StatusSharedList, resp.Status)
	require.Len(t, resp.Files, 1)
}

func TestHandleRejectsBadRequests(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	resp := s.Handle(wire.Request{Op: wire.OpRegister}, "10.0.0.1")
	require.Equal(t, wire.StatusError, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpShare}, "10.0.0.1")
	require.Equal(t, wire.StatusError, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpShare, Public: []domain.FileInfo{{FileName: "x"}}}, "10.0.0.1")
	require.Equal(t, wire.StatusError, resp.Status)

	resp = s.Handle(wire.Request{Op: "BOGUS"}, "10.0.0.1")
	require.Equal(t, wire.StatusError, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpUnshare}, "10.0.0.1")
	require.Equal(t, wire.StatusError, resp.Status)
}

func TestHandleNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	for _, op := range []wire.Op{wire.OpGetPeers, wire.OpGetSharedPeers, wire.OpGetKnownPeers} {
		resp := s.Handle(wire.Request{Op: op, Hash: "h"}, "10.0.0.1")
		require.Equal(t, wire.StatusNotFound, resp.Status, op)
	}
	f := file("a.txt", "h", bob)
	resp := s.Handle(wire.Request{Op: wire.OpUnshare, File: &f}, "10.0.0.2")
	require.Equal(t, wire.StatusNotFound, resp.Status)
}

func TestHandleFillsRemoteIP(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	resp := s.Handle(wire.Request{Op: wire.OpRegister, Peer: &domain.PeerInfo{Port: 5000, Username: "anon"}}, "192.168.0.7")
	require.Equal(t, wire.StatusRegistered, resp.Status)

	resp = s.Handle(wire.Request{Op: wire.OpGetKnownPeers}, "10.0.0.1")
	require.Equal(t, []domain.PeerInfo{{IP: "192.168.0.7", Port: 5000, Username: "anon"}}, resp.Peers)
}

func TestServeOverLoopback(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	peer := domain.PeerInfo{IP: "127.0.0.1", Port: 5000, Username: "alice"}
	require.NoError(t, wire.WriteJSON(conn, wire.TRequest, wire.Request{Op: wire.OpRegister, Peer: &peer}))
	var resp wire.Response
	require.NoError(t, wire.ReadJSON(conn, wire.TResponse, &resp))
	require.Equal(t, wire.StatusRegistered, resp.Status)

	// second request on the same connection
	require.NoError(t, wire.WriteJSON(conn, wire.TRequest, wire.Request{Op: wire.OpGetKnownPeers}))
	require.NoError(t, wire.ReadJSON(conn, wire.TResponse, &resp))
	require.Equal(t, wire.StatusKnownPeers, resp.Status)

	cancel()
	require.NoError(t, <-done)
}

type fakeProber struct {
	mu    sync.Mutex
	alive []domain.PeerInfo
	calls int
}

func (f *fakeProber) Probe(context.Context, time.Duration, []*net.UDPAddr) ([]domain.PeerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.alive, nil
}

func (f *fakeProber) UnicastTargets([]domain.PeerInfo) []*net.UDPAddr { return nil }

func TestPingerRoundPrunesSilentPeers(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	clock := time.Unix(1000, 0)
	reg.now = func() time.Time { return clock }
	reg.Register(alice, []domain.FileInfo{file("a.txt", "h1", alice)}, nil)
	reg.Register(bob, nil, nil)

	prober := &fakeProber{alive: []domain.PeerInfo{bob}}
	p := NewPinger(reg, prober, time.Hour, time.Millisecond, 30*time.Second, ctxlog.Discard())

	clock = clock.Add(31 * time.Second)
	p.Round(context.Background())

	require.Equal(t, 1, prober.calls)
	require.Equal(t, []domain.PeerInfo{bob}, reg.KnownPeers())
	require.Empty(t, reg.Visible(bob))
}

func TestPingerSkipsWhenNoPeers(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{}
	p := NewPinger(NewRegistry(), prober, time.Hour, time.Millisecond, time.Second, ctxlog.Discard())
	p.Round(context.Background())
	require.Zero(t, prober.calls)
}
