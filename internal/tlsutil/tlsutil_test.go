package tlsutil

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func enrolled(t *testing.T, ca *CA, name string) *Identity {
	t.Helper()
	keyPEM, csrPEM, err := NewCSR(name)
	require.NoError(t, err)
	certPEM, err := ca.Sign(csrPEM)
	require.NoError(t, err)
	id, err := NewIdentity(certPEM, keyPEM, ca.CertPEM)
	require.NoError(t, err)
	return id
}

func TestCAPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ca1, err := LoadOrCreateCA(dir)
	require.NoError(t, err)
	ca2, err := LoadOrCreateCA(dir)
	require.NoError(t, err)
	require.Equal(t, ca1.CertPEM, ca2.CertPEM)
}

func TestSignRejectsGarbage(t *testing.T) {
	t.Parallel()
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	_, err = ca.Sign([]byte("not a csr"))
	require.Error(t, err)
}

func TestIdentitySaveLoad(t *testing.T) {
	t.Parallel()
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	id := enrolled(t, ca, "alice")

	dir := t.TempDir()
	_, err = LoadIdentity(dir)
	require.ErrorIs(t, err, ErrNoIdentity)

	require.NoError(t, id.Save(dir))
	loaded, err := LoadIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, id.CertPEM, loaded.CertPEM)
}

func TestIdentityFromOtherCARejected(t *testing.T) {
	t.Parallel()
	ca1, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	ca2, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	keyPEM, csrPEM, err := NewCSR("mallory")
	require.NoError(t, err)
	certPEM, err := ca1.Sign(csrPEM)
	require.NoError(t, err)
	_, err = NewIdentity(certPEM, keyPEM, ca2.CertPEM)
	require.Error(t, err)
}

func TestMutualTLS(t *testing.T) {
	t.Parallel()
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	server, err := ca.Issue("tracker")
	require.NoError(t, err)
	client := enrolled(t, ca, "bob")

	ln, err := Listen("127.0.0.1:0", server.ServerConfig())
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("ok"))
	}()

	conn, err := Dial(context.Background(), ln.Addr().String(), client.ClientConfig(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))
}

func TestClientRejectsForeignServer(t *testing.T) {
	t.Parallel()
	ca1, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	ca2, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	server, err := ca2.Issue("impostor")
	require.NoError(t, err)
	client := enrolled(t, ca1, "bob")

	cfg := server.ServerConfig()
	cfg.ClientAuth = 0
	ln, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = conn.Read(make([]byte, 1))
			conn.Close()
		}
	}()

	_, err = Dial(context.Background(), ln.Addr().String(), client.ClientConfig(), 2*time.Second)
	require.Error(t, err)
}
