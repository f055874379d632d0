package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"p2pshare/internal/ctxlog"
	"p2pshare/internal/domain"
	"p2pshare/internal/node"
	"p2pshare/internal/share"
	"p2pshare/internal/tasks"
)

type fakeBackend struct {
	reg *tasks.Registry

	mu         sync.Mutex
	username   string
	connected  atomic.Bool
	files      []domain.FileInfo
	shares     map[string]domain.Visibility
	lastShare  share.Request
	lastPerm   domain.Visibility
	downloaded []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	ctx, cancel := context.WithCancel(context.Background())
	reg := tasks.NewRegistry(ctx, tasks.Options{StallAfter: time.Minute, TimeoutAfter: time.Hour, CleanupDelay: time.Millisecond}, ctxlog.Discard())
	t.Cleanup(func() {
		cancel()
		reg.Wait()
	})
	be := &fakeBackend{
		reg: reg,
		files: []domain.FileInfo{
			{FileName: "movie.mkv", FileSize: 10, FileHash: "h1", Peer: domain.PeerInfo{IP: "10.0.0.1", Port: 5000}},
		},
		shares: map[string]domain.Visibility{"mine.txt": domain.Public},
	}
	be.connected.Store(true)
	return be
}

func (f *fakeBackend) last() (share.Request, domain.Visibility, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastShare, f.lastPerm, append([]string(nil), f.downloaded...)
}

func (f *fakeBackend) Username() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.username
}

func (f *fakeBackend) SetUsername(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = name
	return nil
}

func (f *fakeBackend) Connected() bool { return f.connected.Load() }

func (f *fakeBackend) Files(context.Context) ([]domain.FileInfo, error) {
	if !f.connected.Load() {
		return nil, node.ErrNotConnected
	}
	return f.files, nil
}

func (f *fakeBackend) Search(_ context.Context, q string) ([]domain.FileInfo, error) {
	var out []domain.FileInfo
	for _, fi := range f.files {
		if strings.Contains(fi.FileName, q) {
			out = append(out, fi)
		}
	}
	return out, nil
}

func (f *fakeBackend) KnownPeers(context.Context) ([]domain.PeerInfo, error) {
	if !f.connected.Load() {
		return nil, node.ErrNotConnected
	}
	return []domain.PeerInfo{{IP: "10.0.0.1", Port: 5000, Username: "alice"}}, nil
}

func (f *fakeBackend) Share(_ context.Context, req share.Request) (domain.Task, error) {
	if !f.connected.Load() {
		return domain.Task{}, node.ErrNotConnected
	}
	if strings.Contains(req.Path, "missing") {
		return domain.Task{}, share.ErrSourceNotFound
	}
	f.mu.Lock()
	f.lastShare = req
	f.mu.Unlock()
	return f.reg.Create(domain.TaskShare, req.Path), nil
}

func (f *fakeBackend) Download(_ context.Context, name, savePath string, from domain.PeerInfo) (domain.Task, error) {
	if !f.connected.Load() {
		return domain.Task{}, node.ErrNotConnected
	}
	for _, fi := range f.files {
		if fi.FileName == name && fi.Peer.Same(from) {
			f.mu.Lock()
			f.downloaded = append(f.downloaded, savePath)
			f.mu.Unlock()
			return f.reg.Create(domain.TaskDownload, name), nil
		}
	}
	return domain.Task{}, node.ErrFileNotFound
}

func (f *fakeBackend) FileExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.shares[name]
	return ok, nil
}

func (f *fakeBackend) StopSharing(_ context.Context, name string) error {
	if !f.connected.Load() {
		return node.ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shares[name]; !ok {
		return share.ErrNotShared
	}
	delete(f.shares, name)
	return nil
}

func (f *fakeBackend) EditPermission(_ context.Context, name string, vis domain.Visibility, peers []domain.PeerInfo) error {
	if vis == domain.Private && len(peers) == 0 {
		return share.ErrNoPeers
	}
	f.mu.Lock()
	f.lastPerm = vis
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SharedPeers(context.Context, string) ([]domain.PeerInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Tasks() *tasks.Registry { return f.reg }

func newTestServer(t *testing.T) (*httptest.Server, *fakeBackend) {
	t.Helper()
	be := newFakeBackend(t)
	srv := httptest.NewServer(New(be, ctxlog.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv, be
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestCORSAndOptions(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/files", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestFilesAndSearch(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/files")
	require.NoError(t, err)
	var files []domain.FileInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	resp.Body.Close()
	require.Len(t, files, 1)
	require.Equal(t, "10.0.0.1", files[0].Peer.IP)

	resp, err = http.Get(srv.URL + "/api/search?q=zzz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	resp.Body.Close()
	require.Empty(t, files)

	code, _ := do(t, http.MethodGet, srv.URL+"/api/search", "")
	require.Equal(t, http.StatusBadRequest, code)

	be.connected.Store(false)
	code, body := do(t, http.MethodGet, srv.URL+"/api/files", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.NotEmpty(t, body["error"])
}

func TestSharePublic(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/files", `{"filePath":"/tmp/a.txt","isReplace":0}`)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["taskId"])
	req, _, _ := be.last()
	require.Equal(t, share.Increment, req.Mode)
	require.Equal(t, domain.Public, req.Visibility)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/files", `{"filePath":"/tmp/a.txt","isReplace":1}`)
	require.Equal(t, http.StatusOK, code)
	req, _, _ = be.last()
	require.Equal(t, share.Replace, req.Mode)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/files", `{"isReplace":1}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/files", `{"filePath":"/tmp/missing.txt"}`)
	require.Equal(t, http.StatusNotFound, code)

	be.connected.Store(false)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/files", `{"filePath":"/tmp/a.txt"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestSharePrivate(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/files/share-to-peers",
		`{"filePath":"/tmp/a.txt","isReplace":-1,"peers":[{"ip":"10.0.0.2","port":5000}]}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "shared", body["status"])
	req, _, _ := be.last()
	require.Equal(t, share.Keep, req.Mode)
	require.Equal(t, []domain.PeerInfo{{IP: "10.0.0.2", Port: 5000}}, req.Peers)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/files/share-to-peers", `{"filePath":"/tmp/a.txt","peers":[]}`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestFileRoutes(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/api/files/exists?fileName=mine.txt", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["exists"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/files/mine.txt/shared-peers", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{}, body["peers"])

	code, body = do(t, http.MethodPut, srv.URL+"/api/files/mine.txt/permission", `{"permission":"PRIVATE","peers":[{"ip":"10.0.0.2","port":5000}]}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", body["status"])
	_, perm, _ := be.last()
	require.Equal(t, domain.Private, perm)

	code, body = do(t, http.MethodPut, srv.URL+"/api/files/mine.txt/permission", `{"permission":"PRIVATE"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "failure", body["status"])

	code, _ = do(t, http.MethodPut, srv.URL+"/api/files/mine.txt/permission", `{"permission":"SECRET"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/files/mine.txt", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/api/files/mine.txt", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestDownloadRoute(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/api/files/movie.mkv/download?savePath=/tmp/x&peerInfo=10.0.0.1:5000", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "starting", body["status"])
	_, _, saved := be.last()
	require.Equal(t, []string{"/tmp/x"}, saved)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/files/movie.mkv/download?savePath=/tmp/x", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/files/other.mkv/download?savePath=/tmp/x&peerInfo=10.0.0.1:5000", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/files/movie.mkv/download?savePath=/tmp/x&peerInfo=nonsense", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestUsernameRoutes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/api/check-username", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["hasUsername"])

	code, _ = do(t, http.MethodPost, srv.URL+"/api/set-username", `{"username":"   "}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/set-username", `{"username":" alice "}`)
	require.Equal(t, http.StatusOK, code)

	_, body = do(t, http.MethodGet, srv.URL+"/api/check-username", "")
	require.Equal(t, true, body["hasUsername"])
	require.Equal(t, "alice", body["username"])
}

func TestProgressRoutes(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)
	a := be.reg.Create(domain.TaskDownload, "a.bin")
	b := be.reg.Create(domain.TaskShare, "b.bin")

	code, body := do(t, http.MethodGet, srv.URL+"/api/progress", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body, 2)
	require.Contains(t, body, a.ID)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/progress/cleanup", fmt.Sprintf(`{"taskIds":[%q]}`, b.ID))
	require.Equal(t, http.StatusOK, code)
	_, ok := be.reg.Get(b.ID)
	require.False(t, ok)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/cancel?taskId="+a.ID, "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/api/cancel", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodDelete, srv.URL+"/api/cancel?taskId=nope", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/resume?taskId="+a.ID, "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/resume", "")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/resume?taskId="+a.ID, "")
	require.Equal(t, http.StatusConflict, code, "a starting task is not resumable")

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/cancel?taskId="+a.ID, "")
	require.Equal(t, http.StatusOK, code)
	got, ok := be.reg.Get(a.ID)
	if ok {
		require.Equal(t, domain.StatusCanceled, got.Status)
	}
}

func TestKnownPeersAndHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/peers/known")
	require.NoError(t, err)
	var peers []domain.PeerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	resp.Body.Close()
	require.Equal(t, "alice", peers[0].Username)

	code, body := do(t, http.MethodGet, srv.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["connected"])
}

func TestProgressWebsocket(t *testing.T) {
	t.Parallel()
	srv, be := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap map[string]domain.Task
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&snap))
	require.Empty(t, snap)

	task := be.reg.Create(domain.TaskDownload, "a.bin")
	for i := 0; ; i++ {
		require.Less(t, i, 5, "task never pushed")
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		require.NoError(t, conn.ReadJSON(&snap))
		if _, ok := snap[task.ID]; ok {
			break
		}
	}
}
