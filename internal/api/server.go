// Package api serves the local REST surface used by the desktop UI, the
// monitor and the CLI.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"p2pshare/internal/domain"
	"p2pshare/internal/node"
	"p2pshare/internal/paths"
	"p2pshare/internal/share"
	"p2pshare/internal/tasks"
)

// Backend is what the handlers drive. *node.Node implements it.
type Backend interface {
	Username() string
	SetUsername(ctx context.Context, name string) error
	Connected() bool
	Files(ctx context.Context) ([]domain.FileInfo, error)
	Search(ctx context.Context, keyword string) ([]domain.FileInfo, error)
	KnownPeers(ctx context.Context) ([]domain.PeerInfo, error)
	Share(ctx context.Context, req share.Request) (domain.Task, error)
	Download(ctx context.Context, name, savePath string, from domain.PeerInfo) (domain.Task, error)
	FileExists(ctx context.Context, name string) (bool, error)
	StopSharing(ctx context.Context, name string) error
	EditPermission(ctx context.Context, name string, vis domain.Visibility, peers []domain.PeerInfo) error
	SharedPeers(ctx context.Context, name string) ([]domain.PeerInfo, error)
	Tasks() *tasks.Registry
}

var _ Backend = (*node.Node)(nil)

// PushInterval is how often the websocket resends the task map without
// changes, matching the UI poll period.
const PushInterval = 2 * time.Second

type Server struct {
	backend Backend
	log     *slog.Logger
	mux     *http.ServeMux
}

func New(backend Backend, log *slog.Logger) *Server {
	s := &Server{backend: backend, log: log.With("component", "api"), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/files", s.handleFiles)
	s.mux.HandleFunc("POST /api/files", s.handleSharePublic)
	s.mux.HandleFunc("GET /api/files/exists", s.handleFileExists)
	s.mux.HandleFunc("POST /api/files/share-to-peers", s.handleSharePrivate)
	s.mux.HandleFunc("DELETE /api/files/{fileName}", s.handleStopSharing)
	s.mux.HandleFunc("GET /api/files/{fileName}/shared-peers", s.handleSharedPeers)
	s.mux.HandleFunc("PUT /api/files/{fileName}/permission", s.handleEditPermission)
	s.mux.HandleFunc("GET /api/files/{fileName}/download", s.handleDownload)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/check-username", s.handleCheckUsername)
	s.mux.HandleFunc("POST /api/set-username", s.handleSetUsername)
	s.mux.HandleFunc("GET /api/progress", s.handleProgress)
	s.mux.HandleFunc("POST /api/progress/cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /api/progress/ws", s.handleProgressWS)
	s.mux.HandleFunc("/api/cancel", s.handleCancel)
	s.mux.HandleFunc("/api/resume", s.handleResume)
	s.mux.HandleFunc("GET /api/peers/known", s.handleKnownPeers)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler is the mux wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(cors(s.mux))
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("api listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE, PUT")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps backend errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, share.ErrSourceNotFound),
		errors.Is(err, share.ErrNotShared),
		errors.Is(err, node.ErrFileNotFound),
		errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, share.ErrNoPeers),
		errors.Is(err, paths.ErrUnsafeName),
		errors.Is(err, node.ErrNoUsername):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotResumable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
