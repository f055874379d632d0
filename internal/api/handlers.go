package api

import (
	"net/http"
	"strings"

	"p2pshare/internal/domain"
	"p2pshare/internal/share"
)

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.backend.Files(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if files == nil {
		files = []domain.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

type shareBody struct {
	FilePath  string            `json:"filePath"`
	IsReplace *int              `json:"isReplace"`
	Peers     []domain.PeerInfo `json:"peers"`
}

func (b shareBody) mode() share.ReplaceMode {
	if b.IsReplace == nil {
		return share.Keep
	}
	return share.ParseReplaceMode(*b.IsReplace)
}

func (s *Server) handleSharePublic(w http.ResponseWriter, r *http.Request) {
	var body shareBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.FilePath) == "" {
		writeError(w, http.StatusBadRequest, "File path is required")
		return
	}
	task, err := s.backend.Share(r.Context(), share.Request{
		Path:       body.FilePath,
		Mode:       body.mode(),
		Visibility: domain.Public,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": task.ID})
}

func (s *Server) handleSharePrivate(w http.ResponseWriter, r *http.Request) {
	var body shareBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.FilePath) == "" || len(body.Peers) == 0 {
		writeError(w, http.StatusBadRequest, "filePath and peers are required")
		return
	}
	task, err := s.backend.Share(r.Context(), share.Request{
		Path:       body.FilePath,
		Mode:       body.mode(),
		Visibility: domain.Private,
		Peers:      body.Peers,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shared", "taskId": task.ID})
}

func (s *Server) handleFileExists(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("fileName")
	if name == "" {
		writeError(w, http.StatusBadRequest, "fileName is required")
		return
	}
	ok, err := s.backend.FileExists(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleStopSharing(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.StopSharing(r.Context(), r.PathValue("fileName")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleSharedPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.backend.SharedPeers(r.Context(), r.PathValue("fileName"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

func (s *Server) handleEditPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Permission string            `json:"permission"`
		Peers      []domain.PeerInfo `json:"peers"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Permission) == "" {
		writeError(w, http.StatusBadRequest, "Permission is required")
		return
	}
	vis, err := domain.ParseVisibility(body.Permission)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid permission")
		return
	}
	name := r.PathValue("fileName")
	if err := s.backend.EditPermission(r.Context(), name, vis, body.Peers); err != nil {
		s.log.Warn("edit permission failed", "file", name, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "failure", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	savePath, peerAddr := q.Get("savePath"), q.Get("peerInfo")
	if savePath == "" || peerAddr == "" {
		writeError(w, http.StatusBadRequest, "savePath and peerInfo are required")
		return
	}
	from, err := domain.ParsePeerAddr(peerAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.backend.Download(r.Context(), r.PathValue("fileName"), savePath, from)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusStarting), "taskId": task.ID})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	files, err := s.backend.Search(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if files == nil {
		files = []domain.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	name := s.backend.Username()
	writeJSON(w, http.StatusOK, map[string]any{"hasUsername": name != "", "username": name})
}

func (s *Server) handleSetUsername(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := decode(w, r, &body); err != nil || strings.TrimSpace(body.Username) == "" {
		writeError(w, http.StatusBadRequest, "Username is required")
		return
	}
	if err := s.backend.SetUsername(r.Context(), strings.TrimSpace(body.Username)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Tasks().Snapshot())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskIDs []string `json:"taskIds"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.backend.Tasks().Cleanup(body.TaskIDs)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := r.URL.Query().Get("taskId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.backend.Tasks().Cancel(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := r.URL.Query().Get("taskId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.backend.Tasks().Resume(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleKnownPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.backend.KnownPeers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connected": s.backend.Connected()})
}
