package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to the local machine and already answers any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleProgressWS pushes the task map on every change and every
// PushInterval until the client goes away.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	reg := s.backend.Tasks()
	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	// the read loop only notices the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(PushInterval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reg.Snapshot()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		case <-closed:
			return
		case <-changes:
		case <-ticker.C:
		}
	}
}
