package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"stagehand/pkg/protocol"
	"stagehand/pkg/queuestore"
)

// wsMessage is the envelope for every frame the hub sends.
type wsMessage struct {
	Type     string                   `json:"type"` // "snapshot", "job", "progress"
	Jobs     []protocol.Job           `json:"jobs,omitempty"`
	Job      *protocol.Job            `json:"job,omitempty"`
	Progress *protocol.ProgressSample `json:"progress,omitempty"`
}

// Hub fans out job and progress updates to WebSocket clients. New
// clients get a full snapshot first, then incremental updates, so they
// never render from a gap.
type Hub struct {
	store *queuestore.Store

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates a Hub over the given store.
func NewHub(store *queuestore.Store) *Hub {
	return &Hub{
		store:   store,
		clients: make(map[*websocket.Conn]bool),
	}
}

var upgrader = websocket.Upgrader{
	// Single-node deployment behind no proxy; the API carries no
	// credentials, so cross-origin reads expose nothing extra.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	s.hub.addClient(conn)
}

// addClient registers a connection, sends the snapshot, and starts the
// read-until-close goroutine that detects disconnects.
func (h *Hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	h.sendSnapshot(conn)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// sendSnapshot writes the full current job set to one client.
func (h *Hub) sendSnapshot(conn *websocket.Conn) {
	var jobs []protocol.Job
	projects, err := h.store.ListProjects()
	if err == nil {
		for _, projectID := range projects {
			q, err := h.store.Load(projectID)
			if err != nil {
				continue
			}
			jobs = append(jobs, q.Jobs...)
		}
	}
	_ = conn.WriteJSON(wsMessage{Type: "snapshot", Jobs: jobs})
}

// BroadcastJob pushes one job update to every client.
func (h *Hub) BroadcastJob(job protocol.Job) {
	h.broadcast(wsMessage{Type: "job", Job: &job})
}

// BroadcastProgress pushes one progress sample to every client.
func (h *Hub) BroadcastProgress(sample protocol.ProgressSample) {
	h.broadcast(wsMessage{Type: "progress", Progress: &sample})
}

func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
