package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dc-detector/detection-server/internal/broadcast"
	"github.com/dc-detector/detection-server/internal/logger"
)

const (
	sseKeepalive   = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The service fronts a local camera; cross-origin dashboards are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleTracksStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Content negotiation based on Accept header.
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	id, updates := s.cast.Subscribe()
	defer s.cast.Unsubscribe(id)

	// Push the headers out before the first event so clients can start
	// listening immediately.
	flusher.Flush()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Pre-serialized by the broadcaster; pick the negotiated format.
			data := update.JSONData
			if useProtobuf {
				data = update.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-time.After(sseKeepalive):
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, updates := s.cast.Subscribe()
	defer s.cast.Unsubscribe(id)
	logger.Info("WebSocket", "Client %s connected", conn.RemoteAddr())

	// Reader pump: the client sends nothing we care about, but reads must be
	// drained to surface close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Catch the client up before streaming deltas.
	if snap := s.cast.Current(); snap != nil {
		if err := s.writeSnapshot(conn, snap); err != nil {
			return
		}
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, update.JSONData); err != nil {
				logger.Debug("WebSocket", "Client %s write failed: %v", conn.RemoteAddr(), err)
				return
			}

		case <-closed:
			logger.Info("WebSocket", "Client %s disconnected", conn.RemoteAddr())
			return

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snap *broadcast.Snapshot) error {
	payload := map[string]any{
		"event":        "tracks",
		"frame_number": snap.FrameNumber,
		"tracks":       snap.Tracks,
		"metrics":      snap.Metrics,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(payload)
}
