// Package httpapi serves the detection service's HTTP surface: track and
// session queries, runtime configuration, stored media, and live updates over
// WebSocket and SSE.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dc-detector/detection-server/internal/broadcast"
	"github.com/dc-detector/detection-server/internal/config"
	"github.com/dc-detector/detection-server/internal/mediastore"
	"github.com/dc-detector/detection-server/internal/session"
)

// recentDetectionsLimit caps the GET /api/detections response.
const recentDetectionsLimit = 200

// Server wires the HTTP handlers to the service state.
type Server struct {
	cast    *broadcast.Broadcaster
	ledger  *session.Ledger
	media   *mediastore.Store
	runtime *config.RuntimeStore
}

// NewServer returns a configured API server.
func NewServer(cast *broadcast.Broadcaster, led *session.Ledger, media *mediastore.Store, rt *config.RuntimeStore) *Server {
	return &Server{
		cast:    cast,
		ledger:  led,
		media:   media,
		runtime: rt,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/tracks", s.handleTracks).Methods(http.MethodGet)
	r.HandleFunc("/api/tracks/stream", s.handleTracksStream).Methods(http.MethodGet)
	r.HandleFunc("/api/detections", s.handleDetections).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleConfigGet).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleConfigSet).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/new", s.handleSessionNew).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", s.handleSessionGet).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleSessionDelete).Methods(http.MethodDelete)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.PathPrefix("/media/").HandlerFunc(s.handleMedia).Methods(http.MethodGet)

	return r
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	snap := s.cast.Current()
	if snap == nil {
		writeJSON(w, map[string]any{
			"frame_number": 0,
			"tracks":       []any{},
			"metrics":      broadcast.Metrics{SessionID: s.ledger.ActiveID()},
		})
		return
	}
	writeJSON(w, map[string]any{
		"frame_number": snap.FrameNumber,
		"timestamp":    snap.Timestamp,
		"tracks":       snap.Tracks,
		"metrics":      snap.Metrics,
	})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.RecentDetections(s.ledger.ActiveID(), recentDetectionsLimit)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeJSON(w, map[string]any{
		"session_id": s.ledger.ActiveID(),
		"detections": entries,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.runtime.Get())
}

// configPatch carries a partial runtime update; absent fields keep their
// current value.
type configPatch struct {
	Confidence     *float64 `json:"confidence"`
	SaveConfidence *float64 `json:"save_confidence"`
	ImageSize      *int     `json:"imgsz"`
	SkipFrames     *int     `json:"skip_frames"`
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
		return
	}

	next := s.runtime.Get()
	if patch.Confidence != nil {
		next.Confidence = *patch.Confidence
	}
	if patch.SaveConfidence != nil {
		next.SaveConfidence = *patch.SaveConfidence
	}
	if patch.ImageSize != nil {
		next.ImageSize = *patch.ImageSize
	}
	if patch.SkipFrames != nil {
		next.SkipFrames = *patch.SkipFrames
	}

	if err := s.runtime.Set(next); err != nil {
		if errors.Is(err, config.ErrInvalid) {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "updated", "config": next})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ledger.List()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.ledger.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("session %s not found", id)}, http.StatusNotFound)
			return
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ledger.Delete(id); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("session %s not found", id)}, http.StatusNotFound)
		case errors.Is(err, session.ErrActiveSession):
			writeJSONWithStatus(w, map[string]any{"error": "cannot delete the active session"}, http.StatusConflict)
		default:
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, map[string]any{"status": "deleted", "session_id": id})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	frozen, err := s.ledger.CloseActive()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "rotated",
		"closed":     frozen,
		"session_id": s.ledger.ActiveID(),
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Path[len("/media/"):]
	path, err := s.media.Path(ref)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid media path"}, http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.cast.Current()
	if snap == nil {
		writeJSON(w, broadcast.Metrics{SessionID: s.ledger.ActiveID()})
		return
	}
	writeJSON(w, snap.Metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	published, dropped := s.cast.Stats()
	writeJSON(w, map[string]any{
		"status":      "ok",
		"session_id":  s.ledger.ActiveID(),
		"subscribers": s.cast.SubscriberCount(),
		"published":   published,
		"dropped":     dropped,
		"timestamp":   float64(time.Now().Unix()),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
