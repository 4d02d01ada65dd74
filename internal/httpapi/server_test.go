package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dc-detector/detection-server/internal/broadcast"
	"github.com/dc-detector/detection-server/internal/config"
	"github.com/dc-detector/detection-server/internal/mediastore"
	"github.com/dc-detector/detection-server/internal/metrics"
	"github.com/dc-detector/detection-server/internal/session"
	"github.com/dc-detector/detection-server/internal/track"
	"github.com/dc-detector/detection-server/pkg/types"
)

type testEnv struct {
	server  *Server
	cast    *broadcast.Broadcaster
	ledger  *session.Ledger
	media   *mediastore.Store
	runtime *config.RuntimeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	led, err := session.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	store, err := mediastore.New(mediastore.Config{
		Dir:       filepath.Join(dir, "media"),
		GIFWindow: time.Hour,
	}, led, metrics.New())
	if err != nil {
		t.Fatalf("mediastore.New: %v", err)
	}
	t.Cleanup(store.Close)

	rt, err := config.NewRuntimeStore(config.Default().Detection)
	if err != nil {
		t.Fatalf("NewRuntimeStore: %v", err)
	}

	cast := broadcast.New()
	return &testEnv{
		server:  NewServer(cast, led, store, rt),
		cast:    cast,
		ledger:  led,
		media:   store,
		runtime: rt,
	}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
	}
	return body
}

func sampleSnapshot(frame uint64) *broadcast.Snapshot {
	return &broadcast.Snapshot{
		FrameNumber: frame,
		Timestamp:   time.Now(),
		Tracks: []track.Track{{
			ID:         1,
			ClassName:  "person",
			Confidence: 0.9,
			BBox:       types.BoundingBox{X: 10, Y: 10, W: 50, H: 50},
		}},
		Metrics: broadcast.Metrics{FrameNumber: frame, ActiveTracks: 1},
	}
}

func TestTracksEmptyBeforeFirstFrame(t *testing.T) {
	e := newTestEnv(t)

	rec := e.get(t, "/api/tracks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if tracks, ok := body["tracks"].([]any); !ok || len(tracks) != 0 {
		t.Errorf("tracks = %v, want empty list", body["tracks"])
	}
}

func TestTracksReflectLatestSnapshot(t *testing.T) {
	e := newTestEnv(t)
	e.cast.Publish(sampleSnapshot(42))

	body := decodeBody(t, e.get(t, "/api/tracks"))
	if body["frame_number"].(float64) != 42 {
		t.Errorf("frame_number = %v, want 42", body["frame_number"])
	}
	tracks := body["tracks"].([]any)
	if len(tracks) != 1 {
		t.Fatalf("tracks = %v, want 1 entry", tracks)
	}
	first := tracks[0].(map[string]any)
	if first["class_name"] != "person" {
		t.Errorf("track class = %v, want person", first["class_name"])
	}
}

func TestConfigUpdateAndValidation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/config", []byte(`{"confidence":0.8,"skip_frames":3}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got := e.runtime.Get()
	if got.Confidence != 0.8 || got.SkipFrames != 3 {
		t.Errorf("runtime = %+v, want confidence 0.8 / skip 3", got)
	}
	// Untouched fields keep their values.
	if got.ImageSize != config.Default().Detection.ImageSize {
		t.Errorf("imgsz changed unexpectedly: %d", got.ImageSize)
	}

	cases := []string{
		`{"confidence":1.5}`,
		`{"imgsz":123}`,
		`{"skip_frames":-1}`,
		`not json`,
	}
	for _, body := range cases {
		rec := e.do(t, http.MethodPost, "/api/config", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", body, rec.Code)
		}
	}
	// Rejected updates leave the runtime untouched.
	if e.runtime.Get() != got {
		t.Errorf("runtime changed after rejected update")
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	first := e.ledger.ActiveID()

	body := decodeBody(t, e.get(t, "/api/sessions"))
	if sessions := body["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("sessions = %v, want the active session only", sessions)
	}

	if rec := e.get(t, "/api/sessions/20000101_000000"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/api/sessions/"+first, nil); rec.Code != http.StatusConflict {
		t.Errorf("delete active: status = %d, want 409", rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/api/sessions/new", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status = %d: %s", rec.Code, rec.Body.String())
	}
	rotated := decodeBody(t, rec)
	if rotated["session_id"] == first {
		t.Fatalf("rotation kept session %v active", rotated["session_id"])
	}

	if rec := e.do(t, http.MethodDelete, "/api/sessions/"+first, nil); rec.Code != http.StatusOK {
		t.Errorf("delete closed: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := e.get(t, "/api/sessions/" + first); rec.Code != http.StatusNotFound {
		t.Errorf("deleted session still served: status = %d", rec.Code)
	}
}

func TestMediaServesStoredArtifacts(t *testing.T) {
	e := newTestEnv(t)

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	ref := e.media.Capture(1, img, types.BoundingBox{X: 10, Y: 10, W: 40, H: 40})
	if ref == "" {
		t.Fatal("capture produced no reference")
	}

	path, err := e.media.Path(ref)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("artifact never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := e.get(t, "/media/"+ref)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "image/jpeg") {
		t.Errorf("content type = %q, want image/jpeg", ct)
	}

	if rec := e.get(t, "/media/session_x/absent.jpg"); rec.Code != http.StatusNotFound {
		t.Errorf("absent artifact: status = %d, want 404", rec.Code)
	}
}

func TestWebSocketStreamsUpdates(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the subscription to register, then publish.
	deadline := time.Now().Add(2 * time.Second)
	for e.cast.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.cast.Publish(sampleSnapshot(7))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload map[string]any
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read: %v", err)
	}
	if payload["event"] != "tracks" {
		t.Errorf("event = %v, want tracks", payload["event"])
	}
	if payload["frame_number"].(float64) != 7 {
		t.Errorf("frame_number = %v, want 7", payload["frame_number"])
	}
}

func TestSSENegotiatesFormat(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/tracks/stream", nil)
	req.Header.Set("Accept", "application/protobuf")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Errorf("X-Content-Format = %q, want application/protobuf", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.cast.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.cast.Publish(sampleSnapshot(9))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Errorf("event line = %q, want data: prefix", line)
	}
	// Protobuf payloads are base64 framed, never raw JSON.
	if strings.Contains(line, `"event"`) {
		t.Errorf("negotiated protobuf but received JSON: %q", line)
	}
}
