package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dc-detector/detection-server/pkg/types"
)

func postFrame(t *testing.T, rc *Receiver, frameNum uint64, dets []types.Detection, withImage bool) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	meta, err := json.Marshal(framePayload{FrameNumber: frameNum, Detections: dets})
	if err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("meta", string(meta)); err != nil {
		t.Fatal(err)
	}

	if withImage {
		part, err := mw.CreateFormFile("image", "frame.jpg")
		if err != nil {
			t.Fatal(err)
		}
		img := image.NewRGBA(image.Rect(0, 0, 64, 64))
		if err := jpeg.Encode(part, img, nil); err != nil {
			t.Fatal(err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/ingest", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	rc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIngestDeliversFrameAndDetections(t *testing.T) {
	rc := NewReceiver()
	dets := []types.Detection{{
		ClassName:  "person",
		Confidence: 0.9,
		BBox:       types.BoundingBox{X: 1, Y: 2, W: 30, H: 40},
	}}

	if rec := postFrame(t, rc, 5, dets, true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := rc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Number != 5 {
		t.Errorf("frame number = %d, want 5", frame.Number)
	}
	if frame.Image == nil {
		t.Errorf("frame image missing")
	}

	got, err := rc.Detect(ctx, frame, 640)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 || got[0].ClassName != "person" {
		t.Errorf("detections = %+v, want the posted person", got)
	}
}

func TestIngestWithoutImageStillQueues(t *testing.T) {
	rc := NewReceiver()
	if rec := postFrame(t, rc, 1, nil, false); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := rc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Image != nil {
		t.Errorf("expected metadata-only frame")
	}
}

func TestIngestShedsOldestWhenFull(t *testing.T) {
	rc := NewReceiver()
	for i := uint64(1); i <= queueDepth+2; i++ {
		if rec := postFrame(t, rc, i, nil, false); rec.Code != http.StatusOK {
			t.Fatalf("frame %d: status = %d", i, rec.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := rc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Number <= 2 {
		t.Errorf("oldest frames should have been shed, got frame %d first", frame.Number)
	}
}

func TestIngestRejectsBadRequests(t *testing.T) {
	rc := NewReceiver()

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rec := httptest.NewRecorder()
	rc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader([]byte("junk")))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec = httptest.NewRecorder()
	rc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("junk body status = %d, want 400", rec.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("meta", "not json")
	mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/ingest", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	rc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad meta status = %d, want 400", rec.Code)
	}
}

func TestSkippedFramesDoNotAccumulateDetections(t *testing.T) {
	rc := NewReceiver()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Frame skipping consumes every frame but runs detection on every other
	// one. Detections for skipped frames must be released, not retained.
	for i := uint64(1); i <= 100; i++ {
		dets := []types.Detection{{
			ClassName:  "person",
			Confidence: 0.9,
			BBox:       types.BoundingBox{X: int(i), Y: 0, W: 10, H: 10},
		}}
		if rec := postFrame(t, rc, i, dets, false); rec.Code != http.StatusOK {
			t.Fatalf("frame %d: status = %d", i, rec.Code)
		}
		frame, err := rc.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if i%2 == 1 {
			continue // skipped: Detect never runs for this frame
		}
		got, err := rc.Detect(ctx, frame, 640)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if len(got) != 1 || got[0].BBox.X != int(i) {
			t.Fatalf("frame %d: detections = %+v", i, got)
		}
	}

	// Only the last frame's detections survive the run.
	if rc.last.frame.Number != 100 {
		t.Fatalf("retained frame = %d, want 100", rc.last.frame.Number)
	}
	if len(rc.last.detections) != 1 {
		t.Fatalf("retained detections = %d, want 1", len(rc.last.detections))
	}

	// Asking about a frame that is no longer current yields nothing.
	stale, err := rc.Detect(ctx, types.Frame{Number: 99}, 640)
	if err != nil || stale != nil {
		t.Fatalf("stale Detect = %v, %v; want nil, nil", stale, err)
	}
}

func TestNextHonorsContextCancel(t *testing.T) {
	rc := NewReceiver()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rc.Next(ctx); err == nil {
		t.Fatal("Next returned without a frame on canceled context")
	}
}
