// Package ingest receives frames and their detections from the external
// inference process over HTTP and feeds them to the pipeline.
//
// The detector posts one multipart request per frame: a JSON part with the
// frame metadata and detections, and an optional JPEG part with the frame
// pixels. The receiver keeps a small bounded queue; when the pipeline falls
// behind, the oldest queued frame is shed so the freshest one is processed.
package ingest

import (
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg" // frame pixel decoding
	_ "image/png"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/pkg/types"
)

// queueDepth is the ingest buffer. Small on purpose: stale frames are worth
// less than fresh ones.
const queueDepth = 4

// maxUploadBytes caps one frame upload.
const maxUploadBytes = 16 << 20

// framePayload is the JSON part of an ingest request.
type framePayload struct {
	FrameNumber uint64            `json:"frame_number"`
	Timestamp   float64           `json:"timestamp"` // unix seconds, 0 means now
	Detections  []types.Detection `json:"detections"`
}

// item pairs a frame with the detections observed on it.
type item struct {
	frame      types.Frame
	detections []types.Detection
}

// Receiver implements pipeline.FrameSource and pipeline.Detector backed by
// the ingest endpoint.
type Receiver struct {
	queue   chan item
	last    item // frame most recently handed out by Next; pipeline-owned
	dropped atomic.Uint64
}

// NewReceiver creates an empty receiver.
func NewReceiver() *Receiver {
	return &Receiver{
		queue: make(chan item, queueDepth),
	}
}

// Handler returns the HTTP handler for POST /ingest.
func (rc *Receiver) Handler() http.Handler {
	return http.HandlerFunc(rc.handleIngest)
}

func (rc *Receiver) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	var payload framePayload
	if err := json.Unmarshal([]byte(r.FormValue("meta")), &payload); err != nil {
		http.Error(w, "invalid meta part", http.StatusBadRequest)
		return
	}

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.Unix(0, int64(payload.Timestamp*float64(time.Second)))
	}
	frame := types.Frame{Number: payload.FrameNumber, Timestamp: ts}

	if file, _, err := r.FormFile("image"); err == nil {
		img, _, decodeErr := image.Decode(file)
		file.Close()
		if decodeErr != nil {
			http.Error(w, "undecodable image part", http.StatusBadRequest)
			return
		}
		frame.Image = img
	}

	rc.push(item{frame: frame, detections: payload.Detections})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued", "frame_number": frame.Number})
}

// push enqueues a frame, shedding the oldest queued one when full.
func (rc *Receiver) push(it item) {
	select {
	case rc.queue <- it:
		return
	default:
	}
	select {
	case <-rc.queue:
		if n := rc.dropped.Add(1); n%30 == 1 {
			logger.Warn("Ingest", "Pipeline behind, dropped %d frames so far", n)
		}
	default:
	}
	select {
	case rc.queue <- it:
	default:
	}
}

// Next blocks until the detector delivers a frame or ctx is canceled. Only
// the last delivered frame's detections are retained; a frame the pipeline
// skips is released as soon as the next one arrives.
func (rc *Receiver) Next(ctx context.Context) (types.Frame, error) {
	select {
	case it := <-rc.queue:
		rc.last = it
		return it.frame, nil
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Detect returns the detections that arrived with the frame. The inference
// already ran out of process; nothing is recomputed here.
func (rc *Receiver) Detect(_ context.Context, frame types.Frame, _ int) ([]types.Detection, error) {
	if frame.Number != rc.last.frame.Number {
		return nil, nil
	}
	return rc.last.detections, nil
}
