// Package mediastore persists reviewable evidence for tracked objects: a
// still crop at a track's first qualifying detection and a short looping
// animation composed from the track's early frames.
//
// The frame loop only crops and buffers; all encoding happens on a single
// background worker behind a bounded queue, so a slow disk can never stall
// the producer. A per-session byte budget is enforced with FIFO eviction.
package mediastore

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/internal/metrics"
	"github.com/dc-detector/detection-server/pkg/types"
)

const (
	// maxCropWidth caps animation frames so GIFs stay small.
	maxCropWidth = 200
	// maxGIFFrames is the sampling cap for a finished animation.
	maxGIFFrames = 5 * 4
	// minGIFFrames is the minimum buffered frames worth animating.
	minGIFFrames = 5
	// gifFrameDelay is the inter-frame delay in 10ms units (250ms).
	gifFrameDelay = 25
	// jpegQuality for still crops.
	jpegQuality = 85
)

// Ledger is the slice of the session ledger the store reports to.
type Ledger interface {
	ActiveID() string
	RecordGIF()
	AddArtifactBytes(delta int64)
}

// Config holds the store's tunables.
type Config struct {
	Dir            string
	GIFWindow      time.Duration
	SessionBudget  int64
	QueueDepth     int
	EncodeDeadline time.Duration
}

// Completed reports a finished artifact back to the pipeline so it can be
// attached to the live track.
type Completed struct {
	TrackID int64
	JPEGRef string
	GIFRef  string
}

// encodeJob is one unit of background work.
type encodeJob struct {
	sessionID string
	trackID   int64
	still     *image.NRGBA   // still crop, nil for animation jobs
	frames    []*image.NRGBA // animation frames, nil for still jobs
	ref       string
	enqueued  time.Time
}

// gifBuffer accumulates a track's animation frames during the window.
type gifBuffer struct {
	frames []*image.NRGBA
	start  time.Time
	done   bool
}

// artifact is one stored file, kept for FIFO eviction.
type artifact struct {
	path string
	size int64
}

// sessionUsage tracks stored bytes per session, oldest artifact first.
type sessionUsage struct {
	bytes     int64
	artifacts []artifact
}

// Store persists crops and animations under Dir/session_<id>/.
type Store struct {
	cfg     Config
	ledger  Ledger
	metrics *metrics.Metrics

	// Producer-owned per-track state (no lock needed).
	stills map[int64]string // track -> still ref, once requested
	gifs   map[int64]*gifBuffer

	jobs      chan encodeJob
	completed chan Completed

	mu       sync.Mutex // guards usage and canceled
	usage    map[string]*sessionUsage
	canceled map[string]bool

	stop chan struct{}
	done chan struct{}
}

// New creates the store and starts its encode worker.
func New(cfg Config, led Ledger, m *metrics.Metrics) (*Store, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if cfg.GIFWindow <= 0 {
		cfg.GIFWindow = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		ledger:    led,
		metrics:   m,
		stills:    make(map[int64]string),
		gifs:      make(map[int64]*gifBuffer),
		jobs:      make(chan encodeJob, cfg.QueueDepth),
		completed: make(chan Completed, 64),
		usage:     make(map[string]*sessionUsage),
		canceled:  make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.encodeLoop()
	return s, nil
}

// Capture buffers media for one qualifying detection. It must be called only
// from the frame loop. The returned still reference is assigned on the
// track's first call and empty afterwards; animation references arrive later
// through Drain once the encode worker finishes.
func (s *Store) Capture(trackID int64, frame image.Image, bbox types.BoundingBox) (jpegRef string) {
	if frame == nil {
		return ""
	}
	sessionID := s.ledger.ActiveID()
	crop := s.crop(frame, bbox)
	if crop == nil {
		return ""
	}

	if _, ok := s.stills[trackID]; !ok {
		ref := fmt.Sprintf("session_%s/track_%d.jpg", sessionID, trackID)
		s.stills[trackID] = ref
		s.enqueue(encodeJob{
			sessionID: sessionID,
			trackID:   trackID,
			still:     crop,
			ref:       ref,
			enqueued:  time.Now(),
		})
		jpegRef = ref
	}

	s.bufferAnimation(trackID, sessionID, crop)
	return jpegRef
}

// bufferAnimation collects window frames and hands the finished set to the
// worker exactly once per track.
func (s *Store) bufferAnimation(trackID int64, sessionID string, crop *image.NRGBA) {
	buf, ok := s.gifs[trackID]
	if !ok {
		buf = &gifBuffer{start: time.Now()}
		s.gifs[trackID] = buf
	}
	if buf.done {
		return
	}

	// All frames share the first frame's dimensions.
	if len(buf.frames) > 0 {
		first := buf.frames[0].Bounds()
		if crop.Bounds().Dx() != first.Dx() || crop.Bounds().Dy() != first.Dy() {
			crop = imaging.Resize(crop, first.Dx(), first.Dy(), imaging.Linear)
		}
	}
	buf.frames = append(buf.frames, crop)

	if time.Since(buf.start) < s.cfg.GIFWindow || len(buf.frames) < minGIFFrames {
		return
	}

	// Sample down to the frame cap.
	frames := buf.frames
	if step := (len(frames) + maxGIFFrames - 1) / maxGIFFrames; step > 1 {
		sampled := make([]*image.NRGBA, 0, maxGIFFrames)
		for i := 0; i < len(frames); i += step {
			sampled = append(sampled, frames[i])
		}
		frames = sampled
	}

	buf.done = true
	buf.frames = nil // free buffered memory

	s.enqueue(encodeJob{
		sessionID: sessionID,
		trackID:   trackID,
		frames:    frames,
		ref:       fmt.Sprintf("session_%s/track_%d.gif", sessionID, trackID),
		enqueued:  time.Now(),
	})
}

// Forget releases per-track buffers once a track is removed.
func (s *Store) Forget(trackID int64) {
	delete(s.stills, trackID)
	delete(s.gifs, trackID)
}

// Drain returns artifacts completed since the last call. Called from the
// frame loop each iteration.
func (s *Store) Drain() []Completed {
	var out []Completed
	for {
		select {
		case c := <-s.completed:
			out = append(out, c)
		default:
			return out
		}
	}
}

// CancelSession discards a deleted session's artifacts and marks its
// in-flight encodes for disposal. Wired as the ledger's delete hook.
func (s *Store) CancelSession(sessionID string) {
	s.mu.Lock()
	s.canceled[sessionID] = true
	delete(s.usage, sessionID)
	s.mu.Unlock()

	dir := filepath.Join(s.cfg.Dir, "session_"+sessionID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("MediaStore", "Failed to remove %s: %v", dir, err)
		return
	}
	logger.Info("MediaStore", "Removed artifacts for session %s", sessionID)
}

// Path resolves an artifact reference to a file path confined to the media
// root. Rooting the reference before cleaning strips any traversal attempt.
func (s *Store) Path(ref string) (string, error) {
	if ref == "" || ref == "/" {
		return "", fmt.Errorf("invalid media ref %q", ref)
	}
	return filepath.Join(s.cfg.Dir, filepath.Clean("/"+ref)), nil
}

// Close stops the worker after it finishes the current job.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

func (s *Store) enqueue(job encodeJob) {
	select {
	case s.jobs <- job:
	default:
		if s.metrics != nil {
			s.metrics.ArtifactsDropped.Add(1)
		}
		logger.Warn("MediaStore", "Encode queue full, dropping %s", job.ref)
	}
}

// crop extracts the detection region clamped to the frame, downscaled to the
// animation width cap.
func (s *Store) crop(frame image.Image, bbox types.BoundingBox) *image.NRGBA {
	rect := bbox.Rect().Intersect(frame.Bounds())
	if rect.Empty() {
		return nil
	}
	crop := imaging.Crop(frame, rect)
	if crop.Bounds().Dx() > maxCropWidth {
		crop = imaging.Resize(crop, maxCropWidth, 0, imaging.Linear)
	}
	return crop
}

func (s *Store) encodeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case job := <-s.jobs:
			s.process(job)
		}
	}
}

func (s *Store) process(job encodeJob) {
	s.mu.Lock()
	canceled := s.canceled[job.sessionID]
	s.mu.Unlock()
	if canceled {
		return
	}

	if s.cfg.EncodeDeadline > 0 && time.Since(job.enqueued) > s.cfg.EncodeDeadline {
		if s.metrics != nil {
			s.metrics.ArtifactsDropped.Add(1)
		}
		logger.Warn("MediaStore", "Encode budget exceeded for %s, dropping", job.ref)
		return
	}

	path, err := s.Path(job.ref)
	if err != nil {
		logger.Warn("MediaStore", "Bad artifact ref: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("MediaStore", "Create session dir: %v", err)
		return
	}

	if job.still != nil {
		err = imaging.Save(job.still, path, imaging.JPEGQuality(jpegQuality))
	} else {
		err = writeGIF(path, job.frames)
	}
	if err != nil {
		logger.Warn("MediaStore", "Encode %s failed: %v", job.ref, err)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if !s.recordArtifact(job.sessionID, path, info.Size()) {
		// The artifact alone blew the budget and was evicted on arrival.
		logger.Warn("MediaStore", "Artifact %s exceeds session budget, discarded", job.ref)
		return
	}

	isGIF := job.frames != nil
	if s.metrics != nil {
		s.metrics.ArtifactsStored.Add(1)
	}
	if job.sessionID == s.ledger.ActiveID() {
		s.ledger.AddArtifactBytes(info.Size())
		if isGIF {
			s.ledger.RecordGIF()
		}
	}

	done := Completed{TrackID: job.trackID}
	if isGIF {
		done.GIFRef = job.ref
		logger.Info("MediaStore", "Saved animation %s (%d frames)", job.ref, len(job.frames))
	} else {
		done.JPEGRef = job.ref
	}
	select {
	case s.completed <- done:
	default:
	}
}

// recordArtifact charges the session's budget and evicts oldest-first until
// the budget holds again. The budget is absolute: an artifact that alone
// exceeds it is evicted immediately, in which case recordArtifact reports
// false and the caller must not publish its reference.
func (s *Store) recordArtifact(sessionID, path string, size int64) (kept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[sessionID]
	if !ok {
		u = &sessionUsage{}
		s.usage[sessionID] = u
	}
	u.bytes += size
	u.artifacts = append(u.artifacts, artifact{path: path, size: size})
	kept = true

	if s.cfg.SessionBudget > 0 {
		for u.bytes > s.cfg.SessionBudget && len(u.artifacts) > 0 {
			oldest := u.artifacts[0]
			u.artifacts = u.artifacts[1:]
			if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
				logger.Warn("MediaStore", "Evict %s failed: %v", oldest.path, err)
			}
			u.bytes -= oldest.size
			if s.metrics != nil {
				s.metrics.ArtifactsEvicted.Add(1)
			}
			if oldest.path == path {
				// The new artifact itself was shed; its bytes were never
				// reported to the ledger.
				kept = false
			} else if sessionID == s.ledger.ActiveID() {
				s.ledger.AddArtifactBytes(-oldest.size)
			}
			logger.Info("MediaStore", "Evicted %s (budget %d bytes)", oldest.path, s.cfg.SessionBudget)
		}
	}

	if s.metrics != nil && sessionID == s.ledger.ActiveID() {
		s.metrics.StoredBytes.Store(uint64(u.bytes))
	}
	return kept
}

// writeGIF encodes the sampled frames as a looping GIF.
func writeGIF(path string, frames []*image.NRGBA) error {
	out := &gif.GIF{LoopCount: 0}
	for _, fr := range frames {
		pal := image.NewPaletted(fr.Bounds(), palette.Plan9)
		xdraw.FloydSteinberg.Draw(pal, fr.Bounds(), fr, fr.Bounds().Min)
		out.Image = append(out.Image, pal)
		out.Delay = append(out.Delay, gifFrameDelay)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gif.EncodeAll(f, out)
}
