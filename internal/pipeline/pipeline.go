// Package pipeline runs the single-producer frame loop: pull a frame, run
// inference, associate detections with tracks, persist qualifying evidence,
// and publish an immutable snapshot. All tracker and media-buffer state is
// owned by this one goroutine; everything downstream sees copies.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dc-detector/detection-server/internal/broadcast"
	"github.com/dc-detector/detection-server/internal/config"
	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/internal/mediastore"
	"github.com/dc-detector/detection-server/internal/metrics"
	"github.com/dc-detector/detection-server/internal/session"
	"github.com/dc-detector/detection-server/internal/tracker"
	"github.com/dc-detector/detection-server/pkg/types"
)

// FrameSource delivers frames in capture order. Next blocks until a frame is
// available, the stream ends (io.EOF), or the context is canceled.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

// Detector runs object detection on one frame at the given inference size.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame, imageSize int) ([]types.Detection, error)
}

// Pipeline wires the frame loop's collaborators together.
type Pipeline struct {
	source   FrameSource
	detector Detector
	runtime  *config.RuntimeStore
	tracker  *tracker.Tracker
	ledger   *session.Ledger
	media    *mediastore.Store
	cast     *broadcast.Broadcaster
	metrics  *metrics.Metrics

	frameSeen uint64 // frames received, including skipped ones
}

// New assembles a pipeline. The tracker must be used by no other goroutine.
func New(src FrameSource, det Detector, rt *config.RuntimeStore, tk *tracker.Tracker,
	led *session.Ledger, media *mediastore.Store, cast *broadcast.Broadcaster, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		source:   src,
		detector: det,
		runtime:  rt,
		tracker:  tk,
		ledger:   led,
		media:    media,
		cast:     cast,
		metrics:  m,
	}
}

// Run processes frames until the source ends or ctx is canceled. Per-frame
// failures are logged and counted but never abort the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Info("Pipeline", "Frame loop started")
	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("Pipeline", "Frame loop stopped: %v", ctx.Err())
				return nil
			}
			if errors.Is(err, io.EOF) {
				logger.Info("Pipeline", "Frame source ended")
				return nil
			}
			logger.Warn("Pipeline", "Frame source error: %v", err)
			continue
		}
		p.step(ctx, frame)
	}
}

// step handles one received frame.
func (p *Pipeline) step(ctx context.Context, frame types.Frame) {
	rt := p.runtime.Get()

	process := rt.SkipFrames == 0 || p.frameSeen%uint64(rt.SkipFrames+1) == 0
	p.frameSeen++
	if !process {
		p.metrics.FramesSkipped.Add(1)
		return
	}

	stepStart := time.Now()
	detections, err := p.detector.Detect(ctx, frame, rt.ImageSize)
	inference := time.Since(stepStart)
	if err != nil {
		p.metrics.InferenceErrors.Add(1)
		logger.Warn("Pipeline", "Inference failed on frame %d: %v", frame.Number, err)
		return
	}

	p.tracker.SetShowConfidence(rt.Confidence)
	events := p.tracker.Update(frame.Number, frame.Timestamp, detections)
	p.applyEvents(frame, rt, events)

	// Artifacts finished by the encode worker since the last frame.
	for _, c := range p.media.Drain() {
		p.tracker.AttachMedia(c.TrackID, c.JPEGRef, c.GIFRef)
	}

	p.metrics.FramesProcessed.Add(1)
	p.metrics.ObserveFrame(frame.Timestamp, time.Since(stepStart), inference)
	p.publish(frame)
}

// applyEvents turns tracker transitions into ledger entries and media
// captures, applying the show and save thresholds.
func (p *Pipeline) applyEvents(frame types.Frame, rt config.Runtime, events []tracker.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case tracker.EventCreated:
			p.ledger.RecordTrackCreated(ev.Track.ClassName)
			p.metrics.TracksCreated.Add(1)
			logger.Info("Pipeline", "Track %d created (%s, conf=%.2f)",
				ev.Track.ID, ev.Track.ClassName, ev.Track.Confidence)
		case tracker.EventLost:
			p.metrics.TracksLost.Add(1)
			p.media.Forget(ev.Track.ID)
			logger.Debug("Pipeline", "Track %d lost after %d misses", ev.Track.ID, ev.Track.Misses)
			continue
		}

		if ev.Detection.Confidence < rt.Confidence {
			continue
		}
		p.metrics.DetectionsTotal.Add(1)
		p.ledger.Record(session.Entry{
			TrackID:     ev.Track.ID,
			ClassName:   ev.Track.ClassName,
			Confidence:  ev.Detection.Confidence,
			BBox:        ev.Detection.BBox,
			FrameNumber: ev.Detection.FrameNumber,
			Timestamp:   ev.Detection.Timestamp,
			JPEGRef:     ev.Track.JPEGRef,
			GIFRef:      ev.Track.GIFRef,
		})

		if ev.Detection.Confidence >= rt.SaveConfidence {
			if ref := p.media.Capture(ev.Track.ID, frame.Image, ev.Detection.BBox); ref != "" {
				p.tracker.AttachMedia(ev.Track.ID, ref, "")
			}
		}
	}
}

// publish assembles and stores the frame's snapshot.
func (p *Pipeline) publish(frame types.Frame) {
	active := p.tracker.Active()
	p.metrics.ActiveTracks.Store(uint64(len(active)))

	scalars := p.metrics.Snapshot()
	snap := &broadcast.Snapshot{
		FrameNumber: frame.Number,
		Timestamp:   frame.Timestamp,
		Tracks:      active,
		Metrics: broadcast.Metrics{
			FPS:             scalars.FPS,
			AvgFrameMs:      scalars.AvgFrameMs,
			LastInferenceMs: scalars.LastInferenceMs,
			FrameNumber:     frame.Number,
			ActiveTracks:    len(active),
			TotalDetections: p.metrics.DetectionsTotal.Load(),
			SessionID:       p.ledger.ActiveID(),
		},
	}
	p.cast.Publish(snap)
	p.metrics.SnapshotsPublished.Add(1)

	// Mirror the broadcaster's shed count so it lands in the registry.
	_, dropped := p.cast.Stats()
	p.metrics.UpdatesDropped.Store(dropped)
}
