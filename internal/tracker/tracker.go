// Package tracker associates per-frame detections with persistent tracks.
//
// Association is greedy bipartite matching on IoU cost: exact optimal
// assignment is not worth the cycles at video frame rates, and greedy with a
// fixed tie-break keeps the result deterministic.
package tracker

import (
	"sort"
	"time"

	"github.com/dc-detector/detection-server/internal/geometry"
	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/internal/metrics"
	"github.com/dc-detector/detection-server/internal/track"
	"github.com/dc-detector/detection-server/pkg/types"
)

// Config holds the association policy knobs.
type Config struct {
	// MinIoU is the hard floor below which a track/detection pair can
	// never match.
	MinIoU float64
	// ShowConfidence is the minimum confidence for an unmatched detection
	// to found a new track.
	ShowConfidence float64
	// MaxAge is the number of consecutive unmatched frames tolerated
	// before a track is removed.
	MaxAge int
}

// DefaultConfig returns the association defaults.
func DefaultConfig() Config {
	return Config{
		MinIoU:         0.3,
		ShowConfidence: 0.5,
		MaxAge:         15,
	}
}

// EventKind classifies a track transition produced by Update.
type EventKind int

const (
	// EventCreated is emitted when an unmatched detection founds a track.
	EventCreated EventKind = iota
	// EventUpdated is emitted when a detection matches an existing track.
	EventUpdated
	// EventLost is emitted exactly once, when a track is removed.
	EventLost
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is one track transition. Track is a copy taken after the transition
// was applied; Detection carries the matched observation for Created/Updated.
type Event struct {
	Kind      EventKind
	Track     track.Track
	Detection types.Detection
}

// Tracker owns the active track set. It is not safe for concurrent use: the
// frame pipeline is the single writer, and readers only ever see published
// snapshot copies.
type Tracker struct {
	cfg     Config
	metrics *metrics.Metrics // optional
	nextID  int64
	tracks  map[int64]*track.Track
}

// New creates a tracker with the given config. Metrics may be nil.
func New(cfg Config, m *metrics.Metrics) *Tracker {
	if cfg.MinIoU <= 0 {
		cfg.MinIoU = DefaultConfig().MinIoU
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	return &Tracker{
		cfg:     cfg,
		metrics: m,
		nextID:  0,
		tracks:  make(map[int64]*track.Track),
	}
}

// SetShowConfidence applies a runtime threshold change. Caller must be the
// producer goroutine.
func (tk *Tracker) SetShowConfidence(conf float64) {
	tk.cfg.ShowConfidence = conf
}

// candidate is one permissible (track, detection) pairing.
type candidate struct {
	trackID int64
	detIdx  int
	cost    float64
}

// Update runs one frame of association and returns the transition events in
// a stable order: updates and creations in detection order, then losses by
// ascending track ID. Malformed detections are dropped with a warning;
// Update itself never fails.
func (tk *Tracker) Update(frameNum uint64, ts time.Time, detections []types.Detection) []Event {
	dets := tk.validate(detections, frameNum, ts)

	// Build the candidate list. Cross-class pairs and pairs below the IoU
	// floor are hard-rejected.
	var cands []candidate
	for id, tr := range tk.tracks {
		for i, d := range dets {
			if d.ClassName != tr.ClassName {
				continue
			}
			iou := geometry.IoU(tr.BBox, d.BBox)
			if iou < tk.cfg.MinIoU {
				continue
			}
			cands = append(cands, candidate{trackID: id, detIdx: i, cost: 1 - iou})
		}
	}

	// Greedy accept in ascending cost; ties broken by lower track ID, then
	// higher detection confidence. This ordering is the determinism
	// contract: identical inputs always produce identical assignments.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.trackID != b.trackID {
			return a.trackID < b.trackID
		}
		if ca, cb := dets[a.detIdx].Confidence, dets[b.detIdx].Confidence; ca != cb {
			return ca > cb
		}
		return a.detIdx < b.detIdx
	})

	matchedTracks := make(map[int64]bool, len(tk.tracks))
	matchedDets := make(map[int]bool, len(dets))
	assignment := make(map[int]int64, len(dets)) // detIdx -> trackID

	for _, c := range cands {
		if matchedTracks[c.trackID] || matchedDets[c.detIdx] {
			continue
		}
		matchedTracks[c.trackID] = true
		matchedDets[c.detIdx] = true
		assignment[c.detIdx] = c.trackID
	}

	var events []Event

	// Matches and births, in detection order.
	for i, d := range dets {
		if id, ok := assignment[i]; ok {
			tr := tk.tracks[id]
			tr.Match(d)
			events = append(events, Event{Kind: EventUpdated, Track: tr.Clone(), Detection: d})
			continue
		}
		if d.Confidence < tk.cfg.ShowConfidence {
			continue
		}
		tk.nextID++
		tr := track.New(tk.nextID, d)
		tk.tracks[tr.ID] = tr
		events = append(events, Event{Kind: EventCreated, Track: tr.Clone(), Detection: d})
	}

	// Misses and removals, by ascending track ID for stable event order.
	for _, id := range tk.sortedIDs() {
		if matchedTracks[id] {
			continue
		}
		tr := tk.tracks[id]
		if tr.FrameNumber == frameNum && tr.Misses == 0 && tr.State == track.Active {
			// Born this frame; not a miss.
			continue
		}
		if removed := tr.Miss(tk.cfg.MaxAge); removed {
			delete(tk.tracks, id)
			events = append(events, Event{Kind: EventLost, Track: tr.Clone()})
		}
	}

	return events
}

// Active returns copies of the live tracks sorted by ID.
func (tk *Tracker) Active() []track.Track {
	out := make([]track.Track, 0, len(tk.tracks))
	for _, id := range tk.sortedIDs() {
		out = append(out, tk.tracks[id].Clone())
	}
	return out
}

// AttachMedia records artifact references on a live track so subsequent
// snapshots carry them. No-op if the track has already been removed.
func (tk *Tracker) AttachMedia(trackID int64, jpegRef, gifRef string) {
	tr, ok := tk.tracks[trackID]
	if !ok {
		return
	}
	if jpegRef != "" {
		tr.JPEGRef = jpegRef
	}
	if gifRef != "" {
		tr.GIFRef = gifRef
	}
}

func (tk *Tracker) countDropped() {
	if tk.metrics != nil {
		tk.metrics.DetectionsDropped.Add(1)
	}
}

func (tk *Tracker) sortedIDs() []int64 {
	ids := make([]int64, 0, len(tk.tracks))
	for id := range tk.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// validate drops malformed detections and stamps frame metadata.
func (tk *Tracker) validate(detections []types.Detection, frameNum uint64, ts time.Time) []types.Detection {
	out := detections[:0:0]
	for _, d := range detections {
		if !d.BBox.Valid() {
			tk.countDropped()
			logger.Warn("Tracker", "Dropping detection with invalid box %+v (class=%s)", d.BBox, d.ClassName)
			continue
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			tk.countDropped()
			logger.Warn("Tracker", "Dropping detection with confidence %.3f out of [0,1] (class=%s)", d.Confidence, d.ClassName)
			continue
		}
		d.FrameNumber = frameNum
		if d.Timestamp.IsZero() {
			d.Timestamp = ts
		}
		out = append(out, d)
	}
	return out
}
