// Package broadcast publishes immutable tracking snapshots to any number of
// pull readers and push subscribers without ever blocking the producer.
//
// Pull readers get the latest snapshot through an atomic pointer. Push
// subscribers each own a small bounded channel; when a subscriber falls
// behind, the oldest undelivered update is dropped so the channel always
// holds the freshest state. Events are serialized once per publication, in
// both JSON and protobuf form, and shared across all subscribers.
package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/internal/track"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// subscriberBuffer is the per-subscriber channel depth. Two slots are enough:
// a slow consumer only ever cares about the freshest state.
const subscriberBuffer = 2

// Metrics are the scalar pipeline metrics published with every snapshot.
type Metrics struct {
	FPS             float64 `json:"fps"`
	AvgFrameMs      float64 `json:"avg_frame_ms"`
	LastInferenceMs float64 `json:"last_inference_ms"`
	FrameNumber     uint64  `json:"frame_number"`
	ActiveTracks    int     `json:"active_tracks"`
	TotalDetections uint64  `json:"total_detections"`
	SessionID       string  `json:"session_id"`
}

// Snapshot is one immutable published view of the tracking state. A new
// snapshot replaces the previous one atomically; readers never observe a
// partially updated value.
type Snapshot struct {
	FrameNumber uint64        `json:"frame_number"`
	Timestamp   time.Time     `json:"timestamp"`
	Tracks      []track.Track `json:"tracks"`
	Metrics     Metrics       `json:"metrics"`
}

// Update carries a snapshot pre-serialized in both delivery formats, so the
// encoding cost is paid once regardless of subscriber count.
type Update struct {
	Snapshot     *Snapshot
	JSONData     []byte
	ProtobufData []byte // base64 encoded for SSE transport
}

// Broadcaster holds the current snapshot and fans out updates.
type Broadcaster struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers map[string]chan *Update
	published   atomic.Uint64
	dropped     atomic.Uint64
}

// New creates an empty broadcaster. Current returns nil until the first
// publish.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan *Update),
	}
}

// Current returns the latest published snapshot, or nil before the first
// frame. Always returns instantly.
func (b *Broadcaster) Current() *Snapshot {
	return b.current.Load()
}

// Subscribe registers a push subscriber. The returned channel is closed by
// Unsubscribe. Safe to call concurrently with Publish.
func (b *Broadcaster) Subscribe() (string, <-chan *Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan *Update, subscriberBuffer)
	b.subscribers[id] = ch

	logger.Debug("Broadcast", "Subscriber %s registered (total: %d)", id, len(b.subscribers))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		logger.Debug("Broadcast", "Subscriber %s removed (remaining: %d)", id, len(b.subscribers))
	}
}

// SubscriberCount returns the number of live push subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats returns the lifetime publish and per-subscriber drop counts.
func (b *Broadcaster) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Publish makes snap the current snapshot and delivers it to all
// subscribers. It never blocks on a slow subscriber: a full buffer sheds its
// oldest update first so delivery order is preserved and the freshest state
// always lands.
func (b *Broadcaster) Publish(snap *Snapshot) {
	b.current.Store(snap)
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) == 0 {
		return
	}

	update := b.serialize(snap)
	for _, ch := range b.subscribers {
		select {
		case ch <- update:
			continue
		default:
		}
		// Buffer full: shed the oldest undelivered update, then retry.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- update:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) serialize(snap *Snapshot) *Update {
	payload := map[string]any{
		"event":        "tracks",
		"frame_number": snap.FrameNumber,
		"tracks":       snap.Tracks,
		"metrics":      snap.Metrics,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Broadcast", "JSON marshal error: %v", err)
		jsonData = []byte("{}")
	}

	pbData, err := marshalProto(jsonData)
	if err != nil {
		logger.Error("Broadcast", "Protobuf marshal error: %v", err)
	}

	return &Update{
		Snapshot:     snap,
		JSONData:     jsonData,
		ProtobufData: pbData,
	}
}

// marshalProto converts the JSON event into a protobuf Struct payload,
// base64 encoded for SSE framing.
func marshalProto(jsonData []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	raw, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}
