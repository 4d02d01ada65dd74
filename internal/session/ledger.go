// Package session owns the session ledger: the time-bounded grouping of all
// tracking activity, with aggregate counters and a queryable, persisted
// record of qualifying detections.
//
// Exactly one session is active at a time. The per-frame path touches only
// atomic counters and a bounded channel; SQLite writes happen on a
// background flusher so the producer never waits on the database.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrActiveSession is returned when deleting the active session.
	ErrActiveSession = errors.New("cannot delete the active session")
)

// entryQueueDepth bounds the flush queue between the producer and the
// database writer.
const entryQueueDepth = 256

// persistInterval is how often the active session's counters are written
// back to the database.
const persistInterval = 30 * time.Second

// Session is one session's metadata and counters.
type Session struct {
	ID         string    `json:"session_id"`
	Created    time.Time `json:"created"`
	Active     bool      `json:"active"`
	Detections uint64    `json:"detections"`
	Tracks     uint64    `json:"tracks"`
	GIFs       uint64    `json:"gifs"`
	SizeBytes  int64     `json:"size_bytes"`
	Classes    []string  `json:"classes"`
}

// Entry is one persisted detection log record.
type Entry struct {
	SessionID   string            `json:"session_id"`
	TrackID     int64             `json:"track_id"`
	ClassName   string            `json:"class_name"`
	Confidence  float64           `json:"confidence"`
	BBox        types.BoundingBox `json:"bbox"`
	FrameNumber uint64            `json:"frame_number"`
	Timestamp   time.Time         `json:"timestamp"`
	JPEGRef     string            `json:"jpeg_url,omitempty"`
	GIFRef      string            `json:"gif_url,omitempty"`
}

// activeState is the live session's hot counters. It is swapped whole on
// rollover so the producer path stays lock-free.
type activeState struct {
	id      string
	created time.Time

	detections atomic.Uint64
	tracks     atomic.Uint64
	gifs       atomic.Uint64
	sizeBytes  atomic.Int64

	classMu sync.Mutex
	classes map[string]bool
}

func (a *activeState) snapshot() Session {
	a.classMu.Lock()
	classes := make([]string, 0, len(a.classes))
	for c := range a.classes {
		classes = append(classes, c)
	}
	a.classMu.Unlock()
	sort.Strings(classes)

	return Session{
		ID:         a.id,
		Created:    a.created,
		Active:     true,
		Detections: a.detections.Load(),
		Tracks:     a.tracks.Load(),
		GIFs:       a.gifs.Load(),
		SizeBytes:  a.sizeBytes.Load(),
		Classes:    classes,
	}
}

// Ledger owns the active session and the persisted session records.
type Ledger struct {
	db     *sql.DB
	active atomic.Pointer[activeState]

	mu       sync.Mutex // guards rollover and the query/delete surface
	onDelete func(sessionID string)

	// Session ids deleted since startup. The flusher consults this so
	// entries still queued for a deleted session are discarded instead of
	// re-inserted as orphan rows.
	deletedMu sync.Mutex
	deleted   map[string]bool

	entryCh chan Entry
	dropped atomic.Uint64
	stop    chan struct{}
	done    chan struct{}
}

// Open opens (creating if needed) the ledger database, marks any session
// left active by a previous run as closed, and opens a fresh session.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	// A crash can leave a stale active flag behind.
	if _, err := db.Exec(`UPDATE sessions SET active = 0 WHERE active = 1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("close stale sessions: %w", err)
	}

	l := &Ledger{
		db:      db,
		entryCh: make(chan Entry, entryQueueDepth),
		deleted: make(map[string]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := l.openSession(); err != nil {
		db.Close()
		return nil, err
	}

	go l.flushLoop()
	return l, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	active     INTEGER NOT NULL DEFAULT 0,
	detections INTEGER NOT NULL DEFAULT 0,
	tracks     INTEGER NOT NULL DEFAULT 0,
	gifs       INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	classes    TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS detections (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	track_id     INTEGER NOT NULL,
	class_name   TEXT NOT NULL,
	confidence   REAL NOT NULL,
	x INTEGER NOT NULL, y INTEGER NOT NULL, w INTEGER NOT NULL, h INTEGER NOT NULL,
	frame_number INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL,
	jpeg_ref     TEXT NOT NULL DEFAULT '',
	gif_ref      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// openSession inserts and activates a new session derived from the current
// time. Caller holds l.mu or is the constructor.
func (l *Ledger) openSession() error {
	now := time.Now()
	id := now.Format("20060102_150405")

	// Rollovers within the same second need a distinct id.
	for n := 2; ; n++ {
		var exists int
		err := l.db.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check session id: %w", err)
		}
		if exists == 0 {
			break
		}
		id = fmt.Sprintf("%s_%d", now.Format("20060102_150405"), n)
	}

	if _, err := l.db.Exec(
		`INSERT INTO sessions (id, created_at, active) VALUES (?, ?, 1)`,
		id, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	state := &activeState{id: id, created: now, classes: make(map[string]bool)}
	l.active.Store(state)
	logger.Info("Session", "Opened session %s", id)
	return nil
}

// Active returns a snapshot of the active session.
func (l *Ledger) Active() Session {
	return l.active.Load().snapshot()
}

// ActiveID returns the active session id.
func (l *Ledger) ActiveID() string {
	return l.active.Load().id
}

// RecordTrackCreated counts a track birth against the active session.
func (l *Ledger) RecordTrackCreated(className string) {
	a := l.active.Load()
	a.tracks.Add(1)
	a.classMu.Lock()
	a.classes[className] = true
	a.classMu.Unlock()
}

// RecordGIF counts a finished animation against the active session.
func (l *Ledger) RecordGIF() {
	l.active.Load().gifs.Add(1)
}

// AddArtifactBytes adjusts the active session's stored-artifact size.
// Negative deltas account for evictions.
func (l *Ledger) AddArtifactBytes(delta int64) {
	l.active.Load().sizeBytes.Add(delta)
}

// Record appends a qualifying detection to the session log. The counters
// update immediately; the database row is written by the background flusher.
// When the flush queue is full the row is dropped with a warning rather than
// stalling the frame loop.
func (l *Ledger) Record(e Entry) {
	a := l.active.Load()
	e.SessionID = a.id
	a.detections.Add(1)
	a.classMu.Lock()
	a.classes[e.ClassName] = true
	a.classMu.Unlock()

	select {
	case l.entryCh <- e:
	default:
		if l.dropped.Add(1)%100 == 1 {
			logger.Warn("Session", "Ledger flush queue full, dropping entries (total dropped: %d)", l.dropped.Load())
		}
	}
}

// RecentDetections returns up to limit of the newest persisted entries for
// the given session, oldest first. Entries still in the flush queue are not
// yet visible.
func (l *Ledger) RecentDetections(sessionID string, limit int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT session_id, track_id, class_name, confidence, x, y, w, h, frame_number, timestamp, jpeg_ref, gif_ref
		FROM detections WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.SessionID, &e.TrackID, &e.ClassName, &e.Confidence,
			&e.BBox.X, &e.BBox.Y, &e.BBox.W, &e.BBox.H,
			&e.FrameNumber, &ts, &e.JPEGRef, &e.GIFRef); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// List returns all sessions, newest first. The active session's counters
// come from memory, not from the last persisted row.
func (l *Ledger) List() ([]Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listLocked()
}

func (l *Ledger) listLocked() ([]Session, error) {
	rows, err := l.db.Query(`SELECT id, created_at, active, detections, tracks, gifs, size_bytes, classes FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	live := l.active.Load().snapshot()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if s.ID == live.ID {
			s = live
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns one session by id.
func (l *Ledger) Get(id string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.active.Load().snapshot()
	if id == live.ID {
		return live, nil
	}

	row := l.db.QueryRow(`SELECT id, created_at, active, detections, tracks, gifs, size_bytes, classes FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// Delete removes a closed session, its detection log entries, and (through
// the registered hook) its media artifacts. Deleting the active session
// fails with ErrActiveSession; an unknown id fails with ErrNotFound.
func (l *Ledger) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == l.active.Load().id {
		return ErrActiveSession
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM detections WHERE session_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete session detections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	l.deletedMu.Lock()
	l.deleted[id] = true
	l.deletedMu.Unlock()

	if l.onDelete != nil {
		l.onDelete(id)
	}
	logger.Info("Session", "Deleted session %s", id)
	return nil
}

// OnDelete registers a hook invoked after a session's rows are removed,
// used by the media store to discard artifacts and cancel in-flight encodes.
func (l *Ledger) OnDelete(fn func(sessionID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDelete = fn
}

// CloseActive freezes the current session's counters, persists them, and
// opens a new session. The frozen session is returned.
func (l *Ledger) CloseActive() (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frozen := l.active.Load().snapshot()
	frozen.Active = false
	if err := l.persistSession(frozen); err != nil {
		return Session{}, err
	}
	if err := l.openSession(); err != nil {
		return Session{}, err
	}
	logger.Info("Session", "Closed session %s (%d detections, %d tracks)", frozen.ID, frozen.Detections, frozen.Tracks)
	return frozen, nil
}

func (l *Ledger) persistSession(s Session) error {
	classes, err := json.Marshal(s.Classes)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`
		UPDATE sessions SET active = ?, detections = ?, tracks = ?, gifs = ?, size_bytes = ?, classes = ?
		WHERE id = ?`,
		boolToInt(s.Active), s.Detections, s.Tracks, s.GIFs, s.SizeBytes, string(classes), s.ID)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	return nil
}

// flushLoop writes queued entries and periodically checkpoints the active
// session's counters.
func (l *Ledger) flushLoop() {
	defer close(l.done)

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-l.entryCh:
			l.insertEntry(e)
		case <-ticker.C:
			if err := l.persistSession(l.active.Load().snapshot()); err != nil {
				logger.Warn("Session", "Checkpoint failed: %v", err)
			}
		case <-l.stop:
			// Drain whatever is still queued.
			for {
				select {
				case e := <-l.entryCh:
					l.insertEntry(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) insertEntry(e Entry) {
	l.deletedMu.Lock()
	gone := l.deleted[e.SessionID]
	l.deletedMu.Unlock()
	if gone {
		return
	}

	_, err := l.db.Exec(`
		INSERT INTO detections (session_id, track_id, class_name, confidence, x, y, w, h, frame_number, timestamp, jpeg_ref, gif_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TrackID, e.ClassName, e.Confidence,
		e.BBox.X, e.BBox.Y, e.BBox.W, e.BBox.H,
		e.FrameNumber, e.Timestamp.UnixMilli(), e.JPEGRef, e.GIFRef)
	if err != nil {
		logger.Warn("Session", "Insert detection failed: %v", err)
	}
}

// Flush synchronously persists the active session's counters. Used by tests
// and shutdown.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistSession(l.active.Load().snapshot())
}

// Close stops the flusher, persists the active session's counters, and
// closes the database. The active session stays active so a restart resumes
// cleanly after marking it closed.
func (l *Ledger) Close() error {
	close(l.stop)
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.persistSession(l.active.Load().snapshot()); err != nil {
		logger.Warn("Session", "Final checkpoint failed: %v", err)
	}
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var s Session
	var created int64
	var active int
	var classes string
	if err := r.Scan(&s.ID, &created, &active, &s.Detections, &s.Tracks, &s.GIFs, &s.SizeBytes, &classes); err != nil {
		return Session{}, err
	}
	s.Created = time.UnixMilli(created)
	s.Active = active == 1
	if err := json.Unmarshal([]byte(classes), &s.Classes); err != nil {
		s.Classes = nil
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
