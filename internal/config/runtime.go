package config

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalid is returned when a runtime config update fails validation.
var ErrInvalid = errors.New("invalid config")

var validImageSizes = map[int]bool{
	160: true, 320: true, 480: true, 640: true, 960: true, 1280: true,
}

// Runtime is the subset of detection parameters that can change while the
// pipeline is running. Updates replace the whole value atomically, so the
// frame loop always sees a consistent set.
type Runtime struct {
	Confidence     float64 `json:"confidence"`
	SaveConfidence float64 `json:"save_confidence"`
	ImageSize      int     `json:"imgsz"`
	SkipFrames     int     `json:"skip_frames"`
}

// Validate checks all fields; the first violation is reported wrapped in
// ErrInvalid.
func (r Runtime) Validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalid, r.Confidence)
	}
	if r.SaveConfidence < 0 || r.SaveConfidence > 1 {
		return fmt.Errorf("%w: save_confidence %.3f outside [0,1]", ErrInvalid, r.SaveConfidence)
	}
	if !validImageSizes[r.ImageSize] {
		return fmt.Errorf("%w: imgsz %d not one of 160/320/480/640/960/1280", ErrInvalid, r.ImageSize)
	}
	if r.SkipFrames < 0 || r.SkipFrames > 30 {
		return fmt.Errorf("%w: skip_frames %d outside [0,30]", ErrInvalid, r.SkipFrames)
	}
	return nil
}

// RuntimeStore holds the current runtime parameters behind an atomic pointer.
// Readers (the frame loop) load without locks; writers (the config API)
// validate and swap.
type RuntimeStore struct {
	current atomic.Pointer[Runtime]
}

// NewRuntimeStore creates a store seeded from the file config.
func NewRuntimeStore(d Detection) (*RuntimeStore, error) {
	r := Runtime{
		Confidence:     d.Confidence,
		SaveConfidence: d.SaveConfidence,
		ImageSize:      d.ImageSize,
		SkipFrames:     d.SkipFrames,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s := &RuntimeStore{}
	s.current.Store(&r)
	return s, nil
}

// Get returns the current runtime parameters.
func (s *RuntimeStore) Get() Runtime {
	return *s.current.Load()
}

// Set validates and atomically applies a new parameter set. The update takes
// effect before the next tracker update.
func (s *RuntimeStore) Set(r Runtime) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.current.Store(&r)
	return nil
}
