package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Detection != def.Detection {
		t.Errorf("detection config = %+v, want defaults %+v", cfg.Detection, def.Detection)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("detection:\n  confidence: 0.7\n  max_age: 30\nserver:\n  addr: \":9002\"\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Detection.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", cfg.Detection.Confidence)
	}
	if cfg.Detection.MaxAge != 30 {
		t.Errorf("max_age = %v, want 30", cfg.Detection.MaxAge)
	}
	if cfg.Server.Addr != ":9002" {
		t.Errorf("addr = %q, want :9002", cfg.Server.Addr)
	}
	// Untouched fields keep their defaults.
	if cfg.Detection.ImageSize != Default().Detection.ImageSize {
		t.Errorf("imgsz = %v, want default", cfg.Detection.ImageSize)
	}
}

func TestRuntimeValidate(t *testing.T) {
	valid := Runtime{Confidence: 0.5, SaveConfidence: 0.6, ImageSize: 640, SkipFrames: 2}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid runtime rejected: %v", err)
	}

	bad := []Runtime{
		{Confidence: -0.1, SaveConfidence: 0.5, ImageSize: 640},
		{Confidence: 1.1, SaveConfidence: 0.5, ImageSize: 640},
		{Confidence: 0.5, SaveConfidence: 2, ImageSize: 640},
		{Confidence: 0.5, SaveConfidence: 0.5, ImageSize: 123},
		{Confidence: 0.5, SaveConfidence: 0.5, ImageSize: 640, SkipFrames: -1},
		{Confidence: 0.5, SaveConfidence: 0.5, ImageSize: 640, SkipFrames: 31},
	}
	for i, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("case %d: err = %v, want ErrInvalid", i, err)
		}
	}
}

func TestRuntimeStoreRejectsInvalid(t *testing.T) {
	s, err := NewRuntimeStore(Default().Detection)
	if err != nil {
		t.Fatalf("NewRuntimeStore: %v", err)
	}

	before := s.Get()
	if err := s.Set(Runtime{Confidence: 5, SaveConfidence: 0.5, ImageSize: 640}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Set accepted invalid runtime: %v", err)
	}
	if s.Get() != before {
		t.Fatalf("rejected update must not change the stored value")
	}

	next := Runtime{Confidence: 0.8, SaveConfidence: 0.9, ImageSize: 320, SkipFrames: 5}
	if err := s.Set(next); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.Get() != next {
		t.Fatalf("Get = %+v, want %+v", s.Get(), next)
	}
}
