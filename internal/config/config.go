// Package config loads the service configuration from YAML and owns the
// runtime-mutable detection parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML configuration.
type File struct {
	Detection Detection `yaml:"detection"`
	Media     Media     `yaml:"media"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

// Detection configures the tracker and thresholds.
type Detection struct {
	Confidence     float64 `yaml:"confidence"`      // show-threshold
	SaveConfidence float64 `yaml:"save_confidence"` // persist-threshold
	ImageSize      int     `yaml:"imgsz"`
	SkipFrames     int     `yaml:"skip_frames"`
	MinIoU         float64 `yaml:"min_iou"`
	MaxAge         int     `yaml:"max_age"` // consecutive missed frames before removal
}

// Media configures artifact persistence.
type Media struct {
	ResultsDir       string `yaml:"results_dir"`
	GIFSeconds       int    `yaml:"gif_duration"`
	SessionBudget    int64  `yaml:"session_budget_bytes"`
	EncodeQueue      int    `yaml:"encode_queue"`
	EncodeDeadlineMs int    `yaml:"encode_deadline_ms"`
}

// GIFWindow returns the animation window as a duration.
func (m Media) GIFWindow() time.Duration {
	return time.Duration(m.GIFSeconds) * time.Second
}

// EncodeDeadline returns the per-artifact encode budget as a duration.
func (m Media) EncodeDeadline() time.Duration {
	return time.Duration(m.EncodeDeadlineMs) * time.Millisecond
}

// Server configures the HTTP surface.
type Server struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LedgerPath  string `yaml:"ledger_path"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the built-in configuration.
func Default() File {
	return File{
		Detection: Detection{
			Confidence:     0.5,
			SaveConfidence: 0.5,
			ImageSize:      640,
			SkipFrames:     0,
			MinIoU:         0.3,
			MaxAge:         15,
		},
		Media: Media{
			ResultsDir:       "./data/detections",
			GIFSeconds:       5,
			SessionBudget:    256 << 20, // 256 MiB
			EncodeQueue:      32,
			EncodeDeadlineMs: 250,
		},
		Server: Server{
			Addr:        ":8002",
			MetricsAddr: ":9090",
			LedgerPath:  "./data/detections/sessions.db",
		},
		Log: Log{Level: "info", Color: true},
	}
}

// Load reads the config file. Priority: explicit path argument, DC_CONFIG
// environment variable, built-in defaults when neither exists. Values absent
// from the file keep their defaults.
func Load(path string) (File, error) {
	cfg := Default()

	candidates := []string{path, os.Getenv("DC_CONFIG"), "config.yaml"}
	var chosen string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			chosen = c
			break
		}
	}
	if chosen == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(chosen)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", chosen, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", chosen, err)
	}
	return cfg, nil
}
