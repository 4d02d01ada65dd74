package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dc-detector/detection-server/internal/broadcast"
	"github.com/dc-detector/detection-server/internal/config"
	"github.com/dc-detector/detection-server/internal/httpapi"
	"github.com/dc-detector/detection-server/internal/ingest"
	"github.com/dc-detector/detection-server/internal/logger"
	"github.com/dc-detector/detection-server/internal/mediastore"
	"github.com/dc-detector/detection-server/internal/metrics"
	"github.com/dc-detector/detection-server/internal/pipeline"
	"github.com/dc-detector/detection-server/internal/session"
	"github.com/dc-detector/detection-server/internal/tracker"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "Config file path (YAML)")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
)

// Server owns the detection service's components.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        config.File
	metrics    *metrics.Metrics
	ledger     *session.Ledger
	media      *mediastore.Store
	cast       *broadcast.Broadcaster
	receiver   *ingest.Receiver
	pipeline   *pipeline.Pipeline
	httpServer *http.Server
}

func main() {
	flag.Parse()

	// Optional .env for local development; ignore absence.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Detection server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// NewServer wires the detection service together.
func NewServer(cfg config.File) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Server.LedgerPath), 0o755); err != nil {
		cancel()
		return nil, err
	}
	ledger, err := session.Open(cfg.Server.LedgerPath)
	if err != nil {
		cancel()
		return nil, err
	}

	media, err := mediastore.New(mediastore.Config{
		Dir:            cfg.Media.ResultsDir,
		GIFWindow:      cfg.Media.GIFWindow(),
		SessionBudget:  cfg.Media.SessionBudget,
		QueueDepth:     cfg.Media.EncodeQueue,
		EncodeDeadline: cfg.Media.EncodeDeadline(),
	}, ledger, m)
	if err != nil {
		cancel()
		ledger.Close()
		return nil, err
	}
	// Deleting a session also discards its stored media.
	ledger.OnDelete(media.CancelSession)

	runtime, err := config.NewRuntimeStore(cfg.Detection)
	if err != nil {
		cancel()
		media.Close()
		ledger.Close()
		return nil, err
	}

	tk := tracker.New(tracker.Config{
		MinIoU:         cfg.Detection.MinIoU,
		ShowConfidence: cfg.Detection.Confidence,
		MaxAge:         cfg.Detection.MaxAge,
	}, m)
	cast := broadcast.New()
	receiver := ingest.NewReceiver()
	pipe := pipeline.New(receiver, receiver, runtime, tk, ledger, media, cast, m)

	api := httpapi.NewServer(cast, ledger, media, runtime)
	mux := http.NewServeMux()
	mux.Handle("/ingest", receiver.Handler())
	mux.Handle("/", api.Handler())

	return &Server{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		metrics:  m,
		ledger:   ledger,
		media:    media,
		cast:     cast,
		receiver: receiver,
		pipeline: pipe,
		httpServer: &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: mux,
		},
	}, nil
}

// Start launches the frame loop and the HTTP servers.
func (s *Server) Start() {
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.Server.MetricsAddr)
	logger.Info("Main", "  Media dir: %s", s.cfg.Media.ResultsDir)
	logger.Info("Main", "  Session ledger: %s", s.cfg.Server.LedgerPath)
	logger.Info("Main", "  Active session: %s", s.ledger.ActiveID())

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", s.cfg.Server.MetricsAddr)
		if err := s.metrics.StartServer(s.cfg.Server.MetricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pipeline.Run(s.ctx); err != nil {
			logger.Error("Main", "Pipeline error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
}

// Shutdown stops the frame loop, drains the ledger, and closes the HTTP
// server.
func (s *Server) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	s.media.Close()
	if err := s.ledger.Close(); err != nil {
		logger.Error("Main", "Ledger close error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
