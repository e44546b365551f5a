package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/Montimage/maip-sub000/internal/aggregator"
	"github.com/Montimage/maip-sub000/internal/alerter"
	"github.com/Montimage/maip-sub000/internal/analysis"
	"github.com/Montimage/maip-sub000/internal/api"
	"github.com/Montimage/maip-sub000/internal/capture"
	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/events"
	"github.com/Montimage/maip-sub000/internal/ledger"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/metrics"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/notification"
	"github.com/Montimage/maip-sub000/internal/orchestrator"
	"github.com/Montimage/maip-sub000/internal/prediction"
	"github.com/Montimage/maip-sub000/internal/processor"
	"github.com/Montimage/maip-sub000/internal/sink/clickhouse"
	"github.com/Montimage/maip-sub000/internal/slicestore"
	"github.com/Montimage/maip-sub000/internal/snapshot"
	"github.com/Montimage/maip-sub000/pkg/pcap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML or TOML configuration file")
	iface := flag.String("iface", "", "Start a capture session on this interface at startup")
	window := flag.Int("window", 10, "Slice window in seconds for -iface")
	duration := flag.Int("duration", 0, "Total capture duration in seconds for -iface (0 = until stopped)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("configuration loaded", "path", *configPath, "prediction_backend", cfg.Prediction.Backend, "capture_backend", cfg.Capture.Backend)

	m := metrics.New()
	rootCtx := context.Background()

	// 2. Optional sinks and side channels
	var writers []model.Writer
	var ledgerStore *ledger.Store
	if cfg.Ledger.Enabled {
		ledgerStore, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			log.Fatalf("Failed to open ledger: %v", err)
		}
		defer ledgerStore.Close()
		writers = append(writers, ledgerStore)
	}

	var history clickhouse.Querier
	if cfg.ClickHouse.Enabled {
		chWriter, err := clickhouse.NewWriter(rootCtx, cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create clickhouse writer: %v", err)
		}
		defer chWriter.Close()
		writers = append(writers, chWriter)

		history, err = clickhouse.NewQuerier(rootCtx, cfg.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to create clickhouse querier: %v", err)
		}
	}

	var publishers events.Fanout
	if cfg.Events.Enabled {
		pub, err := events.NewPublisher(cfg.Events)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		publishers = append(publishers, pub)
	}

	var failures model.FailureReporter
	if cfg.Alerter.Enabled {
		a, err := alerter.NewAlerter(&cfg.Alerter, notification.New(cfg.SMTP))
		if err != nil {
			log.Fatalf("Failed to create alerter: %v", err)
		}
		a.Start()
		defer a.Stop()
		failures = a
	}

	// 3. Collaborator clients
	predictor, err := prediction.New(cfg.Prediction)
	if err != nil {
		log.Fatalf("Failed to create predictor: %v", err)
	}
	analyzer := analysis.NewClient(cfg.Analysis.BaseURL)

	var backend capture.Backend
	var lister slicestore.Lister
	var checker capture.InterfaceChecker
	var inspect func(string) (pcap.SliceInfo, error)
	switch cfg.Capture.Backend {
	case "http":
		remote := capture.NewHTTPBackend(cfg.Capture.ServiceURL)
		backend, lister, checker = remote, remote, capture.NoopChecker{}
	default:
		backend = capture.NewExecBackend(cfg.Capture.Command, cfg.Capture.Args, cfg.Slices.Pattern, config.Duration(cfg.Capture.StopTimeout, 5*time.Second))
		lister = slicestore.DirLister{Pattern: cfg.Slices.Pattern}
		checker = capture.LinkChecker{}
		inspect = pcap.Inspect
	}

	// 4. Pipeline
	stableAge := config.Duration(cfg.Slices.StableAge, 1500*time.Millisecond)
	store := slicestore.New(lister)
	agg := aggregator.New(aggregator.Options{
		ContentSignature: *cfg.Prediction.ContentSignature,
		Writers:          writers,
		Metrics:          m,
	})

	procOpts := processor.Options{
		Store:      store,
		Analyzer:   analyzer,
		Predictor:  predictor,
		Aggregator: agg,
		ModelID:    cfg.Prediction.ModelID,
		StableAge:  stableAge,
		AnalysisPoll: processor.Poll{
			Interval:    config.Duration(cfg.Analysis.PollInterval, time.Second),
			MaxAttempts: cfg.Analysis.MaxAttempts,
		},
		PredictionPoll: processor.Poll{
			Interval:    config.Duration(cfg.Prediction.PollInterval, 1500*time.Millisecond),
			MaxAttempts: cfg.Prediction.MaxAttempts,
		},
		Failures: failures,
		Inspect:  inspect,
		Metrics:  m,
	}
	if ledgerStore != nil {
		procOpts.Ledger = ledgerStore
	}
	if len(publishers) > 0 {
		procOpts.Events = publishers
	}
	proc := processor.New(procOpts)

	orchOpts := orchestrator.Options{
		Capture:      capture.NewController(backend, checker, cfg.Capture.RootDir, m),
		Store:        store,
		Processor:    proc,
		Aggregator:   agg,
		TickInterval: config.Duration(cfg.Orchestrator.TickInterval, 2*time.Second),
		StableAge:    stableAge,
		Metrics:      m,
	}
	if cfg.Slices.Watch && cfg.Capture.Backend != "http" {
		watcher, err := slicestore.NewWatcher(cfg.Slices.Pattern)
		if err != nil {
			logger.Warn("slice watcher unavailable, relying on ticks", "err", err)
		} else {
			defer watcher.Close()
			orchOpts.Waker = watcher
		}
	}
	if cfg.Export.Enabled {
		orchOpts.Exporter = snapshot.NewWriter(cfg.Export.RootPath)
	}
	if len(publishers) > 0 {
		orchOpts.Events = publishers
	}
	orch := orchestrator.New(orchOpts)
	defer orch.Close()

	// 5. Consumer-facing API
	apiOpts := api.Options{Session: orch, History: history, Metrics: m}
	if ledgerStore != nil {
		apiOpts.Ledger = ledgerStore
	}
	apiServer := api.New(apiOpts)

	grpcServer := grpc.NewServer()
	apiServer.RegisterGRPC(grpcServer)
	lis, err := net.Listen("tcp", cfg.API.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.API.GrpcListenAddr, err)
	}
	go func() {
		logger.Info("gRPC API server starting", "addr", cfg.API.GrpcListenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.API.HttpListenAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		logger.Info("HTTP API server starting", "addr", cfg.API.HttpListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	if *iface != "" {
		var total *int
		if *duration > 0 {
			total = duration
		}
		session, err := orch.Start(rootCtx, *iface, *window, total)
		if err != nil {
			log.Fatalf("Failed to start capture: %v", err)
		}
		logger.Info("capture session started from flags", "session", session.SessionID, "dir", session.SessionDir)
	}

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received, stopping capture and servers")

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		logger.Warn("failed to stop capture", "err", err)
	}
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server forced to shutdown", "err", err)
	}
	logger.Info("shutdown complete")
}
