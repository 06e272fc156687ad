package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codegraph/internal/bus"
	"codegraph/internal/config"
	"codegraph/internal/embedding"
	"codegraph/internal/graphstore"
	"codegraph/internal/intelligence"
	"codegraph/internal/logging"
	"codegraph/internal/metrics"
	"codegraph/internal/pipeline"
	"codegraph/internal/quarantine"
	"codegraph/internal/runtime"
	"codegraph/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the enrichment consumer",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func effectiveConfigPath(cfg *config.Config) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(cfg.DataDir, "config.yaml")
}

func serve(parent context.Context) error {
	cfg, err := config.Load(effectiveConfigPath(config.Default()))
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		return err
	}

	if err := logging.Initialize(logging.Options{
		Dir:        cfg.DataDir,
		Level:      cfg.Observability.LogLevel,
		JSONFormat: cfg.Observability.LogJSON,
	}); err != nil {
		logger.Error("logging init failed", zap.Error(err))
		return err
	}
	defer logging.CloseAll()

	// Hot reload for the log level only; everything else needs a restart.
	stopWatch, err := config.WatchLogLevel(parent, effectiveConfigPath(cfg), logging.SetLevel, func(err error) {
		logging.Get(logging.CategoryBoot).Warn("config watch: %v", err)
	})
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	reg := metrics.New()

	conn, err := bus.Connect(cfg.Bus)
	if err != nil {
		logger.Error("bus connect failed", zap.Error(err))
		return err
	}
	defer conn.Close()

	vectors, err := vectorstore.New(cfg.VectorStore, cfg.DataDir, cfg.Embedding.Dimensions)
	if err != nil {
		logger.Error("vector store init failed", zap.Error(err))
		return err
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(parent); err != nil {
		logger.Error("vector collection init failed", zap.Error(err))
		return err
	}

	graph, err := graphstore.New(cfg.GraphStore, cfg.DataDir)
	if err != nil {
		logger.Error("graph store init failed", zap.Error(err))
		return err
	}
	defer graph.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logger.Error("embedding engine init failed", zap.Error(err))
		return err
	}

	q, err := quarantine.Open(cfg.DataDir)
	if err != nil {
		logger.Error("quarantine init failed", zap.Error(err))
		return err
	}
	defer q.Close()

	httpTimeout := time.Duration(cfg.Tuning.HTTPTotalTimeoutSec) * time.Second
	var intel *intelligence.Client
	if cfg.Intelligence.URL != "" {
		intel = intelligence.NewClient(cfg.Intelligence.URL, httpTimeout, reg.SetBreakerState)
	}
	var stamping *intelligence.StampingClient
	if cfg.Intelligence.StampingURL != "" {
		stamping = intelligence.NewStampingClient(cfg.Intelligence.StampingURL, httpTimeout)
	}

	warmer, err := pipeline.NewCacheWarmer(cfg.Cache, vectors, graph)
	if err != nil {
		logger.Error("cache warmer init failed", zap.Error(err))
		return err
	}
	if warmer != nil {
		defer warmer.Close()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := pipeline.New(ctx, pipeline.Options{
		Config:    cfg,
		Vectors:   vectors,
		Graph:     graph,
		Intel:     intel,
		Stamping:  stamping,
		Embedder:  embedder,
		Warmer:    warmer,
		Publisher: conn.Publisher(),
		Metrics:   reg,
	})

	runner := runtime.New(runtime.Options{
		Config:       cfg,
		Conn:         conn,
		Orchestrator: orch,
		Quarantine:   q,
		Metrics:      reg,
		Intel:        intel,
	})

	srv := runtime.NewServer(cfg.Observability.HealthPort, runner, reg, q, graph)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("operational surface failed", zap.Error(err))
		}
	}()

	logger.Info("codegraphd serving",
		zap.String("version", version),
		zap.String("mode", orch.Mode()),
		zap.String("bus", cfg.Bus.Driver),
		zap.Int("workers", cfg.Tuning.ConsumerWorkers),
		zap.Int("health_port", cfg.Observability.HealthPort))

	runErr := runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("consumer exited", zap.Error(runErr))
		return runErr
	}
	logger.Info("clean shutdown")
	return nil
}
