package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"verity/internal/config"
	"verity/internal/daemon"
	"verity/internal/detector"
	"verity/internal/logging"
	"verity/internal/preflight"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/registry"
	"verity/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	for _, check := range preflight.Failed(preflight.RunAll(cfg)) {
		logger.Warn("preflight check failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail))
	}

	store, err := queue.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open queue store: %v", err)
	}
	defer store.Close()

	reg := registry.New(cfg, nil, logger)
	emitter := progress.NewEmitter(logger)
	defer emitter.Close()

	stages := workflow.StageSet{
		Sampling:  detector.NewSamplingHandler(cfg, emitter, logger),
		Inference: detector.NewInferenceHandler(cfg, reg, emitter, logger),
		Fusion:    detector.NewFusionHandler(cfg, emitter, logger),
	}
	manager := workflow.NewManager(cfg, store, stages, emitter, nil, logger)

	d, err := daemon.New(cfg, store, reg, manager, logger)
	if err != nil {
		log.Fatalf("create daemon: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	logger.Info("verityd shutting down")
	d.Stop(context.Background())
}
