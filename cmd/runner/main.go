package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"goalpath/internal/app"
	"goalpath/internal/runner"
	"goalpath/pkg/config"
	"goalpath/pkg/logger"
	"goalpath/pkg/otel"

	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	if cfg.Storage.Backend == "memory" {
		log.Fatal("goalpath runner needs shared storage; the server schedules jobs itself in memory mode")
	}

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "goalpath-runner",
		ServiceVersion: version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := app.OpenBackend(ctx, cfg, log, false)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer backend.Close()

	rdb, err := app.OpenRedis(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	coach, err := app.NewPlanner(cfg.Planner, log)
	if err != nil {
		log.Fatal("Failed to init planner", zap.Error(err))
	}
	core := app.NewCore(cfg, backend, coach, rdb, log)

	// With a broker, re-drives go through the outbox to the server's consumer.
	var requester runner.TaskRequester = runner.NewDirectRequester(core.Pipeline)
	if cfg.MQ.URL != "" {
		requester = runner.NewEventRequester(core.Sink)
	}

	r, err := runner.New(core.Materializer, backend.Store.Milestones, requester, runner.Config{
		MaterializeSchedule: cfg.Materializer.Schedule,
		RedriveSchedule:     cfg.Redrive.Schedule,
		Grace:               cfg.Redrive.Grace,
		Batch:               cfg.Redrive.Batch,
		Location:            app.Location(cfg.Materializer),
	}, log)
	if err != nil {
		log.Fatal("Failed to init runner", zap.Error(err))
	}
	r.Start(ctx)

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down goalpath runner gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	select {
	case <-r.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for running jobs")
	}
	log.Info("goalpath runner shutdown complete")
}
