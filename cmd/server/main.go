package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goalpath/internal/app"
	"goalpath/internal/events"
	"goalpath/internal/handler"
	"goalpath/internal/httpserver"
	"goalpath/internal/mqhandler"
	"goalpath/internal/roadmap"
	"goalpath/internal/runner"
	"goalpath/internal/service"
	"goalpath/pkg/config"
	"goalpath/pkg/logger"
	"goalpath/pkg/mq"
	"goalpath/pkg/otel"
	"goalpath/pkg/outbox"
	"goalpath/pkg/util"

	"go.uber.org/zap"
)

const (
	dedupTTL      = 24 * time.Hour
	retryCountTTL = 24 * time.Hour
)

var version = "dev"

func main() {
	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting goalpath server...",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("planner", cfg.Planner.Backend),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "goalpath-server",
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

	// Storage
	backend, err := app.OpenBackend(ctx, cfg, log, true)
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

	checks := map[string]httpserver.ReadinessCheck{}
	if backend.Pool != nil {
		checks["postgres"] = backend.Pool.Ping
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Durable deployments hand roadmap runs to the MQ consumer; otherwise the
	// pipeline runs in-process.
	var launcher roadmap.Launcher = roadmap.NewLocalLauncher(core.Pipeline, log)
	var consumers []*mq.Consumer
	var embedded *runner.Runner

	if backend.Durable() && cfg.MQ.URL != "" {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		checks["rabbitmq"] = func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher connection closed")
			}
			return nil
		}
		launcher = roadmap.NewEventLauncher(core.Sink)

		dispatcher := outbox.NewDispatcher(backend.Outbox, publisher, log).WithMaxRetries(cfg.MQ.MaxRetries)
		go dispatcher.Start(ctx)

		var deduper *util.Deduper
		policy := mq.RetryPolicy{MaxRetries: int64(cfg.MQ.MaxRetries), DLQ: publisher}
		if rdb != nil {
			deduper = util.NewDeduper(rdb, dedupTTL, log)
			policy.Counter = util.NewRetryCounter(rdb, retryCountTTL)
		}

		handlers := map[string]mq.MessageHandler{
			events.RoadmapRequested:        mqhandler.NewRoadmapRequestedHandler(core.Pipeline, deduper, log).Handle,
			events.MilestoneTasksRequested: mqhandler.NewMilestoneTasksRequestedHandler(core.Pipeline, deduper, log).Handle,
		}
		for routingKey, h := range handlers {
			queue := routingKey + ".q"
			log.Info("Initializing MQ consumer...",
				zap.String("queue", queue),
				zap.String("routing_key", routingKey),
			)
			consumer, err := mq.NewConsumer(cfg.MQ.URL, queue, routingKey, log)
			if err != nil {
				log.Fatal("Failed to init consumer", zap.String("routing_key", routingKey), zap.Error(err))
			}
			defer consumer.Close()
			consumer.SetHandler(h)
			consumer.SetRetryPolicy(policy)
			consumers = append(consumers, consumer)

			go func(c *mq.Consumer, routingKey string) {
				if err := c.StartConsuming(ctx); err != nil {
					log.Fatal("Consumer failed", zap.String("routing_key", routingKey), zap.Error(err))
				}
			}(consumer, routingKey)
		}
	} else {
		// Without shared storage no separate runner process can see our
		// rules, so the schedules run here.
		embedded, err = runner.New(core.Materializer, backend.Store.Milestones,
			runner.NewDirectRequester(core.Pipeline), runnerConfig(cfg), log)
		if err != nil {
			log.Fatal("Failed to init runner", zap.Error(err))
		}
		embedded.Start(ctx)
	}

	svc := service.New(backend.Store, core.Pipeline, launcher, core.Engine, core.Cache, log)
	router := httpserver.NewRouter(httpserver.Handlers{
		Goals: handler.NewGoalHandler(svc, log),
		Tasks: handler.NewTaskHandler(svc, log),
		Rules: handler.NewRuleHandler(svc, log),
		Ops:   handler.NewOpsHandler(core.Materializer, core.Pipeline, app.Location(cfg.Materializer), log),
	}, cfg.JWT.Secret, log, checks)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("goalpath server is fully initialized and running",
		zap.String("http_port", cfg.Server.Port),
		zap.Int("consumers", len(consumers)),
	)

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down goalpath server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Stopping MQ consumers...")
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		select {
		case <-c.Done():
		case <-shutdownCtx.Done():
			log.Warn("Timed out waiting for consumers to drain")
		}
	}

	if embedded != nil {
		select {
		case <-embedded.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn("Timed out waiting for scheduled jobs")
		}
	}

	// Stops the outbox dispatcher.
	cancel()
	log.Info("goalpath server shutdown complete")
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		MaterializeSchedule: cfg.Materializer.Schedule,
		RedriveSchedule:     cfg.Redrive.Schedule,
		Grace:               cfg.Redrive.Grace,
		Batch:               cfg.Redrive.Batch,
		Location:            app.Location(cfg.Materializer),
	}
}
