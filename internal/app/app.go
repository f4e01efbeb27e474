// Package app assembles the components shared by the goalpath binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"goalpath/internal/cache"
	"goalpath/internal/events"
	"goalpath/internal/planner"
	"goalpath/internal/progression"
	"goalpath/internal/recurrence"
	"goalpath/internal/repository"
	"goalpath/internal/repository/memstore"
	"goalpath/internal/roadmap"
	"goalpath/pkg/circuitbreaker"
	"goalpath/pkg/config"
	"goalpath/pkg/db"
	"goalpath/pkg/outbox"
	pkgredis "goalpath/pkg/redis"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is the storage side of a process: the repository ports and the
// sink events are written to.
type Backend struct {
	Store  *repository.Store
	Sink   events.Sink
	Pool   *pgxpool.Pool
	Outbox *outbox.Repository
}

// Durable reports whether state survives the process, i.e. whether other
// processes (runner, goalctl, MQ consumers) can share it.
func (b *Backend) Durable() bool {
	return b.Pool != nil
}

func (b *Backend) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
}

// OpenBackend connects the configured storage. With migrate set, pending
// schema migrations are applied first.
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) (*Backend, error) {
	if cfg.Storage.Backend == "memory" {
		log.Warn("Using in-memory storage; state is lost on exit")
		return &Backend{Store: memstore.New().Store(), Sink: events.NewLogSink(log)}, nil
	}

	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := db.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, err
		}
	}
	repo := outbox.NewRepository(pool)
	return &Backend{
		Store:  repository.NewPostgresStore(pool, log),
		Sink:   events.NewOutboxSink(repo, log),
		Pool:   pool,
		Outbox: repo,
	}, nil
}

// OpenRedis returns nil without error when no redis address is configured.
func OpenRedis(cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		log.Info("Redis not configured; projection cache and deduplication disabled")
		return nil, nil
	}
	return pkgredis.NewRedisClient(cfg, log)
}

// NewPlanner builds the configured coach backend behind a circuit breaker.
func NewPlanner(cfg config.PlannerConfig, log *zap.Logger) (planner.Planner, error) {
	var next planner.Planner
	switch cfg.Backend {
	case "agent":
		next = planner.NewAgentClient(cfg.URL, cfg.Timeout, log)
	case "openai":
		next = planner.NewOpenAIPlanner(cfg.APIKey, cfg.Model, cfg.Timeout, log)
	default:
		return nil, fmt.Errorf("unknown planner backend %q", cfg.Backend)
	}
	return planner.NewGuarded(next, circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerCooldown,
	}, log), nil
}

// Location is the timezone the materializer computes "today" in.
func Location(cfg config.MaterializerConfig) *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Core is the domain layer wired over a backend.
type Core struct {
	Backend      *Backend
	Cache        cache.Cache
	Sink         events.Sink
	Pipeline     *roadmap.Pipeline
	Engine       *progression.Engine
	Materializer *recurrence.Materializer
}

// NewCore wires pipeline, engine and materializer. When rdb is non-nil the
// projection cache is enabled and every emitted event invalidates it.
func NewCore(cfg *config.Config, b *Backend, p planner.Planner, rdb *redis.Client, log *zap.Logger) *Core {
	var c cache.Cache = cache.Passthrough{}
	sink := b.Sink
	if rdb != nil {
		c = cache.NewProjection(rdb, cfg.Redis.CacheTTL, log)
		sink = cache.NewInvalidatingSink(sink, c)
	}

	pipeline := roadmap.NewPipeline(b.Store, p, sink, roadmap.Config{
		StageRetries:   cfg.Pipeline.StageRetries,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		OverallTimeout: cfg.Pipeline.OverallTimeout,
	}, log)
	engine := progression.NewEngine(b.Store, pipeline, sink, progression.Config{
		ConflictRetries: cfg.Progression.ConflictRetries,
	}, log)
	materializer := recurrence.NewMaterializer(b.Store, sink, recurrence.Config{
		Concurrency: cfg.Materializer.Concurrency,
	}, log)

	return &Core{
		Backend:      b,
		Cache:        c,
		Sink:         sink,
		Pipeline:     pipeline,
		Engine:       engine,
		Materializer: materializer,
	}
}
