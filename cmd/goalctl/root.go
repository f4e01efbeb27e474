package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"goalpath/internal/app"
	"goalpath/pkg/config"
	"goalpath/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configEnv  string
	configDir  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "goalctl",
	Short:         "Operate a goalpath deployment",
	Long:          "Run migrations, batch jobs and outbox maintenance against the configured database.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", config.GetConfigEnv(),
		"Config environment (loads <env>.yaml over base.yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.GetEnv("CONFIG_DIR", "config"),
		"Directory holding base.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(replayOutboxCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session is what a subcommand needs from the environment.
type session struct {
	cfg     *config.Config
	log     *zap.Logger
	backend *app.Backend
}

func (s *session) Close() {
	s.backend.Close()
	_ = s.log.Sync()
}

func openSession(ctx context.Context, migrate bool) (*session, error) {
	cfg, err := config.Load(configEnv, configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Backend != "postgres" {
		return nil, fmt.Errorf("goalctl requires storage.backend postgres, got %q", cfg.Storage.Backend)
	}
	log := logger.NewLogger(cfg.Log.Level)
	backend, err := app.OpenBackend(ctx, cfg, log, migrate)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, log: log, backend: backend}, nil
}

// core builds the domain layer. Redis is optional here; without it the
// projection cache is simply not invalidated until its TTL expires.
func (s *session) core() (*app.Core, func(), error) {
	coach, err := app.NewPlanner(s.cfg.Planner, s.log)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := app.OpenRedis(s.cfg.Redis, s.log)
	if err != nil {
		s.log.Warn("Redis unavailable, cache will not be invalidated", zap.Error(err))
		rdb = nil
	}
	closeFn := func() {}
	if rdb != nil {
		closeFn = func() { _ = rdb.Close() }
	}
	return app.NewCore(s.cfg, s.backend, coach, rdb, s.log), closeFn, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
