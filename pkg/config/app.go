package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全部服务共用的配置结构
type Config struct {
	DB           DBConfig           `yaml:"db"`
	MQ           MQConfig           `yaml:"mq"`
	Redis        RedisConfig        `yaml:"redis"`
	JWT          JWTConfig          `yaml:"jwt"`
	Server       ServerConfig       `yaml:"server"`
	Planner      PlannerConfig      `yaml:"planner"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Progression  ProgressionConfig  `yaml:"progression"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Redrive      RedriveConfig      `yaml:"redrive"`
	OTel         OTelConfig         `yaml:"otel"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
}

// Defaults 返回默认配置
func Defaults() Config {
	return Config{
		DB:     DBConfig{Host: "localhost", Port: 5432, SSLMode: "disable", MaxConns: 10, SlowQuery: 100 * time.Millisecond},
		MQ:     MQConfig{Exchange: "events", MaxRetries: 3},
		Redis:  RedisConfig{Addr: "localhost:6379", CacheTTL: 5 * time.Minute},
		Server: ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second},
		Planner: PlannerConfig{
			Backend:         "agent",
			Model:           "gpt-4o-mini",
			Timeout:         60 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			StageRetries:   2,
			InitialBackoff: time.Second,
			OverallTimeout: 15 * time.Minute,
		},
		Progression:  ProgressionConfig{ConflictRetries: 3},
		Materializer: MaterializerConfig{Schedule: "5 0 * * *", Concurrency: 8, Timezone: "UTC"},
		Redrive:      RedriveConfig{Schedule: "*/10 * * * *", Grace: 20 * time.Minute, Batch: 50},
		Log:          LogConfig{Level: "info"},
		Storage:      StorageConfig{Backend: "postgres"},
	}
}

// Load 加载并解析配置：默认值 < base.yaml < <env>.yaml < secrets.env < 环境变量
func Load(env, configDir string) (*Config, error) {
	merged, err := LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}

	OverrideDBFromEnv(&cfg.DB)
	OverrideMQFromEnv(&cfg.MQ)
	OverrideRedisFromEnv(&cfg.Redis)
	OverrideJWTFromEnv(&cfg.JWT)
	OverrideServerFromEnv(&cfg.Server)
	OverridePlannerFromEnv(&cfg.Planner)
	OverrideStorageFromEnv(&cfg.Storage)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(merged map[string]interface{}) (*Config, error) {
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.backend must be postgres or memory, got %q", c.Storage.Backend)
	}
	switch c.Planner.Backend {
	case "agent":
		if c.Planner.URL == "" {
			return fmt.Errorf("planner.url is required for the agent backend")
		}
	case "openai":
		if c.Planner.APIKey == "" {
			return fmt.Errorf("planner.api_key is required for the openai backend")
		}
	default:
		return fmt.Errorf("planner.backend must be agent or openai, got %q", c.Planner.Backend)
	}
	if c.Materializer.Concurrency < 1 {
		return fmt.Errorf("materializer.concurrency must be positive")
	}
	if _, err := time.LoadLocation(c.Materializer.Timezone); err != nil {
		return fmt.Errorf("materializer.timezone: %w", err)
	}
	return nil
}
