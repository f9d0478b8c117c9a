package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"booml/internal/common/cache"
	"booml/internal/common/db"
	"booml/internal/common/mq"
	"booml/internal/common/storage"
	"booml/internal/notebook/engine"
	"booml/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultSweepInterval   = time.Minute
	defaultStatusTTL       = 24 * time.Hour
	defaultEvalTopic       = "evaluation.submissions"
	defaultEvalBuffer      = 256
)

// Evaluation queue backends.
const (
	queueKafka    = "kafka"
	queueMemory   = "memory"
	queueDisabled = "disabled"
)

// Catalog drivers.
const (
	catalogMySQL  = "mysql"
	catalogMemory = "memory"
)

// Fan-out backends.
const (
	fanoutLocal = "local"
	fanoutRedis = "redis"
	fanoutNATS  = "nats"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxUploadBytes int64         `yaml:"maxUploadBytes"`
	// Debug exposes internal error details in responses.
	Debug bool `yaml:"debug"`
}

// KafkaConfig holds the evaluation queue settings on kafka.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`
	Topic          string `yaml:"topic"`
	ConsumerGroup  string `yaml:"consumerGroup"`
}

// NATSConfig holds NATS fan-out settings.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// SessionConfig holds notebook session settings.
type SessionConfig struct {
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// DefaultTTL applies when the VM spec carries none.
	DefaultTTL time.Duration `yaml:"defaultTTL"`
}

// EvaluationConfig holds evaluation worker settings.
type EvaluationConfig struct {
	// Queue is kafka, memory or disabled. Disabled evaluates in-process.
	Queue          string        `yaml:"queue"`
	Concurrency    int           `yaml:"concurrency"`
	Buffer         int           `yaml:"buffer"`
	WorkRoot       string        `yaml:"workRoot"`
	Timeout        time.Duration `yaml:"timeout"`
	LockTTL        time.Duration `yaml:"lockTTL"`
	StatusTTL      time.Duration `yaml:"statusTTL"`
	StatusTimeout  time.Duration `yaml:"statusTimeout"`
	MaxObjectBytes int64         `yaml:"maxObjectBytes"`
	// ObjectRoot, when set and minio is not configured, serves s3:// URIs
	// from a local directory.
	ObjectRoot string `yaml:"objectRoot"`
}

// CatalogConfig selects where submissions and descriptors live.
type CatalogConfig struct {
	Driver string `yaml:"driver"`
}

// FanoutConfig selects how evaluation events reach websocket clients.
type FanoutConfig struct {
	Backend string `yaml:"backend"`
	Buffer  int    `yaml:"buffer"`
}

// AppConfig holds notebook-service config.
type AppConfig struct {
	DataDir    string              `yaml:"dataDir"`
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	Database   db.MySQLConfig      `yaml:"database"`
	Kafka      KafkaConfig         `yaml:"kafka"`
	NATS       NATSConfig          `yaml:"nats"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Sandbox    engine.Config       `yaml:"sandbox"`
	Session    SessionConfig       `yaml:"session"`
	Evaluation EvaluationConfig    `yaml:"evaluation"`
	Catalog    CatalogConfig       `yaml:"catalog"`
	Fanout     FanoutConfig        `yaml:"fanout"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path and applies defaults. A missing file at the
// default path is not an error; the service then runs on defaults.
func loadAppConfig(path string, required bool) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.DataDir == "" {
		cfg.DataDir = envOr("DATA_DIR", "./data")
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = defaultSweepInterval
	}
	if cfg.Sandbox.PythonCmd == "" {
		cfg.Sandbox.PythonCmd = envOr("PYTHON_CMD", engine.DefaultPythonCmd)
	}

	ev := &cfg.Evaluation
	ev.Queue = strings.ToLower(strings.TrimSpace(ev.Queue))
	if ev.Queue == "" {
		ev.Queue = queueMemory
		if len(cfg.Kafka.Brokers) > 0 {
			ev.Queue = queueKafka
		}
	}
	switch ev.Queue {
	case queueKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka evaluation queue")
		}
	case queueMemory, queueDisabled:
	default:
		return fmt.Errorf("unknown evaluation queue %q", ev.Queue)
	}
	if ev.Concurrency <= 0 {
		ev.Concurrency = 2
	}
	if ev.Buffer <= 0 {
		ev.Buffer = defaultEvalBuffer
	}
	if ev.WorkRoot == "" {
		ev.WorkRoot = filepath.Join(cfg.DataDir, "evaluation")
	}
	if ev.StatusTTL <= 0 {
		ev.StatusTTL = defaultStatusTTL
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEvalTopic
	}

	cfg.Catalog.Driver = strings.ToLower(strings.TrimSpace(cfg.Catalog.Driver))
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = catalogMemory
		if cfg.Database.DSN != "" {
			cfg.Catalog.Driver = catalogMySQL
		}
	}
	switch cfg.Catalog.Driver {
	case catalogMySQL:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for the mysql catalog")
		}
	case catalogMemory:
	default:
		return fmt.Errorf("unknown catalog driver %q", cfg.Catalog.Driver)
	}

	cfg.Fanout.Backend = strings.ToLower(strings.TrimSpace(cfg.Fanout.Backend))
	if cfg.Fanout.Backend == "" {
		cfg.Fanout.Backend = fanoutLocal
	}
	switch cfg.Fanout.Backend {
	case fanoutLocal:
	case fanoutRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis fanout backend")
		}
	case fanoutNATS:
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats url is required for the nats fanout backend")
		}
	default:
		return fmt.Errorf("unknown fanout backend %q", cfg.Fanout.Backend)
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
