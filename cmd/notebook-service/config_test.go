package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notebook_service.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := loadAppConfig(missing, false)
	if err != nil {
		t.Fatalf("optional config: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Evaluation.Queue != queueMemory || cfg.Catalog.Driver != catalogMemory || cfg.Fanout.Backend != fanoutLocal {
		t.Fatalf("unexpected backends: %+v %+v %+v", cfg.Evaluation, cfg.Catalog, cfg.Fanout)
	}
	if cfg.Session.SweepInterval != defaultSweepInterval {
		t.Fatalf("sweep interval = %v", cfg.Session.SweepInterval)
	}
	if cfg.Evaluation.WorkRoot != filepath.Join(cfg.DataDir, "evaluation") {
		t.Fatalf("work root = %q", cfg.Evaluation.WorkRoot)
	}

	if _, err := loadAppConfig(missing, true); err == nil {
		t.Fatalf("expected error for required missing config")
	}
}

func TestLoadAppConfigInfersBackends(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: 127.0.0.1:6379
database:
  dsn: user:pass@tcp(127.0.0.1:3306)/booml?parseTime=true
kafka:
  brokers: ["127.0.0.1:9092"]
fanout:
  backend: Redis
session:
  defaultTTL: 45m
`)
	cfg, err := loadAppConfig(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Evaluation.Queue != queueKafka {
		t.Fatalf("queue = %q", cfg.Evaluation.Queue)
	}
	if cfg.Catalog.Driver != catalogMySQL {
		t.Fatalf("catalog = %q", cfg.Catalog.Driver)
	}
	if cfg.Fanout.Backend != fanoutRedis {
		t.Fatalf("fanout = %q", cfg.Fanout.Backend)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Redis.DialTimeout == 0 {
		t.Fatalf("redis defaults not applied: %+v", cfg.Redis)
	}
	if cfg.Session.DefaultTTL != 45*time.Minute {
		t.Fatalf("default ttl = %v", cfg.Session.DefaultTTL)
	}
	if cfg.Kafka.Topic != defaultEvalTopic {
		t.Fatalf("topic = %q", cfg.Kafka.Topic)
	}
}

func TestLoadAppConfigRejectsInconsistentBackends(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "kafka without brokers", body: "evaluation:\n  queue: kafka\n", want: "kafka brokers"},
		{name: "unknown queue", body: "evaluation:\n  queue: rabbit\n", want: "unknown evaluation queue"},
		{name: "mysql without dsn", body: "catalog:\n  driver: mysql\n", want: "database dsn"},
		{name: "redis fanout without redis", body: "fanout:\n  backend: redis\n", want: "redis addr"},
		{name: "nats fanout without url", body: "fanout:\n  backend: nats\n", want: "nats url"},
		{name: "unknown fanout", body: "fanout:\n  backend: carrier-pigeon\n", want: "unknown fanout backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadAppConfig(writeConfig(t, tc.body), true)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadAppConfigPythonCmdFromEnv(t *testing.T) {
	t.Setenv("PYTHON_CMD", "python3.12 -u")
	cfg, err := loadAppConfig(writeConfig(t, "server:\n  addr: 127.0.0.1:9000\n"), true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sandbox.PythonCmd != "python3.12 -u" {
		t.Fatalf("python cmd = %q", cfg.Sandbox.PythonCmd)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}
