package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"booml/internal/evaluation/checker"
	evalservice "booml/internal/evaluation/service"
	"booml/internal/notebook/agent"
	"booml/internal/notebook/controller"
	"booml/internal/notebook/engine"
	"booml/internal/notebook/service"
	"booml/internal/notebook/session"
	"booml/internal/notebook/stream"
	"booml/internal/notebook/vm"
	apperrors "booml/pkg/errors"
	"booml/pkg/utils/logger"
	"booml/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/notebook_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	appCfg, err := loadAppConfig(*configPath, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	response.SetDebug(appCfg.Server.Debug || appCfg.Logger.Level == "debug")

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "notebook service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vmCfg, err := vm.LoadConfig()
	if err != nil {
		return fmt.Errorf("load vm config: %w", err)
	}
	limits, err := engine.LimitsFromEnv()
	if err != nil {
		return fmt.Errorf("load run limits: %w", err)
	}
	eng, err := engine.New(appCfg.Sandbox, limits)
	if err != nil {
		return fmt.Errorf("init execution engine: %w", err)
	}
	relay := agent.NewRelay(nil, limits.MaxFileBytes)
	defer relay.Close()
	backend, err := vm.NewBackend(ctx, vmCfg, agent.Probe, vm.WithHostRelay(relay))
	if err != nil {
		return fmt.Errorf("init vm backend: %w", err)
	}
	logger.Info(ctx, "vm backend ready", zap.String("backend", backend.Name()), zap.String("root", vmCfg.Root))

	var streams *stream.Manager
	registry := session.NewRegistry(backend,
		session.WithDefaultTTL(appCfg.Session.DefaultTTL),
		session.WithDestroyHook(func(ctx context.Context, id string) {
			streams.CancelSession(id)
		}),
	)
	streams = stream.NewManager(eng, stream.RegistrySessions{Registry: registry})
	notebook, err := service.NewService(service.Config{
		Registry: registry,
		Runner:   eng,
		Streams:  streams,
	})
	if err != nil {
		return fmt.Errorf("init notebook service: %w", err)
	}

	deps, err := openInfra(ctx, appCfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	evaluator, err := evalservice.NewService(evalservice.Config{
		Store:          deps.store,
		Checker:        checker.New(checker.NewSandboxMetric(eng, filepath.Join(appCfg.Evaluation.WorkRoot, "metrics"))),
		Publisher:      deps.publisher,
		StatusCache:    deps.statusCache,
		Locker:         deps.locker,
		Storage:        deps.objects,
		Producer:       deps.queueProducer(),
		Topic:          appCfg.Kafka.Topic,
		WorkRoot:       appCfg.Evaluation.WorkRoot,
		EvalTimeout:    appCfg.Evaluation.Timeout,
		StatusTimeout:  appCfg.Evaluation.StatusTimeout,
		LockTTL:        appCfg.Evaluation.LockTTL,
		MaxObjectBytes: appCfg.Evaluation.MaxObjectBytes,

		InlineConcurrency: appCfg.Evaluation.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("init evaluation service: %w", err)
	}
	defer evaluator.Wait()
	if err := os.MkdirAll(appCfg.Evaluation.WorkRoot, 0o755); err != nil {
		return fmt.Errorf("create evaluation work root: %w", err)
	}
	if deps.queue != nil {
		if err := evaluator.Subscribe(ctx, deps.queue, appCfg.Kafka.ConsumerGroup, appCfg.Evaluation.Concurrency); err != nil {
			return fmt.Errorf("subscribe evaluation queue: %w", err)
		}
		if err := deps.queue.Start(); err != nil {
			return fmt.Errorf("start evaluation consumer: %w", err)
		}
		logger.Info(ctx, "evaluation consumer started",
			zap.String("queue", appCfg.Evaluation.Queue),
			zap.Int("concurrency", appCfg.Evaluation.Concurrency),
		)
	}

	registry.StartSweeper(ctx, appCfg.Session.SweepInterval, func(now time.Time) {
		if evicted := notebook.EvictExpired(now); len(evicted) > 0 {
			logger.Debug(ctx, "finished runs evicted", zap.Strings("run_ids", evicted))
		}
	})

	httpServer := buildHTTPServer(appCfg.Server, controller.Routes{
		Notebook:   controller.NewNotebookController(notebook),
		Evaluation: controller.NewEvaluationController(evaluator, deps.statusReader(), deps.store, appCfg.Server.MaxUploadBytes),
		Streams:    controller.NewStreamController(notebook, deps.hub),
		Health: func(c *gin.Context) error {
			if err := deps.Ping(c.Request.Context()); err != nil {
				return apperrors.Wrap(err, apperrors.ServiceUnavailable)
			}
			return nil
		},
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "notebook http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http server shutdown failed", zap.Error(err))
	}
	if deps.queue != nil {
		_ = deps.queue.Stop()
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "session registry shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, routes controller.Routes) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      controller.NewRouter(routes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
