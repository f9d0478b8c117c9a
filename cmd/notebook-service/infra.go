package main

import (
	"context"
	"fmt"
	"time"

	"booml/internal/common/cache"
	"booml/internal/common/db"
	"booml/internal/common/mq"
	"booml/internal/common/storage"
	"booml/internal/evaluation/fanout"
	"booml/internal/evaluation/repository"
	"booml/internal/notebook/controller"
	"booml/pkg/utils/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// infra holds the external connections of the evaluation side.
type infra struct {
	redis    *cache.RedisCache
	database *db.MySQL
	nats     *nats.Conn
	natsSub  *nats.Subscription
	queue    mq.MessageQueue

	store       repository.Store
	statusCache *repository.StatusCache
	locker      cache.LockOps
	objects     storage.ObjectStorage
	hub         *fanout.Hub
	publisher   fanout.Publisher

	stopBridges context.CancelFunc
}

func openInfra(ctx context.Context, cfg *AppConfig) (_ *infra, err error) {
	in := &infra{hub: fanout.NewHub(cfg.Fanout.Buffer)}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	var cacheClient cache.KV
	if cfg.Redis.Addr != "" {
		in.redis, err = cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		cacheClient = in.redis
		in.locker = in.redis
		in.statusCache = repository.NewStatusCache(in.redis, cfg.Evaluation.StatusTTL)
	}

	switch cfg.Catalog.Driver {
	case catalogMySQL:
		in.database, err = db.NewMySQLWithConfig(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init mysql: %w", err)
		}
		in.store = repository.NewMySQLStore(db.NewStaticProvider(in.database), cacheClient)
	default:
		logger.Warn(ctx, "using in-memory submission catalog")
		in.store = repository.NewMemoryStore()
	}

	if cfg.MinIO.Endpoint != "" {
		in.objects, err = storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
	} else if cfg.Evaluation.ObjectRoot != "" {
		in.objects = storage.NewDirStorage(cfg.Evaluation.ObjectRoot)
	}

	bridgeCtx, cancel := context.WithCancel(context.Background())
	in.stopBridges = cancel
	publishers := fanout.Multi{in.hub}
	switch cfg.Fanout.Backend {
	case fanoutRedis:
		// Events come back through the subscriber, so the local hub is not
		// published to directly.
		publishers = fanout.Multi{fanout.NewRedisPublisher(in.redis)}
		ready := make(chan struct{})
		sub := fanout.NewRedisSubscriber(in.redis.Client(), in.hub)
		go func() {
			if err := sub.Run(bridgeCtx, ready); err != nil {
				logger.Error(bridgeCtx, "redis fanout subscriber stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(cfg.Redis.DialTimeout + time.Second):
			logger.Warn(ctx, "redis fanout subscriber not confirmed yet")
		}
	case fanoutNATS:
		opts := []nats.Option{nats.Name(cfg.NATS.Name)}
		in.nats, err = nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		in.natsSub, err = fanout.SubscribeNATS(in.nats, in.hub)
		if err != nil {
			return nil, fmt.Errorf("subscribe nats fanout: %w", err)
		}
		publishers = fanout.Multi{fanout.NewNATSPublisher(in.nats)}
	}
	in.publisher = publishers

	switch cfg.Evaluation.Queue {
	case queueKafka:
		kafkaQueue, err := mq.NewKafkaQueue(cfg.Kafka.KafkaConfig)
		if err != nil {
			return nil, fmt.Errorf("init kafka: %w", err)
		}
		in.queue = kafkaQueue
	case queueMemory:
		in.queue = mq.NewMemoryQueue(cfg.Evaluation.Buffer)
	}
	logger.Info(ctx, "evaluation infrastructure ready",
		zap.String("catalog", cfg.Catalog.Driver),
		zap.String("queue", cfg.Evaluation.Queue),
		zap.String("fanout", cfg.Fanout.Backend),
		zap.Bool("redis", in.redis != nil),
		zap.Bool("object_storage", in.objects != nil),
	)
	return in, nil
}

func (in *infra) queueProducer() mq.Producer {
	if in.queue == nil {
		return nil
	}
	return in.queue
}

func (in *infra) statusReader() controller.StatusReader {
	if in.statusCache == nil {
		return nil
	}
	return in.statusCache
}

// Ping checks every configured connection.
func (in *infra) Ping(ctx context.Context) error {
	if in.redis != nil {
		if err := in.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if in.database != nil {
		if err := in.database.Ping(ctx); err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
	}
	if in.nats != nil && !in.nats.IsConnected() {
		return fmt.Errorf("nats: %s", in.nats.Status())
	}
	if in.queue != nil {
		if err := in.queue.Ping(ctx); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (in *infra) Close() {
	if in.queue != nil {
		_ = in.queue.Close()
	}
	if in.stopBridges != nil {
		in.stopBridges()
	}
	if in.natsSub != nil {
		_ = in.natsSub.Unsubscribe()
	}
	if in.nats != nil {
		if err := in.nats.Drain(); err != nil {
			in.nats.Close()
		}
	}
	in.hub.Close()
	if in.database != nil {
		_ = in.database.Close()
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
}
