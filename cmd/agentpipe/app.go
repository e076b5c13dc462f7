package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aescanero/agentpipe/internal/application/executor"
	"github.com/aescanero/agentpipe/internal/application/gateway"
	"github.com/aescanero/agentpipe/internal/application/orchestrator"
	"github.com/aescanero/agentpipe/internal/application/workers"
	"github.com/aescanero/agentpipe/internal/config"
	eventmemory "github.com/aescanero/agentpipe/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/agentpipe/pkg/adapters/events/redis"
	"github.com/aescanero/agentpipe/pkg/adapters/llm"
	promcollector "github.com/aescanero/agentpipe/pkg/adapters/metrics/prometheus"
	queuememory "github.com/aescanero/agentpipe/pkg/adapters/queue/memory"
	redisqueue "github.com/aescanero/agentpipe/pkg/adapters/queue/redis"
	"github.com/aescanero/agentpipe/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/agentpipe/pkg/adapters/storage/redis"
	"github.com/aescanero/agentpipe/pkg/adapters/storage/sqlite"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired components shared by the serve and worker commands
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	redis *goredis.Client
	store ports.Store
	queue ports.JobQueue
	bus   *eventmemory.Bus
	relay *redisevents.Relay
	// events is the bus producers and the gateway use; the relay when
	// events cross processes
	events ports.EventBus

	metrics *promcollector.Collector
	manager *orchestrator.Manager
	gateway *gateway.Gateway
	pool    *workers.Pool
	runJobs *workers.RunJobHandler
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.UsesRedis() {
		client, err := connectRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.redis = client
	}

	store, err := openStore(cfg, a.redis, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		a.queue = redisqueue.NewStreamsQueue(a.redis, consumerName(cfg), cfg.Queue.VisibilityTimeout, logger)
	default:
		a.queue = queuememory.NewQueue()
	}

	a.metrics = promcollector.NewCollector(prometheus.DefaultRegisterer)

	a.bus = eventmemory.NewBus(cfg.Events.SubscriberBuffer, a.metrics, logger)
	a.events = a.bus
	if cfg.Events.Backend == config.BackendRedis {
		a.relay = redisevents.NewRelay(a.redis, a.bus, consumerName(cfg), logger)
		if err := a.relay.Start(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start event relay: %w", err)
		}
		a.events = a.relay
	}

	jobOpts := domain.JobOptions{
		RetryLimit: cfg.Workers.MaxRetries,
		RetryDelay: cfg.Workers.RetryDelay,
	}
	a.manager = orchestrator.NewManager(a.store, a.queue, a.metrics, logger, jobOpts)
	a.gateway = gateway.NewGateway(a.store, a.events, a.metrics, logger)

	exec := executor.NewExecutor(a.store, a.events, a.metrics, logger, cfg.Timeouts.StepExecutionTimeout)
	resolver := llm.NewResolver(a.store, cfg.LLM.RequestTimeout, logger)
	a.runJobs = workers.NewRunJobHandler(a.store, resolver, exec, a.events, a.metrics, logger, workers.RunJobConfig{
		RunTimeout: cfg.Timeouts.RunExecutionTimeout,
		MaxTokens:  cfg.LLM.DefaultMaxTokens,
	})

	a.pool = workers.NewPool(workers.Config{
		Size:                cfg.Workers.PoolSize,
		PollWait:            cfg.Queue.PollWait,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
		ReclaimInterval:     cfg.Workers.ReclaimInterval,
	}, a.queue, a.metrics, logger)
	if err := a.pool.RegisterWorker(domain.JobTypeRunPipeline, a.runJobs.Handle); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.pool.OnDeadLetter(domain.JobTypeRunPipeline, a.runJobs.HandleDeadLetter); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Close releases the connections held by the app
func (a *app) Close() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Error("event relay close error", zap.Error(err))
		}
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("store close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Redis close error", zap.Error(err))
		}
	}
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	return client, nil
}

// openStore opens the configured store. client is required for the Redis backend.
func openStore(cfg *config.Config, client *goredis.Client, logger *zap.Logger) (ports.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := sqlite.NewStore(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis store requires a Redis connection")
		}
		return redisstorage.NewStore(client, cfg.Store.TTL, logger), nil
	default:
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.NewStore(), nil
	}
}

// openAdminStore opens only the store, for administrative commands
func openAdminStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.Store, func(), error) {
	var client *goredis.Client
	if cfg.Store.Backend == config.BackendRedis {
		var err error
		client, err = connectRedis(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	store, err := openStore(cfg, client, logger)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, err
	}

	closeFn := func() {
		_ = store.Close()
		if client != nil {
			_ = client.Close()
		}
	}
	return store, closeFn, nil
}

func consumerName(cfg *config.Config) string {
	if cfg.Queue.ConsumerName != "" {
		return cfg.Queue.ConsumerName
	}
	host, err := os.Hostname()
	if err != nil {
		host = "agentpipe"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
