// Strata Controller — блочный контроллер хранилища.
//
// Controller:
//   - Принимает запросы на создание, удаление и ingest томов (HTTP API)
//   - Строит графы операций и выполняет их движком с откатом
//   - Опрашивает асинхронные job массивов и принимает push-уведомления из RabbitMQ
//   - Восстанавливает незавершённые графы после рестарта
//   - Архивирует завершённые графы по расписанию
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Strata/internal/adapter/rest"
	"github.com/shaiso/Strata/internal/adapter/sim"
	"github.com/shaiso/Strata/internal/api"
	"github.com/shaiso/Strata/internal/config"
	"github.com/shaiso/Strata/internal/controller"
	"github.com/shaiso/Strata/internal/executor"
	"github.com/shaiso/Strata/internal/faultinject"
	"github.com/shaiso/Strata/internal/lock"
	"github.com/shaiso/Strata/internal/mq"
	"github.com/shaiso/Strata/internal/orchestrator"
	"github.com/shaiso/Strata/internal/poller"
	"github.com/shaiso/Strata/internal/repo"
	"github.com/shaiso/Strata/internal/scheduler"
	"github.com/shaiso/Strata/internal/telemetry"
)

// Publisher из RabbitMQ — публикатор событий движка.
var _ orchestrator.Publisher = (*mq.Publisher)(nil)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting strata-controller")

	if err := run(logger); err != nil {
		logger.Error("strata-controller failed", "error", err)
		os.Exit(1)
	}
	logger.Info("strata-controller stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis: блокировки и runtime-флаги
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	var locker lock.Locker
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, lock.RedisConfig{
			TTL:     cfg.LockTTL,
			Timeout: cfg.LockTimeout,
			Logger:  logger,
		})
	} else {
		locker = lock.NewMemoryLocker(cfg.LockTimeout)
	}

	flags := config.Chain{}
	if cfg.FlagsFile != "" {
		fileFlags, err := config.NewFileFlags(cfg.FlagsFile, logger)
		if err != nil {
			return err
		}
		flags = append(flags, fileFlags)
	}
	if redisClient != nil {
		flags = append(flags, config.NewRedisFlags(redisClient, "", logger))
	}

	// RabbitMQ (опционально)
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(mq.ConnectionConfig{URL: cfg.RabbitMQURL, Logger: logger})
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(mqConn, logger)
			logger.Info("RabbitMQ connected")
		}
	}

	// Исполнитель действий
	registry := executor.NewRegistry()
	exec := executor.New(executor.Config{
		Registry: registry,
		Injector: faultinject.New(flags),
		Attempts: cfg.RetryAttempts,
		Delay:    cfg.RetryDelay,
		Logger:   logger,
	})
	controller.RegisterHandlers(registry)

	jobPoller := poller.New(poller.Config{
		Registry:   registry,
		Interval:   cfg.PollInterval,
		Workers:    cfg.PollWorkers,
		MaxErrors:  cfg.MaxPollErrors,
		JobTimeout: cfg.JobTimeout,
		Logger:     logger,
	})

	if err := registerAdapter(cfg, registry, jobPoller, publisher, logger); err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:     store,
		Executor:  exec,
		Poller:    jobPoller,
		Locker:    locker,
		Publisher: optionalPublisher(publisher),
		Workers:   cfg.Workers,
		ID:        cfg.InstanceID,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    logger,
	})

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	logger.Info("recovery completed", "workflows", recovered)

	// Push-уведомления о job
	if mqConn != nil {
		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueJobsCompleted),
			Handler:  mq.JobCompletedHandler(jobPoller, logger),
			Prefetch: 10,
		})
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job consumer stopped", "error", err)
			}
		}()
		defer consumer.Stop()
	}

	ctrl := controller.New(controller.Config{
		Orchestrator: orch,
		Executor:     exec,
		Locker:       locker,
		Store:        store,
		Logger:       logger,
	})
	defer ctrl.Wait()

	archiver, err := scheduler.New(scheduler.Config{
		Workflows: store.Workflows,
		Schedule:  cfg.ArchiveSchedule,
		Retention: cfg.ArchiveRetention,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := archiver.Start(ctx); err != nil {
		return err
	}
	defer archiver.Stop()

	// HTTP: API + /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("stopping"))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d", orch.ActiveCount())
		if mqConn != nil && !mqConn.IsConnected() {
			w.Write([]byte(" amqp=reconnecting"))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{
		Store:        store,
		Orchestrator: orch,
		Controller:   ctrl,
		Logger:       logger,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	return nil
}

// openStore открывает хранилище по db_driver.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repo.Store, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := repo.NewPool(ctx, cfg.DBURL, int32(cfg.Workers*2))
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := repo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database connected", "driver", "postgres")
		return repo.NewPostgresStore(pool), pool.Close, nil

	case "sqlite":
		db, err := repo.OpenSQLite(cfg.DBURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := repo.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("database opened", "driver", "sqlite", "path", cfg.DBURL)
		return store, func() { db.Close() }, nil

	default:
		logger.Warn("using in-memory store, workflows will not survive restart")
		return repo.NewMemoryStore(), func() {}, nil
	}
}

// registerAdapter подключает адаптер массива: REST, если задан adapter_url,
// иначе встроенный симулятор.
func registerAdapter(cfg *config.Config, reg *executor.Registry, p *poller.Poller, publisher *mq.Publisher, logger *slog.Logger) error {
	if cfg.AdapterURL != "" {
		adapter, err := rest.New(rest.Config{BaseURL: cfg.AdapterURL, Logger: logger})
		if err != nil {
			return err
		}
		adapter.Register(reg, controller.TargetArray, controller.DeviceOperations()...)
		adapter.Register(reg, controller.TargetHost, controller.OpHostRescan)
		logger.Info("rest adapter registered", "url", cfg.AdapterURL)
		return nil
	}

	// Симулятор сообщает о job через RabbitMQ, если он подключён.
	notify := func(deviceID, jobID string, state executor.JobState) {
		p.Notify(deviceID, jobID, state)
	}
	if publisher != nil {
		notify = func(deviceID, jobID string, state executor.JobState) {
			err := publisher.PublishJobCompleted(context.Background(), mq.JobCompletedPayload{
				DeviceID:  deviceID,
				JobID:     jobID,
				Status:    string(state.Status),
				SubStatus: state.SubStatus,
				Message:   state.Message,
			})
			if err != nil {
				logger.Warn("failed to publish job.completed", "job_id", jobID, "error", err)
			}
		}
	}

	array := sim.New(sim.Config{AsyncCreate: true, Notify: notify, Logger: logger})
	array.Register(reg)
	logger.Warn("no adapter_url configured, using simulated array")
	return nil
}

// optionalPublisher не даёт nil *mq.Publisher превратиться в ненулевой интерфейс.
func optionalPublisher(p *mq.Publisher) orchestrator.Publisher {
	if p == nil {
		return nil
	}
	return p
}
