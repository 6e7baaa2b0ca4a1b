package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"Stochastic-Bridge/internal/api"
	"Stochastic-Bridge/internal/auth"
	"Stochastic-Bridge/internal/config"
	"Stochastic-Bridge/internal/llm/stochasticai"
	"Stochastic-Bridge/internal/observability/alerting"
	"Stochastic-Bridge/internal/observability/metrics"
	"Stochastic-Bridge/internal/task"
	"Stochastic-Bridge/pkg/logger"
)

// main 是 stochasticd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("stochasticd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, nil)
	}

	client, err := newCompletionClient(cfg.LLM.StochasticAI, m)
	if err != nil {
		return err
	}
	logger.L().Info("补全客户端已就绪", slog.Any("model", client.IdentifyingParams()))
	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	taskStore, err := newTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	taskQueue, err := newTaskQueue(ctx, cfg.TaskQueue)
	if err != nil {
		_ = taskStore.Close()
		return err
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.MaxRetries,
		task.WithStaleRunningAfter(cfg.Storage.TaskStore.StaleRunningAfter.Std()),
	)
	defer func() {
		if err := taskService.Close(); err != nil {
			logger.L().Warn("释放任务资源失败", slog.Any("error", err))
		}
	}()

	processor := task.NewProcessor(task.NewCompletionExecutor(client), taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
		task.WithProcessorMetrics(m),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if _, err := taskService.Resume(ctx); err != nil {
		logger.L().Warn("恢复未完成任务失败", slog.Any("error", err))
	}

	server := api.NewServer(cfg.Server.Address, taskService,
		api.WithCompletionClient(client),
		api.WithMetrics(m, cfg.Metrics.Path),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
		api.WithAuth(authService),
	)
	err = server.Start(ctx)
	processorCancel()
	<-processorDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("stochasticd 已退出")
	return nil
}

func newCompletionClient(cfg config.StochasticAIConfig, m *metrics.Metrics) (*stochasticai.Client, error) {
	opts := []stochasticai.Option{
		stochasticai.WithMetrics(m),
		stochasticai.WithPollInterval(cfg.PollInterval.Std()),
	}
	if timeout := cfg.RequestTimeout.Std(); timeout > 0 {
		opts = append(opts, stochasticai.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return stochasticai.NewClient(stochasticai.Config{
		ModelID:         cfg.ModelID,
		APIKey:          cfg.APIKey,
		ModelKwargs:     cfg.ModelKwargs,
		Extra:           cfg.Extra,
		Timeout:         cfg.Timeout.Std(),
		MaxPollAttempts: cfg.MaxPollAttempts,
	}, opts...)
}

func newTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func newTaskQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
