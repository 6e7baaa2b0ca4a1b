package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/pkg/logger"
)

// resumePageSize 是 Resume 扫描候选任务时的分页大小。
const resumePageSize = 100

// Service 负责补全任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	staleAfter time.Duration
}

// ServiceOption 定义任务服务的可选配置。
type ServiceOption func(*Service)

// WithStaleRunningAfter 指定运行中任务在多久未更新后被 Resume 视为中断。0 表示不处理运行中任务。
func WithStaleRunningAfter(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的补全任务并推送到队列。指定 ID 已存在时直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(CodeTaskValidation, "prompt 不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		Prompt:     req.Prompt,
		Stop:       cloneStop(req.Stop),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			} else if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("补全任务入队成功",
		slog.String("task_id", taskID),
		slog.Int("prompt_length", len(task.Prompt)),
		slog.Int("stop_count", len(task.Stop)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Resume 将仍可重试的待执行或失败任务重新入队，通常在启动时调用。
// 配置了 WithStaleRunningAfter 时，先把超时未更新的运行中任务退回待执行。
// 候选任务先全部收集再投递。
// 返回重新入队的任务数量。
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if s.staleAfter > 0 {
		released, err := s.store.ReleaseStale(ctx, time.Now().Add(-s.staleAfter).Unix())
		if err != nil {
			return 0, err
		}
		if released > 0 {
			logger.L().Warn("释放滞留的运行中任务", slog.Int("count", released))
		}
	}

	ids, err := s.collectResumable(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		if err := s.producer.Publish(ctx, id); err != nil {
			return requeued, xerrors.Wrap(CodeTaskPublish, err, "重新入队失败")
		}
		requeued++
	}
	if requeued > 0 {
		logger.L().Info("恢复未完成的补全任务", slog.Int("count", requeued))
	}
	return requeued, nil
}

// collectResumable 分页收集可重新入队的任务 ID。扫描期间消费者可能领取队列中残留的任务，
// 使后续记录的偏移前移，因此反复从头扫描，直到一整轮没有发现新的 ID。
func (s *Service) collectResumable(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for {
		found := 0
		for offset := 0; ; offset += resumePageSize {
			tasks, err := s.store.List(ctx, buildListOptions([]ListOption{
				WithStatuses(StatusPending, StatusFailed),
				WithSortOrder(SortOldestFirst),
				WithLimit(resumePageSize),
				WithOffset(offset),
			}))
			if err != nil {
				return nil, err
			}
			for _, task := range tasks {
				if task.IsTerminal() {
					continue
				}
				if _, ok := seen[task.ID]; ok {
					continue
				}
				seen[task.ID] = struct{}{}
				ids = append(ids, task.ID)
				found++
			}
			if len(tasks) < resumePageSize {
				break
			}
		}
		if found == 0 {
			return ids, nil
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态，直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
